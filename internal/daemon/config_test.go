package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driveforest/internal/analyze"
	"driveforest/internal/storage"
)

// isolateConfig points the config dir at a short temporary directory; unix
// socket paths are limited to about 104 bytes.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "dfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("DRIVEFOREST_CONFIG_DIR", dir)
	t.Setenv("DRIVEFOREST_DAEMON_LOG", "")
	return dir
}

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("DRIVEFOREST_CONFIG_DIR", "")
		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".driveforest"), "should end with .driveforest")
	})

	t.Run("override with DRIVEFOREST_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("DRIVEFOREST_CONFIG_DIR", "/tmp/test-driveforest-config")
		assert.Equal(t, "/tmp/test-driveforest-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	isolateConfig(t)

	tests := []struct {
		name   string
		fn     func() string
		suffix string
	}{
		{"SocketPath", SocketPath, "daemon.sock"},
		{"PidPath", PidPath, "daemon.pid"},
		{"LogPath", LogPath, "daemon.log"},
		{"LockPath", LockPath, "daemon.lock"},
		{"GlobalSettingsPath", GlobalSettingsPath, "settings.yaml"},
		{"SidecarPath", SidecarPath, "records.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.fn()
			assert.True(t, strings.HasSuffix(path, tt.suffix),
				"%s() = %q should end with %q", tt.name, path, tt.suffix)
			assert.True(t, strings.HasPrefix(path, ConfigDir()),
				"%s() = %q should be in config dir %q", tt.name, path, ConfigDir())
		})
	}

	t.Run("log path override", func(t *testing.T) {
		t.Setenv("DRIVEFOREST_DAEMON_LOG", "/tmp/elsewhere.log")
		assert.Equal(t, "/tmp/elsewhere.log", LogPath())
	})
}

func TestInitConfigDir(t *testing.T) {
	isolateConfig(t)

	require.NoError(t, InitConfigDir())

	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err, "settings file should be created")
	assert.Contains(t, string(data), "attr_backend")

	// An existing file is left alone.
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, err = os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(data))
}

func TestGlobalSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		isolateConfig(t)

		settings, err := LoadGlobalSettings()
		require.NoError(t, err)

		assert.Equal(t, "none", settings.LogLevel)
		assert.Equal(t, storage.BackendXattr, settings.AttrBackend)
		assert.Equal(t, storage.DefaultAttrName, settings.AttrName)
		assert.Equal(t, 500, settings.ProbeDebounceMS)
		assert.Equal(t, 3, settings.TornRetryLimit)
		assert.Equal(t, []string{"image", "video", "audio"}, settings.IdentifyClasses)
		assert.Empty(t, settings.Drives)
		require.NoError(t, settings.Validate())
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		isolateConfig(t)
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("hash_concurrency: 6\n"), 0600))

		settings, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, 6, settings.HashConcurrency)
		assert.Equal(t, 500, settings.ProbeDebounceMS)
	})

	t.Run("save and load", func(t *testing.T) {
		isolateConfig(t)

		settings := loadDefaultGlobalSettings()
		settings.LogLevel = "debug"
		settings.AttrBackend = storage.BackendSqlite
		settings.Drives = []DriveSettings{
			{Name: "photos", Path: "/srv/photos", ID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
			{Name: "music", Path: "/srv/music"},
		}
		require.NoError(t, SaveGlobalSettings(&settings))

		loaded, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "debug", loaded.LogLevel)
		assert.Equal(t, settings.Drives, loaded.Drives)

		d, ok := loaded.Drive("photos")
		require.True(t, ok)
		assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", d.DriveID().String())
		music, _ := loaded.Drive("music")
		assert.Equal(t, "00000000-0000-0000-0000-000000000000", music.DriveID().String())
	})

	t.Run("invalid file is rejected", func(t *testing.T) {
		isolateConfig(t)
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("attr_backend: floppy\n"), 0600))

		_, err := LoadGlobalSettings()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AttrBackend")
	})
}

func TestGlobalSettings_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(s *GlobalSettings)
		wantErr string
	}{
		{"defaults", func(s *GlobalSettings) {}, ""},
		{"bad log level", func(s *GlobalSettings) { s.LogLevel = "loud" }, "LogLevel"},
		{"attr name outside user namespace", func(s *GlobalSettings) { s.AttrName = "trusted.x" }, "AttrName"},
		{"negative debounce", func(s *GlobalSettings) { s.ProbeDebounceMS = -1 }, "ProbeDebounceMS"},
		{"drive without path", func(s *GlobalSettings) {
			s.Drives = []DriveSettings{{Name: "a"}}
		}, "Path"},
		{"drive name with slash", func(s *GlobalSettings) {
			s.Drives = []DriveSettings{{Name: "a/b", Path: "/x"}}
		}, "Name"},
		{"drive id not a uuid", func(s *GlobalSettings) {
			s.Drives = []DriveSettings{{Name: "a", Path: "/x", ID: "nope"}}
		}, "ID"},
		{"duplicate drive", func(s *GlobalSettings) {
			s.Drives = []DriveSettings{{Name: "a", Path: "/x"}, {Name: "a", Path: "/y"}}
		}, "duplicate drive name"},
		{"bad exclude", func(s *GlobalSettings) { s.Excludes = []string{"[a"} }, "exclude pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := loadDefaultGlobalSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGlobalSettings_ForestConfig(t *testing.T) {
	t.Parallel()

	s := loadDefaultGlobalSettings()
	cfg := s.ForestConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 3, cfg.MaxHashFailures)
	assert.IsType(t, analyze.SHA256Hasher{}, cfg.Hasher)

	s.ProbeDebounceMS = 0
	s.HashCommand = "sha256sum"
	cfg = s.ForestConfig()
	assert.Negative(t, cfg.Debounce, "explicit zero disables the debounce")
	assert.IsType(t, &analyze.ExecHasher{}, cfg.Hasher)

	s.RescanIntervalS = 90
	assert.Equal(t, 90*time.Second, s.RescanInterval())
}

func TestGlobalSettings_StorageOptions(t *testing.T) {
	isolateConfig(t)

	s := loadDefaultGlobalSettings()
	opts := s.StorageOptions()
	assert.Equal(t, storage.BackendXattr, opts.Backend)
	assert.Empty(t, opts.SidecarDB)

	s.AttrBackend = storage.BackendSqlite
	opts = s.StorageOptions()
	assert.Equal(t, filepath.Join(ConfigDir(), "records.db"), opts.SidecarDB)
}

func TestStorageOptions_SidecarForUnsupportedDrive(t *testing.T) {
	isolateConfig(t)

	s := loadDefaultGlobalSettings()
	assert.Empty(t, storageOptions(&s).SidecarDB, "no drives, nothing to check")

	// A root that cannot hold the attribute sends records to the sidecar.
	s.Drives = []DriveSettings{{Name: "gone", Path: filepath.Join(t.TempDir(), "missing")}}
	assert.Equal(t, SidecarPath(), storageOptions(&s).SidecarDB)

	s.AttrBackend = storage.BackendMemory
	assert.Empty(t, storageOptions(&s).SidecarDB)
}
