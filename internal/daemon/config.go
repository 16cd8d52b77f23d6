package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"driveforest/internal/analyze"
	"driveforest/internal/artifacts"
	"driveforest/internal/forest"
	"driveforest/internal/storage"
)

// getConfigDir returns the config directory path.
// Uses DRIVEFOREST_CONFIG_DIR env var if set, otherwise defaults to ~/.driveforest.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("DRIVEFOREST_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".driveforest")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), "daemon.sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LogPath returns the log file path.
// Uses DRIVEFOREST_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("DRIVEFOREST_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "daemon.lock")
}

// GlobalSettingsPath returns the settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// SidecarPath returns the sidecar database used by the sqlite attribute backend
func SidecarPath() string {
	return filepath.Join(getConfigDir(), "records.db")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// DriveSettings names one mirrored drive. ID is optional; when set, the
// drive root is stamped with it on attach.
type DriveSettings struct {
	Name string `yaml:"name" validate:"required,excludesall=/\\"`
	Path string `yaml:"path" validate:"required"`
	ID   string `yaml:"id,omitempty" validate:"omitempty,uuid"`
}

// GlobalSettings represents daemon settings
type GlobalSettings struct {
	LogLevel            string          `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn none off"`
	AttrBackend         string          `yaml:"attr_backend" validate:"omitempty,oneof=xattr sqlite memory"`
	AttrName            string          `yaml:"attr_name" validate:"omitempty,startswith=user."`
	ProbeDebounceMS     int             `yaml:"probe_debounce_ms" validate:"gte=0"`
	TornRetryLimit      int             `yaml:"torn_retry_limit" validate:"gte=0"`
	ProbeConcurrency    int             `yaml:"probe_concurrency" validate:"gte=0"`
	StatConcurrency     int             `yaml:"stat_concurrency" validate:"gte=0"`
	HashConcurrency     int             `yaml:"hash_concurrency" validate:"gte=0"`
	IdentifyConcurrency int             `yaml:"identify_concurrency" validate:"gte=0"`
	MaxHashFailures     int             `yaml:"max_hash_failures" validate:"gte=0"`
	MaxIdentifyFailures int             `yaml:"max_identify_failures" validate:"gte=0"`
	RescanIntervalS     int             `yaml:"rescan_interval_s" validate:"gte=0"`
	HashCommand         string          `yaml:"hash_command"`
	IdentifyCommand     string          `yaml:"identify_command"`
	IdentifyClasses     []string        `yaml:"identify_classes" validate:"dive,required"`
	Excludes            []string        `yaml:"excludes"`
	Gitignore           bool            `yaml:"gitignore"`
	Drives              []DriveSettings `yaml:"drives" validate:"dive"`
}

var validate = validator.New()

// Validate checks field constraints and drive name uniqueness.
func (s *GlobalSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	seen := make(map[string]bool, len(s.Drives))
	for _, d := range s.Drives {
		if seen[d.Name] {
			return fmt.Errorf("duplicate drive name %q", d.Name)
		}
		seen[d.Name] = true
	}
	if _, err := compileExcludes(s.Excludes); err != nil {
		return err
	}
	for _, c := range []string{s.HashCommand, s.IdentifyCommand} {
		if _, err := analyze.SplitCommand(c); err != nil {
			return err
		}
	}
	return nil
}

// formatValidationError converts validator errors into readable messages.
func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "GlobalSettings.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

// Drive returns the drive settings with the given name.
func (s *GlobalSettings) Drive(name string) (DriveSettings, bool) {
	for _, d := range s.Drives {
		if d.Name == name {
			return d, true
		}
	}
	return DriveSettings{}, false
}

// StorageOptions maps settings to attribute store options.
func (s *GlobalSettings) StorageOptions() storage.Options {
	opts := storage.Options{
		Backend:  s.AttrBackend,
		AttrName: s.AttrName,
	}
	if opts.Backend == storage.BackendSqlite {
		opts.SidecarDB = SidecarPath()
	}
	return opts
}

// ForestConfig maps settings to reconciliation tuning. Zero values fall back
// to forest defaults.
func (s *GlobalSettings) ForestConfig() forest.Config {
	cfg := forest.Config{
		Debounce:            time.Duration(s.ProbeDebounceMS) * time.Millisecond,
		TornRetryLimit:      s.TornRetryLimit,
		ProbeConcurrency:    s.ProbeConcurrency,
		StatConcurrency:     s.StatConcurrency,
		HashConcurrency:     s.HashConcurrency,
		IdentifyConcurrency: s.IdentifyConcurrency,
		MaxHashFailures:     s.MaxHashFailures,
		MaxIdentifyFailures: s.MaxIdentifyFailures,
		IdentifyClasses:     s.IdentifyClasses,
		Hasher:              analyze.NewHasher(s.HashCommand),
		Identifier:          analyze.NewIdentifier(s.IdentifyCommand),
	}
	if s.ProbeDebounceMS == 0 {
		// Explicit zero means no debounce.
		cfg.Debounce = -1
	}
	return cfg
}

// RescanInterval returns the forced rescan period, 0 when disabled.
func (s *GlobalSettings) RescanInterval() time.Duration {
	return time.Duration(s.RescanIntervalS) * time.Second
}

// DriveID parses the optional drive identity.
func (d DriveSettings) DriveID() uuid.UUID {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings loads settings from <config>/settings.yaml. Keys missing
// from the file keep their embedded defaults.
func LoadGlobalSettings() (*GlobalSettings, error) {
	settings := loadDefaultGlobalSettings()
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", GlobalSettingsPath(), err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveGlobalSettings saves settings to <config>/settings.yaml
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# DriveForest daemon settings\n# See: driveforest daemon config --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}
