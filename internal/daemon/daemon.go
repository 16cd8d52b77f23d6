package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"driveforest/internal/forest"
	"driveforest/internal/meta"
	"driveforest/internal/notify"
	"driveforest/internal/storage"
)

func init() {
	// Default logging to discard until enabled from settings
	log.SetOutput(io.Discard)
}

// maxLogSize is the size above which daemon.log is cut to its last half.
const maxLogSize = 50 * 1024 * 1024

// Daemon mirrors the configured drives and serves IPC requests about them.
type Daemon struct {
	ipcServer *Server
	logFile   *os.File
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lock      *flock.Flock

	// LogLevel overrides the settings log level when set (trace, debug,
	// info, warn, none).
	LogLevel string

	// SkipCleanup skips removal of a stale PID file and socket at startup.
	SkipCleanup bool

	// mu guards settings and drive reconciliation.
	mu          sync.Mutex
	settings    *GlobalSettings
	store       storage.AttrStore
	filter      *Filter
	forest      *forest.Forest
	startedAt   time.Time
	rescanReset chan time.Duration
}

// New creates a new daemon instance
func New() *Daemon {
	return &Daemon{
		stopCh:      make(chan struct{}),
		rescanReset: make(chan time.Duration, 1),
	}
}

// Run starts the daemon and blocks until stopped
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	if !d.SkipCleanup {
		if result := CleanupStale(); result.CleanedPidFile || result.CleanedSocket {
			fmt.Fprintf(os.Stderr, "Startup cleanup: %s\n", FormatCleanupResult(result))
		}
	}

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	settings, err := LoadGlobalSettings()
	if err != nil {
		return err
	}
	if d.LogLevel != "" {
		settings.LogLevel = d.LogLevel
	}
	if err := d.setupLogging(settings.LogLevel); err != nil {
		return err
	}
	defer d.closeLog()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	log.Infof("[Daemon] Started (PID %d)", os.Getpid())

	if err := d.open(settings); err != nil {
		return err
	}
	defer d.close()

	d.wg.Add(2)
	go d.watchEvents(d.forest.Subscribe())
	go d.rescanLoop(settings.RescanInterval())

	log.Infof("[Daemon] Starting IPC server at %s", SocketPath())
	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		log.Errorf("[Daemon] IPC server failed to start: %v", err)
		return err
	}
	defer d.ipcServer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("[Daemon] Received signal %v, shutting down...", sig)
	case <-d.stopCh:
		log.Infof("[Daemon] Stop requested, shutting down...")
	}
	d.requestStop()
	return nil
}

// open builds the attribute store, metadata layer and forest, then attaches
// the configured drives. Drives that fail to attach are logged and skipped.
func (d *Daemon) open(settings *GlobalSettings) error {
	store, err := storage.Open(storageOptions(settings))
	if err != nil {
		return fmt.Errorf("failed to open attribute store: %w", err)
	}
	filter, err := BuildFilter(settings)
	if err != nil {
		store.Close()
		return err
	}

	cfg := settings.ForestConfig()
	cfg.Exclude = filter.Exclude

	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = settings
	d.store = store
	d.filter = filter
	d.forest = forest.New(meta.NewLayer(store), cfg)
	d.startedAt = time.Now()
	if err := d.syncDrives(settings.Drives); err != nil {
		log.Warnf("[Daemon] %v", err)
	}
	return nil
}

// storageOptions is settings.StorageOptions with a persistent sidecar for
// records xattrs cannot hold, enabled when a drive root rejects them.
func storageOptions(settings *GlobalSettings) storage.Options {
	opts := settings.StorageOptions()
	if (opts.Backend != "" && opts.Backend != storage.BackendXattr) || opts.SidecarDB != "" {
		return opts
	}
	name := opts.AttrName
	if name == "" {
		name = storage.DefaultAttrName
	}
	xs := storage.NewXattrStore(name)
	for _, ds := range settings.Drives {
		if !xs.Supported(ds.Path) {
			log.Warnf("[Daemon] Drive %s does not accept %s, records go to %s", ds.Name, name, SidecarPath())
			opts.SidecarDB = SidecarPath()
			break
		}
	}
	return opts
}

// close shuts the forest down, waits for the daemon goroutines and
// releases the store.
func (d *Daemon) close() {
	d.requestStop()
	d.forest.Close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		log.Warnf("[Daemon] Timeout waiting for goroutines")
	}

	if err := d.store.Close(); err != nil {
		log.Warnf("[Daemon] Failed to close attribute store: %v", err)
	}
	log.Infof("[Daemon] Stopped")
}

func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// syncDrives makes the mirrored drives match drives: drives no longer listed
// or whose path changed are removed, missing ones are added. Caller holds
// d.mu.
func (d *Daemon) syncDrives(drives []DriveSettings) error {
	want := make(map[string]DriveSettings, len(drives))
	for _, ds := range drives {
		want[ds.Name] = ds
	}

	have := make(map[string]bool)
	for _, e := range d.forest.Drives() {
		ds, ok := want[e.Drive]
		if ok && sameDrive(ds, e) {
			have[e.Drive] = true
			continue
		}
		if err := d.forest.RemoveDrive(e.Drive); err != nil {
			log.Warnf("[Daemon] Failed to remove drive %s: %v", e.Drive, err)
			continue
		}
		log.Infof("[Daemon] Removed drive %s", e.Drive)
	}

	var errs []error
	for _, ds := range drives {
		if have[ds.Name] {
			continue
		}
		if _, err := d.forest.AddDrive(ds.Name, ds.Path, ds.DriveID()); err != nil {
			errs = append(errs, fmt.Errorf("drive %s: %w", ds.Name, err))
		}
	}
	return errors.Join(errs...)
}

// sameDrive reports whether the mirrored drive e still matches ds.
func sameDrive(ds DriveSettings, e forest.Entry) bool {
	if ds.DriveID() != uuid.Nil && ds.DriveID() != e.ID {
		return false
	}
	abs, err := filepath.Abs(ds.Path)
	return err == nil && abs == e.Path
}

// watchEvents logs forest notifications until the forest closes.
func (d *Daemon) watchEvents(sub *notify.Subscription) {
	defer d.wg.Done()
	defer sub.Close()
	for ev := range sub.C() {
		switch ev.Kind {
		case notify.DriveLost:
			log.Warnf("[Daemon] Drive lost: %s", ev)
		case notify.Structural:
			log.Infof("[Daemon] %s", ev)
		default:
			log.Tracef("[Daemon] %s", ev)
		}
	}
}

// rescanLoop requests a forced probe of every directory each interval.
// A zero interval disables it until a reload sets one.
func (d *Daemon) rescanLoop(interval time.Duration) {
	defer d.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	reset := func(iv time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if iv > 0 {
			ticker = time.NewTicker(iv)
			tick = ticker.C
		}
	}
	reset(interval)
	defer reset(0)

	for {
		select {
		case <-d.stopCh:
			return
		case iv := <-d.rescanReset:
			reset(iv)
		case <-tick:
			n := d.forest.Rescan(true)
			log.Debugf("[Daemon] Periodic rescan requested %d probes", n)
		}
	}
}

// setupLogging routes logrus to the log file at level, or discards
// everything for none/off.
func (d *Daemon) setupLogging(level string) error {
	level = strings.ToLower(level)
	if level == "" || level == "none" || level == "off" {
		log.SetOutput(io.Discard)
		d.closeLog()
		return nil
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if d.logFile == nil {
		if err := d.truncateLogFile(maxLogSize); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
		}
		logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		d.logFile = logFile
		log.SetOutput(logFile)
	}
	log.SetLevel(lvl)
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
		d.logFile = nil
	}
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestStatus:
		return d.handleStatus()
	case RequestStop:
		return d.handleStop()
	case RequestLookup:
		return d.handleLookup(req)
	case RequestHash:
		return d.handleHash(req)
	case RequestProbe:
		return d.handleProbe(req)
	case RequestRescan:
		return d.handleRescan(req)
	case RequestReloadConfig:
		return d.handleReloadConfig()
	default:
		return &Response{Success: false, Error: "unknown request type"}
	}
}

func errorResponse(format string, args ...any) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

func (d *Daemon) handleStatus() *Response {
	d.mu.Lock()
	backend := d.settings.AttrBackend
	d.mu.Unlock()

	status := &Status{
		Stats:     d.forest.Stats(),
		Idle:      d.forest.Idle(),
		StartedAt: d.startedAt.Unix(),
		Backend:   backend,
	}
	for _, e := range d.forest.Drives() {
		status.Drives = append(status.Drives, DriveStatus{Name: e.Drive, Path: e.Path, ID: e.ID.String()})
	}
	return &Response{Success: true, PID: os.Getpid(), Status: status}
}

func (d *Daemon) handleStop() *Response {
	d.requestStop()
	return &Response{Success: true, Message: "Daemon stopping"}
}

func (d *Daemon) handleLookup(req *Request) *Response {
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return errorResponse("invalid identity %q: %v", req.ID, err)
	}
	e, ok := d.forest.FindByIdentity(id)
	if !ok {
		return errorResponse("%s is not mirrored", id)
	}
	return &Response{Success: true, Entries: []EntryInfo{NewEntryInfo(e)}}
}

func (d *Daemon) handleHash(req *Request) *Response {
	digest, err := meta.ParseDigest(req.Hash)
	if err != nil {
		return errorResponse("invalid hash %q: %v", req.Hash, err)
	}
	entries := d.forest.FindByContentHash(digest)
	resp := &Response{Success: true, Entries: make([]EntryInfo, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, NewEntryInfo(e))
	}
	return resp
}

func (d *Daemon) handleProbe(req *Request) *Response {
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return errorResponse("invalid identity %q: %v", req.ID, err)
	}
	if err := d.forest.RequestProbe(id, req.Force); err != nil {
		return errorResponse("%v", err)
	}
	return &Response{Success: true, Message: "Probe requested"}
}

func (d *Daemon) handleRescan(req *Request) *Response {
	n := d.forest.Rescan(req.Force)
	return &Response{Success: true, Count: n, Message: fmt.Sprintf("Requested %d probes", n)}
}

// handleReloadConfig applies settings that can change at runtime: log
// level, exclusion rules, drives and the rescan interval. Store and pool
// settings need a restart.
func (d *Daemon) handleReloadConfig() *Response {
	log.Infof("[Daemon] Reloading configuration")

	settings, err := LoadGlobalSettings()
	if err != nil {
		log.Warnf("[Daemon] Failed to load settings: %v", err)
		return errorResponse("failed to load settings: %v", err)
	}
	if d.LogLevel != "" {
		settings.LogLevel = d.LogLevel
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setupLogging(settings.LogLevel); err != nil {
		return errorResponse("%v", err)
	}
	if err := d.filter.Reload(settings); err != nil {
		return errorResponse("%v", err)
	}
	driveErr := d.syncDrives(settings.Drives)

	select {
	case <-d.rescanReset:
	default:
	}
	d.rescanReset <- settings.RescanInterval()

	var restart []string
	if settings.AttrBackend != d.settings.AttrBackend || settings.AttrName != d.settings.AttrName {
		restart = append(restart, "attribute store")
	}
	if settings.ForestConfig().Debounce != d.settings.ForestConfig().Debounce ||
		settings.HashConcurrency != d.settings.HashConcurrency ||
		settings.IdentifyConcurrency != d.settings.IdentifyConcurrency ||
		settings.HashCommand != d.settings.HashCommand ||
		settings.IdentifyCommand != d.settings.IdentifyCommand {
		restart = append(restart, "reconciliation tuning")
	}
	d.settings = settings

	// Exclusion changes take effect on the next enumeration.
	d.forest.Rescan(true)

	msg := fmt.Sprintf("Config reloaded, %d drives", len(d.forest.Drives()))
	if len(restart) > 0 {
		msg += fmt.Sprintf(" (restart to apply %s)", strings.Join(restart, ", "))
	}
	if driveErr != nil {
		return &Response{Success: false, Message: msg, Error: driveErr.Error()}
	}
	return &Response{Success: true, Message: msg}
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func (d *Daemon) truncateLogFile(maxSize int64) error {
	logPath := LogPath()

	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	// Keep the last half, starting at a line boundary
	startIdx := len(data) - len(data)/2
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	truncatedData := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(truncatedData)))

	return os.WriteFile(logPath, append(header, truncatedData...), 0600)
}
