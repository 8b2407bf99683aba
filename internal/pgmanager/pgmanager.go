// Package pgmanager runs a managed, embedded Postgres instance so smsgw can
// start with zero external configuration. It is only used when no
// DATABASE_URL is configured.
package pgmanager

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

// Config controls the managed Postgres instance.
type Config struct {
	Port     int
	DataDir  string
	Username string
	Password string
	Database string
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 15432
	}
	if c.Username == "" {
		c.Username = "smsgw"
	}
	if c.Password == "" {
		c.Password = "smsgw"
	}
	if c.Database == "" {
		c.Database = "smsgw"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Manager owns the lifecycle of an embedded Postgres server.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	db      *embeddedpostgres.EmbeddedPostgres
	connURL string

	mu      sync.Mutex
	running bool
	pidFile string
}

// New creates a Manager. It does not start Postgres.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Start launches the embedded Postgres server, cleaning up any orphaned
// instance left behind by a previous, uncleanly-terminated process first.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dataDir := m.cfg.DataDir
	if dataDir == "" {
		home, err := aybHome()
		if err != nil {
			return fmt.Errorf("resolving smsgw home: %w", err)
		}
		dataDir = filepath.Join(home, "pgdata")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	m.pidFile = filepath.Join(dataDir, "smsgw-pgmanager.pid")
	cleanupOrphan(m.pidFile, m.logger)

	runtimeDir, err := os.MkdirTemp("", "smsgw-pg-run-*")
	if err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Port(uint32(m.cfg.Port)).
		DataPath(dataDir).
		RuntimePath(runtimeDir).
		Username(m.cfg.Username).
		Password(m.cfg.Password).
		Database(m.cfg.Database).
		Logger(newLogWriter(m.logger)))

	if err := db.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}

	if err := writePID(m.pidFile, os.Getpid()); err != nil {
		m.logger.Warn("failed to write pgmanager pid file", "error", err)
	}

	m.db = db
	m.running = true
	m.connURL = fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
		m.cfg.Username, m.cfg.Password, m.cfg.Port, m.cfg.Database)

	m.logger.Info("managed postgres started", "port", m.cfg.Port, "data_dir", dataDir)
	return nil
}

// Stop shuts down the embedded Postgres server. Safe to call when not running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	if err := m.db.Stop(); err != nil {
		return fmt.Errorf("stopping embedded postgres: %w", err)
	}
	if m.pidFile != "" {
		_ = removePID(m.pidFile)
	}
	m.running = false
	m.logger.Info("managed postgres stopped")
	return nil
}

// IsRunning reports whether this Manager currently has Postgres running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ConnURL returns the connection string for the managed instance, or "" if
// it has not been started.
func (m *Manager) ConnURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connURL
}

// aybHome returns the directory smsgw stores managed Postgres state in.
func aybHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".smsgw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePID(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// cleanupOrphan removes a stale PID file left by a previous process that no
// longer exists, so a fresh Start doesn't mistake it for a live instance.
func cleanupOrphan(pidFile string, logger *slog.Logger) {
	pid, err := readPID(pidFile)
	if err != nil || pid == 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = removePID(pidFile)
		return
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		logger.Info("cleaning up orphaned pgmanager pid file", "pid", pid)
		_ = removePID(pidFile)
	}
}

// readPostmasterPID reads the PID from a Postgres data directory's
// postmaster.pid file (PID is always the first line).
func readPostmasterPID(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty postmaster.pid at %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, fmt.Errorf("parsing postmaster.pid: %w", err)
	}
	return pid, nil
}

// logWriter adapts embedded-postgres's io.Writer log sink to slog, emitting
// one structured record per line instead of raw bytes.
type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("postgres", "line", string(line))
	}
	return len(p), nil
}
