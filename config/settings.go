// Package config loads and persists LibraryGenie's settings.json, the
// JSON-file Manager pattern the teacher uses for application
// configuration (spec §6.5).
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Provider  ProviderSettings  `json:"provider"`
	Scanner   ScannerSettings   `json:"scanner"`
	Sync      SyncSettings      `json:"sync"`
	Backup    BackupSettings    `json:"backup"`
	Search    SearchSettings    `json:"search"`
	Database  DatabaseSettings  `json:"database"`
	Log       LogSettings       `json:"log"`
}

// ProviderSettings selects and configures the host media-library backend.
type ProviderSettings struct {
	Kind     string `json:"kind"` // "host" | "fake"
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
}

// ScannerSettings controls full/delta scan cadence and concurrency.
type ScannerSettings struct {
	FullScanIntervalHours int  `json:"fullScanIntervalHours"`
	DeltaScanIntervalMins int  `json:"deltaScanIntervalMins"`
	PageSize              int  `json:"pageSize"`
	MaxConcurrentFetches  int  `json:"maxConcurrentFetches"`
	HeavyCacheSize        int  `json:"heavyCacheSize"`
	TVEpisodesEnabled     bool `json:"tvEpisodesEnabled"`
}

// SyncSettings controls the remote reconciliation loop.
type SyncSettings struct {
	Enabled             bool   `json:"enabled"`
	RemoteBaseURL        string `json:"remoteBaseUrl,omitempty"`
	PollIntervalSeconds  int    `json:"pollIntervalSeconds"`
	BatchSize            int    `json:"batchSize"`
	MaxRetries           int    `json:"maxRetries"`
	RequestTimeoutSeconds int   `json:"requestTimeoutSeconds"`
}

// BackupSettings controls NDJSON export/import.
type BackupSettings struct {
	Directory      string `json:"directory"`
	MaxBackupFiles int    `json:"maxBackupFiles"`
}

// SearchSettings controls keyword search behavior.
type SearchSettings struct {
	MaxResults         int  `json:"maxResults"`
	CaptureSearchHistory bool `json:"captureSearchHistory"`
}

// DatabaseSettings locates the sqlite database file.
type DatabaseSettings struct {
	Path string `json:"path"`
}

// LogSettings configures lumberjack-rotated logging.
type LogSettings struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Provider: ProviderSettings{Kind: "host"},
		Scanner: ScannerSettings{
			FullScanIntervalHours: 24,
			DeltaScanIntervalMins: 15,
			PageSize:              200,
			MaxConcurrentFetches:  4,
			HeavyCacheSize:        500,
		},
		Sync: SyncSettings{
			Enabled:               false,
			PollIntervalSeconds:   60,
			BatchSize:             50,
			MaxRetries:            5,
			RequestTimeoutSeconds: 30,
		},
		Backup: BackupSettings{
			Directory:      "backups",
			MaxBackupFiles: 10,
		},
		Search: SearchSettings{
			MaxResults:           100,
			CaptureSearchHistory: true,
		},
		Database: DatabaseSettings{
			Path: "data/librarygenie.db",
		},
		Log: LogSettings{
			File:       "logs/librarygenie.log",
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

// NewManager builds a Manager rooted at the given settings.json path.
func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures the parent directory of the settings file exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk, creating it with defaults if
// missing, and backfilling any field a prior version of the file omitted.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}

	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	s := DefaultSettings()
	dec := json.NewDecoder(f)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, err
	}

	migrated := backfillDefaults(&s)
	if migrated {
		if err := m.Save(s); err != nil {
			return Settings{}, err
		}
	}

	return s, nil
}

// backfillDefaults fills zero-valued fields a JSON file predating a newer
// setting would otherwise leave empty, returning true if anything changed.
func backfillDefaults(s *Settings) bool {
	changed := false
	if s.Scanner.PageSize == 0 {
		s.Scanner.PageSize = 200
		changed = true
	}
	if s.Scanner.MaxConcurrentFetches == 0 {
		s.Scanner.MaxConcurrentFetches = 4
		changed = true
	}
	if s.Scanner.HeavyCacheSize == 0 {
		s.Scanner.HeavyCacheSize = 500
		changed = true
	}
	if s.Sync.RequestTimeoutSeconds == 0 {
		s.Sync.RequestTimeoutSeconds = 30
		changed = true
	}
	if s.Database.Path == "" {
		s.Database.Path = "data/librarygenie.db"
		changed = true
	}
	return changed
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}

// ScanInterval converts the configured full-scan cadence to a duration.
func (s ScannerSettings) ScanInterval() time.Duration {
	if s.FullScanIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.FullScanIntervalHours) * time.Hour
}

// DeltaInterval converts the configured delta-scan cadence to a duration.
func (s ScannerSettings) DeltaInterval() time.Duration {
	if s.DeltaScanIntervalMins <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.DeltaScanIntervalMins) * time.Minute
}
