package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"credx/native/lending"
	"credx/storage"
)

// Storage backends accepted in StorageBackend.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Config is the node-level configuration shared by the daemon and tooling:
// where state lives and which credit parameters the engine runs with.
type Config struct {
	DataDir        string         `toml:"DataDir"`
	StorageBackend string         `toml:"StorageBackend"`
	NetworkName    string         `toml:"NetworkName"`
	Credit         lending.Config `toml:"credit"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %q", path, undecoded[0].String())
	}

	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DataDir:        "./credx-data",
		StorageBackend: BackendLevelDB,
		NetworkName:    "credx-local",
		Credit:         lending.DefaultConfig(),
	}
}

func (cfg *Config) applyDefaults() {
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "./credx-data"
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = BackendLevelDB
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "credx-local"
	}
	cfg.Credit.EnsureDefaults()
}

// Validate rejects configurations the engine cannot start with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.StorageBackend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("storage: unsupported backend %q", cfg.StorageBackend)
	}
	if cfg.Credit.LTVRatioBps == 0 || cfg.Credit.LTVRatioBps > lending.MaxLTVRatioBps {
		return fmt.Errorf("credit: LTVRatioBps must be in (0, %d]", lending.MaxLTVRatioBps)
	}
	if _, err := cfg.Credit.Whitelist(); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

// OpenDatabase opens the configured storage backend under DataDir.
func (cfg *Config) OpenDatabase() (storage.Database, error) {
	switch cfg.StorageBackend {
	case BackendMemory:
		return storage.NewMemDB(), nil
	case BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		db, err := storage.NewBoltDB(filepath.Join(cfg.DataDir, "credx.bolt"), nil)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return db, nil
	case BackendLevelDB:
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "leveldb"))
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.StorageBackend)
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
