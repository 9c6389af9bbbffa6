package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "BOOKFUSION_"

// Config is everything a sync run consumes. Filesize and total-book
// limits are fetched from the account, not configured here.
type Config struct {
	// APIBase is the API root; overridable for staging.
	APIBase string `koanf:"api_base" default:"https://www.bookfusion.com/calibre-api/v1" validate:"required,url"`
	// APIKey authenticates every request. The run aborts on the first
	// call if it is rejected.
	APIKey string `koanf:"api_key" validate:"required"`
	// LibraryPath is the Calibre library directory holding metadata.db.
	LibraryPath string `koanf:"library_path"`
	// Threads is the number of concurrent upload workers.
	Threads int `koanf:"threads" default:"2" validate:"min=1,max=8"`
	// UpdateMetadata controls whether metadata-only changes are pushed.
	// When off, a book whose file already exists remotely is skipped
	// even if its metadata digest changed.
	UpdateMetadata bool `koanf:"update_metadata"`
	// BookshelvesField is the label of the Calibre custom column whose
	// values sync as bookshelves, e.g. "shelves" for a #shelves column.
	BookshelvesField string `koanf:"bookshelves_field"`
	// LogFile, when set, receives a plain-text copy of the run log.
	// Relative paths resolve against the library directory.
	LogFile string `koanf:"log_file" default:"bookfusion_sync.log"`
	// Debug enables debug-level logging.
	Debug bool `koanf:"debug"`
}

// Load reads configuration from an optional YAML file, then BOOKFUSION_
// environment variables, on top of defaults. Validation failures are
// returned as-is so the CLI can print them.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(err, "can't read config file %s", configPath)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	return cfg, nil
}

// Validate checks the config once CLI flag overrides have been applied.
func (cfg *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return errors.WithStack(err)
	}
	if cfg.LibraryPath == "" {
		return errors.New("library path is required (flag --library or library_path in config)")
	}
	return nil
}

// ResolvedLogFile returns the absolute run-log path, or "" when the run
// log is disabled.
func (cfg *Config) ResolvedLogFile() string {
	if cfg.LogFile == "" {
		return ""
	}
	if filepath.IsAbs(cfg.LogFile) {
		return cfg.LogFile
	}
	return filepath.Join(cfg.LibraryPath, cfg.LogFile)
}

// DefaultConfigPath is where Load looks when no --config flag is given:
// $XDG_CONFIG_HOME/bookfusion/config.yaml.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "bookfusion", "config.yaml")
}
