package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged view the rest of the process runs on.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// ParseConfigFlags parses command-line flags and returns them as a Flags struct.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// ResolveConfigPath picks the config file path: an explicit flag wins over
// the CHATRELAY_CONFIG environment variable, which wins over the default.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet {
		return flagVal
	}
	if v := os.Getenv("CHATRELAY_CONFIG"); v != "" {
		return v
	}
	return flagVal
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays CHATRELAY_* environment variables onto cfg and reports
// whether any were present.
func applyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("CHATRELAY_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("CHATRELAY_DB_PATH"); v != "" {
		used = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		used = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATRELAY_PENDING_TIMEOUT"); v != "" {
		if td, err := time.ParseDuration(v); err == nil {
			used = true
			cfg.Engine.PendingTimeout = Duration(td)
		}
	}
	return used
}

// applyDefaults fills unset values with the observed defaults: rooms page
// at 50, direct threads unbounded, 5s pending window.
func applyDefaults(cfg *Config) {
	if cfg.Storage.RoomPageSize == 0 {
		cfg.Storage.RoomPageSize = 50
	}
	if cfg.Storage.LegacyChannel == "" {
		cfg.Storage.LegacyChannel = "legacy"
	}
	if cfg.Feed.Buffer == 0 {
		cfg.Feed.Buffer = 16
	}
	if cfg.Feed.ReplayWindow == 0 {
		cfg.Feed.ReplayWindow = 32
	}
	if cfg.Engine.PendingTimeout == 0 {
		cfg.Engine.PendingTimeout = Duration(5 * time.Second)
	}
}

// LoadEffective merges config file, environment and flags into the
// effective runtime configuration. Flags win over env, env over file.
func LoadEffective(flags Flags) (EffectiveConfigResult, error) {
	cfg := &Config{}
	source := "flags"

	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	if loaded, err := Load(cfgPath); err == nil {
		cfg = loaded
		source = "config"
	} else if !os.IsNotExist(err) {
		return EffectiveConfigResult{}, err
	}

	if applyEnv(cfg) {
		source = "env"
	}

	addr := cfg.Addr()
	if flags.Set["addr"] {
		addr = flags.Addr
		source = "flags"
	}
	dbPath := cfg.Storage.DBPath
	if dbPath == "" || flags.Set["db"] {
		dbPath = flags.DB
	}

	applyDefaults(cfg)
	return EffectiveConfigResult{Config: cfg, Addr: addr, DBPath: dbPath, Source: source}, nil
}
