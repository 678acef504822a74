// Package config loads node configuration from defaults, an optional file,
// OSD_* environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/user/osd/internal/osdmap"
)

// EnvPrefix prefixes every environment override, as in OSD_DATA_DIR.
const EnvPrefix = "OSD"

// Config holds all configuration of one node.
type Config struct {
	Whoami      int32  `mapstructure:"whoami"`
	ClusterFSID string `mapstructure:"cluster_fsid"`

	// Storage
	DataDir     string `mapstructure:"data_dir"`
	ObjectStore string `mapstructure:"objectstore"`
	StoreNoSync bool   `mapstructure:"store_no_sync"`

	// Map handling
	MapMessageMax    int           `mapstructure:"osd_map_message_max"`
	MapCacheSize     int           `mapstructure:"osd_map_cache_size"`
	MapBlobCacheSize int           `mapstructure:"osd_map_bl_cache_size"`
	BeaconInterval   time.Duration `mapstructure:"osd_beacon_report_interval"`
	TickInterval     time.Duration `mapstructure:"osd_tick_interval"`
	LoadConcurrency  int           `mapstructure:"osd_load_concurrency"`

	// Addresses, as ip:port
	PublicAddr  string `mapstructure:"public_addr"`
	ClusterAddr string `mapstructure:"cluster_addr"`
	HBFrontAddr string `mapstructure:"hb_front_addr"`
	HBBackAddr  string `mapstructure:"hb_back_addr"`

	AdminBind string `mapstructure:"admin_bind"`

	OTelEnabled  bool   `mapstructure:"otel_enabled"`
	OTelEndpoint string `mapstructure:"otel_endpoint"`

	// Standalone monitor
	MonAutoUp bool `mapstructure:"mon_auto_up"`
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	return Config{
		DataDir:          "data",
		ObjectStore:      "pebble",
		MapMessageMax:    40,
		MapCacheSize:     50,
		MapBlobCacheSize: 50,
		BeaconInterval:   300 * time.Second,
		TickInterval:     time.Second,
		LoadConcurrency:  8,
		PublicAddr:       "127.0.0.1:6800",
		ClusterAddr:      "127.0.0.1:6801",
		AdminBind:        ":7480",
		MonAutoUp:        true,
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("whoami", d.Whoami)
	v.SetDefault("cluster_fsid", d.ClusterFSID)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("objectstore", d.ObjectStore)
	v.SetDefault("store_no_sync", d.StoreNoSync)
	v.SetDefault("osd_map_message_max", d.MapMessageMax)
	v.SetDefault("osd_map_cache_size", d.MapCacheSize)
	v.SetDefault("osd_map_bl_cache_size", d.MapBlobCacheSize)
	v.SetDefault("osd_beacon_report_interval", d.BeaconInterval)
	v.SetDefault("osd_tick_interval", d.TickInterval)
	v.SetDefault("osd_load_concurrency", d.LoadConcurrency)
	v.SetDefault("public_addr", d.PublicAddr)
	v.SetDefault("cluster_addr", d.ClusterAddr)
	v.SetDefault("hb_front_addr", d.HBFrontAddr)
	v.SetDefault("hb_back_addr", d.HBBackAddr)
	v.SetDefault("admin_bind", d.AdminBind)
	v.SetDefault("otel_enabled", d.OTelEnabled)
	v.SetDefault("otel_endpoint", d.OTelEndpoint)
	v.SetDefault("mon_auto_up", d.MonAutoUp)
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"id":            "whoami",
	"cluster-fsid":  "cluster_fsid",
	"data-dir":      "data_dir",
	"objectstore":   "objectstore",
	"no-sync":       "store_no_sync",
	"public-addr":   "public_addr",
	"cluster-addr":  "cluster_addr",
	"admin-bind":    "admin_bind",
	"otel-enabled":  "otel_enabled",
	"otel-endpoint": "otel_endpoint",
}

// Load builds the configuration. path names an optional YAML, TOML or JSON
// file; flags, when given, override everything else for the flags that were
// set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run a node.
func (c Config) Validate() error {
	var errs []error
	if c.Whoami < 0 {
		errs = append(errs, fmt.Errorf("whoami must not be negative, got %d", c.Whoami))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.ObjectStore {
	case "pebble", "badger":
	default:
		errs = append(errs, fmt.Errorf("objectstore must be pebble or badger, got %q", c.ObjectStore))
	}
	if c.MapMessageMax <= 0 {
		errs = append(errs, errors.New("osd_map_message_max must be positive"))
	}
	if c.MapCacheSize <= 0 || c.MapBlobCacheSize <= 0 {
		errs = append(errs, errors.New("map cache sizes must be positive"))
	}
	if c.BeaconInterval <= 0 || c.TickInterval <= 0 {
		errs = append(errs, errors.New("timer intervals must be positive"))
	}
	for key, addr := range map[string]string{
		"public_addr":   c.PublicAddr,
		"cluster_addr":  c.ClusterAddr,
		"hb_front_addr": c.HBFrontAddr,
		"hb_back_addr":  c.HBBackAddr,
	} {
		if addr == "" {
			continue
		}
		if _, err := osdmap.ParseAddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if c.PublicAddr == "" {
		errs = append(errs, errors.New("public_addr is required"))
	}
	return errors.Join(errs...)
}

// Addrs returns the bound addresses of a process, each stamped with nonce.
// Unset cluster and heartbeat addresses are left empty so the node falls back
// to its defaults.
func (c Config) Addrs(nonce uint32) (public, cluster, hbFront, hbBack osdmap.AddrVec, err error) {
	parse := func(s string) (osdmap.AddrVec, error) {
		if s == "" {
			return nil, nil
		}
		a, err := osdmap.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		a.Nonce = nonce
		return osdmap.AddrVec{a}, nil
	}
	if public, err = parse(c.PublicAddr); err != nil {
		return
	}
	if cluster, err = parse(c.ClusterAddr); err != nil {
		return
	}
	if hbFront, err = parse(c.HBFrontAddr); err != nil {
		return
	}
	hbBack, err = parse(c.HBBackAddr)
	return
}
