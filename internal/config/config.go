// Package config loads daemon settings from defaults, an optional YAML or
// TOML file, DEWARP_* environment variables and command-line flags, and
// reloads distortion parameters when the file changes.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
	"github.com/lanikai/dewarp/internal/health"
	"github.com/lanikai/dewarp/internal/logging"
	"github.com/lanikai/dewarp/internal/output"
	"github.com/lanikai/dewarp/internal/reconnect"
	"github.com/lanikai/dewarp/internal/session"
)

var log = logging.DefaultLogger.WithTag("config")

const envPrefix = "DEWARP"

// Config holds every setting of the daemon.
type Config struct {
	Backend    string            `mapstructure:"backend"` // "sim" or "v4l2"
	Device     string            `mapstructure:"device"`
	Size       string            `mapstructure:"size"` // Preferred capture size, "WxH"
	Correction bool              `mapstructure:"correction"`
	Distortion distortion.Params `mapstructure:"distortion"`

	ConfigureRetries    int           `mapstructure:"configure_retries"`
	ConfigureRetryDelay time.Duration `mapstructure:"configure_retry_delay"`
	CloseTimeout        time.Duration `mapstructure:"close_timeout"`

	Reconnect reconnect.Config `mapstructure:"reconnect"`
	Health    health.Config    `mapstructure:"health"`

	// Snapshot file per output target; empty disables the target.
	Outputs  map[string]string `mapstructure:"outputs"`
	Snapshot time.Duration     `mapstructure:"snapshot_interval"`

	Listen   string `mapstructure:"listen"`
	MaxConns int    `mapstructure:"max_conns"`
	Log      string `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	rc := reconnect.DefaultConfig()
	hc := health.DefaultConfig()
	sc := session.DefaultConfig()
	id := distortion.Identity()

	v.SetDefault("backend", "sim")
	v.SetDefault("device", "0")
	v.SetDefault("size", sc.PreferredSize.String())
	v.SetDefault("correction", true)
	v.SetDefault("distortion.k1", id.K1)
	v.SetDefault("distortion.k2", id.K2)
	v.SetDefault("distortion.zoom", id.Zoom)
	v.SetDefault("distortion.center_x", id.CenterX)
	v.SetDefault("distortion.center_y", id.CenterY)
	v.SetDefault("configure_retries", sc.ConfigureRetries)
	v.SetDefault("configure_retry_delay", sc.ConfigureRetryDelay)
	v.SetDefault("close_timeout", sc.CloseTimeout)
	v.SetDefault("reconnect.base_delay", rc.BaseDelay)
	v.SetDefault("reconnect.max_delay", rc.MaxDelay)
	v.SetDefault("reconnect.global_min", rc.GlobalMin)
	v.SetDefault("reconnect.cap_exponent", rc.CapExponent)
	v.SetDefault("reconnect.max_attempts", rc.MaxAttempts)
	v.SetDefault("reconnect.jitter", rc.Jitter)
	v.SetDefault("health.interval", hc.Interval)
	v.SetDefault("health.stall_timeout", hc.StallTimeout)
	v.SetDefault("health.min_recovery_interval", hc.MinRecoveryInterval)
	v.SetDefault("outputs", map[string]string{})
	v.SetDefault("snapshot_interval", time.Second)
	v.SetDefault("listen", "127.0.0.1:8420")
	v.SetDefault("max_conns", 16)
	v.SetDefault("log", "")
}

// Flag names bound to configuration keys.
var flagKeys = map[string]string{
	"backend":    "backend",
	"device":     "device",
	"size":       "size",
	"correction": "correction",
	"listen":     "listen",
	"log-level":  "log",
}

// Loader reads configuration and watches the file it came from.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current distortion.Params
}

func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlags makes the flags in fs override file and environment values.
// Flags that fs does not define are skipped.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	return nil
}

// Load reads file, or searches the working directory and
// $HOME/.config/dewarp for dewarp.{yaml,toml} when file is empty. A missing
// config file is not an error.
func (l *Loader) Load(file string) (Config, error) {
	if file != "" {
		l.v.SetConfigFile(file)
	} else {
		l.v.SetConfigName("dewarp")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "dewarp"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config")
		}
		log.Debug("No config file, using defaults and environment")
	} else {
		log.Info("Using config file %s", l.v.ConfigFileUsed())
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	l.mu.Lock()
	l.current = cfg.Distortion
	l.mu.Unlock()
	return cfg, nil
}

// File is the config file in use, if any.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the new distortion parameters whenever the config file
// changes them. Invalid edits are logged and ignored.
func (l *Loader) Watch(fn func(distortion.Params)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		p := l.distortion()
		if err := p.Validate(); err != nil {
			log.Warn("Reload %s: %v", e.Name, err)
			return
		}

		l.mu.Lock()
		changed := p != l.current
		l.current = p
		l.mu.Unlock()
		if changed {
			log.Info("Distortion reloaded from %s: %+v", e.Name, p)
			fn(p)
		}
	})
	l.v.WatchConfig()
}

// distortion reads each parameter through viper, so keys missing from the
// file keep their environment or default values.
func (l *Loader) distortion() distortion.Params {
	return distortion.Params{
		K1:      l.v.GetFloat64("distortion.k1"),
		K2:      l.v.GetFloat64("distortion.k2"),
		Zoom:    l.v.GetFloat64("distortion.zoom"),
		CenterX: l.v.GetFloat64("distortion.center_x"),
		CenterY: l.v.GetFloat64("distortion.center_y"),
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case "sim", "v4l2":
	default:
		return errors.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Device == "" {
		return errors.New("config: device is required")
	}
	if _, err := device.ParseSize(c.Size); err != nil {
		return errors.Wrap(err, "config: size")
	}
	if err := c.Distortion.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}
	for name := range c.Outputs {
		if _, err := output.ParseName(name); err != nil {
			return errors.Wrap(err, "config: outputs")
		}
	}
	return nil
}

// Session converts the settings into a controller configuration.
func (c Config) Session() session.Config {
	sc := session.DefaultConfig()
	sc.DeviceID = c.Device
	if size, err := device.ParseSize(c.Size); err == nil {
		sc.PreferredSize = size
	}
	sc.Correction = c.Correction
	sc.Distortion = c.Distortion
	sc.ConfigureRetries = c.ConfigureRetries
	sc.ConfigureRetryDelay = c.ConfigureRetryDelay
	sc.CloseTimeout = c.CloseTimeout
	sc.Reconnect = c.Reconnect
	sc.Health = c.Health
	return sc
}
