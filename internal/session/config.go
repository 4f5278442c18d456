package session

import (
	"time"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
	"github.com/lanikai/dewarp/internal/health"
	"github.com/lanikai/dewarp/internal/reconnect"
	"github.com/lanikai/dewarp/internal/render"
)

type Config struct {
	// Platform id of the capture device.
	DeviceID string `mapstructure:"device"`

	// Best-effort capture resolution; the nearest supported size is used.
	PreferredSize device.Size `mapstructure:"-"`

	// Render through the correction pipeline rather than delivering raw
	// frames to the targets.
	Correction bool `mapstructure:"correction"`

	// Initial distortion parameters.
	Distortion distortion.Params `mapstructure:"distortion"`

	// Failed configurations are retried this many times before shedding.
	ConfigureRetries    int           `mapstructure:"configure_retries"`
	ConfigureRetryDelay time.Duration `mapstructure:"configure_retry_delay"`

	// How long to wait for a superseded session to confirm it closed.
	CloseTimeout time.Duration `mapstructure:"close_timeout"`

	// Number of devices whose capabilities are remembered.
	CapabilityCacheSize int `mapstructure:"capability_cache_size"`

	Reconnect reconnect.Config `mapstructure:"reconnect"`
	Health    health.Config    `mapstructure:"health"`

	// Error code policies. Defaults to DefaultPolicies().
	Policies map[device.ErrorCode]Policy `mapstructure:"-"`

	// Creates the rendering context for correction mode. Defaults to the
	// software backend.
	Backend func() render.Backend `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		PreferredSize:       device.Size{Width: 1280, Height: 720},
		Correction:          true,
		Distortion:          distortion.Identity(),
		ConfigureRetries:    3,
		ConfigureRetryDelay: 200 * time.Millisecond,
		CloseTimeout:        time.Second,
		CapabilityCacheSize: 8,
		Reconnect:           reconnect.DefaultConfig(),
		Health:              health.DefaultConfig(),
	}
}

func (cfg *Config) setDefaults() {
	def := DefaultConfig()
	if cfg.ConfigureRetryDelay <= 0 {
		cfg.ConfigureRetryDelay = def.ConfigureRetryDelay
	}
	if cfg.ConfigureRetries < 0 {
		cfg.ConfigureRetries = 0
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.CapabilityCacheSize <= 0 {
		cfg.CapabilityCacheSize = def.CapabilityCacheSize
	}
	if cfg.Reconnect == (reconnect.Config{}) {
		cfg.Reconnect = def.Reconnect
	}
	if cfg.Health == (health.Config{}) {
		cfg.Health = def.Health
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Backend == nil {
		cfg.Backend = func() render.Backend { return render.NewSoftware() }
	}
	if cfg.Distortion == (distortion.Params{}) {
		cfg.Distortion = distortion.Identity()
	}
}
