// Config holds the tunables §3/§9 call out as instance state rather than
// hardcoded constants: MTU, retransmit attempts, and the timer durations.
// Grounded on the teacher's own YAML-driven configuration
// (cmd/ccapp/site_config.go, internal/bundle/bundle.go).

package ptcp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable set of per-multiplexer tunables. Zero values
// mean "use the spec's default", via the *OrDefault accessors below.
type Config struct {
	MTU                int           `yaml:"mtu"`
	RetransmitAttempts int           `yaml:"retransmitAttempts"`
	SendDelay          time.Duration `yaml:"sendDelay"`
	AckDelayFirst      time.Duration `yaml:"ackDelayFirst"`
	AckDelayBurst      time.Duration `yaml:"ackDelayBurst"`
	RetransmitPeriod   time.Duration `yaml:"retransmitPeriod"`
	TimeWait           time.Duration `yaml:"timeWait"`
}

// DefaultConfig returns the spec's hardcoded defaults (§3, §4.5, §9).
func DefaultConfig() Config {
	return Config{
		MTU:                defaultMTU,
		RetransmitAttempts: initialRetransmitAttempts,
		SendDelay:          defaultSendDelay,
		AckDelayFirst:      defaultAckDelayFirst,
		AckDelayBurst:      defaultAckDelayBurst,
		RetransmitPeriod:   defaultRetransmitPeriod,
		TimeWait:           defaultTimeWait,
	}
}

// LoadConfig reads a YAML config file, applying DefaultConfig for any
// field left at its zero value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("ptcp: load config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("ptcp: parse config %s: %w", path, err)
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.RetransmitAttempts == 0 {
		cfg.RetransmitAttempts = initialRetransmitAttempts
	}
	if cfg.SendDelay == 0 {
		cfg.SendDelay = defaultSendDelay
	}
	if cfg.AckDelayFirst == 0 {
		cfg.AckDelayFirst = defaultAckDelayFirst
	}
	if cfg.AckDelayBurst == 0 {
		cfg.AckDelayBurst = defaultAckDelayBurst
	}
	if cfg.RetransmitPeriod == 0 {
		cfg.RetransmitPeriod = defaultRetransmitPeriod
	}
	if cfg.TimeWait == 0 {
		cfg.TimeWait = defaultTimeWait
	}
	return cfg, nil
}

func (c Config) mtuOrDefault() int {
	if c.MTU <= 0 {
		return defaultMTU
	}
	return c.MTU
}

func (c Config) retransmitAttemptsOrDefault() int {
	if c.RetransmitAttempts <= 0 {
		return initialRetransmitAttempts
	}
	return c.RetransmitAttempts
}

func (c Config) sendDelayOrDefault() time.Duration {
	if c.SendDelay <= 0 {
		return defaultSendDelay
	}
	return c.SendDelay
}

func (c Config) ackDelayFirstOrDefault() time.Duration {
	if c.AckDelayFirst <= 0 {
		return defaultAckDelayFirst
	}
	return c.AckDelayFirst
}

func (c Config) ackDelayBurstOrDefault() time.Duration {
	if c.AckDelayBurst <= 0 {
		return defaultAckDelayBurst
	}
	return c.AckDelayBurst
}

func (c Config) retransmitPeriodOrDefault() time.Duration {
	if c.RetransmitPeriod <= 0 {
		return defaultRetransmitPeriod
	}
	return c.RetransmitPeriod
}

func (c Config) timeWaitOrDefault() time.Duration {
	if c.TimeWait <= 0 {
		return defaultTimeWait
	}
	return c.TimeWait
}
