// Package config describes the rig: which instruments exist, where they
// live, and how data and events leave the process. The zero instrument
// sections fall back to the simulated rig so a bare binary always runs.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/gpib"
	"github.com/he3lab/rampctl/notify"
)

// PowerSupplyConfig describes the magnet supply channel.
type PowerSupplyConfig struct {
	Resource      string          `yaml:"resource"`
	ExpectIDN     string          `yaml:"expect_idn"`
	MaxCurrent    float64         `yaml:"max_current"`
	MaxVoltage    float64         `yaml:"max_voltage"`
	MaxRate       float64         `yaml:"max_rate"`
	Compliance    float64         `yaml:"compliance"`
	FieldConstant float64         `yaml:"field_constant"`
	CurrentTol    float64         `yaml:"current_tolerance"`
	RateTol       float64         `yaml:"rate_tolerance"`
	Segments      []SegmentConfig `yaml:"segments"`
}

// SegmentConfig is one row of the protection ramp segment table.
type SegmentConfig struct {
	MaxCurrent float64 `yaml:"max_current"`
	MaxRate    float64 `yaml:"max_rate"`
}

// LockInConfig describes the thermometry lock-in.
type LockInConfig struct {
	Resource          string  `yaml:"resource"`
	ExpectIDN         string  `yaml:"expect_idn"`
	SampleRate        float64 `yaml:"sample_rate"`
	BufferSize        int     `yaml:"buffer_size"`
	HarvestIntervalMS int     `yaml:"harvest_interval_ms"`
}

// TimingConfig tunes the protocol delays. Milliseconds, zero means default.
type TimingConfig struct {
	LatencyMS        int `yaml:"latency_ms"`
	SampleIntervalMS int `yaml:"sample_interval_ms"`
}

// TransportConfig tunes command retries.
type TransportConfig struct {
	Tries     int  `yaml:"tries"`
	WaitMS    int  `yaml:"wait_ms"`
	NoBackoff bool `yaml:"no_backoff"`
}

// DataConfig says where flushed data lands.
type DataConfig struct {
	Dir        string `yaml:"dir"`
	RunLog     bool   `yaml:"run_log"`
	RunLogPath string `yaml:"run_log_path"`
}

// MonitorConfig is the web monitor listen address. Empty disables it.
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the whole rig description.
type Config struct {
	PowerSupply PowerSupplyConfig `yaml:"power_supply"`
	LockIn      LockInConfig      `yaml:"lock_in"`
	Timing      TimingConfig      `yaml:"timing"`
	Transport   TransportConfig   `yaml:"transport"`
	Data        DataConfig        `yaml:"data"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Mattermost  notify.Settings   `yaml:"mattermost"`
}

// Default returns the simulated rig with stock instrument parameters.
func Default() Config {
	ps := gpib.DefaultPowerSupplyParams()
	li := gpib.DefaultLockInParams()
	segments := make([]SegmentConfig, len(ps.Segments))
	for i, s := range ps.Segments {
		segments[i] = SegmentConfig{MaxCurrent: s.Current, MaxRate: s.Rate}
	}
	return Config{
		PowerSupply: PowerSupplyConfig{
			Resource:      "sim:power-supply",
			ExpectIDN:     ps.ExpectIDN,
			MaxCurrent:    ps.MaxCurrent,
			MaxVoltage:    ps.MaxVoltage,
			MaxRate:       ps.MaxRate,
			Compliance:    ps.Compliance,
			FieldConstant: ps.FieldConstant,
			CurrentTol:    ps.CurrentTol,
			RateTol:       ps.RateTol,
			Segments:      segments,
		},
		LockIn: LockInConfig{
			Resource:   "sim:lock-in",
			SampleRate: li.SampleRate,
			BufferSize: li.BufferSize,
		},
		Data:    DataConfig{Dir: "data"},
		Monitor: MonitorConfig{Addr: ""},
	}
}

// Load overlays the yaml file at path on top of c. Unknown keys are errors;
// a typo in a rig description must not silently fall back to defaults.
func (c *Config) Load(path string) error {
	log.Printf("loading config file: %s\n", path)
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not open config file: %v", err)
	}
	if err = yaml.UnmarshalStrict(yamlFile, c); err != nil {
		return fmt.Errorf("could not parse config file: %v", err)
	}
	return c.Validate()
}

// Validate rejects rig descriptions that cannot work.
func (c *Config) Validate() error {
	if c.PowerSupply.Resource == "" {
		return fmt.Errorf("power supply resource is empty")
	}
	if c.LockIn.Resource == "" {
		return fmt.Errorf("lock-in resource is empty")
	}
	if c.PowerSupply.MaxCurrent <= 0 {
		return fmt.Errorf("power supply max current must be positive")
	}
	if c.PowerSupply.MaxRate <= 0 {
		return fmt.Errorf("power supply max rate must be positive")
	}
	if c.LockIn.SampleRate <= 0 {
		return fmt.Errorf("lock-in sample rate must be positive")
	}
	if c.LockIn.BufferSize <= 0 {
		return fmt.Errorf("lock-in buffer size must be positive")
	}
	if c.Transport.Tries < 0 {
		return fmt.Errorf("transport tries must not be negative")
	}
	return nil
}

// PowerSupplyParams converts the section into driver parameters.
func (c *Config) PowerSupplyParams() gpib.PowerSupplyParams {
	p := gpib.DefaultPowerSupplyParams()
	ps := c.PowerSupply
	p.ExpectIDN = ps.ExpectIDN
	p.MaxCurrent = ps.MaxCurrent
	p.MaxVoltage = ps.MaxVoltage
	p.MaxRate = ps.MaxRate
	p.Compliance = ps.Compliance
	p.FieldConstant = ps.FieldConstant
	if ps.CurrentTol > 0 {
		p.CurrentTol = ps.CurrentTol
	}
	if ps.RateTol > 0 {
		p.RateTol = ps.RateTol
	}
	if len(ps.Segments) > 0 {
		p.Segments = make([]gpib.RampSegment, len(ps.Segments))
		for i, s := range ps.Segments {
			p.Segments[i] = gpib.RampSegment{Current: s.MaxCurrent, Rate: s.MaxRate}
		}
	}
	return p
}

// LockInParams converts the section into driver parameters.
func (c *Config) LockInParams() gpib.LockInParams {
	p := gpib.DefaultLockInParams()
	p.ExpectIDN = c.LockIn.ExpectIDN
	if c.LockIn.SampleRate > 0 {
		p.SampleRate = c.LockIn.SampleRate
	}
	if c.LockIn.BufferSize > 0 {
		p.BufferSize = c.LockIn.BufferSize
	}
	return p
}

// TransportOptions converts the retry section. Zero fields keep defaults.
func (c *Config) TransportOptions() gpib.TransportOptions {
	return gpib.TransportOptions{
		Tries:     c.Transport.Tries,
		Wait:      time.Duration(c.Transport.WaitMS) * time.Millisecond,
		NoBackoff: c.Transport.NoBackoff,
	}
}

// ControlTiming converts the timing section. Zero fields keep defaults.
func (c *Config) ControlTiming() control.Timing {
	t := control.DefaultTiming()
	if c.Timing.LatencyMS > 0 {
		t.Latency = time.Duration(c.Timing.LatencyMS) * time.Millisecond
	}
	if c.Timing.SampleIntervalMS > 0 {
		t.SampleInterval = time.Duration(c.Timing.SampleIntervalMS) * time.Millisecond
	}
	return t
}

// HarvestInterval is how often the lock-in buffer is drained. Zero lets the
// controller fall back to the buffer-full cadence.
func (c *Config) HarvestInterval() time.Duration {
	return time.Duration(c.LockIn.HarvestIntervalMS) * time.Millisecond
}
