package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/gfio"
	"github.com/sirupsen/logrus"
)

// duration accepts "10ms" style values in the configuration file.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

type WorkersConfig struct {
	Count    uint32 `toml:"count"`
	Prefix   string `toml:"prefix"`
	Name     string `toml:"name"`
	CPUs     []int  `toml:"cpus"`
	Priority int32  `toml:"priority"`
}

type LoadConfig struct {
	Requests    int      `toml:"requests"`
	Concurrency int      `toml:"concurrency"`
	Delay       duration `toml:"delay"`
	// Backlog bounds the completions waiting to be accounted.
	Backlog int `toml:"backlog"`
}

type Config struct {
	Engine           string        `toml:"engine"`
	LogLevel         string        `toml:"log_level"`
	SlotBits         uint32        `toml:"slot_bits"`
	LockedMemory     *bool         `toml:"locked_memory"`
	Tracing          bool          `toml:"tracing"`
	LatencyThreshold duration      `toml:"latency_threshold"`
	RingEntries      uint32        `toml:"ring_entries"`
	InitTimeout      duration      `toml:"init_timeout"`
	InitRetries      uint32        `toml:"init_retries"`
	Workers          WorkersConfig `toml:"workers"`
	Load             LoadConfig    `toml:"load"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Load: LoadConfig{
			Concurrency: 4,
			Delay:       duration{10 * time.Millisecond},
			Backlog:     1024,
		},
	}
}

// loadConfig reads the configuration file at path over the defaults. An
// empty path gives the defaults.
func loadConfig(path string) (cfg Config, err error) {
	cfg = defaultConfig()
	if path == "" {
		return
	}
	meta, decodeErr := toml.DecodeFile(path, &cfg)
	if decodeErr != nil {
		err = errors.New("read configuration failed", errors.WithMeta("path", path), errors.WithWrap(decodeErr))
		return
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithField("keys", undecoded).Warn("unknown configuration keys")
	}
	return
}

func (cfg *Config) logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

func (cfg *Config) options(logger logrus.FieldLogger) []gfio.Option {
	options := []gfio.Option{
		gfio.WithLogger(logger),
		gfio.WithEngine(cfg.Engine),
		gfio.WithTracing(cfg.Tracing),
	}
	if cfg.SlotBits > 0 {
		options = append(options, gfio.WithSlotBits(cfg.SlotBits))
	}
	if cfg.LockedMemory != nil {
		options = append(options, gfio.WithLockedMemory(*cfg.LockedMemory))
	}
	if cfg.LatencyThreshold.Duration > 0 {
		options = append(options, gfio.WithLatencyThreshold(cfg.LatencyThreshold.Duration))
	}
	if cfg.RingEntries > 0 {
		options = append(options, gfio.WithRingEntries(cfg.RingEntries))
	}
	if cfg.InitTimeout.Duration > 0 {
		options = append(options, gfio.WithInitTimeout(cfg.InitTimeout.Duration, cfg.InitRetries))
	}
	w := cfg.Workers
	if w.Count > 0 {
		options = append(options, gfio.WithWorkers(w.Count))
	}
	if w.Name != "" {
		options = append(options, gfio.WithWorkerName(w.Prefix, w.Name))
	}
	if len(w.CPUs) > 0 {
		options = append(options, gfio.WithWorkerCPUs(w.CPUs...))
	}
	if w.Priority != 0 {
		options = append(options, gfio.WithWorkerPriority(w.Priority))
	}
	return options
}
