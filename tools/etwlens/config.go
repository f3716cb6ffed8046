package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	plog "github.com/phuslu/log"

	"github.com/tekert/etwlens/etw"
)

// Config is the TOML configuration of etwlens. Command line flags take
// precedence over the file.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Decoder DecoderConfig `toml:"decoder"`
	Metrics MetricsConfig `toml:"metrics"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Components overrides Level per logger: decoder, session, worker, default.
	Components map[string]string `toml:"components"`
}

type DecoderConfig struct {
	Nested       bool     `toml:"nested"`
	MaxMatches   int      `toml:"max_matches"`
	PollInterval duration `toml:"poll_interval"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

// duration decodes TOML strings such as "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func defaultConfig() Config {
	return Config{
		Decoder: DecoderConfig{
			MaxMatches:   etw.DefaultMaxMatches,
			PollInterval: duration{50 * time.Millisecond},
		},
	}
}

// loadConfig decodes path over the defaults. Unknown keys are an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Decoder.MaxMatches < 1 {
		return fmt.Errorf("decoder.max_matches must be positive, got %d", c.Decoder.MaxMatches)
	}
	if c.Decoder.PollInterval.Duration <= 0 {
		return fmt.Errorf("decoder.poll_interval must be positive, got %s", c.Decoder.PollInterval)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	for name, level := range c.Log.Components {
		if !knownLogger(etw.LoggerName(name)) {
			return fmt.Errorf("log.components: unknown logger %q", name)
		}
		if _, err := parseLevel(level); err != nil {
			return fmt.Errorf("log.components.%s: %w", name, err)
		}
	}
	return nil
}

func knownLogger(name etw.LoggerName) bool {
	switch name {
	case etw.DecoderLogger, etw.SessionLogger, etw.WorkerLogger, etw.DefaultLogger:
		return true
	}
	return false
}

func parseLevel(s string) (plog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return plog.TraceLevel, nil
	case "debug":
		return plog.DebugLevel, nil
	case "", "info":
		return plog.InfoLevel, nil
	case "warn", "warning":
		return plog.WarnLevel, nil
	case "error":
		return plog.ErrorLevel, nil
	case "off", "none":
		return 99, nil // above every level
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// logLevels returns the levels to apply. Level covers every logger only
// when it is set, so an unset level keeps each component's own default
// (the decoder starts at warn). Components always win.
func (c *Config) logLevels() map[etw.LoggerName]plog.Level {
	levels := make(map[etw.LoggerName]plog.Level, 4)
	if c.Log.Level != "" {
		level, _ := parseLevel(c.Log.Level)
		for _, name := range []etw.LoggerName{etw.DecoderLogger, etw.SessionLogger, etw.WorkerLogger, etw.DefaultLogger} {
			levels[name] = level
		}
	}
	for name, s := range c.Log.Components {
		l, _ := parseLevel(s)
		levels[etw.LoggerName(name)] = l
	}
	return levels
}

func (c *Config) applyLogging() {
	etw.SetLogLevels(c.logLevels())
}
