package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the startup configuration for the whole service. The sync core
// consumes the intervals and language set; it never reads files or env itself.
type Config struct {
	Host     string
	Port     string
	LogLevel string

	ExecutionTimeout time.Duration

	ReapInterval     time.Duration
	NoParticipantTTL time.Duration
	InactiveTTL      time.Duration

	DocumentStreamInterval    time.Duration
	ParticipantStreamInterval time.Duration

	// Languages maps each supported language to its default code template.
	Languages map[string]string
}

func Default() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             "3000",
		LogLevel:         "info",
		ExecutionTimeout: 5 * time.Second,

		ReapInterval:     60 * time.Second,
		NoParticipantTTL: 5 * time.Minute,
		InactiveTTL:      20 * time.Minute,

		DocumentStreamInterval:    1 * time.Second,
		ParticipantStreamInterval: 2 * time.Second,

		Languages: map[string]string{
			"javascript": "// Write your JavaScript code here\nconsole.log('Hello, World!');",
			"python":     "# Write your Python code here\nprint('Hello, World!')",
			"typescript": "// Write your TypeScript code here\nconsole.log('Hello, World!');",
		},
	}
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type fileConfig struct {
	Host                      *string           `toml:"host"`
	Port                      *string           `toml:"port"`
	LogLevel                  *string           `toml:"log_level"`
	ExecutionTimeout          *duration         `toml:"execution_timeout"`
	ReapInterval              *duration         `toml:"reap_interval"`
	NoParticipantTTL          *duration         `toml:"no_participant_ttl"`
	InactiveTTL               *duration         `toml:"inactive_ttl"`
	DocumentStreamInterval    *duration         `toml:"document_stream_interval"`
	ParticipantStreamInterval *duration         `toml:"participant_stream_interval"`
	Languages                 map[string]string `toml:"languages"`
}

// Load starts from defaults, overlays the optional TOML file, then applies
// HOST / PORT / LOG_LEVEL from the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, err
		}
		if fc.Host != nil {
			cfg.Host = *fc.Host
		}
		if fc.Port != nil {
			cfg.Port = *fc.Port
		}
		if fc.LogLevel != nil {
			cfg.LogLevel = *fc.LogLevel
		}
		if fc.ExecutionTimeout != nil {
			cfg.ExecutionTimeout = time.Duration(*fc.ExecutionTimeout)
		}
		if fc.ReapInterval != nil {
			cfg.ReapInterval = time.Duration(*fc.ReapInterval)
		}
		if fc.NoParticipantTTL != nil {
			cfg.NoParticipantTTL = time.Duration(*fc.NoParticipantTTL)
		}
		if fc.InactiveTTL != nil {
			cfg.InactiveTTL = time.Duration(*fc.InactiveTTL)
		}
		if fc.DocumentStreamInterval != nil {
			cfg.DocumentStreamInterval = time.Duration(*fc.DocumentStreamInterval)
		}
		if fc.ParticipantStreamInterval != nil {
			cfg.ParticipantStreamInterval = time.Duration(*fc.ParticipantStreamInterval)
		}
		if len(fc.Languages) > 0 {
			cfg.Languages = fc.Languages
		}
	}

	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}
