package config

import (
	"fmt"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the agbridge daemon
type Config struct {
	// Chat front-end configuration
	ChatToken    string   `envconfig:"AGBRIDGE_CHAT_TOKEN"`
	AllowedUsers []string `envconfig:"AGBRIDGE_ALLOWED_USERS"`

	// DevTools discovery
	CDPHost      string        `envconfig:"AGBRIDGE_CDP_HOST" default:"127.0.0.1"`
	CDPPorts     []int         `envconfig:"AGBRIDGE_CDP_PORTS" default:"9222,9223,9333,9444,9555,9666"`
	ReadyTimeout time.Duration `envconfig:"AGBRIDGE_READY_TIMEOUT" default:"30s"`

	// Local state
	StatePath     string `envconfig:"AGBRIDGE_STATE_PATH" default:"agbridge.db"`
	TemplatesPath string `envconfig:"AGBRIDGE_TEMPLATES_PATH" default:"templates.yaml"`
	TranscriptDir string `envconfig:"AGBRIDGE_TRANSCRIPT_DIR" default:"transcripts"`

	// Diagnostics endpoint
	DiagAddr string `envconfig:"AGBRIDGE_DIAG_ADDR" default:"127.0.0.1:7171"`

	// Assistant launch, used by "agbridge open". If AssistantPath has no
	// directory component it is resolved on $PATH. AssistantFlags is a
	// space-delimited extra flag list; the debug port flag always wins over
	// a duplicate in it.
	AssistantPath  string `envconfig:"AGBRIDGE_ASSISTANT_PATH" default:"antigravity"`
	AssistantFlags string `envconfig:"AGBRIDGE_ASSISTANT_FLAGS"`
	DebugPort      int    `envconfig:"AGBRIDGE_DEBUG_PORT" default:"9222"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.CDPHost == "" {
		return fmt.Errorf("AGBRIDGE_CDP_HOST is required")
	}
	if len(config.CDPPorts) == 0 {
		return fmt.Errorf("AGBRIDGE_CDP_PORTS is required")
	}
	for _, p := range config.CDPPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("AGBRIDGE_CDP_PORTS contains invalid port %d", p)
		}
	}
	if config.ReadyTimeout <= 0 {
		return fmt.Errorf("AGBRIDGE_READY_TIMEOUT must be greater than 0")
	}
	if config.StatePath == "" {
		return fmt.Errorf("AGBRIDGE_STATE_PATH is required")
	}
	if config.TemplatesPath == "" {
		return fmt.Errorf("AGBRIDGE_TEMPLATES_PATH is required")
	}
	if config.TranscriptDir == "" {
		return fmt.Errorf("AGBRIDGE_TRANSCRIPT_DIR is required")
	}
	if _, _, err := net.SplitHostPort(config.DiagAddr); err != nil {
		return fmt.Errorf("AGBRIDGE_DIAG_ADDR is not host:port: %w", err)
	}
	if config.DebugPort < 1 || config.DebugPort > 65535 {
		return fmt.Errorf("AGBRIDGE_DEBUG_PORT must be a valid port")
	}

	return nil
}
