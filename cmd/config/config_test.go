package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				CDPHost:       "127.0.0.1",
				CDPPorts:      []int{9222, 9223, 9333, 9444, 9555, 9666},
				ReadyTimeout:  30 * time.Second,
				StatePath:     "agbridge.db",
				TemplatesPath: "templates.yaml",
				TranscriptDir: "transcripts",
				DiagAddr:      "127.0.0.1:7171",
				AssistantPath: "antigravity",
				DebugPort:     9222,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"AGBRIDGE_CHAT_TOKEN":      "tok-123",
				"AGBRIDGE_ALLOWED_USERS":   "ada,grace",
				"AGBRIDGE_CDP_HOST":        "10.0.0.5",
				"AGBRIDGE_CDP_PORTS":       "9300,9301",
				"AGBRIDGE_READY_TIMEOUT":   "5s",
				"AGBRIDGE_STATE_PATH":      "/var/lib/agbridge/state.db",
				"AGBRIDGE_TEMPLATES_PATH":  "/etc/agbridge/templates.yaml",
				"AGBRIDGE_TRANSCRIPT_DIR":  "/var/log/agbridge",
				"AGBRIDGE_DIAG_ADDR":       "0.0.0.0:8080",
				"AGBRIDGE_ASSISTANT_PATH":  "/opt/antigravity/bin/antigravity",
				"AGBRIDGE_ASSISTANT_FLAGS": "--disable-gpu --lang=en-US",
				"AGBRIDGE_DEBUG_PORT":      "9444",
			},
			wantCfg: &Config{
				ChatToken:      "tok-123",
				AllowedUsers:   []string{"ada", "grace"},
				CDPHost:        "10.0.0.5",
				CDPPorts:       []int{9300, 9301},
				ReadyTimeout:   5 * time.Second,
				StatePath:      "/var/lib/agbridge/state.db",
				TemplatesPath:  "/etc/agbridge/templates.yaml",
				TranscriptDir:  "/var/log/agbridge",
				DiagAddr:       "0.0.0.0:8080",
				AssistantPath:  "/opt/antigravity/bin/antigravity",
				AssistantFlags: "--disable-gpu --lang=en-US",
				DebugPort:      9444,
			},
		},
		{
			name: "port out of range",
			env: map[string]string{
				"AGBRIDGE_CDP_PORTS": "70000",
			},
			wantErr: true,
		},
		{
			name: "zero ready timeout",
			env: map[string]string{
				"AGBRIDGE_READY_TIMEOUT": "0s",
			},
			wantErr: true,
		},
		{
			name: "missing state path (set to empty)",
			env: map[string]string{
				"AGBRIDGE_STATE_PATH": "",
			},
			wantErr: true,
		},
		{
			name: "diag addr without port",
			env: map[string]string{
				"AGBRIDGE_DIAG_ADDR": "localhost",
			},
			wantErr: true,
		},
		{
			name: "debug port out of range",
			env: map[string]string{
				"AGBRIDGE_DEBUG_PORT": "0",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}
