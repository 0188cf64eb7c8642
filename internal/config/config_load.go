package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: "~/.brewva/workspace",
		Telegram: TelegramConfig{
			RoutingScope:    "chat",
			ACLWhenNoOwners: "open",
			MaxTextLength:   4096,
			PollTimeoutSec:  30,
			RetryDelayMs:    2000,
		},
		Ingress: IngressConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			Path:         "/ingest/telegram",
			MaxBodyBytes: 1 << 20,
			AuthMode:     "hmac",
			NonceTTLMs:   5 * 60 * 1000,
		},
		Orchestrator: OrchestratorConfig{
			FanoutMaxAgents:     5,
			MaxDiscussionRounds: 8,
			A2AMaxDepth:         3,
			A2AMaxHops:          8,
			GracefulTimeoutMs:   10_000,
		},
		Runtime: RuntimeConfig{
			Kind:             "noop",
			MaxLiveRuntimes:  8,
			IdleRuntimeTTLMs: 10 * 60 * 1000,
			SweepIntervalMs:  60 * 1000,
		},
		TurnWal: TurnWalConfig{
			CompactAfterMs: 10 * 60 * 1000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env overlays.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("BREWVA_WORKSPACE", &c.Workspace)
	envStr("BREWVA_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("BREWVA_CALLBACK_SECRET", &c.Telegram.CallbackSecret)
	envStr("BREWVA_TELEGRAM_ROUTING_SCOPE", &c.Telegram.RoutingScope)
	if v := os.Getenv("BREWVA_OWNER_IDS"); v != "" {
		c.Telegram.OwnerIDs = strings.Split(v, ",")
	}

	// Auto-enable the channel when credentials arrive via env.
	if c.Telegram.Token != "" {
		c.Telegram.Enabled = true
	}

	// Webhook ingress (BREWVA_TELEGRAM_INGRESS_* / BREWVA_TELEGRAM_WEBHOOK_*;
	// the webhook alias is kept for workers configured against the older name).
	for _, prefix := range []string{"BREWVA_TELEGRAM_INGRESS_", "BREWVA_TELEGRAM_WEBHOOK_"} {
		envBool(prefix+"ENABLED", &c.Ingress.Enabled)
		envStr(prefix+"HOST", &c.Ingress.Host)
		if v := os.Getenv(prefix + "PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil && port > 0 {
				c.Ingress.Port = port
			}
		}
		envStr(prefix+"PATH", &c.Ingress.Path)
		envInt64(prefix+"MAX_BODY_BYTES", &c.Ingress.MaxBodyBytes)
		envStr(prefix+"AUTH_MODE", &c.Ingress.AuthMode)
		envStr(prefix+"BEARER_TOKEN", &c.Ingress.BearerToken)
		envStr(prefix+"HMAC_SECRET", &c.Ingress.HMACSecret)
		envInt64(prefix+"HMAC_MAX_SKEW_MS", &c.Ingress.HMACMaxSkewMs)
		envInt64(prefix+"NONCE_TTL_MS", &c.Ingress.NonceTTLMs)
	}

	envStr("BREWVA_RUNTIME_KIND", &c.Runtime.Kind)
	envStr("BREWVA_TURN_WAL_DIR", &c.TurnWal.Dir)

	envStr("BREWVA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BREWVA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("BREWVA_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
}

// Save writes the config to a JSON file. Secrets are never serialized
// (their fields carry `json:"-"`).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Workspace)
}

// TurnWalDir resolves the WAL directory, defaulting under the workspace.
func (c *Config) TurnWalDir() string {
	if c.TurnWal.Dir != "" {
		return ExpandHome(c.TurnWal.Dir)
	}
	return filepath.Join(c.WorkspacePath(), ".brewva", "turn-wal")
}

// ChannelStateDir is the workspace directory holding registry and approval
// store files.
func (c *Config) ChannelStateDir() string {
	return filepath.Join(c.WorkspacePath(), ".brewva", "channel")
}

// AgentsDir is the workspace directory holding per-agent scaffolds and state.
func (c *Config) AgentsDir() string {
	return filepath.Join(c.WorkspacePath(), ".brewva", "agents")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
