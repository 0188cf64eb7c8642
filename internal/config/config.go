// Package config holds the Brewva channel orchestrator configuration:
// JSON5 file plus environment overlays, env vars taking precedence.
package config

import "fmt"

// DefaultAgentID is the agent that always exists and receives unrouted turns.
const DefaultAgentID = "default"

// Config is the root configuration.
type Config struct {
	Workspace    string             `json:"workspace"`
	Telegram     TelegramConfig     `json:"telegram"`
	Ingress      IngressConfig      `json:"ingress"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Runtime      RuntimeConfig      `json:"runtime"`
	TurnWal      TurnWalConfig      `json:"turnWal"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
}

// TelegramConfig configures the Telegram channel surface.
// Token and CallbackSecret come from env only (never persisted).
type TelegramConfig struct {
	Enabled         bool     `json:"enabled"`
	Token           string   `json:"-"`                       // from env BREWVA_TELEGRAM_TOKEN only
	RoutingScope    string   `json:"routing_scope,omitempty"` // "chat" (default) or "thread"
	OwnerIDs        []string `json:"owner_ids,omitempty"`
	ACLWhenNoOwners string   `json:"acl_when_no_owners,omitempty"` // "open" (default) or "closed"
	MaxTextLength   int      `json:"max_text_length,omitempty"`
	InlineApprovals *bool    `json:"inline_approvals,omitempty"` // nil = enabled
	CallbackSecret  string   `json:"-"`                          // from env BREWVA_CALLBACK_SECRET only
	UISkill         string   `json:"ui_skill,omitempty"`         // preferred interactive-UI skill name
	AllowBots       bool     `json:"allow_bots,omitempty"`
	Proxy           string   `json:"proxy,omitempty"`
	PollTimeoutSec  int      `json:"poll_timeout_sec,omitempty"`
	RetryDelayMs    int      `json:"retry_delay_ms,omitempty"`
}

// InlineApprovalsEnabled resolves the tri-state flag (nil = enabled).
func (c TelegramConfig) InlineApprovalsEnabled() bool {
	return c.InlineApprovals == nil || *c.InlineApprovals
}

// IngressConfig configures the webhook HTTP endpoint.
// BearerToken and HMACSecret come from env only.
type IngressConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	Path          string `json:"path,omitempty"`
	MaxBodyBytes  int64  `json:"max_body_bytes,omitempty"`
	AuthMode      string `json:"auth_mode,omitempty"` // "hmac", "bearer", "both"
	BearerToken   string `json:"-"`
	HMACSecret    string `json:"-"`
	HMACMaxSkewMs int64  `json:"hmac_max_skew_ms,omitempty"` // 0 = skew check disabled
	NonceTTLMs    int64  `json:"nonce_ttl_ms,omitempty"`
}

// OrchestratorConfig bounds multi-agent coordination.
type OrchestratorConfig struct {
	FanoutMaxAgents     int   `json:"fanout_max_agents,omitempty"`
	MaxDiscussionRounds int   `json:"max_discussion_rounds,omitempty"`
	A2AMaxDepth         int   `json:"a2a_max_depth,omitempty"`
	A2AMaxHops          int   `json:"a2a_max_hops,omitempty"`
	ForbidSelfA2A       *bool `json:"forbid_self_a2a,omitempty"` // nil = true
	GracefulTimeoutMs   int64 `json:"graceful_timeout_ms,omitempty"`
}

// SelfA2AForbidden resolves the tri-state flag (nil = forbidden).
func (c OrchestratorConfig) SelfA2AForbidden() bool {
	return c.ForbidSelfA2A == nil || *c.ForbidSelfA2A
}

// RuntimeConfig bounds the agent runtime pool.
type RuntimeConfig struct {
	Kind             string         `json:"kind,omitempty"` // runtime supervisor kind (default "noop")
	MaxLiveRuntimes  int            `json:"max_live_runtimes,omitempty"`
	IdleRuntimeTTLMs int64          `json:"idle_runtime_ttl_ms,omitempty"`
	SweepIntervalMs  int64          `json:"sweep_interval_ms,omitempty"`
	Base             map[string]any `json:"base,omitempty"` // base runtime config, overlaid per agent
}

// TurnWalConfig configures the durable turn write-ahead log.
type TurnWalConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"` // nil = enabled
	Dir            string `json:"dir,omitempty"`
	CompactAfterMs int64  `json:"compact_after_ms,omitempty"`
}

// WalEnabled resolves the tri-state flag (nil = enabled).
func (c TurnWalConfig) WalEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Validate checks constraints that must hold before the orchestrator boots.
// Violations are fatal: the process should refuse to start.
func (c *Config) Validate() error {
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but BREWVA_TELEGRAM_TOKEN not set")
	}
	if c.Ingress.Enabled {
		switch c.Ingress.AuthMode {
		case "bearer":
			if c.Ingress.BearerToken == "" {
				return fmt.Errorf("ingress auth_mode=bearer but BREWVA_TELEGRAM_INGRESS_BEARER_TOKEN not set")
			}
		case "hmac":
			if c.Ingress.HMACSecret == "" {
				return fmt.Errorf("ingress auth_mode=hmac but BREWVA_TELEGRAM_INGRESS_HMAC_SECRET not set")
			}
		case "both":
			if c.Ingress.BearerToken == "" || c.Ingress.HMACSecret == "" {
				return fmt.Errorf("ingress auth_mode=both requires both bearer token and hmac secret")
			}
		default:
			return fmt.Errorf("unknown ingress auth_mode %q", c.Ingress.AuthMode)
		}
	}
	switch c.Telegram.RoutingScope {
	case "", "chat", "thread":
	default:
		return fmt.Errorf("unknown routing_scope %q", c.Telegram.RoutingScope)
	}
	switch c.Telegram.ACLWhenNoOwners {
	case "", "open", "closed":
	default:
		return fmt.Errorf("unknown acl_when_no_owners %q", c.Telegram.ACLWhenNoOwners)
	}
	return nil
}
