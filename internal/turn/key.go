// Scope key builders and parsers.
//
// Routing scope keys identify a conversation (or thread) for FIFO
// serialization:
//
//	chat strategy:   {channel}:{conversationId}
//	thread strategy: {channel}:{conversationId}:thread:{threadId|root}
//
// Agent-scoped conversation keys identify one agent's session inside a scope:
//
//	agent:{agentId}:{scopeKey}
//
// Examples:
//
//	telegram:123
//	telegram:123:thread:42
//	agent:jack:telegram:123
package turn

import (
	"fmt"
	"strings"
)

// Routing strategies for scope key construction.
const (
	ScopeByChat   = "chat"
	ScopeByThread = "thread"
)

// RoutingScopeKey builds the serialization scope key for a conversation.
// Unknown strategies fall back to chat scoping.
func RoutingScopeKey(strategy, channel, conversationID, threadID string) string {
	if strategy == ScopeByThread {
		if threadID == "" {
			threadID = "root"
		}
		return fmt.Sprintf("%s:%s:thread:%s", channel, conversationID, threadID)
	}
	return fmt.Sprintf("%s:%s", channel, conversationID)
}

// AgentConversationKey builds the per-agent session key for a scope.
func AgentConversationKey(agentID, scopeKey string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, scopeKey)
}

// ParseAgentConversationKey extracts the agentID and scope key from an
// agent-scoped conversation key. Returns ("", "") for malformed keys.
func ParseAgentConversationKey(key string) (agentID, scopeKey string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}
