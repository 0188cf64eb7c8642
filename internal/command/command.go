// Package command parses the channel text surface: slash commands and
// @mention routing. Parsing is pure; execution lives in the orchestrator.
package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies what a piece of inbound text asked for.
type Kind string

const (
	KindNone       Kind = "none"        // plain text, no command
	KindError      Kind = "error"       // malformed command, Err holds the usage hint
	KindListAgents Kind = "list_agents" // /agents
	KindNewAgent   Kind = "new_agent"   // /new-agent
	KindDelAgent   Kind = "del_agent"   // /del-agent
	KindFocus      Kind = "focus"       // /focus
	KindRun        Kind = "run"         // /run (fan-out)
	KindDiscuss    Kind = "discuss"     // /discuss (round-robin)
	KindRouteAgent Kind = "route_agent" // @name <task>
	KindHelp       Kind = "help"        // /help
	KindStatus     Kind = "status"      // /status
)

// Match is the parse result.
type Match struct {
	Kind      Kind
	AgentID   string   // new/del/focus/route target
	AgentIDs  []string // run/discuss targets
	Task      string
	Model     string // /new-agent model=...
	MaxRounds int    // /discuss maxRounds=N (0 = config default)
	Err       string // usage hint for KindError
}

// mentionPattern matches "@name task", tolerating a trailing comma or colon
// on the mention.
var mentionPattern = regexp.MustCompile(`^@(\w[\w.-]*)[,:]?\s+(.+)$`)

var maxRoundsPattern = regexp.MustCompile(`(?i)\bmaxRounds=(\d+)\b`)

// RequiresOwner reports whether a match needs the sender to be an owner.
// Listing, help, status, and plain routing stay open.
func RequiresOwner(kind Kind) bool {
	switch kind {
	case KindNewAgent, KindDelAgent, KindFocus, KindRun, KindDiscuss:
		return true
	default:
		return false
	}
}

// Parse classifies one inbound text. Telegram bot-command suffixes
// ("/agents@MyBot") are stripped before matching.
func Parse(input string) Match {
	text := strings.TrimSpace(input)
	if text == "" {
		return Match{Kind: KindNone}
	}

	if m := mentionPattern.FindStringSubmatch(text); m != nil {
		return Match{Kind: KindRouteAgent, AgentID: strings.ToLower(m[1]), Task: strings.TrimSpace(m[2])}
	}
	if strings.HasPrefix(text, "@") {
		// A mention that did not parse must not fall through to plain chat.
		return usageErr("@name <task>")
	}

	if !strings.HasPrefix(text, "/") {
		return Match{Kind: KindNone}
	}

	cmd, rest, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/agents":
		return Match{Kind: KindListAgents}
	case "/help":
		return Match{Kind: KindHelp}
	case "/status":
		return Match{Kind: KindStatus}
	case "/new-agent", "/new_agent":
		return parseNewAgent(rest)
	case "/del-agent", "/del_agent":
		if rest == "" {
			return usageErr("/del-agent <name>")
		}
		return Match{Kind: KindDelAgent, AgentID: stripMention(rest)}
	case "/focus":
		if rest == "" {
			return usageErr("/focus @name")
		}
		return Match{Kind: KindFocus, AgentID: stripMention(rest)}
	case "/run":
		agents, task, ok := parseAgentsAndTask(rest)
		if !ok {
			return usageErr("/run @a,@b <task>")
		}
		return Match{Kind: KindRun, AgentIDs: agents, Task: task}
	case "/discuss":
		return parseDiscuss(rest)
	default:
		return Match{Kind: KindNone}
	}
}

// parseNewAgent accepts "<name>", "name is <name>", "name=<name>", each with
// an optional trailing "model=<provider/id>".
func parseNewAgent(rest string) Match {
	if rest == "" {
		return usageErr("/new-agent <name> [model=<provider/id>]")
	}

	model := ""
	fields := strings.Fields(rest)
	kept := fields[:0]
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "model="); ok {
			model = v
			continue
		}
		kept = append(kept, f)
	}

	name := strings.Join(kept, " ")
	if v, ok := strings.CutPrefix(name, "name is "); ok {
		name = v
	} else if v, ok := strings.CutPrefix(name, "name="); ok {
		name = v
	}
	name = stripMention(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t") {
		return usageErr("/new-agent <name> [model=<provider/id>]")
	}
	return Match{Kind: KindNewAgent, AgentID: name, Model: model}
}

func parseDiscuss(rest string) Match {
	maxRounds := 0
	if m := maxRoundsPattern.FindStringSubmatch(rest); m != nil {
		maxRounds, _ = strconv.Atoi(m[1])
		rest = strings.TrimSpace(maxRoundsPattern.ReplaceAllString(rest, ""))
	}

	agents, topic, ok := parseAgentsAndTask(rest)
	if !ok {
		return usageErr("/discuss @a,@b [maxRounds=N] <topic>")
	}
	return Match{Kind: KindDiscuss, AgentIDs: agents, Task: topic, MaxRounds: maxRounds}
}

// parseAgentsAndTask splits "@a,@b task text" into the mention list and the
// remaining task.
func parseAgentsAndTask(rest string) (agents []string, task string, ok bool) {
	mentions, task, found := strings.Cut(strings.TrimSpace(rest), " ")
	if !found || !strings.HasPrefix(mentions, "@") {
		return nil, "", false
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, "", false
	}

	for _, raw := range strings.Split(mentions, ",") {
		id := stripMention(strings.TrimSpace(raw))
		if id == "" {
			return nil, "", false
		}
		agents = append(agents, id)
	}
	return agents, task, true
}

func stripMention(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "@"))
}

func usageErr(usage string) Match {
	return Match{Kind: KindError, Err: "usage: " + usage}
}
