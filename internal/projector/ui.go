package projector

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/brewva/brewva/internal/approval"
	"github.com/brewva/brewva/internal/turn"
)

// UIVersion is the interactive-UI payload version the projector understands.
const UIVersion = "telegram-ui/v1"

// uiScreen is one extracted interactive-UI block, ready for keyboard
// emission.
type uiScreen struct {
	RequestID string
	Title     string
	Rows      [][]turn.ApprovalAction
	Snapshot  approval.Snapshot
}

var uiBlockPattern = regexp.MustCompile("(?s)```(telegram-ui|telegram_ui|json)[ \t]*\n(.*?)\n[ \t]*```")

var uiStyles = map[string]bool{"primary": true, "neutral": true, "danger": true}

// extractUIScreens pulls interactive-UI code blocks out of assistant text.
// Recognized blocks are removed; json blocks without the UI version tag stay
// in place. Scanning repeats until no recognized block remains.
func extractUIScreens(text string) (string, []uiScreen) {
	var screens []uiScreen
	searchFrom := 0
	for {
		loc := uiBlockPattern.FindStringSubmatchIndex(text[searchFrom:])
		if loc == nil {
			return text, screens
		}
		blockStart, blockEnd := searchFrom+loc[0], searchFrom+loc[1]
		body := text[searchFrom+loc[4] : searchFrom+loc[5]]

		screen, ok := parseUIScreen(body)
		if !ok {
			// Plain json block: keep it and keep scanning after it.
			searchFrom = blockEnd
			continue
		}

		screens = append(screens, screen)
		cleaned := text[:blockStart] + text[blockEnd:]
		text = strings.TrimSpace(cleaned)
		searchFrom = 0
	}
}

type uiPayload struct {
	Version    string            `json:"version"`
	RequestID  string            `json:"request_id"`
	ScreenID   string            `json:"screen_id"`
	StateKey   string            `json:"state_key"`
	State      json.RawMessage   `json:"state"`
	Text       string            `json:"text"`
	Title      string            `json:"title"`
	Components []uiComponent     `json:"components"`
	Actions    []json.RawMessage `json:"actions"`
}

type uiComponent struct {
	Type    string              `json:"type"`
	Rows    [][]json.RawMessage `json:"rows"`
	Options []json.RawMessage   `json:"options"`
}

func parseUIScreen(body string) (uiScreen, bool) {
	var payload uiPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return uiScreen{}, false
	}
	if payload.Version != UIVersion {
		return uiScreen{}, false
	}

	var rows [][]turn.ApprovalAction
	var flat []turn.ApprovalAction
	seen := make(map[string]bool)
	index := 0

	addAction := func(raw json.RawMessage, toRow *[]turn.ApprovalAction) {
		action, ok := parseUIAction(raw, index)
		index++
		if !ok || seen[action.ID] {
			// Malformed descriptors and duplicate ids are dropped, first
			// occurrence wins.
			return
		}
		seen[action.ID] = true
		if toRow != nil {
			*toRow = append(*toRow, action)
		} else {
			flat = append(flat, action)
		}
	}

	for _, comp := range payload.Components {
		for _, rawRow := range comp.Rows {
			var row []turn.ApprovalAction
			for _, raw := range rawRow {
				addAction(raw, &row)
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
		}
		if comp.Type == "single_select" {
			for _, raw := range comp.Options {
				addAction(raw, nil)
			}
		}
	}
	for _, raw := range payload.Actions {
		addAction(raw, nil)
	}

	// Flat sources fall back to one button per row.
	for _, action := range flat {
		rows = append(rows, []turn.ApprovalAction{action})
	}
	if len(rows) == 0 {
		return uiScreen{}, false
	}

	screen := uiScreen{
		Title: firstNonEmpty(payload.Text, payload.Title, "Choose an action"),
		Rows:  rows,
		Snapshot: approval.Snapshot{
			ScreenID: payload.ScreenID,
			StateKey: payload.StateKey,
			State:    payload.State,
		},
	}

	screen.RequestID = normalizeID(payload.RequestID)
	if screen.RequestID == "" {
		screen.RequestID = deriveRequestID(payload.ScreenID, payload.State, rows)
	}
	return screen, true
}

func parseUIAction(raw json.RawMessage, index int) (turn.ApprovalAction, bool) {
	var fields struct {
		ID       string `json:"id"`
		ActionID string `json:"action_id"`
		Label    string `json:"label"`
		Text     string `json:"text"`
		Title    string `json:"title"`
		Style    string `json:"style"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return turn.ApprovalAction{}, false
	}

	id := normalizeID(firstNonEmpty(fields.ID, fields.ActionID))
	if id == "" {
		id = fmt.Sprintf("a%d", index)
	}

	action := turn.ApprovalAction{
		ID:    id,
		Label: firstNonEmpty(fields.Label, fields.Text, fields.Title, id),
	}
	if uiStyles[fields.Style] {
		action.Style = fields.Style
	}
	return action, true
}

var idSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// normalizeID lowercases and strips an id down to the callback-safe charset,
// capped at 24 bytes. Returns "" when nothing survives.
func normalizeID(raw string) string {
	id := idSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "-")
	id = strings.Trim(id, "-")
	if len(id) > 24 {
		id = id[:24]
	}
	return id
}

// deriveRequestID builds a deterministic request id from the screen content:
// a screen token plus 8 hex of a digest over screen id, state, and action
// ids. Fits the 24-byte id limit (15 + "_" + 8).
func deriveRequestID(screenID string, state json.RawMessage, rows [][]turn.ApprovalAction) string {
	token := normalizeID(screenID)
	if token == "" {
		token = "screen"
	}
	if len(token) > 15 {
		token = token[:15]
	}
	token = strings.Trim(token, "-_")

	h := sha256.New()
	if screenID != "" {
		h.Write([]byte(screenID))
	} else {
		h.Write([]byte("null"))
	}
	h.Write([]byte{'\n'})
	if len(state) > 0 {
		h.Write(state)
	} else {
		h.Write([]byte("null"))
	}
	for _, row := range rows {
		for _, action := range row {
			h.Write([]byte{'\n'})
			h.Write([]byte(action.ID))
		}
	}
	return fmt.Sprintf("%s_%x", token, h.Sum(nil)[:4])
}
