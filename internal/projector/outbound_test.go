package projector

import (
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/brewva/brewva/internal/callback"
	"github.com/brewva/brewva/internal/turn"
)

func assistantTurn(text string) *turn.Envelope {
	return &turn.Envelope{
		Schema:         turn.Schema,
		Kind:           turn.KindAssistant,
		Channel:        "telegram",
		ConversationID: "123",
		Parts:          []turn.Part{turn.TextPart(text)},
	}
}

func renderOpts() RenderOptions {
	return RenderOptions{
		ChatID:          123,
		ThreadID:        5,
		MaxTextLength:   4096,
		InlineApprovals: true,
		CallbackSecret:  "cb-secret",
		ConversationID:  "123",
	}
}

func TestRenderTurn_PlainText(t *testing.T) {
	reqs := RenderTurn(assistantTurn("hello"), renderOpts())
	if len(reqs) != 1 || reqs[0].Method != "sendMessage" {
		t.Fatalf("requests = %+v", reqs)
	}
	msg := reqs[0].Message
	if msg.Text != "hello" || msg.MessageThreadID != 5 {
		t.Errorf("message = %+v", msg)
	}
}

func TestRenderTurn_LongTextSplit(t *testing.T) {
	opts := renderOpts()
	opts.MaxTextLength = 100
	reqs := RenderTurn(assistantTurn(strings.Repeat("line of output\n", 30)), opts)

	if len(reqs) < 2 {
		t.Fatalf("long text should split, got %d requests", len(reqs))
	}
	for i, r := range reqs {
		if r.Method != "sendMessage" {
			t.Errorf("request %d method = %s", i, r.Method)
		}
		if len(r.Message.Text) > 100 {
			t.Errorf("chunk %d over limit: %d chars", i, len(r.Message.Text))
		}
		if r.Message.MessageThreadID != 5 {
			t.Errorf("chunk %d lost thread id", i)
		}
	}
}

const uiBlock = "```telegram-ui\n" + `{
  "version": "telegram-ui/v1",
  "request_id": "req_deploy",
  "screen_id": "deploy-confirm",
  "text": "Deploy to production?",
  "state": {"env": "prod"},
  "components": [
    {"rows": [[{"id": "approve", "label": "Approve", "style": "primary"},
               {"id": "reject", "label": "Reject", "style": "danger"}]]}
  ]
}` + "\n```"

func TestRenderTurn_UIBlockBecomesKeyboard(t *testing.T) {
	bridge := newStubBridge()
	opts := renderOpts()
	opts.Bridge = bridge

	reqs := RenderTurn(assistantTurn("Before the buttons.\n"+uiBlock), opts)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want markup attached to the single text message", len(reqs))
	}

	msg := reqs[0].Message
	if strings.Contains(msg.Text, "telegram-ui") {
		t.Error("UI block not removed from text")
	}
	if !strings.Contains(msg.Text, "Before the buttons.") {
		t.Errorf("surrounding text lost: %q", msg.Text)
	}

	markup, ok := msg.ReplyMarkup.(*telego.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", msg.ReplyMarkup)
	}

	// Buttons decode back to the declared actions, bound to the chat.
	for i, wantAction := range []string{"approve", "reject"} {
		data := markup.InlineKeyboard[0][i].CallbackData
		if len(data) > callback.MaxTokenBytes {
			t.Errorf("callback data %d bytes, over provider limit", len(data))
		}
		payload, ok := callback.Decode(data, "cb-secret", callback.Options{Context: "123"})
		if !ok || payload.RequestID != "req_deploy" || payload.ActionID != wantAction {
			t.Errorf("button %d payload = %+v/%v", i, payload, ok)
		}
	}

	// The snapshot was persisted for the approval round trip.
	if len(bridge.saved) != 1 || bridge.saved[0] != "123/req_deploy" {
		t.Errorf("persisted snapshots = %v", bridge.saved)
	}
	if snap := bridge.states["123/req_deploy"]; snap == nil || snap.ScreenID != "deploy-confirm" {
		t.Errorf("snapshot = %+v", bridge.states["123/req_deploy"])
	}
}

func TestRenderTurn_UIBlockWithoutTextSendsTitle(t *testing.T) {
	reqs := RenderTurn(assistantTurn(uiBlock), renderOpts())
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	msg := reqs[0].Message
	if msg.Text != "Deploy to production?" {
		t.Errorf("title message = %q", msg.Text)
	}
	if msg.ReplyMarkup == nil {
		t.Error("keyboard missing on title message")
	}
}

func TestRenderTurn_PlainJSONBlockUntouched(t *testing.T) {
	text := "Here is the config:\n```json\n{\"port\": 8787}\n```"
	reqs := RenderTurn(assistantTurn(text), renderOpts())
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Message.Text, `{"port": 8787}`) {
		t.Errorf("plain json block must stay: %q", reqs[0].Message.Text)
	}
	if reqs[0].Message.ReplyMarkup != nil {
		t.Error("plain json must not become a keyboard")
	}
}

func TestRenderTurn_FlatActionsOnePerRow(t *testing.T) {
	block := "```json\n" + `{
  "version": "telegram-ui/v1",
  "screen_id": "pick",
  "actions": [
    {"id": "opt_a", "label": "Option A"},
    {"id": "opt_b", "label": "Option B"},
    {"id": "opt_a", "label": "Duplicate"}
  ]
}` + "\n```"

	reqs := RenderTurn(assistantTurn(block), renderOpts())
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	markup := reqs[0].Message.ReplyMarkup.(*telego.InlineKeyboardMarkup)
	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want one per action with duplicate dropped", len(markup.InlineKeyboard))
	}
	if markup.InlineKeyboard[0][0].Text != "Option A" {
		t.Errorf("first button label = %q, first occurrence wins", markup.InlineKeyboard[0][0].Text)
	}

	// Derived request id: screen token + digest, within the id grammar.
	payload, ok := callback.Decode(markup.InlineKeyboard[0][0].CallbackData, "cb-secret", callback.Options{Context: "123"})
	if !ok {
		t.Fatal("derived-id button failed to decode")
	}
	if !strings.HasPrefix(payload.RequestID, "pick_") || !turn.ValidID(payload.RequestID) {
		t.Errorf("derived request id = %q", payload.RequestID)
	}
}

func TestRenderTurn_SigningFailureFallsBackToText(t *testing.T) {
	opts := renderOpts()
	opts.CallbackSecret = "" // signing impossible

	reqs := RenderTurn(assistantTurn(uiBlock), opts)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	text := reqs[0].Message.Text
	if !strings.Contains(text, "Approve") || !strings.Contains(text, "Reject") {
		t.Errorf("fallback text missing options: %q", text)
	}
	if !strings.Contains(text, "Reply with the option name") {
		t.Errorf("fallback hint missing for assistant turn: %q", text)
	}
	if reqs[0].Message.ReplyMarkup != nil {
		t.Error("fallback must not carry markup")
	}
}

func TestRenderTurn_ApprovalTurnFallbackSuppressesHint(t *testing.T) {
	env := &turn.Envelope{
		Schema:         turn.Schema,
		Kind:           turn.KindApproval,
		Channel:        "telegram",
		ConversationID: "123",
		Approval: &turn.Approval{
			RequestID: "req_1",
			Title:     "Continue?",
			Actions:   []turn.ApprovalAction{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}},
		},
	}
	opts := renderOpts()
	opts.InlineApprovals = false

	reqs := RenderTurn(env, opts)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	text := reqs[0].Message.Text
	if !strings.Contains(text, "Continue?") {
		t.Errorf("title missing: %q", text)
	}
	if strings.Contains(text, "Reply with the option name") {
		t.Error("approval turn fallback must not repeat the reply hint")
	}
}

func TestRenderTurn_MediaParts(t *testing.T) {
	env := &turn.Envelope{
		Schema:  turn.Schema,
		Kind:    turn.KindAssistant,
		Channel: "telegram",
		Parts: []turn.Part{
			turn.TextPart("see attachments"),
			turn.ImagePart("telegram:file:ph1", "image/jpeg"),
			turn.FilePart("https://example.com/report.pdf", "report.pdf", "application/pdf"),
		},
	}

	reqs := RenderTurn(env, renderOpts())
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want text + photo + document", len(reqs))
	}
	if reqs[0].Method != "sendMessage" || reqs[1].Method != "sendPhoto" || reqs[2].Method != "sendDocument" {
		t.Errorf("methods = %s/%s/%s", reqs[0].Method, reqs[1].Method, reqs[2].Method)
	}
	if reqs[1].Photo.MessageThreadID != 5 || reqs[2].Document.MessageThreadID != 5 {
		t.Error("media requests lost thread id")
	}
}
