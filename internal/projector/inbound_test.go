package projector

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/brewva/brewva/internal/approval"
	"github.com/brewva/brewva/internal/callback"
	"github.com/brewva/brewva/internal/turn"
)

// stubBridge is an in-memory ApprovalBridge.
type stubBridge struct {
	states map[string]*approval.Snapshot // conv+"/"+req
	saved  []string
}

func newStubBridge() *stubBridge {
	return &stubBridge{states: make(map[string]*approval.Snapshot)}
}

func (b *stubBridge) ResolveApprovalState(conv, req string) *approval.Snapshot {
	return b.states[conv+"/"+req]
}

func (b *stubBridge) PersistApprovalState(conv, req string, snap approval.Snapshot) approval.RecordResult {
	b.states[conv+"/"+req] = &snap
	b.saved = append(b.saved, conv+"/"+req)
	return approval.RecordResult{OK: true, StateKey: snap.StateKey}
}

func TestProjectUpdate_TextMessage(t *testing.T) {
	update := telego.Update{
		UpdateID: 42,
		Message: &telego.Message{
			MessageID:       7,
			Date:            1700000000,
			Chat:            telego.Chat{ID: 123},
			From:            &telego.User{ID: 99, Username: "ada"},
			Text:            "  hello brewva  ",
			MessageThreadID: 5,
		},
	}

	env := ProjectUpdate(update, InboundOptions{})
	if env == nil {
		t.Fatal("expected an envelope")
	}
	if env.Kind != turn.KindUser || env.Channel != "telegram" {
		t.Errorf("kind/channel = %s/%s", env.Kind, env.Channel)
	}
	if env.TurnID != "tg:message:123:7" {
		t.Errorf("turnId = %q", env.TurnID)
	}
	if env.ConversationID != "123" || env.ThreadID != "5" || env.MessageID != "7" {
		t.Errorf("addressing = %q/%q/%q", env.ConversationID, env.ThreadID, env.MessageID)
	}
	if env.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want provider seconds x1000", env.Timestamp)
	}
	if got := env.Text(); got != "hello brewva" {
		t.Errorf("text = %q, want trimmed", got)
	}
	if env.Meta["senderId"] != "99" || env.Meta["senderUsername"] != "ada" {
		t.Errorf("meta = %v", env.Meta)
	}
}

func TestProjectUpdate_SkipsBotsAndEmpty(t *testing.T) {
	bot := telego.Update{Message: &telego.Message{
		MessageID: 1, Chat: telego.Chat{ID: 1},
		From: &telego.User{ID: 2, IsBot: true}, Text: "beep",
	}}
	if env := ProjectUpdate(bot, InboundOptions{}); env != nil {
		t.Error("bot message should be skipped by default")
	}
	if env := ProjectUpdate(bot, InboundOptions{AllowBots: true}); env == nil {
		t.Error("bot message should pass with opt-in")
	}

	empty := telego.Update{Message: &telego.Message{
		MessageID: 2, Chat: telego.Chat{ID: 1}, Text: "   ",
	}}
	if env := ProjectUpdate(empty, InboundOptions{}); env != nil {
		t.Error("empty message should produce no envelope")
	}
}

func TestProjectUpdate_MediaParts(t *testing.T) {
	update := telego.Update{
		Message: &telego.Message{
			MessageID: 9,
			Chat:      telego.Chat{ID: 123},
			Caption:   "vacation pics",
			Photo: []telego.PhotoSize{
				{FileID: "small", Width: 90, Height: 90},
				{FileID: "large", Width: 1280, Height: 960},
				{FileID: "medium", Width: 320, Height: 240},
			},
			Document: &telego.Document{FileID: "doc1", FileName: "notes.pdf", MimeType: "application/pdf"},
		},
	}

	env := ProjectUpdate(update, InboundOptions{})
	if env == nil {
		t.Fatal("expected an envelope")
	}
	if len(env.Parts) != 3 {
		t.Fatalf("parts = %d, want caption + photo + document", len(env.Parts))
	}
	if env.Parts[1].Type != "image" || env.Parts[1].URI != "telegram:file:large" {
		t.Errorf("photo part = %+v, want the largest rendition", env.Parts[1])
	}
	if env.Parts[2].URI != "telegram:file:doc1" || env.Parts[2].Mime != "application/pdf" {
		t.Errorf("document part = %+v", env.Parts[2])
	}
}

func TestProjectUpdate_EditedMessage(t *testing.T) {
	update := telego.Update{
		UpdateID: 100,
		EditedMessage: &telego.Message{
			MessageID: 7, Chat: telego.Chat{ID: 123}, Text: "fixed typo",
		},
	}
	env := ProjectUpdate(update, InboundOptions{})
	if env == nil {
		t.Fatal("expected an envelope")
	}
	if env.TurnID != "tg:edited:123:7" || env.Meta["edited"] != "true" {
		t.Errorf("edited projection = %q %v", env.TurnID, env.Meta)
	}
}

func TestProjectUpdate_CallbackApprovalTurn(t *testing.T) {
	secret := "cb-secret"
	token, err := callback.Encode(
		callback.Payload{RequestID: "req_1", ActionID: "approve"},
		secret, callback.Options{Context: "123"},
	)
	if err != nil {
		t.Fatal(err)
	}

	bridge := newStubBridge()
	bridge.states["123/req_1"] = &approval.Snapshot{
		ScreenID: "deploy-confirm",
		StateKey: "st_0123456789ab",
		State:    json.RawMessage(`{"env":"prod"}`),
	}

	update := telego.Update{
		UpdateID: 55,
		CallbackQuery: &telego.CallbackQuery{
			ID:      "cbq9",
			From:    telego.User{ID: 7, Username: "ada"},
			Data:    token,
			Message: &telego.Message{MessageID: 3, Chat: telego.Chat{ID: 123}},
		},
	}

	env := ProjectUpdate(update, InboundOptions{CallbackSecret: secret, Bridge: bridge})
	if env == nil {
		t.Fatal("expected an approval envelope")
	}
	if env.Kind != turn.KindApproval || env.TurnID != "tg:callback:cbq9" {
		t.Errorf("kind/turnId = %s/%s", env.Kind, env.TurnID)
	}

	text := env.Text()
	for _, want := range []string{
		"approval req_1 -> approve",
		"screen: deploy-confirm",
		"state_key: st_0123456789ab",
		`state: {"env":"prod"}`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("approval text missing %q:\n%s", want, text)
		}
	}
	if env.Meta["decisionActionId"] != "approve" || env.Meta["approvalStateKey"] != "st_0123456789ab" {
		t.Errorf("meta = %v", env.Meta)
	}
}

func TestProjectUpdate_CallbackRejectsBadToken(t *testing.T) {
	good, err := callback.Encode(
		callback.Payload{RequestID: "req_1", ActionID: "approve"},
		"secret-a", callback.Options{Context: "123"},
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		secret string
		chatID int64
		data   string
	}{
		{name: "wrong secret", secret: "secret-b", chatID: 123, data: good},
		{name: "wrong conversation", secret: "secret-a", chatID: 999, data: good},
		{name: "garbage token", secret: "secret-a", chatID: 123, data: "a|x|y|zzzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update := telego.Update{CallbackQuery: &telego.CallbackQuery{
				ID:   "cb",
				Data: tt.data,
				Message: &telego.Message{
					MessageID: 1, Chat: telego.Chat{ID: tt.chatID},
				},
			}}
			if env := ProjectUpdate(update, InboundOptions{CallbackSecret: tt.secret}); env != nil {
				t.Error("undecodable callback must project to nil")
			}
		})
	}
}

func TestDedupeKey(t *testing.T) {
	tests := []struct {
		name   string
		update telego.Update
		want   string
	}{
		{
			name:   "callback",
			update: telego.Update{CallbackQuery: &telego.CallbackQuery{ID: "cb1"}},
			want:   "telegram:callback:cb1",
		},
		{
			name: "message",
			update: telego.Update{Message: &telego.Message{
				MessageID: 7, Chat: telego.Chat{ID: 123},
			}},
			want: "telegram:123:7",
		},
		{
			name: "edited message",
			update: telego.Update{UpdateID: 50, EditedMessage: &telego.Message{
				MessageID: 7, Chat: telego.Chat{ID: 123},
			}},
			want: "telegram:123:edit:7:50",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DedupeKey(tt.update)
			if !ok || got != tt.want {
				t.Errorf("DedupeKey = %q/%v, want %q", got, ok, tt.want)
			}
		})
	}

	if _, ok := DedupeKey(telego.Update{}); ok {
		t.Error("empty update should have no dedupe key")
	}
}

func TestDedupeKeyFromBody(t *testing.T) {
	key, ok := DedupeKeyFromBody([]byte(`{"update_id":7003,"message":{"message_id":4,"chat":{"id":55}}}`))
	if !ok || key != "telegram:55:4" {
		t.Errorf("DedupeKeyFromBody = %q/%v", key, ok)
	}
	if _, ok := DedupeKeyFromBody([]byte(`{`)); ok {
		t.Error("malformed body should have no key")
	}
}
