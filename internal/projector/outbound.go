package projector

import (
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/brewva/brewva/internal/callback"
	"github.com/brewva/brewva/internal/turn"
)

// OutboundRequest is one provider call produced by RenderTurn. Method selects
// which params field is set.
type OutboundRequest struct {
	Method   string // "sendMessage", "sendPhoto", "sendDocument"
	Message  *telego.SendMessageParams
	Photo    *telego.SendPhotoParams
	Document *telego.SendDocumentParams
}

// RenderOptions configure turn rendering.
type RenderOptions struct {
	ChatID          int64
	ThreadID        int // message_thread_id, 0 = none
	MaxTextLength   int
	InlineApprovals bool
	CallbackSecret  string
	ConversationID  string // token signing context
	Bridge          ApprovalBridge
}

// RenderTurn converts an outbound turn into provider send requests:
// interactive-UI blocks become inline keyboards, text is split to the
// provider limit with fences kept intact, media parts become photo and
// document sends.
func RenderTurn(t *turn.Envelope, opts RenderOptions) []OutboundRequest {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}

	var texts []string
	var screens []uiScreen
	var requests []OutboundRequest

	for _, part := range t.Parts {
		switch part.Type {
		case "text":
			text := part.Text
			if t.Kind == turn.KindAssistant {
				var extracted []uiScreen
				text, extracted = extractUIScreens(text)
				screens = append(screens, extracted...)
			}
			if strings.TrimSpace(text) != "" {
				texts = append(texts, text)
			}
		case "image":
			requests = append(requests, OutboundRequest{
				Method: "sendPhoto",
				Photo: &telego.SendPhotoParams{
					ChatID:          tu.ID(opts.ChatID),
					Photo:           inputFile(part.URI),
					MessageThreadID: opts.ThreadID,
				},
			})
		case "file":
			requests = append(requests, OutboundRequest{
				Method: "sendDocument",
				Document: &telego.SendDocumentParams{
					ChatID:          tu.ID(opts.ChatID),
					Document:        inputFile(part.URI),
					MessageThreadID: opts.ThreadID,
				},
			})
		}
	}

	// An explicit approval payload on the turn renders like an extracted
	// screen, one button per row unless the payload grouped them.
	if t.Approval != nil && len(t.Approval.Actions) > 0 {
		screen := uiScreen{
			RequestID: t.Approval.RequestID,
			Title:     firstNonEmpty(t.Approval.Title, "Choose an action"),
		}
		for _, action := range t.Approval.Actions {
			screen.Rows = append(screen.Rows, []turn.ApprovalAction{action})
		}
		screens = append(screens, screen)
	}

	var messages []*telego.SendMessageParams
	for _, text := range texts {
		for _, chunk := range SplitText(text, opts.MaxTextLength) {
			messages = append(messages, &telego.SendMessageParams{
				ChatID:          tu.ID(opts.ChatID),
				Text:            chunk,
				MessageThreadID: opts.ThreadID,
			})
		}
	}

	messages = append(messages, renderScreens(t, screens, messages, opts)...)

	out := make([]OutboundRequest, 0, len(messages)+len(requests))
	for _, msg := range messages {
		out = append(out, OutboundRequest{Method: "sendMessage", Message: msg})
	}
	return append(out, requests...)
}

// renderScreens signs each screen's buttons into an inline keyboard. The
// markup lands on the first text message when one exists; otherwise the
// screen title is sent as its own message carrying the markup. Returns any
// extra messages to send; messages passed in may be mutated to attach
// markup.
func renderScreens(t *turn.Envelope, screens []uiScreen, messages []*telego.SendMessageParams, opts RenderOptions) []*telego.SendMessageParams {
	var extra []*telego.SendMessageParams

	for _, screen := range screens {
		if !opts.InlineApprovals || opts.CallbackSecret == "" {
			extra = append(extra, fallbackMessages(t, screen, opts)...)
			continue
		}

		markup, err := signKeyboard(screen, opts)
		if err != nil {
			slog.Warn("approval keyboard signing failed",
				"request_id", screen.RequestID, "error", err)
			extra = append(extra, fallbackMessages(t, screen, opts)...)
			continue
		}

		if opts.Bridge != nil {
			opts.Bridge.PersistApprovalState(opts.ConversationID, screen.RequestID, screen.Snapshot)
		}

		if len(messages) > 0 && messages[0].ReplyMarkup == nil {
			messages[0].ReplyMarkup = markup
			continue
		}
		extra = append(extra, &telego.SendMessageParams{
			ChatID:          tu.ID(opts.ChatID),
			Text:            screen.Title,
			MessageThreadID: opts.ThreadID,
			ReplyMarkup:     markup,
		})
	}
	return extra
}

func signKeyboard(screen uiScreen, opts RenderOptions) (*telego.InlineKeyboardMarkup, error) {
	var keyboard [][]telego.InlineKeyboardButton
	for _, row := range screen.Rows {
		var buttons []telego.InlineKeyboardButton
		for _, action := range row {
			token, err := callback.Encode(
				callback.Payload{RequestID: screen.RequestID, ActionID: action.ID},
				opts.CallbackSecret,
				callback.Options{Context: opts.ConversationID},
			)
			if err != nil {
				return nil, err
			}
			buttons = append(buttons, telego.InlineKeyboardButton{
				Text:         action.Label,
				CallbackData: token,
			})
		}
		keyboard = append(keyboard, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: keyboard}, nil
}

// fallbackMessages renders a screen as numbered plain text when buttons
// cannot be emitted. Approval turns skip the reply hint: they already carry
// their own prompt and a second hint would double up.
func fallbackMessages(t *turn.Envelope, screen uiScreen, opts RenderOptions) []*telego.SendMessageParams {
	var b strings.Builder
	b.WriteString(screen.Title)
	for _, row := range screen.Rows {
		for _, action := range row {
			b.WriteString("\n- ")
			b.WriteString(action.Label)
			b.WriteString(" (")
			b.WriteString(action.ID)
			b.WriteString(")")
		}
	}
	if t.Kind != turn.KindApproval {
		b.WriteString("\nReply with the option name to choose.")
	}

	var out []*telego.SendMessageParams
	for _, chunk := range SplitText(b.String(), opts.MaxTextLength) {
		out = append(out, &telego.SendMessageParams{
			ChatID:          tu.ID(opts.ChatID),
			Text:            chunk,
			MessageThreadID: opts.ThreadID,
		})
	}
	return out
}

// inputFile resolves a part URI into a provider input file: telegram file
// ids pass straight through, anything else is treated as a URL.
func inputFile(uri string) telego.InputFile {
	if fileID, ok := strings.CutPrefix(uri, "telegram:file:"); ok {
		return tu.FileFromID(fileID)
	}
	return tu.FileFromURL(uri)
}
