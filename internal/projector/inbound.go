// Package projector translates between provider updates and turn envelopes:
// inbound Telegram updates become canonical turns, outbound turns become
// provider send requests.
package projector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/brewva/brewva/internal/approval"
	"github.com/brewva/brewva/internal/callback"
	"github.com/brewva/brewva/internal/turn"
)

// ChannelName is the provider tag stamped on every projected envelope.
const ChannelName = "telegram"

// approvalStatePreview caps the state JSON echoed into an approval turn's
// text. The full state travels in meta.
const approvalStatePreview = 512

// ApprovalBridge connects the projector to the durable approval stores.
type ApprovalBridge interface {
	ResolveApprovalState(conversationID, requestID string) *approval.Snapshot
	PersistApprovalState(conversationID, requestID string, snap approval.Snapshot) approval.RecordResult
}

// InboundOptions configure update projection.
type InboundOptions struct {
	CallbackSecret string
	AllowBots      bool
	Bridge         ApprovalBridge
}

// ProjectUpdate converts a provider update into a turn envelope. Returns nil
// for updates that produce no turn (service messages, empty content, bot
// messages without opt-in, undecodable callbacks).
func ProjectUpdate(update telego.Update, opts InboundOptions) *turn.Envelope {
	if update.CallbackQuery != nil {
		return projectCallback(update, opts)
	}
	if update.Message != nil {
		return projectMessage(update.Message, update, false, opts)
	}
	if update.EditedMessage != nil {
		return projectMessage(update.EditedMessage, update, true, opts)
	}
	return nil
}

// projectCallback turns a button press into an approval turn. The token must
// decode with the configured secret, bound to the conversation it was issued
// in.
func projectCallback(update telego.Update, opts InboundOptions) *turn.Envelope {
	cq := update.CallbackQuery
	if cq.Message == nil {
		return nil
	}
	chat := cq.Message.GetChat()
	conversationID := strconv.FormatInt(chat.ID, 10)

	payload, ok := callback.Decode(cq.Data, opts.CallbackSecret, callback.Options{Context: conversationID})
	if !ok {
		slog.Warn("invalid callback token", "conversation", conversationID, "callback_id", cq.ID)
		return nil
	}

	env := &turn.Envelope{
		Schema:         turn.Schema,
		Kind:           turn.KindApproval,
		TurnID:         "tg:callback:" + cq.ID,
		Channel:        ChannelName,
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
	}
	if msg, ok := cq.Message.(*telego.Message); ok && msg.MessageThreadID != 0 {
		env.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}

	text := fmt.Sprintf("approval %s -> %s", payload.RequestID, payload.ActionID)
	env.SetMeta("updateId", strconv.Itoa(update.UpdateID))
	env.SetMeta("callbackQueryId", cq.ID)
	env.SetMeta("approvalRequestId", payload.RequestID)
	env.SetMeta("decisionActionId", payload.ActionID)
	env.SetMeta("senderId", strconv.FormatInt(cq.From.ID, 10))
	if cq.From.Username != "" {
		env.SetMeta("senderUsername", cq.From.Username)
	}

	if opts.Bridge != nil {
		if snap := opts.Bridge.ResolveApprovalState(conversationID, payload.RequestID); snap != nil {
			var lines []string
			if snap.ScreenID != "" {
				lines = append(lines, "screen: "+snap.ScreenID)
				env.SetMeta("approvalScreenId", snap.ScreenID)
			}
			if snap.StateKey != "" {
				lines = append(lines, "state_key: "+snap.StateKey)
				env.SetMeta("approvalStateKey", snap.StateKey)
			}
			if len(snap.State) > 0 {
				lines = append(lines, "state: "+previewJSON(snap.State))
				env.SetMeta("approvalState", string(snap.State))
			}
			if len(lines) > 0 {
				text += "\n" + strings.Join(lines, "\n")
			}
		}
	}

	env.Parts = []turn.Part{turn.TextPart(text)}
	return env
}

func previewJSON(state json.RawMessage) string {
	s := string(state)
	if len(s) <= approvalStatePreview {
		return s
	}
	return s[:approvalStatePreview] + "… (truncated)"
}

func projectMessage(msg *telego.Message, update telego.Update, edited bool, opts InboundOptions) *turn.Envelope {
	if msg.From != nil && msg.From.IsBot && !opts.AllowBots {
		return nil
	}

	conversationID := strconv.FormatInt(msg.Chat.ID, 10)

	var parts []turn.Part
	if text := strings.TrimSpace(firstNonEmpty(msg.Text, msg.Caption)); text != "" {
		parts = append(parts, turn.TextPart(text))
	}
	parts = append(parts, mediaParts(msg)...)
	if len(parts) == 0 {
		return nil
	}

	kind := "message"
	if edited {
		kind = "edited"
	}

	ts := time.Now().UnixMilli()
	if msg.Date > 0 {
		ts = int64(msg.Date) * 1000
	}

	env := &turn.Envelope{
		Schema:         turn.Schema,
		Kind:           turn.KindUser,
		TurnID:         fmt.Sprintf("tg:%s:%s:%d", kind, conversationID, msg.MessageID),
		Channel:        ChannelName,
		ConversationID: conversationID,
		MessageID:      strconv.Itoa(msg.MessageID),
		Timestamp:      ts,
		Parts:          parts,
	}
	if msg.MessageThreadID != 0 {
		env.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}

	env.SetMeta("updateId", strconv.Itoa(update.UpdateID))
	if edited {
		env.SetMeta("edited", "true")
	}
	if msg.From != nil {
		env.SetMeta("senderId", strconv.FormatInt(msg.From.ID, 10))
		if msg.From.Username != "" {
			env.SetMeta("senderUsername", msg.From.Username)
		}
	}
	return env
}

// mediaParts extracts image and file parts: the largest photo rendition plus
// document, video, audio, and voice attachments. Every part carries a
// provider file URI and the best-known mime type.
func mediaParts(msg *telego.Message) []turn.Part {
	var parts []turn.Part

	if len(msg.Photo) > 0 {
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if photoScore(p) > photoScore(best) {
				best = p
			}
		}
		parts = append(parts, turn.ImagePart(fileURI(best.FileID), "image/jpeg"))
	}

	if d := msg.Document; d != nil {
		parts = append(parts, turn.FilePart(fileURI(d.FileID), d.FileName, firstNonEmpty(d.MimeType, "application/octet-stream")))
	}
	if v := msg.Video; v != nil {
		parts = append(parts, turn.FilePart(fileURI(v.FileID), v.FileName, firstNonEmpty(v.MimeType, "video/mp4")))
	}
	if a := msg.Audio; a != nil {
		parts = append(parts, turn.FilePart(fileURI(a.FileID), a.FileName, firstNonEmpty(a.MimeType, "audio/mpeg")))
	}
	if v := msg.Voice; v != nil {
		parts = append(parts, turn.FilePart(fileURI(v.FileID), "", firstNonEmpty(v.MimeType, "audio/ogg")))
	}
	return parts
}

// photoScore ranks photo renditions: file size when reported, else area.
func photoScore(p telego.PhotoSize) int64 {
	if p.FileSize > 0 {
		return int64(p.FileSize)
	}
	return int64(p.Width) * int64(p.Height)
}

func fileURI(fileID string) string { return "telegram:file:" + fileID }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// DedupeKey derives the provider dedupe key for an update. Returns false for
// updates that carry nothing dedupable.
func DedupeKey(update telego.Update) (string, bool) {
	if cq := update.CallbackQuery; cq != nil {
		return "telegram:callback:" + cq.ID, true
	}
	if msg := update.Message; msg != nil {
		return fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID), true
	}
	if msg := update.EditedMessage; msg != nil {
		return fmt.Sprintf("telegram:%d:edit:%d:%d", msg.Chat.ID, msg.MessageID, update.UpdateID), true
	}
	return "", false
}

// DedupeKeyFromBody parses a raw update body and derives its dedupe key.
// Used by the ingress edge before full projection.
func DedupeKeyFromBody(body []byte) (string, bool) {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return "", false
	}
	return DedupeKey(update)
}
