// Package callback encodes approval button payloads into compact HMAC-signed
// tokens that fit Telegram's 64-byte callback_data limit.
//
// Token format:
//
//	a|{requestId}|{actionId}|{mac}
//
// where mac is the base64url (no padding) of the first 8 bytes of an
// HMAC-SHA256 over the canonicalized fields plus an optional caller context
// (typically the conversation id, binding a token to the chat it was issued
// in). With ids capped at 24 bytes each the token never exceeds 63 bytes.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/brewva/brewva/internal/turn"
)

const (
	tokenVersion = "a"
	macBytes     = 8

	// MaxTokenBytes is the Telegram callback_data size limit.
	MaxTokenBytes = 64
)

// Payload is the signed content of a callback token.
type Payload struct {
	RequestID string
	ActionID  string
}

// Options carries optional signing context.
type Options struct {
	// Context binds the token to an external scope (e.g. the conversation
	// id). A token decodes only with the same context it was encoded with.
	Context string
}

// Encode signs the payload with secret and returns the token. Fails on
// malformed ids, an empty secret, or a token over the provider limit.
func Encode(p Payload, secret string, opts Options) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("callback: secret not configured")
	}
	if !turn.ValidID(p.RequestID) {
		return "", fmt.Errorf("callback: invalid requestId %q", p.RequestID)
	}
	if !turn.ValidID(p.ActionID) {
		return "", fmt.Errorf("callback: invalid actionId %q", p.ActionID)
	}

	token := tokenVersion + "|" + p.RequestID + "|" + p.ActionID + "|" + sign(p, secret, opts.Context)
	if len(token) > MaxTokenBytes {
		return "", fmt.Errorf("callback: token too long (%d bytes)", len(token))
	}
	return token, nil
}

// Decode verifies token against secret and context. Returns the payload and
// true on success; (zero, false) on a tampered MAC, missing fields, version
// mismatch, or context mismatch.
func Decode(token, secret string, opts Options) (Payload, bool) {
	if secret == "" || token == "" {
		return Payload{}, false
	}

	fields := strings.Split(token, "|")
	if len(fields) != 4 || fields[0] != tokenVersion {
		return Payload{}, false
	}

	p := Payload{RequestID: fields[1], ActionID: fields[2]}
	if !turn.ValidID(p.RequestID) || !turn.ValidID(p.ActionID) {
		return Payload{}, false
	}

	if !hmac.Equal([]byte(fields[3]), []byte(sign(p, secret, opts.Context))) {
		return Payload{}, false
	}
	return p, true
}

func sign(p Payload, secret, context string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "brewva-callback.v1\n%s\n%s\n%s", context, p.RequestID, p.ActionID)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:macBytes])
}
