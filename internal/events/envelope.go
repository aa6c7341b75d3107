// Package events implements the signer and fan-out of C5 (spec.md §4.5):
// every timer lifecycle transition is wrapped in a signed envelope and
// delivered to two independent sinks — RPC stream subscribers and a
// durable message bus — so a slow or disconnected subscriber never
// blocks the other.
package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the lifecycle events C5 emits (spec.md §4.2/§4.5).
type Kind string

const (
	KindScheduled Kind = "timer.scheduled"
	KindArmed     Kind = "timer.armed"
	KindFired     Kind = "timer.fired"
	KindSettled   Kind = "timer.settled"
	KindFailed    Kind = "timer.failed"
	KindCancelled Kind = "timer.cancelled"
)

// Envelope is the signed, wire-transmitted representation of a timer
// lifecycle event.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        Kind            `json:"event_type"`
	TenantID         string          `json:"tenant_id"`
	TimerID          string          `json:"timer_id"`
	OccurredAt       time.Time       `json:"occurred_at"`
	DedupeKey        string          `json:"dedupe_key"`
	Payload          json.RawMessage `json:"payload"`
	SignatureVersion string          `json:"signature_version,omitempty"`
	Signature        string          `json:"signature,omitempty"`
}

// DefaultSignatureVersion is used when a Signer is built without an
// explicit version (tests, and callers that predate EVENT_SIGNATURE_VERSION).
const DefaultSignatureVersion = "hmac-sha256-v1"

// Signer signs and verifies envelopes with HMAC-SHA256 over the envelope's
// canonical JSON encoding (every field except Signature itself), so
// subscribers reading from the durable bus can detect tampering or a key
// mismatch before acting on an event (spec.md §4.5).
//
// No library in the example corpus performs message-envelope signing, so
// this is built directly on crypto/hmac and crypto/sha256 rather than
// grounded on a third-party dependency.
type Signer struct {
	key     []byte
	version string
}

// NewSigner creates a Signer using key as the HMAC secret and version as
// the signature_version stamped onto every envelope it signs (spec.md §3's
// envelope schema, §4.5/§6.2's "reject unknown signature_version" rule).
func NewSigner(key []byte, version string) *Signer {
	if version == "" {
		version = DefaultSignatureVersion
	}
	return &Signer{key: key, version: version}
}

// Sign stamps env.SignatureVersion and computes env.Signature, overwriting
// any prior values.
func (s *Signer) Sign(env *Envelope) error {
	env.SignatureVersion = s.version
	mac, err := s.mac(*env)
	if err != nil {
		return err
	}
	env.Signature = mac
	return nil
}

// Verify reports whether env's signature_version is one this Signer knows
// and env.Signature matches the HMAC computed over its other fields
// (spec.md §4.5/§6.2: an unknown signature_version is rejected outright,
// never just compared against the wrong key).
func (s *Signer) Verify(env Envelope) (bool, error) {
	if env.SignatureVersion != s.version {
		return false, nil
	}
	want := env.Signature
	env.Signature = ""
	got, err := s.mac(env)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(got), []byte(want)), nil
}

func (s *Signer) mac(env Envelope) (string, error) {
	env.Signature = ""
	canonical, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope for signing: %w", err)
	}
	h := hmac.New(sha256.New, s.key)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DedupeKey derives the event's dedupe_key from its identity fields: a
// subscriber that sees the same (tenant_id, timer_id, event_type,
// state_version) twice can treat the second delivery as a retry rather
// than a new event (spec.md §4.5 at-least-once delivery note).
func DedupeKey(tenantID, timerID string, kind Kind, stateVersion int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", tenantID, timerID, kind, stateVersion)
	return hex.EncodeToString(h.Sum(nil))
}
