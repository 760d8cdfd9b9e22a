package events

import (
	"context"
	"time"
)

// Event types emitted by the identity core.
const (
	TypeIdentityRegistered = "identity.registered"
	TypeIdentityRecovered  = "identity.recovered"
	TypeAuthAttempting     = "auth.attempting"
	TypeAuthSucceeded      = "auth.succeeded"
	TypeAuthFailed         = "auth.failed"
	TypeDeviceTrusted      = "device.trusted"
)

// Event is the payload handed to sinks. PublicKey carries only a short
// fingerprint, never the full key, and no field ever carries secret
// material.
type Event struct {
	Type       string    `json:"type"`
	IdentityID string    `json:"identity_id,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	PublicKey  string    `json:"public_key_fingerprint,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Details    string    `json:"details,omitempty"`
	At         time.Time `json:"at"`
}

// Sink receives identity events. Implementations must treat delivery as
// best-effort: an event sink failure never fails the authentication
// operation that produced it.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Multi fans an event out to several sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// Nop discards all events. Used in tests and when no transport is
// configured.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}
