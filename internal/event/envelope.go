package event

import (
	"CollateralVault/internal/vault"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for notification payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultInitialized
	EventTypeDeposit
	EventTypeLock
)

// SubjectPrefix roots every notification subject on NATS.
const SubjectPrefix = "vault.events"

// Envelope wraps every notification emitted by the engine. Envelopes of one
// vault form a hash chain: PrevHash of sequence N is StateHash of N-1.
type Envelope struct {
	ID uuid.UUID `json:"id"`

	Vault vault.Address `json:"vault"`
	Owner vault.Address `json:"owner"`

	// Per-vault sequence, starting at 1 for VaultInitialized
	Sequence uint64 `json:"sequence"`

	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`

	// SHA-256 chain over the vault state after this event
	StateHash [32]byte `json:"-"`
	PrevHash  [32]byte `json:"-"`

	Timestamp time.Time `json:"timestamp"`
}

// Event is implemented by every notification payload.
type Event interface {
	EventType() EventType

	// Signer identity the notification is attributed to
	User() vault.Address
}

// NewEnvelope marshals evt into an envelope for the given vault position.
func NewEnvelope(evt Event, vaultAddr vault.Address, sequence uint64, prevHash, stateHash [32]byte, ts time.Time) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", evt.EventType(), err)
	}
	return Envelope{
		ID:        uuid.New(),
		Vault:     vaultAddr,
		Owner:     evt.User(),
		Sequence:  sequence,
		EventType: evt.EventType(),
		Payload:   payload,
		PrevHash:  prevHash,
		StateHash: stateHash,
		Timestamp: ts,
	}, nil
}

// Subject returns the NATS subject this envelope is published on:
// vault.events.<type>.<owner>
func (e Envelope) Subject() string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, e.EventType.Token(), e.Owner)
}

// Decode unmarshals the payload into its concrete event type.
func (e Envelope) Decode() (Event, error) {
	var evt Event
	switch e.EventType {
	case EventTypeVaultInitialized:
		evt = &VaultInitialized{}
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeLock:
		evt = &Lock{}
	default:
		return nil, fmt.Errorf("unknown event type %d", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return evt, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultInitialized:
		return "VaultInitialized"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeLock:
		return "Lock"
	default:
		return "Unknown"
	}
}

// Token is the lower-case subject segment for the type.
func (et EventType) Token() string {
	switch et {
	case EventTypeVaultInitialized:
		return "initialized"
	case EventTypeDeposit:
		return "deposit"
	case EventTypeLock:
		return "lock"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for _, et := range []EventType{EventTypeVaultInitialized, EventTypeDeposit, EventTypeLock} {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}
