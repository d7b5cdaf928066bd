package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/shopspring/decimal"
)

// NoteSeparator joins successive entries of a request's note trail.
const NoteSeparator = " | "

// Status is the lifecycle state of an exchange request. The zero value is not
// a valid stored status.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusInProgress
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "InProgress"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the four stored statuses.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusCancelled
}

// Terminal reports whether the owner may no longer move the request.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus accepts the canonical names case-insensitively, plus the
// snake_case form of InProgress.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, nil
	case "inprogress", "in_progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("exchange: cannot marshal status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Request is one USDC→Kwacha conversion ask.
//
// Only Status and Notes change after creation.
type Request struct {
	ID uint64

	Owner         identity.Identity
	WalletAddress string
	PhoneNumber   string
	FullName      string

	SourceAmount decimal.Decimal
	DestAmount   decimal.Decimal

	Status    Status
	CreatedAt time.Time

	Notes string
}

// Admin is a membership record granting admin rights to an identity.
type Admin struct {
	Identity identity.Identity
	AddedAt  time.Time
}

// Call carries the invoking identity and the transaction timestamp.
type Call struct {
	Caller identity.Identity
	At     time.Time
}

// AppendNote extends an existing note trail. Empty notes leave it unchanged.
func AppendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + NoteSeparator + note
}
