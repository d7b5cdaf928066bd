package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/diyama/exchange-desk/internal/identity"
)

var ErrInvalidConfig = errors.New("exchange: invalid config")

// Kind sentinels. errors.Is(err, ErrX) holds for every *Error of the matching kind.
var (
	ErrValidation   = errors.New("exchange: validation failed")
	ErrUnauthorized = errors.New("exchange: unauthorized")
	ErrNotFound     = errors.New("exchange: not found")
	ErrInvalidState = errors.New("exchange: invalid state")
	ErrStorage      = errors.New("exchange: storage failure")
)

// Kind classifies an *Error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindInvalidState
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindStorage:
		return "storage"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindAuthorization:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindInvalidState:
		return ErrInvalidState
	case KindStorage:
		return ErrStorage
	default:
		return nil
	}
}

// Error is the failure returned by every Service operation.
type Error struct {
	Kind      Kind
	Op        string
	RequestID uint64
	Caller    identity.Identity

	// Msg is the human-readable reason shown to the caller.
	Msg string
	// Err is the underlying store error for KindStorage.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("exchange: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
