package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const tokenPrefixV1 = "identity"

var ErrInvalidIdentity = errors.New("identity: invalid identity")

// Identity is an opaque 32-byte caller identifier.
type Identity [32]byte

// FromToken derives the caller identity bound to a bearer token.
//
//	identity = keccak256("identity" || token)
func FromToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidIdentity)
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(tokenPrefixV1))
	_, _ = h.Write([]byte(token))

	var out Identity
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Parse decodes a 0x-prefixed (or bare) 64 character hex identity.
func Parse(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s) != 64 {
		return Identity{}, fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidIdentity, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	var out Identity
	copy(out[:], b)
	return out, nil
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
