package identity

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFromToken_DeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	a1, err := FromToken("alice-token")
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	a2, err := FromToken("  alice-token\n")
	if err != nil {
		t.Fatalf("FromToken #2: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
	b, err := FromToken("bob-token")
	if err != nil {
		t.Fatalf("FromToken bob: %v", err)
	}
	if a1 == b {
		t.Fatalf("distinct tokens produced the same identity")
	}
	if a1.IsZero() {
		t.Fatalf("expected non-zero identity")
	}
}

func TestFromToken_RejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := FromToken("   "); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	id, err := FromToken("carol")
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	s := id.String()
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		t.Fatalf("unexpected string form: %q", s)
	}
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %s want %s", got, id)
	}
	got, err = Parse(strings.ToUpper(strings.TrimPrefix(s, "0x")))
	if err != nil {
		t.Fatalf("Parse bare upper: %v", err)
	}
	if got != id {
		t.Fatalf("bare upper mismatch")
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"0x1234",
		"0x" + strings.Repeat("zz", 32),
		strings.Repeat("00", 33),
	}
	for _, c := range cases {
		if _, err := Parse(c); !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("Parse(%q): expected ErrInvalidIdentity, got %v", c, err)
		}
	}
}

func TestIdentity_JSON(t *testing.T) {
	t.Parallel()

	id, err := FromToken("dave")
	if err != nil {
		t.Fatalf("FromToken: %v", err)
	}
	b, err := json.Marshal(struct {
		Who Identity `json:"who"`
	}{Who: id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"who":"`+id.String()+`"}` {
		t.Fatalf("unexpected json: %s", b)
	}

	var out struct {
		Who Identity `json:"who"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Who != id {
		t.Fatalf("json round trip mismatch")
	}
}
