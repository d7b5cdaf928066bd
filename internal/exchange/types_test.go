package exchange

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Status
	}{
		{in: "Pending", want: StatusPending},
		{in: "pending", want: StatusPending},
		{in: "InProgress", want: StatusInProgress},
		{in: "in_progress", want: StatusInProgress},
		{in: " COMPLETED ", want: StatusCompleted},
		{in: "Cancelled", want: StatusCancelled},
	}
	for _, tc := range cases {
		got, err := ParseStatus(tc.in)
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseStatus(%q): got %s want %s", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "done", "Canceled", "Unknown(0)"} {
		if _, err := ParseStatus(bad); !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseStatus(%q): expected ErrValidation, got %v", bad, err)
		}
	}
}

func TestStatus_StringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled} {
		if !s.Valid() {
			t.Fatalf("%s: expected valid", s)
		}
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("round trip %s: got %s err=%v", s, got, err)
		}
	}
	if StatusUnknown.Valid() || Status(9).Valid() {
		t.Fatalf("expected out-of-range statuses to be invalid")
	}
	if got := Status(9).String(); got != "Unknown(9)" {
		t.Fatalf("String: got %q", got)
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	want := map[Status]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusCompleted:  true,
		StatusCancelled:  true,
	}
	for s, terminal := range want {
		if got := s.Terminal(); got != terminal {
			t.Fatalf("%s.Terminal(): got %v want %v", s, got, terminal)
		}
	}
}

func TestStatus_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		S Status `json:"s"`
	}{S: StatusInProgress})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"s":"InProgress"}` {
		t.Fatalf("Marshal: got %s", b)
	}

	var v struct {
		S Status `json:"s"`
	}
	if err := json.Unmarshal([]byte(`{"s":"cancelled"}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.S != StatusCancelled {
		t.Fatalf("Unmarshal: got %s", v.S)
	}
	if err := json.Unmarshal([]byte(`{"s":"archived"}`), &v); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if _, err := json.Marshal(struct{ S Status }{}); err == nil {
		t.Fatalf("expected error marshaling zero status")
	}
}

func TestAppendNote(t *testing.T) {
	t.Parallel()

	cases := []struct {
		existing, note, want string
	}{
		{"", "", ""},
		{"", "a", "a"},
		{"a", "", "a"},
		{"a", "b", "a | b"},
		{"a | b", "c", "a | b | c"},
	}
	for _, tc := range cases {
		if got := AppendNote(tc.existing, tc.note); got != tc.want {
			t.Fatalf("AppendNote(%q, %q): got %q want %q", tc.existing, tc.note, got, tc.want)
		}
	}
}

func TestError_IsAndKind(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("boom")
	err := error(&Error{Kind: KindStorage, Op: "create_exchange_request", Msg: "failed", Err: storeErr})

	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage")
	}
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("unexpected ErrValidation match")
	}
	if got := KindOf(err); got != KindStorage {
		t.Fatalf("KindOf: got %s", got)
	}
	if got := err.Error(); got != "exchange: create_exchange_request: failed: boom" {
		t.Fatalf("Error: got %q", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf plain: got %s", got)
	}
}
