package contest

import (
	"errors"
	"testing"
	"time"
)

func TestParseTicker_Valid(t *testing.T) {
	desc, err := ParseTicker("TDM-meme-battle-s3-20260901")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Slug != "meme-battle-s3" {
		t.Errorf("slug = %q, want meme-battle-s3", desc.Slug)
	}
	want := time.Date(2026, 9, 1, 23, 59, 59, 0, time.UTC)
	if !desc.Expiry.Equal(want) {
		t.Errorf("expiry = %s, want end of day %s", desc.Expiry, want)
	}
}

func TestParseTicker_Invalid(t *testing.T) {
	bad := []string{
		"",
		"meme-battle-20260901",      // missing prefix
		"TDM-MemeBattle-20260901",   // uppercase slug
		"TDM-meme-2026",             // short date
		"TDM--20260901",             // empty slug
		"TDM-meme-20260901-extra",   // trailing segment is a valid slug char set, but date must be last
		"tdm-meme-battle-20260901",  // lowercase prefix
		"TDM-meme-battle-2026-09-1", // dashes in date
	}
	for _, ticker := range bad {
		if _, err := ParseTicker(ticker); !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("ParseTicker(%q) = %v, want ErrInvalidTicker", ticker, err)
		}
	}
}

func TestParseTicker_ImpossibleDate(t *testing.T) {
	if _, err := ParseTicker("TDM-meme-20261332"); !errors.Is(err, ErrInvalidTicker) {
		t.Errorf("month 13 should fail, got %v", err)
	}
}

func TestValidateEntryID(t *testing.T) {
	valid := []string{"a", "doge", "team-42", "0xabc"}
	for _, id := range valid {
		if err := ValidateEntryID(id); err != nil {
			t.Errorf("ValidateEntryID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{"", "-lead", "UPPER", "has space", "x|y"}
	for _, id := range invalid {
		if err := ValidateEntryID(id); !errors.Is(err, ErrInvalidEntryID) {
			t.Errorf("ValidateEntryID(%q) = %v, want ErrInvalidEntryID", id, err)
		}
	}
}
