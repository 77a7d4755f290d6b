// Package contest handles market ticker parsing and validation. The ticker
// carries the market slug and the expiry date that the lifecycle machine
// binds immutably at creation.
package contest

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// tickerRegex matches: TDM-{slug}-{YYYYMMDD}
// Example: TDM-meme-battle-s3-20260901
var tickerRegex = regexp.MustCompile(`^TDM-([a-z0-9][a-z0-9-]*[a-z0-9])-(\d{8})$`)

// entryIDRegex constrains entry identifiers to lowercase slugs.
var entryIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

var (
	ErrInvalidTicker  = errors.New("contest: invalid ticker format")
	ErrInvalidEntryID = errors.New("contest: invalid entry identifier")
)

// Descriptor is a parsed market ticker.
type Descriptor struct {
	Ticker string    `json:"ticker"`
	Slug   string    `json:"slug"`
	Expiry time.Time `json:"expiry"`
}

// ParseTicker parses and validates a market ticker string.
// Format: TDM-{slug}-{YYYYMMDD}. The date is the force-close expiry,
// interpreted as end of day UTC.
func ParseTicker(ticker string) (*Descriptor, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected TDM-{slug}-{YYYYMMDD})", ErrInvalidTicker, ticker)
	}

	day, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[2])
	}

	return &Descriptor{
		Ticker: ticker,
		Slug:   matches[1],
		Expiry: day.Add(24*time.Hour - time.Second),
	}, nil
}

// ValidateEntryID checks that an entry identifier is a well-formed slug.
func ValidateEntryID(id string) error {
	if !entryIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
	}
	return nil
}
