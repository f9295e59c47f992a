// Package currency implements the FX snapshot and conversion rules used to
// translate request-currency amounts into a user's native balance currency.
package currency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned by Convert when either side of the
// conversion is not the base currency and not present in the rate map.
// Callers should check IsValid first; the engine translates this into a
// BadParameter{currency} result per the ledger error taxonomy.
var ErrUnknownCurrency = errors.New("currency: unknown currency code")

// workingScale is the intermediate division precision; finalScale is the
// banker's-rounded precision actually stored/returned, matching the "fixed
// high scale, ≥20 fractional digits, banker's rounding" requirement.
const (
	workingScale = 28
	finalScale   = 20
)

// Snapshot is an immutable FX rate table against a base currency. The base
// currency has an implicit rate of 1 and is never present as a map key.
type Snapshot struct {
	Base  string
	Rates map[string]decimal.Decimal
	AsOf  time.Time
}

func (s Snapshot) rate(code string) (decimal.Decimal, bool) {
	if code == s.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := s.Rates[code]
	return r, ok
}

// Converter holds a swappable Snapshot. Reads never observe a torn map: a
// refresh builds a brand new Snapshot and atomically swaps the pointer, so
// a reader either sees the whole old snapshot or the whole new one.
type Converter struct {
	snap      atomic.Pointer[Snapshot]
	refreshed atomic.Int64 // unix nanos of last Refresh/New
}

// New constructs a Converter seeded with the given snapshot.
func New(initial Snapshot) *Converter {
	c := &Converter{}
	c.snap.Store(&initial)
	c.refreshed.Store(time.Now().UnixNano())
	return c
}

// Refresh atomically replaces the rate table. Safe for concurrent callers;
// in-flight Convert/IsValid calls complete against whichever snapshot they
// already observed.
func (c *Converter) Refresh(next Snapshot) {
	c.snap.Store(&next)
	c.refreshed.Store(time.Now().UnixNano())
}

// LastRefreshed reports when the current snapshot was installed, so an
// external alarm can detect staleness (spec §9 open question 5).
func (c *Converter) LastRefreshed() time.Time {
	return time.Unix(0, c.refreshed.Load())
}

// Current returns the active snapshot.
func (c *Converter) Current() Snapshot {
	return *c.snap.Load()
}

// IsValid reports whether code is the base currency or a known rate.
func (c *Converter) IsValid(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	_, ok := c.Current().rate(code)
	return ok
}

// Convert applies the piecewise conversion rules of spec §4.2:
//
//	from == to      -> amount
//	from == base     -> amount * rate[to]
//	to == base       -> amount / rate[from]
//	otherwise        -> amount * rate[to] / rate[from]
//
// Division runs at workingScale and the result is banker's-rounded
// (round-half-to-even) down to finalScale, satisfying "arbitrary-precision
// decimal, division at fixed high scale ≥20 fractional digits, banker's
// rounding". Callers must have validated both codes with IsValid; an
// unknown code surfaces ErrUnknownCurrency rather than panicking.
func (c *Converter) Convert(from string, amount decimal.Decimal, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	snap := c.Current()

	if from == to {
		return amount, nil
	}

	if from == snap.Base {
		rateTo, ok := snap.rate(to)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
		}
		return amount.Mul(rateTo).RoundBank(finalScale), nil
	}

	if to == snap.Base {
		rateFrom, ok := snap.rate(from)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
		}
		return divideBankers(amount, rateFrom), nil
	}

	rateTo, ok := snap.rate(to)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	rateFrom, ok := snap.rate(from)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	return divideBankers(amount.Mul(rateTo), rateFrom), nil
}

func divideBankers(numerator, denominator decimal.Decimal) decimal.Decimal {
	return numerator.DivRound(denominator, workingScale).RoundBank(finalScale)
}

// ParseSnapshotJSON decodes a provider payload of the shape
// {"base": "EUR", "rates": {"USD": 1.03455, ...}}. json.Number is used
// throughout so rates never pass through a float64 on the way to decimal.
func ParseSnapshotJSON(raw []byte) (Snapshot, error) {
	var doc struct {
		Base  string                 `json:"base"`
		Rates map[string]json.Number `json:"rates"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Snapshot{}, fmt.Errorf("currency: parse snapshot: %w", err)
	}
	if doc.Base == "" {
		return Snapshot{}, errors.New("currency: snapshot missing base currency")
	}

	rates := make(map[string]decimal.Decimal, len(doc.Rates))
	for code, n := range doc.Rates {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return Snapshot{}, fmt.Errorf("currency: parse rate %s: %w", code, err)
		}
		rates[strings.ToUpper(code)] = d
	}
	delete(rates, doc.Base)

	return Snapshot{Base: strings.ToUpper(doc.Base), Rates: rates, AsOf: time.Now()}, nil
}
