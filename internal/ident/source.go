// Package ident provides the identifier sources that feed scans into the
// station: a keyboard-wedge terminal, an MQTT topic and an in-process
// push channel.
package ident

import (
	"context"
	"strings"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Source produces identifier reads until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(shared.IdentifierEvent)) error
}

const debounceCacheSize = 256

// Debouncer suppresses repeat reads of the same identifier within a
// window. Scanners often report one tag several times in a burst.
type Debouncer struct {
	cache *lru.LRU[string, struct{}]
}

// NewDebouncer returns nil for a non-positive window; a nil Debouncer
// allows everything.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		return nil
	}
	return &Debouncer{cache: lru.NewLRU[string, struct{}](debounceCacheSize, nil, window)}
}

// Allow reports whether identifier has not been seen within the window
// and records it.
func (d *Debouncer) Allow(identifier string) bool {
	if d == nil {
		return true
	}
	if _, ok := d.cache.Get(identifier); ok {
		return false
	}
	d.cache.Add(identifier, struct{}{})
	return true
}

type debounced struct {
	Source
	deb *Debouncer
}

// Debounce wraps src so repeated reads inside the window are dropped.
func Debounce(src Source, deb *Debouncer) Source {
	if deb == nil {
		return src
	}
	return &debounced{Source: src, deb: deb}
}

func (d *debounced) Run(ctx context.Context, emit func(shared.IdentifierEvent)) error {
	return d.Source.Run(ctx, func(ev shared.IdentifierEvent) {
		if d.deb.Allow(ev.Identifier) {
			emit(ev)
		}
	})
}

// ScanRules describe how raw scanner input becomes an identifier.
type ScanRules struct {
	MinLength    int
	KeepTrailing int
	DigitsOnly   bool
}

// Normalize applies the rules to one line of scanner input. It reports
// false when the line cannot be an identifier.
func (r ScanRules) Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if r.DigitsOnly {
		s = strings.Map(func(c rune) rune {
			if c >= '0' && c <= '9' {
				return c
			}
			return -1
		}, s)
	}
	if s == "" || len(s) < r.MinLength {
		return "", false
	}
	if r.KeepTrailing > 0 && len(s) > r.KeepTrailing {
		s = s[len(s)-r.KeepTrailing:]
	}
	return s, true
}
