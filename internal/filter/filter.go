// Package filter holds compiled filters, the hot-swappable registry that
// serves them and the line matcher built on top of it.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/justin4957/logflow-filterd/pkg/models"
)

// TempTTL is how long a __tmp__ filter stays valid after its marker timestamp
const TempTTL = time.Hour

var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrExpired       = errors.New("temporary filter expired")
)

// Strategy is the match strategy derived from a filter pattern
type Strategy int

const (
	StrategyRegex Strategy = iota
	StrategyLiteral
	StrategyLiteralFold
)

func (s Strategy) String() string {
	switch s {
	case StrategyLiteral:
		return "literal-substring"
	case StrategyLiteralFold:
		return "literal-substring-case-insensitive"
	default:
		return "plain-regex"
	}
}

const foldMarker = "(?i)"

var (
	identifierPattern = regexp.MustCompile(`^(\(\?i\))?[A-Za-z0-9_-]+$`)
	tempMarker        = regexp.MustCompile(`__tmp__([0-9]+)`)
)

// Filter is a compiled filter. It is immutable after Compile.
type Filter struct {
	id       string
	name     string
	pattern  string
	strategy Strategy
	literal  string // lower-cased for StrategyLiteralFold
	regex    *regexp.Regexp
}

// Compile validates spec and derives its match strategy
func Compile(spec models.FilterSpec) (*Filter, error) {
	if len(spec.ID) != 36 {
		return nil, fmt.Errorf("%w: id %q is not 36 characters", ErrInvalidFilter, spec.ID)
	}
	if _, err := uuid.Parse(spec.ID); err != nil {
		return nil, fmt.Errorf("%w: id %q: %v", ErrInvalidFilter, spec.ID, err)
	}

	re, err := regexp.Compile(spec.Regex)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %s pattern: %v", ErrInvalidFilter, spec.ID, err)
	}

	f := &Filter{
		id:       spec.ID,
		name:     spec.Name,
		pattern:  spec.Regex,
		strategy: StrategyRegex,
		regex:    re,
	}

	if identifierPattern.MatchString(spec.Regex) {
		if strings.HasPrefix(spec.Regex, foldMarker) {
			f.strategy = StrategyLiteralFold
			f.literal = strings.ToLower(strings.TrimPrefix(spec.Regex, foldMarker))
		} else {
			f.strategy = StrategyLiteral
			f.literal = spec.Regex
		}
	}

	return f, nil
}

func (f *Filter) ID() string         { return f.id }
func (f *Filter) Name() string       { return f.name }
func (f *Filter) Pattern() string    { return f.pattern }
func (f *Filter) Strategy() Strategy { return f.strategy }

// Spec returns the wire representation of the filter
func (f *Filter) Spec() models.FilterSpec {
	return models.FilterSpec{ID: f.id, Name: f.name, Regex: f.pattern}
}

// IsValid reports whether the filter is still active at now. Filters named
// with a __tmp__<unix> marker expire once more than TempTTL has passed.
func (f *Filter) IsValid(now time.Time) bool {
	return CheckExpiry(f.name, now) == nil
}

// CheckExpiry returns ErrExpired if name carries an elapsed __tmp__ marker
func CheckExpiry(name string, now time.Time) error {
	m := tempMarker.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad temp marker in %q", ErrInvalidFilter, name)
	}
	if now.Unix()-ts > int64(TempTTL/time.Second) {
		return ErrExpired
	}
	return nil
}

// Matches reports whether the filter finds its pattern anywhere in line.
// lower must be strings.ToLower(line) or empty if not yet computed.
func (f *Filter) Matches(line string, lower *string) bool {
	switch f.strategy {
	case StrategyLiteral:
		if !strings.Contains(line, f.literal) {
			return false
		}
	case StrategyLiteralFold:
		// ToLower only agrees with regexp case folding on ASCII input
		if isASCII(line) {
			if *lower == "" {
				*lower = strings.ToLower(line)
			}
			if !strings.Contains(*lower, f.literal) {
				return false
			}
		}
	}
	return f.regex.MatchString(line)
}

// MatchesRegex evaluates the full pattern regardless of strategy
func (f *Filter) MatchesRegex(line string) bool {
	return f.regex.MatchString(line)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
