package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/justin4957/logflow-filterd/pkg/models"
)

// MaxLineLength is the longest raw line kept; longer lines are truncated
const MaxLineLength = 4096

const truncationSuffix = ".."

// ErrEmptyLine is returned for lines that are blank after trimming
var ErrEmptyLine = errors.New("empty line")

// LogParser interface for parsing different log formats. received is the
// ingestion time, used when the line carries no timestamp of its own.
type LogParser interface {
	Parse(line string, received time.Time) (models.LogLine, error)
}

// NewParser creates a parser based on the specified format
func NewParser(format string) LogParser {
	switch format {
	case "json":
		return &JSONParser{}
	case "apache", "combined":
		return &ApacheParser{}
	case "common":
		return &CommonLogParser{}
	default:
		return &RawParser{}
	}
}

// 2021-07-04T12:08:56.235-07:00
var isoTimestamp = regexp.MustCompile(`[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}\.[0-9]+(\+|-)[0-9]{2}:[0-9]{2}`)

// RawParser treats every line as an opaque message and sniffs an embedded
// ISO-8601 timestamp from it.
type RawParser struct{}

func (p *RawParser) Parse(line string, received time.Time) (models.LogLine, error) {
	raw, err := normalize(line)
	if err != nil {
		return models.LogLine{}, err
	}
	return models.LogLine{Raw: raw, Timestamp: SniffTimestamp(raw, received)}, nil
}

// SniffTimestamp returns the first ISO-8601 timestamp embedded in msg, or fallback
func SniffTimestamp(msg string, fallback time.Time) time.Time {
	found := isoTimestamp.FindString(msg)
	if found == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, found)
	if err != nil {
		return fallback
	}
	return ts
}

// truncateRunes cuts s after n characters, never inside a rune
func truncateRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}

func normalize(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ErrEmptyLine
	}
	// bytes bound runes from above, so short lines skip the count
	if len(line) > MaxLineLength && utf8.RuneCountInString(line) > MaxLineLength {
		line = truncateRunes(line, MaxLineLength) + truncationSuffix
	}
	return line, nil
}

type jsonLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// JSONParser parses JSON-formatted logs with "timestamp" and "message" fields
type JSONParser struct{}

func (p *JSONParser) Parse(line string, received time.Time) (models.LogLine, error) {
	var entry jsonLine
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return models.LogLine{}, fmt.Errorf("failed to parse JSON log: %w", err)
	}

	raw, err := normalize(entry.Message)
	if err != nil {
		return models.LogLine{}, err
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = SniffTimestamp(raw, received)
	}
	return models.LogLine{Raw: raw, Timestamp: ts}, nil
}

const accessLogTime = "02/Jan/2006:15:04:05 -0700"

// Apache Combined Log Format:
// %h %l %u %t \"%r\" %>s %b \"%{Referer}i\" \"%{User-agent}i\"
var apacheRegex = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+) \S+" (\d+) (\S+) "([^"]*)" "([^"]*)"`,
)

// Common Log Format: %h %l %u %t \"%r\" %>s %b
var commonRegex = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+) \S+" (\d+) (\S+)`,
)

// ApacheParser parses Apache Combined log format
type ApacheParser struct{}

func (p *ApacheParser) Parse(line string, received time.Time) (models.LogLine, error) {
	return parseAccessLog(line, received, apacheRegex, 9, "Apache")
}

// CommonLogParser parses Common Log Format
type CommonLogParser struct{}

func (p *CommonLogParser) Parse(line string, received time.Time) (models.LogLine, error) {
	return parseAccessLog(line, received, commonRegex, 7, "Common")
}

func parseAccessLog(line string, received time.Time, re *regexp.Regexp, groups int, name string) (models.LogLine, error) {
	raw, err := normalize(line)
	if err != nil {
		return models.LogLine{}, err
	}

	matches := re.FindStringSubmatch(raw)
	if len(matches) != groups {
		return models.LogLine{}, fmt.Errorf("invalid %s log format", name)
	}

	timestamp, err := time.Parse(accessLogTime, matches[2])
	if err != nil {
		timestamp = received
	}

	return models.LogLine{Raw: raw, Timestamp: timestamp}, nil
}
