package parser

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func TestRawParser(t *testing.T) {
	p := NewParser("raw")

	tests := []struct {
		name    string
		line    string
		wantRaw string
		wantTS  time.Time
		wantErr error
	}{
		{
			name:    "sniffs iso timestamp",
			line:    "2021-07-04T12:08:56.235-07:00 ERROR disk full",
			wantRaw: "2021-07-04T12:08:56.235-07:00 ERROR disk full",
			wantTS:  time.Date(2021, 7, 4, 19, 8, 56, 235000000, time.UTC),
		},
		{
			name:    "timestamp in the middle",
			line:    "  host1 app[12]: 2021-07-04T12:08:57.000+02:00 ok \n",
			wantRaw: "host1 app[12]: 2021-07-04T12:08:57.000+02:00 ok",
			wantTS:  time.Date(2021, 7, 4, 10, 8, 57, 0, time.UTC),
		},
		{
			name:    "falls back to received time",
			line:    "no timestamp here",
			wantRaw: "no timestamp here",
			wantTS:  received,
		},
		{
			name:    "empty line",
			line:    "   \t ",
			wantErr: ErrEmptyLine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.line, received)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRaw, got.Raw)
			assert.True(t, tt.wantTS.Equal(got.Timestamp), "got %v want %v", got.Timestamp, tt.wantTS)
		})
	}
}

func TestRawParserTruncatesLongLines(t *testing.T) {
	line := strings.Repeat("a", MaxLineLength+100)

	got, err := (&RawParser{}).Parse(line, received)
	require.NoError(t, err)
	assert.Len(t, got.Raw, MaxLineLength+2)
	assert.True(t, strings.HasSuffix(got.Raw, ".."))

	exact := strings.Repeat("b", MaxLineLength)
	got, err = (&RawParser{}).Parse(exact, received)
	require.NoError(t, err)
	assert.Equal(t, exact, got.Raw)

	tests := []struct {
		name  string
		line  string
		runes int
	}{
		{"multibyte under limit", strings.Repeat("é", 3000), 3000},
		{"multibyte at limit", strings.Repeat("日", MaxLineLength), MaxLineLength},
		{"multibyte over limit", "x" + strings.Repeat("é", 5000), MaxLineLength + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&RawParser{}).Parse(tt.line, received)
			require.NoError(t, err)
			assert.True(t, utf8.ValidString(got.Raw))
			assert.Equal(t, tt.runes, utf8.RuneCountInString(got.Raw))
			if tt.runes <= MaxLineLength {
				assert.Equal(t, tt.line, got.Raw)
			} else {
				assert.True(t, strings.HasSuffix(got.Raw, "é.."))
			}
		})
	}
}

func TestJSONParser(t *testing.T) {
	got, err := NewParser("json").Parse(sampleJSONLog, received)
	require.NoError(t, err)
	assert.Equal(t, "Request processed", got.Raw)
	assert.True(t, got.Timestamp.Equal(time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)))

	_, err = NewParser("json").Parse("not json", received)
	assert.Error(t, err)

	_, err = NewParser("json").Parse(`{"message":"  "}`, received)
	assert.ErrorIs(t, err, ErrEmptyLine)
}

func TestAccessLogParsers(t *testing.T) {
	want := time.Date(2024, 1, 15, 17, 30, 45, 0, time.UTC)

	got, err := NewParser("apache").Parse(sampleApacheLog, received)
	require.NoError(t, err)
	assert.Equal(t, sampleApacheLog, got.Raw)
	assert.True(t, want.Equal(got.Timestamp))

	got, err = NewParser("common").Parse(sampleCommonLog, received)
	require.NoError(t, err)
	assert.True(t, want.Equal(got.Timestamp))

	_, err = NewParser("common").Parse("garbage", received)
	assert.Error(t, err)
}
