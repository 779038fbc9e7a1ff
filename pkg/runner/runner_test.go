package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/pkg/types"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Duration
	}{
		{
			name: "milliseconds",
			text: "rate limit exceeded. Retry-After: 1500ms",
			want: 1500 * time.Millisecond,
		},
		{
			name: "seconds",
			text: "Retry-After: 2s",
			want: 2 * time.Second,
		},
		{
			name: "bare number reads as seconds",
			text: "Retry-After: 30",
			want: 30 * time.Second,
		},
		{
			name: "fractional",
			text: "retry after 2.5s",
			want: 2500 * time.Millisecond,
		},
		{
			name: "minutes",
			text: "Retry-After: 1m",
			want: time.Minute,
		},
		{
			name: "no hint",
			text: "too many requests",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.text))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantKind      types.ErrorKind
		wantTransient bool
		wantRetry     time.Duration
	}{
		{
			name:          "rate limit with retry hint",
			text:          "429 Too Many Requests. Retry-After: 1500ms",
			wantKind:      types.ErrRateLimited,
			wantTransient: true,
			wantRetry:     1500 * time.Millisecond,
		},
		{
			name:          "rate limit without hint",
			text:          "model overloaded, try again later",
			wantKind:      types.ErrRateLimited,
			wantTransient: true,
		},
		{
			name:          "stream disconnect",
			text:          "read tcp: connection reset by peer",
			wantKind:      types.ErrStreamDisconnected,
			wantTransient: true,
		},
		{
			name:          "broken pipe",
			text:          "write |1: broken pipe",
			wantKind:      types.ErrStreamDisconnected,
			wantTransient: true,
		},
		{
			name:          "anything else is not transient",
			text:          "panic: index out of range",
			wantKind:      types.ErrIO,
			wantTransient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, retry, transient := classify(tt.text)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantTransient, transient)
			assert.Equal(t, tt.wantRetry, retry)
		})
	}
}

func TestSessionIDFromLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"session id: th-abc123", "th-abc123"},
		{"Session ID: TH-1", "TH-1"},
		{"2026/08/24 engine ready, session id: 42", "42"},
		{"session identifier missing", ""},
		{"plain progress output", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sessionIDFromLine(tt.line), "line %q", tt.line)
	}
}

func TestParseOutput(t *testing.T) {
	out, err := parseOutput([]byte(`{
		"outcome": "done",
		"note": "implemented the thing",
		"commitSha": "deadbeef",
		"followUps": [{"to": ["exec"], "title": "next", "body": "do it"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDone, out.Outcome)
	assert.Equal(t, "deadbeef", out.CommitSha)
	require.Len(t, out.FollowUps, 1)
	assert.Equal(t, []string{"exec"}, out.FollowUps[0].To)
}

func TestParseOutputRejectsGarbage(t *testing.T) {
	_, err := parseOutput([]byte("I did the work, great success"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrSchemaInvalid))

	_, err = parseOutput([]byte(`{"outcome": "perfect"}`))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrSchemaInvalid))
}
