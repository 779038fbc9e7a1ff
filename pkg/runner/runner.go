package runner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status tags the terminal state of one turn.
type Status string

const (
	// StatusOK means the child exited cleanly and its output parsed.
	StatusOK Status = "ok"
	// StatusSuperseded means the watch reported a packet update and the
	// turn was aborted so the supervisor can restart with a fresh prompt.
	StatusSuperseded Status = "superseded"
	// StatusTimeout means the watchdog expired and the turn was aborted.
	StatusTimeout Status = "timeout"
	// StatusTransient means the turn failed in a retryable way
	// (rate limit, stream disconnect).
	StatusTransient Status = "transient"
	// StatusFatal means the turn failed in a way retries will not fix.
	StatusFatal Status = "fatal"
)

// Request carries everything one turn needs.
type Request struct {
	Agent        string
	TaskID       string
	Prompt       string
	OutputPath   string // where the final JSON result lands
	SchemaRef    string // external output schema reference
	Workdir      string
	ResumeThread string // thread id to resume, empty for a new thread
}

// Watch carries the abort conditions the turn races against. Either
// channel may be nil, in which case that condition never fires.
type Watch struct {
	// Supersede is closed when the packet file changed under the turn.
	Supersede <-chan struct{}
	// Timeout fires when the turn watchdog expires.
	Timeout <-chan time.Time
}

// Result is the outcome of one turn. Exactly the fields relevant to the
// Status are set: Output on ok, RetryAfter on rate-limited transient,
// Err on transient and fatal. ThreadID is set whenever the child got far
// enough to report one, regardless of Status.
type Result struct {
	Status     Status
	Output     *types.TurnOutput
	ThreadID   string
	OutputPath string
	RetryAfter time.Duration
	Err        error
}

// Runner executes one prompt against an engine child process.
type Runner interface {
	RunTurn(ctx context.Context, req Request, watch Watch) Result
}

// New builds the Runner realization named by engine.
func New(engine string, command []string, killGrace time.Duration) (Runner, error) {
	switch engine {
	case "", "one-shot":
		return NewOneShot(command, killGrace), nil
	case "long-lived":
		return NewLongLived(command, killGrace), nil
	}
	return nil, fmt.Errorf("unknown engine %q", engine)
}

var retryAfterRe = regexp.MustCompile(`(?i)retry[- ]after:?\s*([0-9]+(?:\.[0-9]+)?)\s*(ms|s|m|h)?`)

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"rate_limited",
	"too many requests",
	"429",
	"overloaded",
}

var disconnectMarkers = []string{
	"stream disconnected",
	"stream error",
	"connection reset",
	"broken pipe",
	"unexpected eof",
}

// classify maps engine failure text to an error kind. Rate limits and
// stream disconnects are transient; everything else is on the caller.
func classify(text string) (kind types.ErrorKind, retryAfter time.Duration, transient bool) {
	lower := strings.ToLower(text)

	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return types.ErrRateLimited, parseRetryAfter(text), true
		}
	}
	for _, marker := range disconnectMarkers {
		if strings.Contains(lower, marker) {
			return types.ErrStreamDisconnected, 0, true
		}
	}
	return types.ErrIO, 0, false
}

// parseRetryAfter extracts a Retry-After hint from failure text. A bare
// number reads as seconds per the HTTP convention; an explicit unit
// (ms, s, m, h) overrides. Returns 0 when no hint is present.
func parseRetryAfter(text string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value < 0 {
		return 0
	}

	unit := time.Second
	switch strings.ToLower(m[2]) {
	case "ms":
		unit = time.Millisecond
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(value * float64(unit))
}

// sessionIDFromLine extracts the thread id from a "session id: <id>"
// stderr line, or returns "".
func sessionIDFromLine(line string) string {
	const marker = "session id:"
	idx := strings.Index(strings.ToLower(line), marker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+len(marker):])
}

// parseOutput decodes the final JSON the engine produced and checks the
// fields the supervisor depends on.
func parseOutput(data []byte) (*types.TurnOutput, error) {
	var out types.TurnOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "runner.parse_output", "", err)
	}
	if !types.ValidOutcome(out.Outcome) {
		return nil, types.E(types.ErrSchemaInvalid, "runner.parse_output", "",
			errUnknownOutcome(out.Outcome))
	}
	return &out, nil
}

type errUnknownOutcome string

func (e errUnknownOutcome) Error() string {
	return "unknown outcome " + strconv.Quote(string(e))
}

// aborted maps a fired watch condition to its Result, used by both
// engine realizations after the child is down.
func abortResult(superseded bool, threadID string) Result {
	if superseded {
		return Result{Status: StatusSuperseded, ThreadID: threadID}
	}
	return Result{
		Status:   StatusTimeout,
		ThreadID: threadID,
		Err:      types.E(types.ErrTurnTimeout, "runner.turn", "", context.DeadlineExceeded),
	}
}
