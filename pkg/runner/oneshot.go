package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/types"
)

// maxStderrTail caps how much child stderr is retained for failure
// classification.
const maxStderrTail = 64 * 1024

// OneShot runs each turn as a fresh child process. The child reads the
// prompt on stdin, reports its thread with a "session id: <id>" stderr
// line, writes the final JSON to the requested output path and exits 0.
// Request parameters travel in the child environment:
//
//	BURROW_AGENT, BURROW_TASK_ID, BURROW_OUTPUT, BURROW_SCHEMA,
//	BURROW_WORKDIR, BURROW_RESUME (set only when resuming a thread)
type OneShot struct {
	Command   []string
	KillGrace time.Duration
}

// NewOneShot builds a one-shot runner around the given argv.
func NewOneShot(command []string, killGrace time.Duration) *OneShot {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	return &OneShot{Command: command, KillGrace: killGrace}
}

func (o *OneShot) RunTurn(ctx context.Context, req Request, watch Watch) Result {
	if len(o.Command) == 0 {
		return Result{Status: StatusFatal, Err: types.E(types.ErrDependencyMissing,
			"runner.oneshot", "", errors.New("no engine command configured"))}
	}

	logger := log.WithTask(req.Agent, req.TaskID)

	cmd := exec.Command(o.Command[0], o.Command[1:]...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"BURROW_AGENT="+req.Agent,
		"BURROW_TASK_ID="+req.TaskID,
		"BURROW_OUTPUT="+req.OutputPath,
		"BURROW_SCHEMA="+req.SchemaRef,
		"BURROW_WORKDIR="+req.Workdir,
	)
	if req.ResumeThread != "" {
		cmd.Env = append(cmd.Env, "BURROW_RESUME="+req.ResumeThread)
	}

	var stdout bytes.Buffer
	sink := newStderrSink(logger)
	cmd.Stdout = &stdout
	cmd.Stderr = sink
	// Own process group so termination reaches engine-spawned tools too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{Status: StatusFatal, Err: types.E(types.ErrDependencyMissing,
			"runner.oneshot", o.Command[0], err)}
	}
	logger.Debug().Str("command", o.Command[0]).Int("pid", cmd.Process.Pid).Msg("turn child started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case <-watch.Supersede:
		o.terminate(cmd, waitCh)
		sink.flush()
		return abortResult(true, sink.SessionID())
	case <-watch.Timeout:
		o.terminate(cmd, waitCh)
		sink.flush()
		return abortResult(false, sink.SessionID())
	case <-ctx.Done():
		o.terminate(cmd, waitCh)
		sink.flush()
		return Result{Status: StatusFatal, ThreadID: sink.SessionID(), Err: ctx.Err()}
	case waitErr = <-waitCh:
	}
	sink.flush()
	threadID := sink.SessionID()

	if waitErr != nil {
		kind, retryAfter, transient := classify(sink.Tail())
		err := types.E(kind, "runner.oneshot", "", fmt.Errorf("%w: %s", waitErr, lastLine(sink.Tail())))
		if transient {
			return Result{Status: StatusTransient, ThreadID: threadID, RetryAfter: retryAfter, Err: err}
		}
		return Result{Status: StatusFatal, ThreadID: threadID, Err: err}
	}

	data, err := os.ReadFile(req.OutputPath)
	if err != nil {
		// Some engines print the final JSON instead of writing the file.
		if trimmed := bytes.TrimSpace(stdout.Bytes()); len(trimmed) > 0 {
			data = trimmed
			if werr := bus.WriteAtomic(req.OutputPath, append(data, '\n')); werr != nil {
				return Result{Status: StatusFatal, ThreadID: threadID, Err: werr}
			}
		} else {
			return Result{Status: StatusFatal, ThreadID: threadID,
				Err: types.E(types.ErrSchemaInvalid, "runner.oneshot", req.OutputPath, err)}
		}
	}

	output, err := parseOutput(data)
	if err != nil {
		return Result{Status: StatusFatal, ThreadID: threadID, Err: err}
	}
	return Result{Status: StatusOK, Output: output, ThreadID: threadID, OutputPath: req.OutputPath}
}

// terminate interrupts the child with SIGTERM and escalates to SIGKILL
// after the grace period. Signals address the process group, and the
// child is always reaped before returning.
func (o *OneShot) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(o.KillGrace):
	}
	signalGroup(cmd, syscall.SIGKILL)
	<-waitCh
}

// signalGroup signals the child's process group, falling back to the
// child alone when the group is gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// stderrSink captures child stderr: it frames writes into lines, picks
// out the first "session id: <id>" line, streams the rest to the debug
// log, and keeps a bounded tail for failure classification.
type stderrSink struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	pending []byte
	tail    []byte
	session string
}

func newStderrSink(logger zerolog.Logger) *stderrSink {
	return &stderrSink{logger: logger}
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := maxStderrTail - len(s.tail); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		s.tail = append(s.tail, p[:room]...)
	}

	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.pending[:i]), "\r")
		s.pending = s.pending[i+1:]
		s.consumeLine(line)
	}
	return len(p), nil
}

// flush consumes a trailing unterminated line after the child exits.
func (s *stderrSink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		s.consumeLine(string(s.pending))
		s.pending = nil
	}
}

func (s *stderrSink) consumeLine(line string) {
	if s.session == "" {
		if id := sessionIDFromLine(line); id != "" {
			s.session = id
			s.logger.Debug().Str("thread_id", id).Msg("turn child reported session")
			return
		}
	}
	if line != "" {
		s.logger.Debug().Str("stream", "stderr").Msg(line)
	}
}

func (s *stderrSink) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *stderrSink) Tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail)
}

func lastLine(text string) string {
	text = strings.TrimRight(text, "\n")
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}
