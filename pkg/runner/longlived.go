package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/types"
)

// LongLived keeps one engine child alive across turns and drives it over
// the line-delimited protocol. Threads outlive turns: a resumed task
// reattaches to its thread instead of replaying context.
type LongLived struct {
	Command       []string
	KillGrace     time.Duration
	SandboxPolicy string

	mu     sync.Mutex
	cmd    *exec.Cmd
	client *Client
}

// NewLongLived builds a long-lived runner around the given argv.
func NewLongLived(command []string, killGrace time.Duration) *LongLived {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	return &LongLived{
		Command:       command,
		KillGrace:     killGrace,
		SandboxPolicy: "workspace-write",
	}
}

// ensureClient returns a live client, spawning or respawning the child
// as needed.
func (l *LongLived) ensureClient() (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client != nil {
		select {
		case <-l.client.Done():
			// Child died; fall through and respawn.
			l.client = nil
			l.cmd = nil
		default:
			return l.client, nil
		}
	}

	if len(l.Command) == 0 {
		return nil, types.E(types.ErrDependencyMissing, "runner.longlived", "",
			errors.New("no engine command configured"))
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, types.E(types.ErrIO, "runner.longlived", "", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.E(types.ErrIO, "runner.longlived", "", err)
	}
	cmd.Stderr = newStderrSink(log.WithComponent("engine"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, types.E(types.ErrDependencyMissing, "runner.longlived", l.Command[0], err)
	}
	logger := log.WithComponent("engine")
	logger.Info().
		Str("command", l.Command[0]).
		Int("pid", cmd.Process.Pid).
		Msg("engine child started")

	client := NewClient(stdin, stdout)
	go func() {
		// Reap only after the read loop drained stdout.
		<-client.Done()
		_ = cmd.Wait()
	}()

	l.cmd = cmd
	l.client = client
	return client, nil
}

// kill force-stops the current child. The reaper goroutine collects it.
func (l *LongLived) kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		signalGroup(l.cmd, syscall.SIGKILL)
	}
	l.cmd = nil
	l.client = nil
}

// Stop shuts the child down, TERM first, KILL after the grace period.
func (l *LongLived) Stop() {
	l.mu.Lock()
	cmd, client := l.cmd, l.client
	l.cmd, l.client = nil, nil
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	signalGroup(cmd, syscall.SIGTERM)
	if client != nil {
		select {
		case <-client.Done():
			return
		case <-time.After(l.KillGrace):
		}
	}
	signalGroup(cmd, syscall.SIGKILL)
}

func (l *LongLived) RunTurn(ctx context.Context, req Request, watch Watch) Result {
	client, err := l.ensureClient()
	if err != nil {
		return Result{Status: StatusFatal, Err: err}
	}
	return l.runTurnWith(ctx, client, req, watch)
}

// runTurnWith drives one turn over an established client.
func (l *LongLived) runTurnWith(ctx context.Context, client *Client, req Request, watch Watch) Result {
	logger := log.WithTask(req.Agent, req.TaskID)

	threadID, err := l.openThread(ctx, client, req.ResumeThread)
	if err != nil {
		return l.callFailure(err, "")
	}

	client.drainNotifications()
	err = client.call(ctx, methodTurnStart, turnStartParams{
		ThreadID:      threadID,
		Input:         req.Prompt,
		Cwd:           req.Workdir,
		SandboxPolicy: l.SandboxPolicy,
		OutputSchema:  req.SchemaRef,
	}, nil)
	if err != nil {
		return l.callFailure(err, threadID)
	}

	var (
		turnID      string
		started     bool
		deltas      strings.Builder
		finalText   string
		interrupted bool
		superseded  bool
		graceCh     <-chan time.Time
	)
	supersedeCh := watch.Supersede
	timeoutCh := watch.Timeout

	interrupt := func(isSupersede bool) {
		if interrupted {
			return
		}
		interrupted = true
		superseded = isSupersede
		graceCh = time.After(l.KillGrace)

		// A canceled supervisor context must not stop the interrupt.
		ictx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.call(ictx, methodTurnInterrupt, turnInterruptParams{
			ThreadID: threadID,
			TurnID:   turnID,
		}, nil); err != nil {
			logger.Warn().Err(err).Msg("turn interrupt failed, will kill engine")
		}
	}

	for {
		select {
		case msg := <-client.Notifications():
			switch msg.Method {
			case notifyTurnStarted:
				var env turnEnvelope
				if json.Unmarshal(msg.Params, &env) == nil {
					turnID = env.Turn.ID
					started = true
				}

			case notifyAgentDelta:
				var env deltaEnvelope
				if started && json.Unmarshal(msg.Params, &env) == nil {
					deltas.WriteString(env.Delta)
				}

			case notifyItemCompleted:
				var env itemEnvelope
				if started && json.Unmarshal(msg.Params, &env) == nil &&
					env.Item.Type == "agentMessage" && env.Item.Text != "" {
					finalText = env.Item.Text
				}

			case notifyCommandDelta:
				var env deltaEnvelope
				if json.Unmarshal(msg.Params, &env) == nil && env.Delta != "" {
					logger.Debug().Str("stream", "command").Msg(strings.TrimRight(env.Delta, "\n"))
				}

			case notifyTurnCompleted:
				// Nothing from before this turn's turn/started counts:
				// results must belong to the turn we just started.
				if !started {
					continue
				}
				var env turnEnvelope
				if json.Unmarshal(msg.Params, &env) != nil {
					continue
				}
				if turnID != "" && env.Turn.ID != "" && env.Turn.ID != turnID {
					continue
				}
				if interrupted {
					return abortResult(superseded, threadID)
				}
				if env.Turn.Status == "failed" {
					message := "turn failed"
					if env.Turn.Error != nil && env.Turn.Error.Message != "" {
						message = env.Turn.Error.Message
					}
					return l.turnFailure(message, threadID)
				}
				return l.finish(req, threadID, finalText, deltas.String())
			}

		case <-supersedeCh:
			supersedeCh = nil
			interrupt(true)

		case <-timeoutCh:
			timeoutCh = nil
			interrupt(false)

		case <-graceCh:
			// Engine never confirmed the interrupt; drop the child.
			logger.Warn().Msg("engine ignored interrupt, killing child")
			l.kill()
			return abortResult(superseded, threadID)

		case <-client.Done():
			return Result{Status: StatusTransient, ThreadID: threadID, Err: client.disconnectErr()}

		case <-ctx.Done():
			interrupt(false)
			l.kill()
			return Result{Status: StatusFatal, ThreadID: threadID, Err: ctx.Err()}
		}
	}
}

// openThread resumes the pinned thread when one exists, falling back to
// a fresh thread when the engine no longer knows it.
func (l *LongLived) openThread(ctx context.Context, client *Client, resume string) (string, error) {
	var tr threadResult
	if resume != "" {
		err := client.call(ctx, methodThreadResume, threadParams{ThreadID: resume}, &tr)
		if err == nil {
			if tr.ThreadID == "" {
				return resume, nil
			}
			return tr.ThreadID, nil
		}
		if types.IsKind(err, types.ErrStreamDisconnected) {
			return "", err
		}
		logger := log.WithComponent("engine")
		logger.Warn().
			Err(err).
			Str("thread_id", resume).
			Msg("thread resume failed, starting fresh thread")
	}

	if err := client.call(ctx, methodThreadStart, struct{}{}, &tr); err != nil {
		return "", err
	}
	return tr.ThreadID, nil
}

// callFailure maps a request error into a turn result.
func (l *LongLived) callFailure(err error, threadID string) Result {
	if types.IsKind(err, types.ErrStreamDisconnected) {
		return Result{Status: StatusTransient, ThreadID: threadID, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Status: StatusFatal, ThreadID: threadID, Err: err}
	}
	return l.turnFailure(err.Error(), threadID)
}

// turnFailure classifies engine-reported failure text.
func (l *LongLived) turnFailure(message, threadID string) Result {
	kind, retryAfter, transient := classify(message)
	err := types.E(kind, "runner.longlived", "", errors.New(message))
	if transient {
		return Result{Status: StatusTransient, ThreadID: threadID, RetryAfter: retryAfter, Err: err}
	}
	return Result{Status: StatusFatal, ThreadID: threadID, Err: err}
}

// finish parses the final agent message and persists it to the output
// path so one-shot and long-lived turns leave identical artifacts.
func (l *LongLived) finish(req Request, threadID, finalText, deltaText string) Result {
	text := finalText
	if text == "" {
		text = deltaText
	}
	if strings.TrimSpace(text) == "" {
		return Result{Status: StatusFatal, ThreadID: threadID,
			Err: types.E(types.ErrSchemaInvalid, "runner.longlived", "",
				errors.New("turn completed without an agent message"))}
	}

	output, err := parseOutput([]byte(text))
	if err != nil {
		return Result{Status: StatusFatal, ThreadID: threadID, Err: err}
	}
	if err := bus.WriteAtomic(req.OutputPath, append([]byte(text), '\n')); err != nil {
		return Result{Status: StatusFatal, ThreadID: threadID, Err: err}
	}
	return Result{Status: StatusOK, Output: output, ThreadID: threadID, OutputPath: req.OutputPath}
}
