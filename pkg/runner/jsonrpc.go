package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/burrowlabs/burrow/pkg/types"
)

// Client methods and server notifications of the line-delimited engine
// protocol.
const (
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"

	notifyTurnStarted   = "turn/started"
	notifyTurnCompleted = "turn/completed"
	notifyAgentDelta    = "item/agentMessage/delta"
	notifyItemCompleted = "item/completed"
	notifyCommandDelta  = "item/commandExecution/outputDelta"
)

type rpcRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// rpcMessage is any inbound line: a response when ID is set, otherwise a
// notification.
type rpcMessage struct {
	ID     *int64              `json:"id,omitempty"`
	Method string              `json:"method,omitempty"`
	Params jsoniter.RawMessage `json:"params,omitempty"`
	Result jsoniter.RawMessage `json:"result,omitempty"`
	Error  *rpcError           `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type threadParams struct {
	ThreadID string `json:"threadId"`
}

type threadResult struct {
	ThreadID string `json:"threadId"`
}

type turnStartParams struct {
	ThreadID      string `json:"threadId"`
	Input         string `json:"input"`
	Cwd           string `json:"cwd,omitempty"`
	SandboxPolicy string `json:"sandboxPolicy,omitempty"`
	OutputSchema  string `json:"outputSchema,omitempty"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type turnEnvelope struct {
	Turn struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"turn"`
}

type deltaEnvelope struct {
	Delta string `json:"delta"`
}

type itemEnvelope struct {
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// Client speaks the engine protocol over a pair of byte streams. One
// request may be in flight per id; notifications are delivered on a
// buffered channel and dropped when nobody is draining them.
type Client struct {
	w       io.Writer
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *rpcMessage

	notifyCh chan *rpcMessage
	done     chan struct{}
	readErr  error
}

// NewClient wires a client over the child's stdin (w) and stdout (r)
// and starts the read loop.
func NewClient(w io.Writer, r io.Reader) *Client {
	c := &Client{
		w:        w,
		pending:  make(map[int64]chan *rpcMessage),
		notifyCh: make(chan *rpcMessage, 256),
		done:     make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Notifications returns the server-initiated message stream.
func (c *Client) Notifications() <-chan *rpcMessage { return c.notifyCh }

// drainNotifications discards whatever a previous turn left buffered.
// Called before turn/start so a new turn never reads stale results.
func (c *Client) drainNotifications() {
	for {
		select {
		case <-c.notifyCh:
		default:
			return
		}
	}
}

// Done is closed when the transport disconnects.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// Agent messages can be large; allow multi-megabyte lines.
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Engines occasionally interleave plain text; skip it.
			continue
		}

		if msg.ID != nil {
			c.mu.Lock()
			ch := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &msg
			}
			continue
		}

		select {
		case c.notifyCh <- &msg:
		default:
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	close(c.done)
}

var errDisconnected = fmt.Errorf("engine transport closed")

func (c *Client) disconnectErr() error {
	c.mu.Lock()
	readErr := c.readErr
	c.mu.Unlock()
	if readErr == nil || readErr == io.EOF {
		readErr = errDisconnected
	}
	return types.E(types.ErrStreamDisconnected, "runner.rpc", "", readErr)
}

// call sends one request and blocks for its response. result may be nil.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	select {
	case <-c.done:
		return c.disconnectErr()
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return types.E(types.ErrIO, "runner.rpc", "", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.w.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return types.E(types.ErrStreamDisconnected, "runner.rpc", "", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return c.disconnectErr()
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %s", method, msg.Error.Message)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return types.E(types.ErrSchemaInvalid, "runner.rpc", "", err)
			}
		}
		return nil
	case <-c.done:
		return c.disconnectErr()
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
