package supervisor

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionStore persists LLM thread pins under the bus state subtree, so a
// restarted or superseded task resumes the conversation it already had
// instead of replaying context from scratch.
//
//	state/codex-task-sessions/<agent>/<id>.json      per-task pin
//	state/codex-root-sessions/<agent>/<rootId>.json  per-workflow pin
//	state/<agent>.session-id                          agent session pin
type SessionStore struct {
	stateDir string
}

// NewSessionStore roots a SessionStore at the store's state directory.
func NewSessionStore(store *bus.Store) *SessionStore {
	return &SessionStore{stateDir: store.StatePath()}
}

func (s *SessionStore) taskPath(agent, taskID string) string {
	return filepath.Join(s.stateDir, "codex-task-sessions", agent, taskID+".json")
}

func (s *SessionStore) rootPath(agent, rootID string) string {
	return filepath.Join(s.stateDir, "codex-root-sessions", agent, rootID+".json")
}

func (s *SessionStore) agentPath(agent string) string {
	return filepath.Join(s.stateDir, agent+".session-id")
}

func (s *SessionStore) read(path string) (*types.SessionPin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.E(types.ErrIO, "sessions.read", path, err)
	}
	var pin types.SessionPin
	if err := json.Unmarshal(data, &pin); err != nil {
		// A corrupt pin just means a fresh thread; never wedge a turn on it.
		return nil, nil
	}
	return &pin, nil
}

func (s *SessionStore) write(path string, pin types.SessionPin) error {
	pin.UpdatedAtMs = time.Now().UnixMilli()
	data, err := json.MarshalIndent(pin, "", "  ")
	if err != nil {
		return types.E(types.ErrIO, "sessions.write", path, err)
	}
	return bus.WriteAtomic(path, data)
}

// TaskThread returns the pinned thread for (agent, taskID), "" when none.
func (s *SessionStore) TaskThread(agent, taskID string) string {
	pin, err := s.read(s.taskPath(agent, taskID))
	if err != nil || pin == nil {
		return ""
	}
	return pin.ThreadID
}

// PinTask records the thread used for (agent, taskID).
func (s *SessionStore) PinTask(agent, taskID, threadID, engine string) error {
	return s.write(s.taskPath(agent, taskID), types.SessionPin{ThreadID: threadID, Engine: engine})
}

// RootThread returns the pinned thread for (agent, rootID), "" when none.
func (s *SessionStore) RootThread(agent, rootID string) string {
	pin, err := s.read(s.rootPath(agent, rootID))
	if err != nil || pin == nil {
		return ""
	}
	return pin.ThreadID
}

// PinRoot records the thread carrying a whole workflow for agent.
func (s *SessionStore) PinRoot(agent, rootID, threadID, engine string) error {
	return s.write(s.rootPath(agent, rootID), types.SessionPin{ThreadID: threadID, Engine: engine})
}

// AgentSession returns the agent-wide pinned thread, "" when none.
func (s *SessionStore) AgentSession(agent string) string {
	data, err := os.ReadFile(s.agentPath(agent))
	if err != nil {
		return ""
	}
	id := string(data)
	for len(id) > 0 && (id[len(id)-1] == '\n' || id[len(id)-1] == '\r') {
		id = id[:len(id)-1]
	}
	return id
}

// PinAgentSession records threadID as the agent's session unless one is
// already pinned. Autopilot agents keep their first thread for the life
// of the bus root.
func (s *SessionStore) PinAgentSession(agent, threadID string) error {
	if s.AgentSession(agent) != "" {
		return nil
	}
	return bus.WriteAtomic(s.agentPath(agent), []byte(threadID+"\n"))
}
