// Package roster defines the agent registry: the named participants a bus
// root is configured with, their roles, skills and turn engines. The
// roster is loaded once at process start from a YAML file; delivery
// validates recipients against it.
package roster

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/burrowlabs/burrow/pkg/types"
)

// Role classifies what an agent does in the workflow.
type Role string

const (
	RoleOperator     Role = "operator"
	RoleOrchestrator Role = "orchestrator"
	RoleAutopilot    Role = "autopilot"
	RoleWorker       Role = "worker"
	RoleObserver     Role = "observer"
	RoleConsult      Role = "consult"
)

// Engine selects the turn runner realization for an agent.
type Engine string

const (
	// EngineDefault defers to the process-wide configured engine.
	EngineDefault Engine = ""
	// EngineOneShot spawns one child process per turn.
	EngineOneShot Engine = "one-shot"
	// EngineLongLived keeps a JSON-RPC child across turns.
	EngineLongLived Engine = "long-lived"
)

// Agent is one roster entry.
type Agent struct {
	Name    string   `yaml:"name"`
	Role    Role     `yaml:"role"`
	Engine  Engine   `yaml:"engine,omitempty"`
	Skills  []string `yaml:"skills,omitempty"`
	Workdir string   `yaml:"workdir,omitempty"`
}

// IsAutopilot reports whether this agent plans and dispatches follow-ups.
func (a *Agent) IsAutopilot() bool { return a.Role == RoleAutopilot }

// document is the on-disk YAML envelope.
type document struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Agents     []*Agent `yaml:"agents"`
}

// Roster is the loaded, validated agent registry.
type Roster struct {
	byName map[string]*Agent
	order  []string
}

// Load reads and validates a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.E(types.ErrDependencyMissing, "roster.load", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

// Parse validates roster YAML.
func Parse(data []byte) (*Roster, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "roster.parse", "", err)
	}
	if doc.Kind != "" && doc.Kind != "Roster" {
		return nil, types.E(types.ErrSchemaInvalid, "roster.parse", "", fmt.Errorf("unsupported kind %q", doc.Kind))
	}
	if len(doc.Agents) == 0 {
		return nil, types.E(types.ErrSchemaInvalid, "roster.parse", "", fmt.Errorf("roster has no agents"))
	}

	r := &Roster{byName: make(map[string]*Agent, len(doc.Agents))}
	for _, a := range doc.Agents {
		if err := validateAgent(a); err != nil {
			return nil, err
		}
		if _, dup := r.byName[a.Name]; dup {
			return nil, types.E(types.ErrSchemaInvalid, "roster.parse", "", fmt.Errorf("duplicate agent %q", a.Name))
		}
		r.byName[a.Name] = a
		r.order = append(r.order, a.Name)
	}
	return r, nil
}

func validateAgent(a *Agent) error {
	if a.Name == "" || strings.ContainsAny(a.Name, "/\\ ") {
		return types.E(types.ErrSchemaInvalid, "roster.parse", "", fmt.Errorf("invalid agent name %q", a.Name))
	}
	switch a.Role {
	case RoleOperator, RoleOrchestrator, RoleAutopilot, RoleWorker, RoleObserver, RoleConsult:
	default:
		return types.E(types.ErrSchemaInvalid, "roster.parse", "", fmt.Errorf("agent %q: unknown role %q", a.Name, a.Role))
	}
	switch a.Engine {
	case EngineDefault, EngineOneShot, EngineLongLived:
	default:
		return types.E(types.ErrSchemaInvalid, "roster.parse", "", fmt.Errorf("agent %q: unknown engine %q", a.Name, a.Engine))
	}
	return nil
}

// Has reports membership. Satisfies bus.AgentSet.
func (r *Roster) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Get returns one agent by name.
func (r *Roster) Get(name string) (*Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Names returns agent names in file order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Agents returns all entries in file order.
func (r *Roster) Agents() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// withRole returns the first agent holding role, "" when none does.
func (r *Roster) withRole(role Role) string {
	for _, name := range r.order {
		if r.byName[name].Role == role {
			return name
		}
	}
	return ""
}

// Orchestrator returns the orchestrator agent name, defaulting to
// "orchestrator" when the roster does not declare one.
func (r *Roster) Orchestrator() string {
	if name := r.withRole(RoleOrchestrator); name != "" {
		return name
	}
	return "orchestrator"
}

// Autopilot returns the planning agent name, "" when the roster has none.
func (r *Roster) Autopilot() string { return r.withRole(RoleAutopilot) }

// Operator returns the operator inbox name, defaulting to "operator".
func (r *Roster) Operator() string {
	if name := r.withRole(RoleOperator); name != "" {
		return name
	}
	return "operator"
}

// Workers returns every worker-role agent name, sorted.
func (r *Roster) Workers() []string {
	var out []string
	for _, name := range r.order {
		if r.byName[name].Role == RoleWorker {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Marshal renders the roster back to YAML, for init scaffolding.
func (r *Roster) Marshal() ([]byte, error) {
	doc := document{APIVersion: "burrow/v1", Kind: "Roster", Agents: r.Agents()}
	return yaml.Marshal(&doc)
}

// Default returns the starter roster written by burrow init.
func Default() *Roster {
	agents := []*Agent{
		{Name: "operator", Role: RoleOperator},
		{Name: "orchestrator", Role: RoleOrchestrator},
		{Name: "autopilot", Role: RoleAutopilot, Engine: EngineLongLived, Skills: []string{"plan-project", "execute-task"}},
		{Name: "plan", Role: RoleWorker, Skills: []string{"plan-project"}},
		{Name: "exec", Role: RoleWorker, Skills: []string{"execute-task"}},
		{Name: "consult", Role: RoleConsult},
	}
	r := &Roster{byName: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		r.byName[a.Name] = a
		r.order = append(r.order, a.Name)
	}
	return r
}
