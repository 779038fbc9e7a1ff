package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/types"
)

// Skill prefixes recognized when selecting the lead directive for a
// packet kind. Roster skill lists are free-form; classification is by
// name, not position.
const (
	planSkillPrefix = "plan"
	execSkillPrefix = "exec"
)

func isPlanningSkill(name string) bool { return strings.HasPrefix(name, planSkillPrefix) }
func isExecutionSkill(name string) bool {
	return strings.HasPrefix(name, execSkillPrefix) || strings.HasPrefix(name, "execute")
}

// selectSkills orders the agent's skill list for one packet: the first
// matching planning skill leads a PLAN_REQUEST, the first matching
// execution skill leads an EXECUTE (and anything the autopilot runs),
// and the rest follow in their original order. Smoke packets skip skills
// entirely, the fast path.
func selectSkills(agent *roster.Agent, signals types.Signals) []string {
	if signals.Smoke || len(agent.Skills) == 0 {
		return nil
	}

	var lead string
	switch {
	case signals.Kind == types.KindPlanRequest:
		for _, s := range agent.Skills {
			if isPlanningSkill(s) {
				lead = s
				break
			}
		}
	case signals.Kind == types.KindExecute || agent.IsAutopilot():
		for _, s := range agent.Skills {
			if isExecutionSkill(s) {
				lead = s
				break
			}
		}
	}

	out := make([]string, 0, len(agent.Skills))
	if lead != "" {
		out = append(out, lead)
	}
	for _, s := range agent.Skills {
		if s != lead {
			out = append(out, s)
		}
	}
	return out
}

// snapshot is the context block rendered into the prompt. Autopilot
// agents get the wide view; workers get just enough to orient a fresh
// child process.
type snapshot struct {
	Workdir   string
	Branch    string
	Head      string
	GitStatus string
	BusStatus string
	Receipts  []*types.Receipt
	OpenTasks []*bus.Packet
	Ledger    string
}

// gitLine runs one git command in dir and returns its trimmed first line.
// A missing repo or missing git yields "", never an error: snapshots are
// advisory.
func gitLine(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

// minimalSnapshot is what every non-autopilot agent receives: workdir,
// branch, head.
func minimalSnapshot(workdir string) snapshot {
	return snapshot{
		Workdir: workdir,
		Branch:  gitLine(workdir, "rev-parse", "--abbrev-ref", "HEAD"),
		Head:    gitLine(workdir, "rev-parse", "--short", "HEAD"),
	}
}

// autopilotSnapshot adds git porcelain status, the bus status summary,
// recent receipts and open tasks filtered by the packet's workflow root,
// and the continuity ledger when one exists.
func (s *Supervisor) autopilotSnapshot(workdir, rootID string) snapshot {
	snap := minimalSnapshot(workdir)

	status := exec.Command("git", "status", "--porcelain")
	status.Dir = workdir
	if out, err := status.Output(); err == nil {
		snap.GitStatus = strings.TrimRight(string(out), "\n")
	}

	if summary, err := s.store.StatusSummary(s.roster.Names()); err == nil {
		snap.BusStatus = summary.String()
	}
	if receipts, err := s.store.RecentReceipts("", recentReceiptLimit); err == nil {
		for _, r := range receipts {
			if rootID == "" || r.Task.Signals.RootID == rootID {
				snap.Receipts = append(snap.Receipts, r)
			}
		}
	}
	for _, name := range s.roster.Names() {
		if open, err := s.store.OpenTasks(name, rootID); err == nil {
			snap.OpenTasks = append(snap.OpenTasks, open...)
		}
	}

	if data, err := os.ReadFile(s.store.StatePath(s.agent.Name + ".ledger.md")); err == nil {
		snap.Ledger = strings.TrimRight(string(data), "\n")
	}
	return snap
}

const recentReceiptLimit = 10

// snapshotFor picks the snapshot depth for one packet. A warm-resumed
// ORCHESTRATOR_UPDATE on the autopilot keeps the thin view: the pinned
// thread already carries the wide context.
func (s *Supervisor) snapshotFor(pkt *bus.Packet, warmResume bool) snapshot {
	workdir := s.workdir()
	if !s.agent.IsAutopilot() {
		return minimalSnapshot(workdir)
	}
	if warmResume && pkt.Meta.Signals.Kind == types.KindOrchestratorUpdate {
		return minimalSnapshot(workdir)
	}
	return s.autopilotSnapshot(workdir, pkt.Meta.Signals.RootID)
}

func (s *Supervisor) workdir() string {
	if s.agent.Workdir != "" {
		return s.agent.Workdir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// buildPrompt renders the deterministic turn prompt: identity, skill
// directives, the context snapshot, and the packet body last so the
// freshest instruction is the closest one.
func buildPrompt(agent *roster.Agent, pkt *bus.Packet, snap snapshot, skills []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are agent %q (role: %s).\n", agent.Name, agent.Role)
	fmt.Fprintf(&b, "Task %s from %s", pkt.Meta.ID, pkt.Meta.From)
	if pkt.Meta.Priority != "" {
		fmt.Fprintf(&b, " [%s]", pkt.Meta.Priority)
	}
	b.WriteByte('\n')
	if pkt.Meta.Signals.Kind != "" {
		fmt.Fprintf(&b, "Kind: %s", pkt.Meta.Signals.Kind)
		if pkt.Meta.Signals.Phase != "" {
			fmt.Fprintf(&b, " (phase %s)", pkt.Meta.Signals.Phase)
		}
		b.WriteByte('\n')
	}
	if pkt.Meta.Signals.RootID != "" {
		fmt.Fprintf(&b, "Workflow: root=%s", pkt.Meta.Signals.RootID)
		if pkt.Meta.Signals.ParentID != "" {
			fmt.Fprintf(&b, " parent=%s", pkt.Meta.Signals.ParentID)
		}
		b.WriteByte('\n')
	}

	for _, skill := range skills {
		fmt.Fprintf(&b, "$%s\n", skill)
	}

	b.WriteString("\n## Context\n")
	fmt.Fprintf(&b, "workdir: %s\n", snap.Workdir)
	if snap.Branch != "" {
		fmt.Fprintf(&b, "branch: %s @ %s\n", snap.Branch, snap.Head)
	}
	if snap.GitStatus != "" {
		fmt.Fprintf(&b, "git status:\n%s\n", snap.GitStatus)
	}
	if snap.BusStatus != "" {
		fmt.Fprintf(&b, "\nbus status:\n%s", snap.BusStatus)
	}
	if len(snap.Receipts) > 0 {
		b.WriteString("\nrecent receipts:\n")
		for _, r := range snap.Receipts {
			fmt.Fprintf(&b, "- %s/%s %s", r.Agent, r.TaskID, r.Outcome)
			if r.Note != "" {
				fmt.Fprintf(&b, ": %s", trim(r.Note, 120))
			}
			b.WriteByte('\n')
		}
	}
	if len(snap.OpenTasks) > 0 {
		b.WriteString("\nopen tasks:\n")
		for _, p := range snap.OpenTasks {
			fmt.Fprintf(&b, "- %s/%s [%s] %s (%s)\n",
				p.Agent, p.Meta.ID, p.State, trim(p.Meta.Title, 80), p.Meta.Signals.Kind)
		}
	}
	if snap.Ledger != "" {
		fmt.Fprintf(&b, "\ncontinuity ledger:\n%s\n", snap.Ledger)
	}

	fmt.Fprintf(&b, "\n## Task: %s\n\n%s\n", pkt.Meta.Title, pkt.Body)
	return b.String()
}

func trim(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so multi-byte text is never split.
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
