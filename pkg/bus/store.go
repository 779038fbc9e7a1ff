package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/types"
)

// DefaultOrchestratorAgent receives TASK_COMPLETE notifications unless the
// store is told otherwise.
const DefaultOrchestratorAgent = "orchestrator"

// Store is the file-backed task and receipt store rooted at one directory.
// Every mutation is an atomic rename or a tmp-write-then-rename; the store
// holds no in-memory state that could diverge from disk.
type Store struct {
	root         string
	orchestrator string
}

// Packet is one task as read from disk.
type Packet struct {
	Meta  types.Meta
	Body  string
	Path  string
	State types.InboxState
	Agent string
}

// ModTime stats the packet file. Used as the supersede baseline.
func (p *Packet) ModTime() (time.Time, error) {
	info, err := os.Stat(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, types.E(types.ErrNotFound, "bus.stat", p.Path, err)
		}
		return time.Time{}, types.E(types.ErrIO, "bus.stat", p.Path, err)
	}
	return info.ModTime(), nil
}

// Open opens (creating if needed) a bus root.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, "inbox"),
		filepath.Join(root, "receipts"),
		filepath.Join(root, "artifacts"),
		filepath.Join(root, "state"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.E(types.ErrIO, "bus.open_root", dir, err)
		}
	}
	return &Store{root: root, orchestrator: DefaultOrchestratorAgent}, nil
}

// SetOrchestratorAgent changes where close notifications are delivered.
func (s *Store) SetOrchestratorAgent(name string) {
	if name != "" {
		s.orchestrator = name
	}
}

// OrchestratorAgent returns the notification target agent name.
func (s *Store) OrchestratorAgent() string { return s.orchestrator }

// Root returns the bus root directory.
func (s *Store) Root() string { return s.root }

// InboxDir returns the directory backing one (agent, state) pair.
func (s *Store) InboxDir(agent string, state types.InboxState) string {
	return filepath.Join(s.root, "inbox", agent, string(state))
}

// ReceiptPath returns the receipt location for (agent, taskID).
func (s *Store) ReceiptPath(agent, taskID string) string {
	return filepath.Join(s.root, "receipts", agent, taskID+".json")
}

// ArtifactPath returns the artifact location for (agent, taskID, label).
func (s *Store) ArtifactPath(agent, taskID, label string) string {
	return filepath.Join(s.root, "artifacts", agent, fmt.Sprintf("%s.%s.json", taskID, label))
}

// StatePath joins parts under the shared state subtree.
func (s *Store) StatePath(parts ...string) string {
	return filepath.Join(append([]string{s.root, "state"}, parts...)...)
}

// EnsureAgent creates the inbox state directories plus receipt and
// artifact directories for one agent.
func (s *Store) EnsureAgent(agent string) error {
	if agent == "" || strings.ContainsAny(agent, "/\\") {
		return types.E(types.ErrSchemaInvalid, "bus.ensure_agent", agent, fmt.Errorf("invalid agent name %q", agent))
	}
	dirs := []string{
		filepath.Join(s.root, "receipts", agent),
		filepath.Join(s.root, "artifacts", agent),
	}
	for _, state := range types.InboxStates() {
		dirs = append(dirs, s.InboxDir(agent, state))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.E(types.ErrIO, "bus.ensure_agent", dir, err)
		}
	}
	return nil
}

// Agents lists every agent that has an inbox under this root.
func (s *Store) Agents() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "inbox"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.E(types.ErrIO, "bus.agents", s.root, err)
	}
	var agents []string
	for _, e := range entries {
		if e.IsDir() {
			agents = append(agents, e.Name())
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// Deliver writes one copy of the packet into every recipient's new
// directory. Idempotent by id: a recipient that already holds the id in
// new is skipped; a recipient that has already moved the id past new
// yields an already_exists error. Partial success is possible; the
// returned paths cover every recipient that has a copy.
func (s *Store) Deliver(meta types.Meta, body string) ([]string, error) {
	if meta.ID == "" {
		meta.ID = types.NewID()
	}
	if meta.CreatedAtMs == 0 {
		meta.CreatedAtMs = time.Now().UnixMilli()
	}
	if len(meta.To) == 0 {
		return nil, types.E(types.ErrSchemaInvalid, "bus.deliver", "", fmt.Errorf("packet %s has no recipients", meta.ID))
	}

	data, err := EncodePacket(meta, body)
	if err != nil {
		return nil, err
	}

	var paths []string
	var firstErr error
	for _, agent := range meta.To {
		path, err := s.deliverOne(agent, meta.ID, data)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		paths = append(paths, path)
	}
	return paths, firstErr
}

func (s *Store) deliverOne(agent, id string, data []byte) (string, error) {
	if err := s.EnsureAgent(agent); err != nil {
		return "", err
	}

	// Idempotency: one physical copy per recipient, and never resurrect
	// an id the recipient already progressed past new.
	if state, path, err := s.Locate(agent, id); err == nil {
		if state == types.StateNew {
			return path, nil
		}
		return "", types.E(types.ErrAlreadyExists, "bus.deliver", path,
			fmt.Errorf("packet %s already in %s for %s", id, state, agent))
	} else if !types.IsKind(err, types.ErrNotFound) {
		return "", err
	}

	target := filepath.Join(s.InboxDir(agent, types.StateNew), FileName(id, ""))
	if err := WriteAtomic(target, data); err != nil {
		return "", err
	}
	logger := log.WithComponent("bus")
	logger.Debug().
		Str("agent", agent).
		Str("task_id", id).
		Msg("packet delivered")
	return target, nil
}

// ListInbox returns the distinct task ids in one (agent, state) directory,
// sorted by file mtime ascending. Ties break by filename for determinism.
func (s *Store) ListInbox(agent string, state types.InboxState) ([]string, error) {
	dir := s.InboxDir(agent, state)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.E(types.ErrIO, "bus.list", dir, err)
	}

	type candidate struct {
		id   string
		name string
		mod  time.Time
	}
	var found []candidate
	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := TaskIDFromName(name)
		if seen[id] {
			continue
		}
		seen[id] = true
		found = append(found, candidate{id: id, name: name, mod: info.ModTime()})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].name < found[j].name
		}
		return found[i].mod.Before(found[j].mod)
	})

	ids := make([]string, 0, len(found))
	for _, c := range found {
		ids = append(ids, c.id)
	}
	return ids, nil
}

// Locate finds which state currently holds (agent, id) and the packet
// file path. Returns not_found when no state has it.
func (s *Store) Locate(agent, id string) (types.InboxState, string, error) {
	for _, state := range types.InboxStates() {
		path, err := s.findFile(agent, state, id)
		if err != nil {
			return "", "", err
		}
		if path != "" {
			return state, path, nil
		}
	}
	return "", "", types.E(types.ErrNotFound, "bus.locate", filepath.Join(s.root, "inbox", agent), fmt.Errorf("task %s not in any state", id))
}

// findFile returns the packet file for (agent, state, id), "" when absent.
// When suffixed siblings coexist the exact name wins, then the
// lexicographically first.
func (s *Store) findFile(agent string, state types.InboxState, id string) (string, error) {
	dir := s.InboxDir(agent, state)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", types.E(types.ErrIO, "bus.list", dir, err)
	}

	exact := FileName(id, "")
	var match string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			continue
		}
		if TaskIDFromName(name) != id {
			continue
		}
		if name == exact {
			return filepath.Join(dir, name), nil
		}
		if match == "" || name < match {
			match = name
		}
	}
	if match == "" {
		return "", nil
	}
	return filepath.Join(dir, match), nil
}

// Open returns the current packet for (agent, id) regardless of state.
// With markSeen, a packet still in new is renamed to seen first, so a
// later poll does not re-count it as fresh.
func (s *Store) Open(agent, id string, markSeen bool) (*Packet, error) {
	state, path, err := s.Locate(agent, id)
	if err != nil {
		return nil, err
	}

	if markSeen && state == types.StateNew {
		dest := filepath.Join(s.InboxDir(agent, types.StateSeen), filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			if os.IsNotExist(err) {
				// Lost a race with claim or another observer; re-resolve.
				return s.Open(agent, id, false)
			}
			return nil, types.E(types.ErrIO, "bus.mark_seen", path, err)
		}
		state, path = types.StateSeen, dest
	}

	return s.readPacket(agent, state, path)
}

func (s *Store) readPacket(agent string, state types.InboxState, path string) (*Packet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.ErrNotFound, "bus.read", path, err)
		}
		return nil, types.E(types.ErrIO, "bus.read", path, err)
	}
	meta, body, err := DecodePacket(data)
	if err != nil {
		return nil, err
	}
	return &Packet{Meta: meta, Body: body, Path: path, State: state, Agent: agent}, nil
}

// Claim moves (agent, id) into in_progress: observation plus commitment.
// A packet already in in_progress claims idempotently. Losing the rename
// race to a concurrent claimer yields claim_conflict.
func (s *Store) Claim(agent, id string) (*Packet, error) {
	state, path, err := s.Locate(agent, id)
	if err != nil {
		return nil, err
	}

	switch state {
	case types.StateInProgress:
		return s.readPacket(agent, state, path)
	case types.StateProcessed:
		return nil, types.E(types.ErrAlreadyProcessed, "bus.claim", path, nil)
	}

	dest := filepath.Join(s.InboxDir(agent, types.StateInProgress), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.ErrClaimConflict, "bus.claim", path, err)
		}
		return nil, types.E(types.ErrIO, "bus.claim", path, err)
	}

	logger := log.WithTask(agent, id)
	logger.Debug().Msg("packet claimed")
	return s.readPacket(agent, types.StateInProgress, dest)
}

// UpdateRequest describes an in-place packet rewrite. AppendBody is added
// under an attribution line; Signals merges shallowly (zero fields leave
// the existing value alone, NotifyOrchestrator only when non-nil);
// References merges key-wise.
type UpdateRequest struct {
	From       string
	AppendBody string
	Signals    *types.Signals
	References map[string]string
}

// Update rewrites the packet for (agent, id) in place via tmp-and-rename.
// The rewrite bumps the file mtime, which is what a mid-turn supervisor
// watches for. Rejected once the packet is processed.
func (s *Store) Update(agent, id string, req UpdateRequest) error {
	state, path, err := s.Locate(agent, id)
	if err != nil {
		return err
	}
	if state == types.StateProcessed {
		return types.E(types.ErrAlreadyProcessed, "bus.update", path, nil)
	}

	pkt, err := s.readPacket(agent, state, path)
	if err != nil {
		return err
	}

	body := pkt.Body
	if req.AppendBody != "" {
		from := req.From
		if from == "" {
			from = "unknown"
		}
		stamp := time.Now().UTC().Format(time.RFC3339)
		if body != "" {
			body += "\n\n"
		}
		body += fmt.Sprintf("[update from %s @ %s]\n%s", from, stamp, req.AppendBody)
	}

	meta := pkt.Meta
	if req.Signals != nil {
		meta.Signals = mergeSignals(meta.Signals, *req.Signals)
	}
	for k, v := range req.References {
		meta.SetRef(k, v)
	}

	data, err := EncodePacket(meta, body)
	if err != nil {
		return err
	}
	if err := WriteAtomic(path, data); err != nil {
		return err
	}

	logger := log.WithTask(agent, id)
	logger.Debug().Str("from", req.From).Msg("packet updated")
	return nil
}

// mergeSignals overlays patch onto base. String fields and Kind overwrite
// when non-empty, Smoke and RemediationDepth when non-zero,
// NotifyOrchestrator when non-nil.
func mergeSignals(base, patch types.Signals) types.Signals {
	out := base
	if patch.Kind != "" {
		out.Kind = patch.Kind
	}
	if patch.Phase != "" {
		out.Phase = patch.Phase
	}
	if patch.RootID != "" {
		out.RootID = patch.RootID
	}
	if patch.ParentID != "" {
		out.ParentID = patch.ParentID
	}
	if patch.Smoke {
		out.Smoke = true
	}
	if patch.NotifyOrchestrator != nil {
		out.NotifyOrchestrator = patch.NotifyOrchestrator
	}
	if patch.RemediationDepth != 0 {
		out.RemediationDepth = patch.RemediationDepth
	}
	return out
}

// CloseRequest carries everything Close needs beyond the packet identity.
type CloseRequest struct {
	Outcome            types.Outcome
	Note               string
	CommitSha          string
	ReceiptExtra       map[string]interface{}
	NotifyOrchestrator bool
}

// Close finishes (agent, id): the receipt is written first, then the
// packet renames into processed, then a TASK_COMPLETE packet goes to the
// orchestrator unless suppressed. Readers of processed therefore always
// find a receipt. Closing an already processed packet fails.
func (s *Store) Close(agent, id string, req CloseRequest) (*types.Receipt, error) {
	if !types.ValidOutcome(req.Outcome) {
		return nil, types.E(types.ErrSchemaInvalid, "bus.close", "", fmt.Errorf("invalid outcome %q", req.Outcome))
	}

	state, path, err := s.Locate(agent, id)
	if err != nil {
		return nil, err
	}
	if state == types.StateProcessed {
		return nil, types.E(types.ErrAlreadyProcessed, "bus.close", path, nil)
	}

	pkt, err := s.readPacket(agent, state, path)
	if err != nil {
		return nil, err
	}

	receipt := &types.Receipt{
		Agent:        agent,
		TaskID:       id,
		Outcome:      req.Outcome,
		Note:         req.Note,
		CommitSha:    req.CommitSha,
		Task:         pkt.Meta,
		ReceiptExtra: req.ReceiptExtra,
		ClosedAtMs:   time.Now().UnixMilli(),
	}

	receiptPath := s.ReceiptPath(agent, id)
	receiptJSON, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "bus.close", receiptPath, err)
	}
	if err := WriteAtomic(receiptPath, receiptJSON); err != nil {
		return nil, err
	}

	processedPath := filepath.Join(s.InboxDir(agent, types.StateProcessed), filepath.Base(path))
	if err := os.Rename(path, processedPath); err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.ErrClaimConflict, "bus.close", path, err)
		}
		return nil, types.E(types.ErrIO, "bus.close", path, err)
	}

	logger := log.WithTask(agent, id)
	logger.Info().
		Str("outcome", string(req.Outcome)).
		Msg("packet closed")

	if req.NotifyOrchestrator {
		if err := s.notifyComplete(agent, id, pkt.Meta, receipt, receiptPath, processedPath); err != nil {
			// The close itself is committed; surface the notify failure.
			logger.Error().Err(err).Msg("orchestrator notify failed")
			return receipt, err
		}
	}
	return receipt, nil
}

func (s *Store) notifyComplete(agent, id string, closed types.Meta, receipt *types.Receipt, receiptPath, processedPath string) error {
	relReceipt, relProcessed := receiptPath, processedPath
	if r, err := filepath.Rel(s.root, receiptPath); err == nil {
		relReceipt = r
	}
	if r, err := filepath.Rel(s.root, processedPath); err == nil {
		relProcessed = r
	}

	meta := types.Meta{
		ID:       types.NewID(),
		To:       []string{s.orchestrator},
		From:     agent,
		Priority: closed.Priority,
		Title:    fmt.Sprintf("Task complete: %s", closed.Title),
		Signals: types.Signals{
			Kind:             types.KindTaskComplete,
			Phase:            closed.Signals.Phase,
			RootID:           closed.Signals.RootID,
			ParentID:         id,
			RemediationDepth: closed.Signals.RemediationDepth,
		},
		References: map[string]string{
			types.RefReceiptPath:   relReceipt,
			types.RefProcessedPath: relProcessed,
			types.RefSourceAgent:   agent,
			types.RefSourceKind:    string(closed.Signals.Kind),
			types.RefSourceTaskID:  id,
		},
	}
	if receipt.CommitSha != "" {
		meta.References[types.RefCommitSha] = receipt.CommitSha
	}

	body := fmt.Sprintf("%s closed %s as %s.", agent, id, receipt.Outcome)
	if receipt.Note != "" {
		body += "\n\n" + receipt.Note
	}

	_, err := s.Deliver(meta, body)
	return err
}

// ReadReceipt loads the receipt for (agent, id).
func (s *Store) ReadReceipt(agent, id string) (*types.Receipt, error) {
	path := s.ReceiptPath(agent, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.ErrNotFound, "bus.read_receipt", path, err)
		}
		return nil, types.E(types.ErrIO, "bus.read_receipt", path, err)
	}
	var r types.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "bus.read_receipt", path, err)
	}
	return &r, nil
}

// ReadReceiptFile loads a receipt from an explicit path, absolute or
// relative to the bus root. Used by the orchestrator following a
// receiptPath reference.
func (s *Store) ReadReceiptFile(path string) (*types.Receipt, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.ErrNotFound, "bus.read_receipt", path, err)
		}
		return nil, types.E(types.ErrIO, "bus.read_receipt", path, err)
	}
	var r types.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "bus.read_receipt", path, err)
	}
	return &r, nil
}

// RecentReceipts returns up to limit receipts, newest first. An empty
// agent spans every agent under the root.
func (s *Store) RecentReceipts(agent string, limit int) ([]*types.Receipt, error) {
	var agents []string
	if agent != "" {
		agents = []string{agent}
	} else {
		entries, err := os.ReadDir(filepath.Join(s.root, "receipts"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, types.E(types.ErrIO, "bus.recent_receipts", s.root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				agents = append(agents, e.Name())
			}
		}
	}

	var receipts []*types.Receipt
	for _, a := range agents {
		dir := filepath.Join(s.root, "receipts", a)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, types.E(types.ErrIO, "bus.recent_receipts", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			r, err := s.ReadReceipt(a, strings.TrimSuffix(name, ".json"))
			if err != nil {
				logger := log.WithComponent("bus")
				logger.Warn().Err(err).Str("agent", a).Str("file", name).Msg("unreadable receipt skipped")
				continue
			}
			receipts = append(receipts, r)
		}
	}

	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].ClosedAtMs > receipts[j].ClosedAtMs
	})
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}

// WriteArtifact stores a labeled artifact for (agent, id) and returns its
// path.
func (s *Store) WriteArtifact(agent, id, label string, data []byte) (string, error) {
	path := s.ArtifactPath(agent, id, label)
	if err := WriteAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}
