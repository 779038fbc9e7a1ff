package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/types"
)

type stubSource struct {
	items []Item
	err   error
}

func (s *stubSource) ID() string { return "pr" }

func (s *stubSource) Poll(context.Context) ([]Item, error) {
	return s.items, s.err
}

type rig struct {
	obs   *Observer
	src   *stubSource
	store *bus.Store
}

func newRig(t *testing.T, mod func(*Options)) *rig {
	t.Helper()
	store, err := bus.Open(t.TempDir())
	require.NoError(t, err)

	opts := Options{ColdStart: config.ColdStartBaseline}
	if mod != nil {
		mod(&opts)
	}
	src := &stubSource{}
	return &rig{obs: New(store, roster.Default(), src, nil, opts), src: src, store: store}
}

func (r *rig) orchestratorInbox(t *testing.T) []*bus.Packet {
	t.Helper()
	ids, err := r.store.ListInbox("orchestrator", types.StateNew)
	require.NoError(t, err)
	var pkts []*bus.Packet
	for _, id := range ids {
		pkt, err := r.store.Open("orchestrator", id, false)
		require.NoError(t, err)
		pkts = append(pkts, pkt)
	}
	return pkts
}

func TestBaselineColdStartEmitsNothing(t *testing.T) {
	r := newRig(t, nil)
	r.src.items = []Item{
		{ID: 10, Title: "old one", Author: "ana"},
		{ID: 11, Title: "old two", Author: "bo"},
	}

	n, err := r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, r.orchestratorInbox(t))

	// the backlog is now baseline, not pending
	n, err = r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayColdStartEmitsBacklog(t *testing.T) {
	r := newRig(t, func(o *Options) { o.ColdStart = config.ColdStartReplay })
	r.src.items = []Item{
		{ID: 10, Title: "old one", Author: "ana", URL: "https://example.com/pr/10"},
		{ID: 11, Title: "old two", Author: "bo"},
	}

	n, err := r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, r.orchestratorInbox(t), 2)
}

func TestNewItemAfterBaselineBecomesPacket(t *testing.T) {
	r := newRig(t, nil)
	r.src.items = []Item{{ID: 40, Title: "seed", Author: "ana"}}
	_, err := r.obs.PollOnce(context.Background())
	require.NoError(t, err)

	r.src.items = append(r.src.items,
		Item{ID: 41, Title: "fix flaky scheduler test", Author: "ana", URL: "https://example.com/pr/41", Body: "details"})
	n, err := r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pkts := r.orchestratorInbox(t)
	require.Len(t, pkts, 1)
	p := pkts[0]
	assert.Equal(t, types.KindReviewActionRequired, p.Meta.Signals.Kind)
	assert.Equal(t, "pr-41", p.Meta.Signals.RootID)
	assert.Equal(t, "observer:pr", p.Meta.Ref(types.RefSourceAgent))
	assert.Equal(t, "41", p.Meta.Ref(types.RefReviewItem))
	assert.Equal(t, "https://example.com/pr/41", p.Meta.Ref(types.RefReviewURL))
	assert.Contains(t, p.Meta.Title, "#41")
	assert.Contains(t, p.Body, "fix flaky scheduler test")
}

func TestItemEmittedExactlyOnce(t *testing.T) {
	r := newRig(t, func(o *Options) { o.ColdStart = config.ColdStartReplay })
	r.src.items = []Item{{ID: 7, Title: "one", Author: "ana"}}

	for i := 0; i < 3; i++ {
		_, err := r.obs.PollOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, r.orchestratorInbox(t), 1)
}

func TestBotItemsFilteredUnlessBlocking(t *testing.T) {
	r := newRig(t, func(o *Options) { o.ColdStart = config.ColdStartReplay })
	r.src.items = []Item{
		{ID: 1, Title: "bump deps", Author: "renovate[bot]", Bot: true},
		{ID: 2, Title: "CI failing on main", Author: "ci-bot", Bot: true},
		{ID: 3, Title: "add retries", Author: "ana"},
	}

	n, err := r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the skipped bot item stays skipped on later polls
	n, err = r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMinItemAndAllowList(t *testing.T) {
	r := newRig(t, func(o *Options) {
		o.ColdStart = config.ColdStartReplay
		o.MinItem = 20
	})
	r.src.items = []Item{
		{ID: 5, Title: "ancient", Author: "ana"},
		{ID: 25, Title: "recent", Author: "ana"},
	}
	n, err := r.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r2 := newRig(t, func(o *Options) {
		o.ColdStart = config.ColdStartReplay
		o.Items = []int{30}
	})
	r2.src.items = []Item{
		{ID: 30, Title: "wanted", Author: "ana"},
		{ID: 31, Title: "ignored", Author: "ana"},
	}
	n, err = r2.obs.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pkts := r2.orchestratorInbox(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, "pr-30", pkts[0].Meta.Signals.RootID)
}

func TestSourceFailureIsDependencyError(t *testing.T) {
	r := newRig(t, nil)
	r.src.err = errors.New("gh: connect: network unreachable")

	_, err := r.obs.PollOnce(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrDependencyMissing))
}
