package observer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
	"github.com/burrowlabs/burrow/pkg/events"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/metrics"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Item is one open entry on the external review surface.
type Item struct {
	ID     int
	Title  string
	Author string
	Bot    bool
	URL    string
	Body   string
}

// Source reads the external review surface. ID names the source's state
// subtree; Poll returns every currently open item.
type Source interface {
	ID() string
	Poll(ctx context.Context) ([]Item, error)
}

// Options tune the scanner, normally derived from the runtime config.
type Options struct {
	ColdStart    config.ColdStartMode
	PollInterval time.Duration
	MinItem      int
	Items        []int
}

// OptionsFrom maps the runtime config onto observer options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		ColdStart:    cfg.Observer.ColdStart,
		PollInterval: cfg.Observer.PollInterval.D(),
		MinItem:      cfg.Observer.MinItem,
		Items:        cfg.Observer.Items,
	}
}

func (o *Options) applyDefaults() {
	if o.ColdStart == "" {
		o.ColdStart = config.ColdStartBaseline
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
}

// itemState is the persisted per-item record under
// state/observer/<source>/<id>.json. Presence alone marks an item seen;
// Emitted records whether it ever produced a packet.
type itemState struct {
	ID          int    `json:"id"`
	Title       string `json:"title,omitempty"`
	Emitted     bool   `json:"emitted"`
	FirstSeenMs int64  `json:"firstSeenMs"`
}

// Observer periodically diffs a review source against its persisted
// state and injects REVIEW_ACTION_REQUIRED packets for new items.
type Observer struct {
	store     *bus.Store
	deliverer *bus.Deliverer
	source    Source
	broker    *events.Broker
	target    string
	opts      Options
	stateDir  string
	logger    zerolog.Logger
}

// New assembles an observer delivering to the roster's orchestrator.
// broker may be nil.
func New(store *bus.Store, ros *roster.Roster, source Source, broker *events.Broker, opts Options) *Observer {
	opts.applyDefaults()
	return &Observer{
		store:     store,
		deliverer: bus.NewDeliverer(store, ros),
		source:    source,
		broker:    broker,
		target:    ros.Orchestrator(),
		opts:      opts,
		stateDir:  store.StatePath("observer", source.ID()),
		logger:    log.WithComponent("observer").With().Str("source", source.ID()).Logger(),
	}
}

// Run polls the source until ctx is done. Source failures are logged and
// retried on the next tick; an unreachable review host must not take the
// observer down.
func (o *Observer) Run(ctx context.Context) error {
	o.logger.Info().
		Str("cold_start", string(o.opts.ColdStart)).
		Dur("poll_interval", o.opts.PollInterval).
		Msg("observer started")

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := o.PollOnce(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("observer poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce performs one scan and returns how many packets it emitted.
// The first scan of a source seeds a baseline: in baseline mode every
// open item is recorded as seen without emitting, so a fresh observer
// does not flood the bus with history; replay mode emits them all.
func (o *Observer) PollOnce(ctx context.Context) (int, error) {
	items, err := o.source.Poll(ctx)
	if err != nil {
		return 0, types.E(types.ErrDependencyMissing, "observer.poll", o.source.ID(), err)
	}

	cold, err := o.coldStart()
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, item := range items {
		if !o.selected(item.ID) {
			continue
		}
		known, err := o.known(item.ID)
		if err != nil {
			return emitted, err
		}
		if known {
			continue
		}

		emit := o.actionable(item)
		if cold && o.opts.ColdStart == config.ColdStartBaseline {
			emit = false
		}
		if item.ID < o.opts.MinItem {
			emit = false
		}

		if emit {
			if err := o.emit(item); err != nil {
				o.logger.Error().Err(err).Int("item", item.ID).Msg("packet delivery failed")
				// Leave the item unrecorded so the next poll retries it.
				continue
			}
			emitted++
		}
		if err := o.record(item, emit); err != nil {
			return emitted, err
		}
	}

	o.logger.Debug().
		Int("open_items", len(items)).
		Int("emitted", emitted).
		Bool("cold_start", cold).
		Msg("observer poll complete")
	return emitted, nil
}

// coldStart reports whether this source has no persisted state yet.
func (o *Observer) coldStart() (bool, error) {
	entries, err := os.ReadDir(o.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, types.E(types.ErrIO, "observer.state", o.stateDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			return false, nil
		}
	}
	return true, nil
}

// selected honors an explicit item allow-list when one is configured.
func (o *Observer) selected(id int) bool {
	if len(o.opts.Items) == 0 {
		return true
	}
	for _, want := range o.opts.Items {
		if want == id {
			return true
		}
	}
	return false
}

func (o *Observer) statePath(id int) string {
	return filepath.Join(o.stateDir, strconv.Itoa(id)+".json")
}

func (o *Observer) known(id int) (bool, error) {
	_, err := os.Stat(o.statePath(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, types.E(types.ErrIO, "observer.state", o.statePath(id), err)
}

func (o *Observer) record(item Item, emitted bool) error {
	data, err := json.MarshalIndent(itemState{
		ID:          item.ID,
		Title:       item.Title,
		Emitted:     emitted,
		FirstSeenMs: time.Now().UnixMilli(),
	}, "", "  ")
	if err != nil {
		return types.E(types.ErrIO, "observer.state", o.statePath(item.ID), err)
	}
	return bus.WriteAtomic(o.statePath(item.ID), data)
}

// blockingKeywords mark an item actionable even when a bot wrote it.
var blockingKeywords = []string{
	"blocking",
	"changes requested",
	"action required",
	"needs work",
	"do not merge",
	"failing",
	"broken",
}

// actionable filters by author class: humans are always actionable, bots
// only when the item carries a blocking keyword.
func (o *Observer) actionable(item Item) bool {
	if !item.Bot {
		return true
	}
	text := strings.ToLower(item.Title + " " + item.Body)
	for _, kw := range blockingKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (o *Observer) emit(item Item) error {
	sourceAgent := "observer:" + o.source.ID()
	meta := types.Meta{
		ID:       types.NewID(),
		To:       []string{o.target},
		From:     "observer",
		Priority: types.PriorityP2,
		Title:    fmt.Sprintf("Review action required: #%d %s", item.ID, item.Title),
		Signals: types.Signals{
			Kind:   types.KindReviewActionRequired,
			Phase:  "review",
			RootID: fmt.Sprintf("%s-%d", o.source.ID(), item.ID),
		},
		References: map[string]string{
			types.RefSourceAgent: sourceAgent,
			types.RefReviewItem:  strconv.Itoa(item.ID),
			types.RefReviewURL:   item.URL,
		},
	}

	body := fmt.Sprintf("%s by %s", item.Title, item.Author)
	if item.URL != "" {
		body += "\n" + item.URL
	}
	if item.Body != "" {
		body += "\n\n" + item.Body
	}

	if _, err := o.deliverer.Deliver(meta, body); err != nil {
		return err
	}
	metrics.ObserverItems.WithLabelValues(o.source.ID()).Inc()
	if o.broker != nil {
		o.broker.Emit(events.EventObserverItem, "observer", meta.ID, meta.Title)
	}
	o.logger.Info().Int("item", item.ID).Str("author", item.Author).Msg("review packet emitted")
	return nil
}
