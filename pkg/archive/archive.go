package archive

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	bucketPackets  = []byte("packets")
	bucketReceipts = []byte("receipts")
)

// DefaultFileName is the archive database under the bus state subtree.
const DefaultFileName = "archive.db"

// Entry is one archived packet's index row.
type Entry struct {
	Agent        string `json:"agent"`
	ID           string `json:"id"`
	Title        string `json:"title"`
	Kind         string `json:"kind"`
	ArchivedAtMs int64  `json:"archivedAtMs"`
}

// record is the stored form: the index row plus the raw packet file.
type record struct {
	Entry
	Raw []byte `json:"raw"`
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned  int
	Archived int
	Receipts int
}

// Archive moves aged processed packets out of the inbox tree into a
// single bbolt database, keeping inbox listings cheap on long-lived
// deployments.
type Archive struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.E(types.ErrIO, "archive.open", path, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, types.E(types.ErrIO, "archive.open", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPackets, bucketReceipts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, types.E(types.ErrIO, "archive.open", path, err)
	}

	return &Archive{db: db, logger: log.WithComponent("archive")}, nil
}

// OpenDefault opens the archive at its conventional location inside the
// bus root.
func OpenDefault(store *bus.Store) (*Archive, error) {
	return Open(store.StatePath(DefaultFileName))
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func key(agent, id string) []byte {
	return []byte(agent + "/" + id)
}

// Sweep archives every processed packet older than retention, together
// with its receipt, then removes the files. The pass is best-effort per
// packet: one unreadable file does not stop the sweep, its error joins
// the aggregate.
func (a *Archive) Sweep(store *bus.Store, retention time.Duration) (SweepResult, error) {
	var res SweepResult
	var errs *multierror.Error
	cutoff := time.Now().Add(-retention)

	agents, err := store.Agents()
	if err != nil {
		return res, err
	}
	for _, agent := range agents {
		ids, err := store.ListInbox(agent, types.StateProcessed)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, id := range ids {
			res.Scanned++
			archived, withReceipt, err := a.sweepOne(store, agent, id, cutoff)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if archived {
				res.Archived++
			}
			if withReceipt {
				res.Receipts++
			}
		}
	}

	a.logger.Info().
		Int("scanned", res.Scanned).
		Int("archived", res.Archived).
		Dur("retention", retention).
		Msg("archive sweep complete")
	return res, errs.ErrorOrNil()
}

func (a *Archive) sweepOne(store *bus.Store, agent, id string, cutoff time.Time) (archived, withReceipt bool, err error) {
	state, path, err := store.Locate(agent, id)
	if err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	if state != types.StateProcessed {
		// Reopened since listing; leave it alone.
		return false, false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, false, types.E(types.ErrIO, "archive.sweep", path, err)
	}
	if info.ModTime().After(cutoff) {
		return false, false, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, false, types.E(types.ErrIO, "archive.sweep", path, err)
	}
	meta, _, err := bus.DecodePacket(raw)
	if err != nil {
		return false, false, err
	}

	var receipt []byte
	receiptPath := store.ReceiptPath(agent, id)
	if data, rerr := os.ReadFile(receiptPath); rerr == nil {
		receipt = data
	}

	rec := record{
		Entry: Entry{
			Agent:        agent,
			ID:           id,
			Title:        meta.Title,
			Kind:         string(meta.Signals.Kind),
			ArchivedAtMs: time.Now().UnixMilli(),
		},
		Raw: raw,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, false, types.E(types.ErrIO, "archive.sweep", path, err)
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPackets).Put(key(agent, id), data); err != nil {
			return err
		}
		if receipt != nil {
			return tx.Bucket(bucketReceipts).Put(key(agent, id), receipt)
		}
		return nil
	})
	if err != nil {
		return false, false, types.E(types.ErrIO, "archive.sweep", path, err)
	}

	// The database copy is durable; now the files can go. A crash here
	// leaves the packet in both places, which the next sweep resolves by
	// overwriting the same key.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, false, types.E(types.ErrIO, "archive.sweep", path, err)
	}
	if receipt != nil {
		if err := os.Remove(receiptPath); err != nil && !os.IsNotExist(err) {
			return true, false, types.E(types.ErrIO, "archive.sweep", receiptPath, err)
		}
	}
	return true, receipt != nil, nil
}

// List returns archived entries, newest first. limit <= 0 means all.
func (a *Archive) List(limit int) ([]Entry, error) {
	var entries []Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPackets).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, rec.Entry)
			return nil
		})
	})
	if err != nil {
		return nil, types.E(types.ErrIO, "archive.list", "", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ArchivedAtMs > entries[j].ArchivedAtMs
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Get returns the raw packet file for an archived task.
func (a *Archive) Get(agent, id string) ([]byte, error) {
	var raw []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPackets).Get(key(agent, id))
		if v == nil {
			return types.E(types.ErrNotFound, "archive.get", agent+"/"+id, nil)
		}
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		raw = rec.Raw
		return nil
	})
	return raw, err
}

// Receipt returns the archived receipt for a task, if one was swept.
func (a *Archive) Receipt(agent, id string) (*types.Receipt, error) {
	var receipt types.Receipt
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketReceipts).Get(key(agent, id))
		if v == nil {
			return types.E(types.ErrNotFound, "archive.receipt", agent+"/"+id, nil)
		}
		return json.Unmarshal(v, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Restore writes an archived packet (and its receipt) back into the
// agent's processed directory and removes it from the database.
func (a *Archive) Restore(store *bus.Store, agent, id string) error {
	raw, err := a.Get(agent, id)
	if err != nil {
		return err
	}

	if err := store.EnsureAgent(agent); err != nil {
		return err
	}
	dest := filepath.Join(store.InboxDir(agent, types.StateProcessed), bus.FileName(id, ""))
	if err := bus.WriteAtomic(dest, raw); err != nil {
		return err
	}

	var receipt []byte
	a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketReceipts).Get(key(agent, id)); v != nil {
			receipt = append([]byte(nil), v...)
		}
		return nil
	})
	if receipt != nil {
		if err := bus.WriteAtomic(store.ReceiptPath(agent, id), receipt); err != nil {
			return err
		}
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPackets).Delete(key(agent, id)); err != nil {
			return err
		}
		return tx.Bucket(bucketReceipts).Delete(key(agent, id))
	})
	if err != nil {
		return types.E(types.ErrIO, "archive.restore", dest, err)
	}
	a.logger.Info().Str("agent", agent).Str("task", id).Msg("packet restored from archive")
	return nil
}
