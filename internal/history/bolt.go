package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"go.etcd.io/bbolt"
)

type bolt struct {
	path string
}

// NewBolt returns a Store backed by a bbolt database at path. Each
// execution gets its own bucket, keyed by a monotonic sequence so the
// trail replays in the order it was written.
func NewBolt(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	defer db.Close()

	return &bolt{path: path}, nil
}

// Record implements Store.
func (b *bolt) Record(ctx context.Context, t Transition) error {
	clog.FromContext(ctx).Debug("recording transition", "execution_id", t.ExecutionID, "from", t.From, "to", t.To)

	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	db, err := b.client()
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		eb, err := tx.CreateBucketIfNotExists([]byte(t.ExecutionID))
		if err != nil {
			return fmt.Errorf("failed to create execution bucket: %w", err)
		}

		seq, err := eb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal transition: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return eb.Put(key, raw)
	}); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// List implements Store.
func (b *bolt) List(ctx context.Context, executionID string) ([]Transition, error) {
	clog.FromContext(ctx).Debug("listing transitions", "execution_id", executionID)

	var trail []Transition

	db, err := b.client()
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	defer db.Close()

	if err := db.View(func(tx *bbolt.Tx) error {
		eb := tx.Bucket([]byte(executionID))
		if eb == nil {
			return nil
		}

		return eb.ForEach(func(_, raw []byte) error {
			var t Transition
			if err := json.Unmarshal(raw, &t); err != nil {
				return fmt.Errorf("failed to unmarshal transition: %w", err)
			}
			trail = append(trail, t)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}

	return trail, nil
}

func (b *bolt) client() (*bbolt.DB, error) {
	return bbolt.Open(b.path, 0600, nil)
}
