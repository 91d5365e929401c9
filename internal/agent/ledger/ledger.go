// Package ledger records a disk agent's outstanding requests on local disk so
// that retries after a restart reuse the same correlation id.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/devrev/bynar/internal/model"
)

var outstandingBucket = []byte("outstanding")

// Entry is one request awaiting a terminal answer from the arbiter
type Entry struct {
	CorrelationID string              `json:"correlation_id"`
	DiskID        string              `json:"disk_id"`
	Kind          model.OperationKind `json:"kind"`
	// Approved is set once the arbiter approved and the agent took the request on
	Approved bool `json:"approved"`
	// Started is set right before the device is touched
	Started  bool `json:"started"`
	Attempts int  `json:"attempts"`
	// Outcome holds a finished device action's result until the arbiter
	// acknowledges it
	Outcome       model.OperationStatus `json:"outcome,omitempty"`
	OutcomeDetail string                `json:"outcome_detail,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Settled reports whether only the outcome report is left to do
func (e *Entry) Settled() bool {
	return e.Outcome != ""
}

// Ledger is a bolt-backed map of disk id to its outstanding request
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger file at path
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outstandingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Put records or replaces the outstanding request for e.DiskID
func (l *Ledger) Put(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outstandingBucket).Put([]byte(e.DiskID), data)
	})
}

// Get returns the outstanding request for diskID, or nil if there is none
func (l *Ledger) Get(diskID string) (*Entry, error) {
	var entry *Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(outstandingBucket).Get([]byte(diskID))
		if data == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry for %s: %w", diskID, err)
	}
	return entry, nil
}

// Delete forgets the outstanding request for diskID
func (l *Ledger) Delete(diskID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outstandingBucket).Delete([]byte(diskID))
	})
}

// List returns every outstanding request ordered by disk id
func (l *Ledger) List() ([]*Entry, error) {
	entries := make([]*Entry, 0)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outstandingBucket).ForEach(func(k, v []byte) error {
			e := &Entry{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("corrupt ledger entry %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the ledger file
func (l *Ledger) Close() error {
	return l.db.Close()
}
