package supervisor

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("workers")

// LedgerEntry is what survives an orchestrator restart about a spawned worker.
type LedgerEntry struct {
	TenantID  int64     `json:"tenant_id"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

// Ledger persists live worker processes in a bolt file so a restarted
// orchestrator can re-adopt them.
type Ledger struct {
	db *bolt.DB
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open worker ledger %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init worker ledger")
	}
	return &Ledger{db: db}, nil
}

func key(tenantID int64) []byte {
	return []byte(strconv.FormatInt(tenantID, 10))
}

func (l *Ledger) Put(e LedgerEntry) error {
	data, err := jsoniter.Marshal(e)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put(key(e.TenantID), data)
	})
}

func (l *Ledger) Delete(tenantID int64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Delete(key(tenantID))
	})
}

func (l *Ledger) All() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(k, v []byte) error {
			var e LedgerEntry
			if err := jsoniter.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "decode ledger entry %s", k)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
