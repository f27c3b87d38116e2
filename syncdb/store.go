package syncdb

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/lightninglabs/chainsync/chaindata"
	"github.com/lightninglabs/chainsync/ingest"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// consumerStateBucket is the name of the bucket which houses the
	// persisted state of every consumer, keyed by consumer ID.
	consumerStateBucket = []byte("consumer-state")

	// ErrCorruptedStore indicates that the on-disk bucketing structure has
	// altered since the store instance was initialized.
	ErrCorruptedStore = errors.New("consumer state store has been " +
		"corrupted")

	// ErrConsumerStateNotFound is returned when no state was persisted
	// for a consumer.
	ErrConsumerStateNotFound = errors.New("consumer state not found")
)

// Store persists consumer snapshots in a kvdb backend.
type Store struct {
	db kvdb.Backend
}

// Compile-time check to ensure Store implements ingest.StateStore.
var _ ingest.StateStore = (*Store)(nil)

// NewStore returns a store backed by the given database.
func NewStore(db kvdb.Backend) (*Store, error) {
	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		return nil, err
	}

	return store, nil
}

// OpenBoltBackend opens, or creates, the bolt database at path.
func OpenBoltBackend(path string, timeout time.Duration,
	noFreelistSync bool) (kvdb.Backend, error) {

	if timeout <= 0 {
		timeout = kvdb.DefaultDBTimeout
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, path, noFreelistSync, timeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %v: %w",
			path, err)
	}

	return db, nil
}

// initBuckets ensures that the buckets used by the store are initialized so
// that we can assume their existence after startup.
func (s *Store) initBuckets() error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(consumerStateBucket)
		return err
	}, func() {})
}

// SaveConsumerState durably stores the snapshot, replacing any previous one
// of the same consumer.
func (s *Store) SaveConsumerState(snapshot *chaindata.ConsumerSnapshot) error {
	var b bytes.Buffer
	if err := encodeSnapshot(&b, snapshot); err != nil {
		return err
	}

	log.Tracef("Saving state of %v at height %d with %d checkpoints",
		snapshot.ID, snapshot.SyncHeight, len(snapshot.Checkpoints))

	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		states := tx.ReadWriteBucket(consumerStateBucket)
		if states == nil {
			return ErrCorruptedStore
		}

		return states.Put([]byte(snapshot.ID), b.Bytes())
	})
}

// LoadConsumerState returns the last snapshot saved for the consumer.
// ErrConsumerStateNotFound is returned if there is none.
func (s *Store) LoadConsumerState(
	id chaindata.ConsumerID) (*chaindata.ConsumerSnapshot, error) {

	var snapshot *chaindata.ConsumerSnapshot
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		states := tx.ReadBucket(consumerStateBucket)
		if states == nil {
			return ErrCorruptedStore
		}

		value := states.Get([]byte(id))
		if value == nil {
			return ErrConsumerStateNotFound
		}

		var err error
		snapshot, err = decodeSnapshot(id, bytes.NewReader(value))
		if err != nil {
			return fmt.Errorf("%w: unable to decode state of %v: %w",
				ErrCorruptedStore, id, err)
		}

		return nil
	}, func() {
		snapshot = nil
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// DeleteConsumerState removes the persisted state of the consumer. Deleting
// the state of an unknown consumer is a no-op.
func (s *Store) DeleteConsumerState(id chaindata.ConsumerID) error {
	log.Debugf("Deleting state of %v", id)

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		states := tx.ReadWriteBucket(consumerStateBucket)
		if states == nil {
			return ErrCorruptedStore
		}

		return states.Delete([]byte(id))
	}, func() {})
}

// ListConsumers returns the IDs of every consumer with persisted state, in
// key order.
func (s *Store) ListConsumers() ([]chaindata.ConsumerID, error) {
	var ids []chaindata.ConsumerID
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		states := tx.ReadBucket(consumerStateBucket)
		if states == nil {
			return ErrCorruptedStore
		}

		return states.ForEach(func(k, _ []byte) error {
			ids = append(ids, chaindata.ConsumerID(k))
			return nil
		})
	}, func() {
		ids = nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}
