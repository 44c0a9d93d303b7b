package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// dbDriver is the walletdb driver used for the registry database.
	dbDriver = "bdb"

	// DefaultDBTimeout is the default time to wait for the database file
	// lock.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// keyringBucket is the top level bucket holding the registry.
	keyringBucket = []byte("keyring")

	// stateKey is the key the encoded registry state is stored under.
	stateKey = []byte("KEYMAN_STATE")

	// ErrBucketMissing is returned when the registry bucket has not been
	// created.
	ErrBucketMissing = errors.New("keyring bucket not found")
)

// Store persists the registry state. Load returns None when nothing has been
// saved yet.
type Store interface {
	// Load returns the previously saved state, if any.
	Load() (fn.Option[*State], error)

	// Save replaces the stored state.
	Save(state *State) error
}

// DBStore is a Store backed by a walletdb database.
type DBStore struct {
	db walletdb.DB
}

// A compile time check to ensure that DBStore implements the interface.
var _ Store = (*DBStore)(nil)

// NewDBStore returns a Store that keeps the registry in the given database,
// creating the registry bucket if needed.
func NewDBStore(db walletdb.DB) (*DBStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(keyringBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create keyring bucket: %w",
			err)
	}

	return &DBStore{db: db}, nil
}

// OpenDB opens the bdb database at dbPath, creating it if it doesn't exist.
func OpenDB(dbPath string, timeout time.Duration) (walletdb.DB, error) {
	_, err := os.Stat(dbPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		db, err := walletdb.Create(dbDriver, dbPath, true, timeout, false)
		if err != nil {
			return nil, fmt.Errorf("unable to create bdb instance: "+
				"%w", err)
		}

		return db, nil

	case err != nil:
		return nil, err
	}

	db, err := walletdb.Open(dbDriver, dbPath, true, timeout, false)
	if err != nil {
		return nil, fmt.Errorf("unable to open bdb instance: %w", err)
	}

	return db, nil
}

// Load returns the stored state, or None if nothing has been saved.
//
// This is part of the Store interface.
func (s *DBStore) Load() (fn.Option[*State], error) {
	var state fn.Option[*State]
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(keyringBucket)
		if bucket == nil {
			return ErrBucketMissing
		}

		raw := bucket.Get(stateKey)
		if raw == nil {
			state = fn.None[*State]()
			return nil
		}

		decoded := &State{}
		if err := decoded.Decode(bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("unable to decode registry state: %w",
				err)
		}

		state = fn.Some(decoded)

		return nil
	})
	if err != nil {
		return fn.None[*State](), err
	}

	return state, nil
}

// Save encodes and stores the state, replacing any previous value.
//
// This is part of the Store interface.
func (s *DBStore) Save(state *State) error {
	var b bytes.Buffer
	if err := state.Encode(&b); err != nil {
		return fmt.Errorf("unable to encode registry state: %w", err)
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(keyringBucket)
		if bucket == nil {
			return ErrBucketMissing
		}

		return bucket.Put(stateKey, b.Bytes())
	})
}
