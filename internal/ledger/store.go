package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MemoryStore keeps the log in memory. Used in tests and for ephemeral
// nodes that do not persist earnings.
type MemoryStore struct {
	mu  sync.Mutex
	log []Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, tx)
	return nil
}

func (s *MemoryStore) All() ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.log))
	copy(out, s.log)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

const txKeyPrefix = "tx:"

// LevelDBStore persists the log in LevelDB under monotonically increasing
// sequence keys, so iteration order is append order.
type LevelDBStore struct {
	mu   sync.Mutex
	db   *leveldb.DB
	next uint64
}

func NewLevelDBStore(db *leveldb.DB) (*LevelDBStore, error) {
	s := &LevelDBStore{db: db}

	// Resume the sequence after the last persisted entry.
	iter := db.NewIterator(util.BytesPrefix([]byte(txKeyPrefix)), nil)
	defer iter.Release()
	if iter.Last() {
		key := iter.Key()
		if len(key) == len(txKeyPrefix)+8 {
			s.next = binary.BigEndian.Uint64(key[len(txKeyPrefix):]) + 1
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger log: %w", err)
	}
	return s, nil
}

// OpenLevelDBStore opens (or creates) a database at path and wraps it.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	return NewLevelDBStore(db)
}

func (s *LevelDBStore) key(seq uint64) []byte {
	key := make([]byte, len(txKeyPrefix)+8)
	copy(key, txKeyPrefix)
	binary.BigEndian.PutUint64(key[len(txKeyPrefix):], seq)
	return key
}

func (s *LevelDBStore) Append(tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	if err := s.db.Put(s.key(s.next), data, nil); err != nil {
		return fmt.Errorf("failed to store transaction: %w", err)
	}
	s.next++
	return nil
}

func (s *LevelDBStore) All() ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log []Transaction
	iter := s.db.NewIterator(util.BytesPrefix([]byte(txKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var tx Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %q: %w", iter.Key(), err)
		}
		log = append(log, tx)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger log: %w", err)
	}
	return log, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
