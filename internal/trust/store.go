package trust

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const scoreKeyPrefix = "trust:"

// LevelDBStore persists trust scores in a LevelDB database, one record per
// device under the trust: key prefix. The database handle may be shared
// with other stores.
type LevelDBStore struct {
	db *leveldb.DB
}

func NewLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{db: db}
}

// OpenLevelDBStore opens (or creates) a database at path and wraps it.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust database: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Load() (map[string]Score, error) {
	scores := make(map[string]Score)

	iter := s.db.NewIterator(util.BytesPrefix([]byte(scoreKeyPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var score Score
		if err := json.Unmarshal(iter.Value(), &score); err != nil {
			return nil, fmt.Errorf("failed to decode trust score %q: %w", iter.Key(), err)
		}
		deviceID := strings.TrimPrefix(string(iter.Key()), scoreKeyPrefix)
		scores[deviceID] = score
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan trust scores: %w", err)
	}
	return scores, nil
}

func (s *LevelDBStore) Save(score Score) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode trust score: %w", err)
	}
	if err := s.db.Put([]byte(scoreKeyPrefix+score.DeviceID), data, nil); err != nil {
		return fmt.Errorf("failed to store trust score: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Delete(deviceID string) error {
	if err := s.db.Delete([]byte(scoreKeyPrefix+deviceID), nil); err != nil {
		return fmt.Errorf("failed to delete trust score: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
