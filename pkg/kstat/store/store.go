// Package store is the persistence layer under pkg/kstat: a badger-backed
// key/value store keyed by subsystem/counter, encoding values with
// goccy/go-json in place of the teacher's resource/store package (which
// keys on a subject/object/predicate relationship graph encoded as
// protobuf Any messages; there is no such schema here, so values are
// opaque JSON blobs instead). Grounded on
// jra3-system-agent/pkg/resource/store/store.go's badger.Open/buildKey
// structure.
package store

import (
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

// Store holds the latest value recorded for every (subsystem, counter)
// pair, in an in-memory badger instance (mirrors store.New's
// WithInMemory(true); this module never needs the on-disk LSM tree).
type Store struct {
	db *badger.DB
}

// New opens an empty in-memory store.
func New() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func buildKey(subsystem, counter string) []byte {
	return []byte(subsystem + "/" + counter)
}

// Put records value under (subsystem, counter), overwriting any prior
// value.
func (s *Store) Put(subsystem, counter string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(buildKey(subsystem, counter), data)
	})
}

// Get decodes the value stored under (subsystem, counter) into out, which
// must be a pointer. It returns badger.ErrKeyNotFound if nothing has been
// recorded yet.
func (s *Store) Get(subsystem, counter string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(buildKey(subsystem, counter))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// List returns every counter recorded for subsystem, keyed by counter
// name with its raw encoded value, for callers (ktop) that decode
// per-counter types themselves.
func (s *Store) List(subsystem string) (map[string][]byte, error) {
	prefix := []byte(subsystem + "/")
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			counter := strings.TrimPrefix(string(item.Key()), string(prefix))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[counter] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subsystems returns the distinct set of subsystem names that have ever
// had a counter recorded.
func (s *Store) Subsystems() ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(nil); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if i := strings.IndexByte(key, '/'); i >= 0 {
				seen[key[:i]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// Close closes the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}
