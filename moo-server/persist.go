package main

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/portal-moo/proto"
)

// worldStore persists chat rows and world code files in a PebbleDB
// key-value store. Row keys are 'r' + 8-byte big-endian sequence
// numbers increasing monotonically; code keys are 'c' + file name.
type worldStore struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

var (
	rowPrefix  = []byte{'r'}
	codePrefix = []byte{'c'}
)

func rowKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'r'
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func codeKey(name string) []byte {
	return append([]byte{'c'}, name...)
}

// prefixBounds returns iterator options covering exactly one prefix.
func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}

func openWorldStore(dir string) (*worldStore, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &worldStore{db: db}
	// Discover next row sequence by reading the last row key.
	it, err := db.NewIter(prefixBounds(rowPrefix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	if it.Last() {
		if len(it.Key()) >= 9 {
			s.next = binary.BigEndian.Uint64(it.Key()[1:9]) + 1
		}
	}
	return s, nil
}

func (s *worldStore) AppendRow(row proto.ChatRow) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rowKey(s.next)
	s.next++
	val, _ := json.Marshal(row)
	return s.db.Set(key, val, pebble.Sync)
}

// LoadRecentRows loads the most recent N rows from the store. If
// limit <= 0, it loads everything.
func (s *worldStore) LoadRecentRows(limit int) ([]proto.ChatRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(prefixBounds(rowPrefix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	out := make([]proto.ChatRow, 0, 256)
	for it.First(); it.Valid(); it.Next() {
		var row proto.ChatRow
		if err := json.Unmarshal(it.Value(), &row); err == nil {
			out = append(out, row)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *worldStore) SaveCode(name, content string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Set(codeKey(name), []byte(content), pebble.Sync)
}

// LoadCode reads all saved world code files.
func (s *worldStore) LoadCode() (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(prefixBounds(codePrefix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	out := map[string]string{}
	for it.First(); it.Valid(); it.Next() {
		name := string(it.Key()[1:])
		out[name] = string(append([]byte(nil), it.Value()...))
	}
	return out, nil
}

func (s *worldStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
