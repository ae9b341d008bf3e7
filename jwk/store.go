package jwk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ErrNoUsableKeys is returned by Parse when every entry was skipped.
var ErrNoUsableKeys = errors.New("jwk: key set contains no usable keys")

// Store is an immutable key set indexed by key id. A refresh builds a new
// Store rather than changing an existing one, so a *Store can be shared
// between goroutines without locking.
type Store struct {
	keys map[string]*Key
	ids  []string
}

// NewStore indexes keys by id. When two keys share an id the first wins.
func NewStore(keys ...*Key) *Store {
	s := &Store{keys: make(map[string]*Key, len(keys))}
	for _, k := range keys {
		if k == nil {
			continue
		}
		if _, dup := s.keys[k.ID]; dup {
			continue
		}
		s.keys[k.ID] = k
		s.ids = append(s.ids, k.ID)
	}
	sort.Strings(s.ids)
	return s
}

// Lookup returns the key registered under kid.
func (s *Store) Lookup(kid string) (*Key, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of keys.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KeyIDs returns the sorted key ids.
func (s *Store) KeyIDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.ids...)
}

type document struct {
	Keys *[]json.RawMessage `json:"keys"`
}

// Parse decodes a JWKS document. Entries that cannot be used (unsupported
// type, bad parameters, duplicate kid) are skipped with a warning; a set
// that ends up empty is an error.
func Parse(data []byte, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing jwks json: %v", err)
	}
	if doc.Keys == nil {
		return nil, fmt.Errorf("invalid jwks: missing keys")
	}

	keys := make([]*Key, 0, len(*doc.Keys))
	seen := make(map[string]struct{}, len(*doc.Keys))
	for i, entry := range *doc.Keys {
		var raw RawKey
		if err := json.Unmarshal(entry, &raw); err != nil {
			logger.Warn("skipping malformed jwks entry", zap.Int("index", i), zap.Error(err))
			continue
		}
		key, err := ParseKey(raw)
		if err != nil {
			logger.Warn("skipping jwks entry",
				zap.Int("index", i),
				zap.String("kid", raw.KeyID),
				zap.String("kty", raw.KeyType),
				zap.Bool("unsupported", errors.Is(err, ErrUnsupported)),
				zap.Error(err),
			)
			continue
		}
		if _, dup := seen[key.ID]; dup {
			logger.Warn("skipping duplicate jwks kid", zap.Int("index", i), zap.String("kid", key.ID))
			continue
		}
		seen[key.ID] = struct{}{}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, ErrNoUsableKeys
	}
	return NewStore(keys...), nil
}
