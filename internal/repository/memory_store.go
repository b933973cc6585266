package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"p8fs-auth/internal/domain"
)

// MemoryStore is a DocumentStore with CouchDB revision semantics, used for
// STORAGE_BACKEND=memory and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]interface{}
	seq  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]interface{})}
}

func (s *MemoryStore) Put(ctx context.Context, docID string, doc interface{}) (string, error) {
	fields, err := toFields(doc)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	given, _ := fields["_rev"].(string)
	if current, ok := s.docs[docID]; ok {
		if given != current["_rev"] {
			return "", fmt.Errorf("%w: document update conflict on %s", domain.ErrConflict, docID)
		}
	} else if given != "" {
		return "", fmt.Errorf("%w: %s does not exist", domain.ErrConflict, docID)
	}

	s.seq++
	rev := strconv.Itoa(s.seq) + "-mem"
	fields["_id"] = docID
	fields["_rev"] = rev
	s.docs[docID] = fields
	return rev, nil
}

func (s *MemoryStore) Get(ctx context.Context, docID string, dst interface{}) error {
	s.mu.Lock()
	fields, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, docID)
	}
	return fromFields(fields, dst)
}

func (s *MemoryStore) Delete(ctx context.Context, docID, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[docID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, docID)
	}
	if current["_rev"] != rev {
		return fmt.Errorf("%w: document delete conflict on %s", domain.ErrConflict, docID)
	}
	delete(s.docs, docID)
	return nil
}

// Find supports equality selectors on top-level fields.
func (s *MemoryStore) Find(ctx context.Context, selector map[string]interface{}) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []json.RawMessage
	for _, id := range ids {
		fields := s.docs[id]
		if !matches(fields, selector) {
			continue
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func matches(fields, selector map[string]interface{}) bool {
	for k, want := range selector {
		got, ok := fields[k]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

// normalize puts selector values in the shape encoding/json decodes into.
func normalize(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func toFields(doc interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return fields, nil
}

func fromFields(fields map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
