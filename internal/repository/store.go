package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"p8fs-auth/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// DocumentStore is the slice of CouchDB the repositories rely on. Put with a
// stale or missing _rev on an existing document fails with domain.ErrConflict,
// which is what every status transition in this service is built on.
type DocumentStore interface {
	Put(ctx context.Context, docID string, doc interface{}) (string, error)
	Get(ctx context.Context, docID string, dst interface{}) error
	Delete(ctx context.Context, docID, rev string) error
	Find(ctx context.Context, selector map[string]interface{}) ([]json.RawMessage, error)
}

type couchStore struct {
	db *kivik.DB
}

func NewCouchStore(client *kivik.Client, dbName string) DocumentStore {
	return &couchStore{db: client.DB(dbName)}
}

func (s *couchStore) Put(ctx context.Context, docID string, doc interface{}) (string, error) {
	rev, err := s.db.Put(ctx, docID, doc)
	if err != nil {
		return "", translate(err)
	}
	return rev, nil
}

func (s *couchStore) Get(ctx context.Context, docID string, dst interface{}) error {
	if err := s.db.Get(ctx, docID).ScanDoc(dst); err != nil {
		return translate(err)
	}
	return nil
}

func (s *couchStore) Delete(ctx context.Context, docID, rev string) error {
	if _, err := s.db.Delete(ctx, docID, rev); err != nil {
		return translate(err)
	}
	return nil
}

func (s *couchStore) Find(ctx context.Context, selector map[string]interface{}) ([]json.RawMessage, error) {
	query := map[string]interface{}{
		"selector": selector,
		"limit":    1000,
	}

	rows := s.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var raw json.RawMessage
		if err := rows.ScanDoc(&raw); err != nil {
			continue
		}
		docs = append(docs, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return docs, nil
}

// EnsureIndexes creates the Mango indexes behind the non-key lookups.
func EnsureIndexes(ctx context.Context, client *kivik.Client, dbName string) error {
	db := client.DB(dbName)
	indexes := map[string][]string{
		"by-user-code":     {"doc_type", "user_code"},
		"by-tenant":        {"doc_type", "tenant_id"},
		"by-access-key-id": {"doc_type", "access_key_id"},
		"by-device":        {"doc_type", "device_id"},
	}
	for name, fields := range indexes {
		index := map[string]interface{}{"fields": fields}
		if err := db.CreateIndex(ctx, "p8fs", name, index); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	return nil
}

func translate(err error) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func decodeAll[T any](docs []json.RawMessage) []*T {
	out := make([]*T, 0, len(docs))
	for _, raw := range docs {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out
}
