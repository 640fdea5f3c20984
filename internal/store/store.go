package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get when no document exists under the id.
var ErrNotFound = errors.New("document not found")

// Document is one stored JSON document together with its store key.
type Document struct {
	ID     string
	Source json.RawMessage
}

// BulkItem is one document destined for a bulk upsert.
type BulkItem struct {
	ID  string
	Doc any
}

// BulkItemError reports the failure of a single bulk item. Sibling items are
// unaffected.
type BulkItemError struct {
	ID     string
	Reason string
}

// DocumentStore is the backing document store boundary: keyed JSON documents
// per logical index, bulk upsert with per-item outcomes, compiled boolean
// queries, sorting and cardinality aggregation. Implementations own their own
// request timeout; callers do not retry.
type DocumentStore interface {
	// EnsureIndex creates the logical index if it does not exist yet.
	EnsureIndex(ctx context.Context, name string) error

	// Get fetches one document by id, returning ErrNotFound when absent.
	Get(ctx context.Context, index, id string) (Document, error)

	// Search runs a compiled query and returns matching documents in order.
	Search(ctx context.Context, req SearchRequest) ([]Document, error)

	// Count returns the number of documents matching the query.
	Count(ctx context.Context, index string, query Clause) (int64, error)

	// Cardinality returns the number of distinct values of a field among
	// documents matching the query.
	Cardinality(ctx context.Context, index, field string, query Clause) (int64, error)

	// BulkUpsert writes all items, reporting failures per item. A returned
	// error means the whole call failed; item errors mean the rest succeeded.
	BulkUpsert(ctx context.Context, index string, items []BulkItem) ([]BulkItemError, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
