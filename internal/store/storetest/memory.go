// Package storetest provides an in-memory DocumentStore for service-level
// tests. It evaluates compiled query trees against decoded JSON documents so
// tests exercise the same translation output the real store compiles to SQL.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/entlog/entlog/internal/store"
)

// Memory is a thread-safe in-memory DocumentStore.
type Memory struct {
	mu      sync.Mutex
	indices map[string]struct{}
	docs    map[string]map[string]json.RawMessage

	// FailIDs injects per-item bulk failures: any bulk item whose id appears
	// here is reported failed and not written.
	FailIDs map[string]string
	// FailFunc, when set, is consulted per bulk item; a non-empty return
	// fails the item with that reason. Useful when item ids are generated by
	// the code under test.
	FailFunc func(index, id string, doc any) string
	// PingErr, when set, is returned by Ping.
	PingErr error
}

func NewMemory() *Memory {
	return &Memory{
		indices: make(map[string]struct{}),
		docs:    make(map[string]map[string]json.RawMessage),
	}
}

// Put stores a document directly, bypassing bulk failure injection.
func (m *Memory) Put(index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices[index] = struct{}{}
	if m.docs[index] == nil {
		m.docs[index] = make(map[string]json.RawMessage)
	}
	m.docs[index][id] = body
	return nil
}

// HasIndex reports whether EnsureIndex (or Put) has seen the index.
func (m *Memory) HasIndex(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.indices[name]
	return ok
}

// Len returns the number of documents in an index.
func (m *Memory) Len(index string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[index])
}

func (m *Memory) EnsureIndex(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices[name] = struct{}{}
	return nil
}

func (m *Memory) Get(_ context.Context, index, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.docs[index][id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{ID: id, Source: body}, nil
}

func (m *Memory) Search(_ context.Context, req store.SearchRequest) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched, err := m.match(req.Index, req.Query)
	if err != nil {
		return nil, err
	}

	sortDocs(matched, req.Sort)

	if req.From > 0 {
		if req.From >= len(matched) {
			return nil, nil
		}
		matched = matched[req.From:]
	}
	if req.Size > 0 && req.Size < len(matched) {
		matched = matched[:req.Size]
	}

	out := make([]store.Document, len(matched))
	for i, d := range matched {
		out[i] = store.Document{ID: d.id, Source: d.raw}
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, index string, query store.Clause) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched, err := m.match(index, query)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (m *Memory) Cardinality(_ context.Context, index, field string, query store.Clause) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched, err := m.match(index, query)
	if err != nil {
		return 0, err
	}
	distinct := make(map[string]struct{})
	for _, d := range matched {
		if v := lookupPath(d.body, field); v != nil {
			distinct[asString(v)] = struct{}{}
		}
	}
	return int64(len(distinct)), nil
}

func (m *Memory) BulkUpsert(_ context.Context, index string, items []store.BulkItem) ([]store.BulkItemError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.indices[index] = struct{}{}
	if m.docs[index] == nil {
		m.docs[index] = make(map[string]json.RawMessage)
	}

	var itemErrors []store.BulkItemError
	for _, item := range items {
		if reason, fail := m.FailIDs[item.ID]; fail {
			itemErrors = append(itemErrors, store.BulkItemError{ID: item.ID, Reason: reason})
			continue
		}
		if m.FailFunc != nil {
			if reason := m.FailFunc(index, item.ID, item.Doc); reason != "" {
				itemErrors = append(itemErrors, store.BulkItemError{ID: item.ID, Reason: reason})
				continue
			}
		}
		body, err := json.Marshal(item.Doc)
		if err != nil {
			itemErrors = append(itemErrors, store.BulkItemError{ID: item.ID, Reason: err.Error()})
			continue
		}
		m.docs[index][item.ID] = body
	}
	return itemErrors, nil
}

func (m *Memory) Ping(context.Context) error { return m.PingErr }

type matchedDoc struct {
	id   string
	raw  json.RawMessage
	body map[string]any
}

func (m *Memory) match(index string, query store.Clause) ([]matchedDoc, error) {
	var matched []matchedDoc
	for id, raw := range m.docs[index] {
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("corrupt document %s/%s: %w", index, id, err)
		}
		ok, err := evalClause(id, body, query)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, matchedDoc{id: id, raw: raw, body: body})
		}
	}
	return matched, nil
}

func evalClause(id string, body map[string]any, c store.Clause) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch clause := c.(type) {
	case store.Term:
		return compareEq(lookupPath(body, clause.Field), clause.Value), nil

	case store.Range:
		v := lookupPath(body, clause.Field)
		if v == nil {
			return false, nil
		}
		if clause.GTE != nil && compareOrd(v, clause.GTE) < 0 {
			return false, nil
		}
		if clause.GT != nil && compareOrd(v, clause.GT) <= 0 {
			return false, nil
		}
		if clause.LTE != nil && compareOrd(v, clause.LTE) > 0 {
			return false, nil
		}
		if clause.LT != nil && compareOrd(v, clause.LT) >= 0 {
			return false, nil
		}
		return true, nil

	case store.MatchFuzzy:
		v := lookupPath(body, clause.Field)
		if v == nil {
			return false, nil
		}
		text := strings.ToLower(asString(v))
		query := strings.ToLower(clause.Query)
		if strings.Contains(text, query) {
			return true, nil
		}
		if clause.Fuzziness <= 0 {
			return false, nil
		}
		return levenshtein.ComputeDistance(text, query) <= clause.Fuzziness, nil

	case store.Nested:
		return evalClause(id, body, clause.Clause)

	case store.IDs:
		for _, want := range clause.Values {
			if id == want {
				return true, nil
			}
		}
		return false, nil

	case store.Bool:
		for _, must := range clause.Must {
			ok, err := evalClause(id, body, must)
			if err != nil || !ok {
				return false, err
			}
		}
		for _, mustNot := range clause.MustNot {
			ok, err := evalClause(id, body, mustNot)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		if len(clause.Should) > 0 {
			any := false
			for _, should := range clause.Should {
				ok, err := evalClause(id, body, should)
				if err != nil {
					return false, err
				}
				if ok {
					any = true
					break
				}
			}
			if !any {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("unsupported clause type %T", c)
	}
}

// lookupPath walks a dotted path through nested JSON objects.
func lookupPath(body map[string]any, field string) any {
	parts := strings.Split(field, ".")
	var current any = body
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

func asString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case float32:
		return float64(value), true
	case string:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareEq(docValue, termValue any) bool {
	if docValue == nil {
		return false
	}
	if df, ok := asFloat(docValue); ok {
		if tf, ok := asFloat(termValue); ok {
			return df == tf
		}
	}
	return asString(docValue) == asString(termValue)
}

// compareOrd orders two values: numerically when both sides are numbers,
// lexicographically otherwise. Returns -1, 0 or 1.
func compareOrd(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func sortDocs(docs []matchedDoc, sorts []store.Sort) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			vi := lookupPath(docs[i].body, s.Field)
			vj := lookupPath(docs[j].body, s.Field)
			// Missing values sort last regardless of direction.
			if vi == nil || vj == nil {
				if vi == nil && vj == nil {
					continue
				}
				return vj == nil
			}
			cmp := compareOrd(vi, vj)
			if cmp == 0 {
				continue
			}
			if s.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return docs[i].id < docs[j].id
	})
}
