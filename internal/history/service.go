// Package history is the audit-history engine: it filters incoming snapshots
// down to real changes, resolves cross-entity references to the referenced
// entity's own records, persists headers and field data in bulk, and serves
// the list and diff read views.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/query"
	"github.com/entlog/entlog/internal/store"
)

// HeaderIndex is the shared logical index holding every header record. Field
// data lives in one index per entity type.
const HeaderIndex = "log"

const (
	// aggregationWindow bounds how many header records a request-scoped
	// listing inspects before paging client-side.
	aggregationWindow = 500
	// relatedLookupSize bounds the backlink scan over a field-data index.
	relatedLookupSize = 1000
	// DefaultMaxConcurrentWrites gates parallel bulk writes per batch.
	DefaultMaxConcurrentWrites = 20
)

// Service coordinates persistence and reads over the document store.
type Service struct {
	store  store.DocumentStore
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	indices map[string]struct{}
}

func NewService(st store.DocumentStore, maxConcurrentWrites int64, logger *zap.Logger) *Service {
	if maxConcurrentWrites <= 0 {
		maxConcurrentWrites = DefaultMaxConcurrentWrites
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   st,
		logger:  logger,
		sem:     semaphore.NewWeighted(maxConcurrentWrites),
		indices: make(map[string]struct{}),
	}
}

// RecordResult reports the outcome of one batch: the correlation id stamped
// on every header, how many headers were persisted, and any per-item
// failures. Item failures never fail the batch.
type RecordResult struct {
	RequestID   string
	Persisted   int
	ItemErrors  []store.BulkItemError
	FieldErrors []store.BulkItemError
}

type pendingRecord struct {
	header domain.Header
	fields map[string]domain.LogField
}

// Record persists a batch of pending audit entries. Entries describing no
// actual change are dropped; references between surviving entries resolve
// in-batch before falling back to stored history. Writes for the header index
// and each field-data index run concurrently under the write semaphore.
func (s *Service) Record(ctx context.Context, entries []domain.PendingLog) (RecordResult, error) {
	result := RecordResult{RequestID: uuid.NewString()}
	if len(entries) == 0 {
		return result, nil
	}

	// Phase 1: assemble records and drop the ones that change nothing.
	records := make([]*pendingRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.EntityTypeCode == "" {
			s.logger.Warn("dropping audit entry without an entity type code",
				zap.Int64("entityId", entry.EntityID))
			continue
		}
		record := &pendingRecord{
			header: domain.Header{
				ID:              uuid.NewString(),
				ActionType:      entry.ActionType,
				CreatedAt:       entry.CreatedDate,
				DatabaseName:    entry.DatabaseName,
				EntityID:        entry.EntityID,
				EntityType:      entry.EntityType,
				EntityTypeCode:  entry.EntityTypeCode,
				UserLogin:       entry.UserLogin,
				Operator:        entry.Operator,
				SubdivisionID:   entry.SubdivisionID,
				BusinessComment: entry.BusinessComment,
				RequestID:       result.RequestID,
			},
			fields: entry.Fields,
		}
		if !s.hasChanges(ctx, record.header, record.fields) {
			continue
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return result, nil
	}

	// Phase 2: bind references to header records, batch-mates first.
	s.resolveLinks(ctx, records)

	// Phase 3: concurrent bulk writes, one per target index.
	headerItems := make([]store.BulkItem, 0, len(records))
	fieldItems := make(map[string][]store.BulkItem)
	for _, record := range records {
		headerItems = append(headerItems, store.BulkItem{ID: record.header.ID, Doc: record.header})
		fields := persistableFields(record.fields)
		if len(fields) == 0 {
			continue
		}
		index := domain.FieldDataIndex(record.header.EntityTypeCode)
		fieldItems[index] = append(fieldItems[index], store.BulkItem{
			ID:  uuid.NewString(),
			Doc: domain.FieldData{LogID: record.header.ID, Fields: fields},
		})
	}

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
		failed  error
	)
	write := func(index string, items []store.BulkItem, headerWrite bool) {
		defer wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			writeMu.Lock()
			failed = &domain.StoreError{Op: "acquire write slot", Err: err}
			writeMu.Unlock()
			return
		}
		defer s.sem.Release(1)

		if err := s.ensureIndex(ctx, index); err != nil {
			writeMu.Lock()
			failed = err
			writeMu.Unlock()
			return
		}
		itemErrors, err := s.store.BulkUpsert(ctx, index, items)
		writeMu.Lock()
		defer writeMu.Unlock()
		if err != nil {
			failed = &domain.StoreError{Op: "bulk upsert " + index, Err: err}
			return
		}
		for _, itemErr := range itemErrors {
			s.logger.Error("bulk item failed",
				zap.String("index", index),
				zap.String("id", itemErr.ID),
				zap.String("reason", itemErr.Reason))
		}
		if headerWrite {
			result.ItemErrors = append(result.ItemErrors, itemErrors...)
			result.Persisted = len(items) - len(itemErrors)
		} else {
			result.FieldErrors = append(result.FieldErrors, itemErrors...)
		}
	}

	wg.Add(1)
	go write(HeaderIndex, headerItems, true)
	for index, items := range fieldItems {
		wg.Add(1)
		go write(index, items, false)
	}
	wg.Wait()

	if failed != nil {
		return result, failed
	}
	return result, nil
}

// resolveLinks binds every reference field to the referenced entity's header
// record. A reference to an entity written in the same batch takes the
// batch-mate's id; otherwise the most recent stored header wins; otherwise
// the reference stays unbound. Lookup failures leave the reference unbound.
func (s *Service) resolveLinks(ctx context.Context, records []*pendingRecord) {
	latest := make(map[string]string)
	for _, record := range records {
		key := linkKey(record.header.EntityTypeCode, record.header.EntityID)
		latest[key] = record.header.ID
	}

	stored := make(map[string]string)
	for _, record := range records {
		for fieldKey, field := range record.fields {
			if !field.Value.IsReference() {
				continue
			}
			key := linkKey(field.Value.EntityCode, field.Value.ID)
			if id, inBatch := latest[key]; inBatch {
				field.Value.LogID = id
				record.fields[fieldKey] = field
				continue
			}
			if id, seen := stored[key]; seen {
				field.Value.LogID = id
				record.fields[fieldKey] = field
				continue
			}
			id, err := s.latestHeaderID(ctx, field.Value.EntityCode, field.Value.ID)
			if err != nil {
				s.logger.Warn("link resolution lookup failed",
					zap.String("entityTypeCode", field.Value.EntityCode),
					zap.Int64("entityId", field.Value.ID),
					zap.Error(err))
				continue
			}
			if id == "" {
				s.logger.Info("reference target has no audit history",
					zap.String("entityTypeCode", field.Value.EntityCode),
					zap.Int64("entityId", field.Value.ID))
				continue
			}
			stored[key] = id
			field.Value.LogID = id
			record.fields[fieldKey] = field
		}
	}
}

func linkKey(entityTypeCode string, entityID int64) string {
	return entityTypeCode + "/" + strconv.FormatInt(entityID, 10)
}

// latestHeaderID finds the most recent header record for an entity, or ""
// when the entity has no history.
func (s *Service) latestHeaderID(ctx context.Context, entityTypeCode string, entityID int64) (string, error) {
	docs, err := s.store.Search(ctx, store.SearchRequest{
		Index: HeaderIndex,
		Query: store.Bool{Must: []store.Clause{
			store.Term{Field: "entityTypeCode", Value: entityTypeCode},
			store.Term{Field: "entityId", Value: entityID},
		}},
		Sort: []store.Sort{{Field: "objectCreateDate", Descending: true}},
		Size: 1,
	})
	if err != nil {
		return "", &domain.StoreError{Op: "search latest header", Err: err}
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].ID, nil
}

// persistableFields drops absent values so stored documents only carry fields
// that held something.
func persistableFields(fields map[string]domain.LogField) map[string]domain.LogField {
	out := make(map[string]domain.LogField, len(fields))
	for key, field := range fields {
		if field.Value.Name == nil {
			continue
		}
		out[key] = field
	}
	return out
}

func (s *Service) ensureIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	_, known := s.indices[name]
	s.mu.Unlock()
	if known {
		return nil
	}
	if err := s.store.EnsureIndex(ctx, name); err != nil {
		return &domain.StoreError{Op: "ensure index " + name, Err: err}
	}
	s.mu.Lock()
	s.indices[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// RelatedEntity narrows a listing to header records whose field data
// references the given entity through the named field, matched by target id
// when one is given, by rendered display text otherwise.
type RelatedEntity struct {
	EntityTypeCode string
	FieldKey       string
	EntityID       int64
	EntityName     string
}

// ListParams are the read-side listing controls.
type ListParams struct {
	Filters            []domain.FilterDescriptor
	Sorts              []domain.SortDescriptor
	Page               domain.PageRequest
	SubdivisionID      int64
	AggregateByRequest bool
	Related            *RelatedEntity
}

// ListResult is one page of header summaries plus the unpaged total.
type ListResult struct {
	Data       []domain.HeaderSummary
	TotalCount int64
}

// List returns a filtered, sorted page of header records. With
// AggregateByRequest set, the total counts distinct batches instead of
// records, and the page shows one record per batch drawn from a bounded
// window of the newest matches.
func (s *Service) List(ctx context.Context, params ListParams) (ListResult, error) {
	filters := params.Filters
	if params.SubdivisionID > 0 {
		filters = append(filters, domain.FilterDescriptor{
			Property: "subdivisionId",
			Operator: domain.OperatorEq,
			Value:    strconv.FormatInt(params.SubdivisionID, 10),
		})
	}

	clause, err := query.Headers(filters)
	if err != nil {
		return ListResult{}, err
	}

	if params.Related != nil {
		ids, err := s.relatedLogIDs(ctx, *params.Related)
		if err != nil {
			return ListResult{}, err
		}
		if len(ids) == 0 {
			return ListResult{Data: []domain.HeaderSummary{}}, nil
		}
		clause = query.WithIDAllowList(clause, ids)
	}

	sorts := query.HeaderSort(params.Sorts)

	if params.AggregateByRequest {
		return s.listByRequest(ctx, clause, sorts, params.Page)
	}

	total, err := s.store.Count(ctx, HeaderIndex, clause)
	if err != nil {
		return ListResult{}, &domain.StoreError{Op: "count headers", Err: err}
	}
	docs, err := s.store.Search(ctx, store.SearchRequest{
		Index: HeaderIndex,
		Query: clause,
		Sort:  sorts,
		From:  params.Page.Offset,
		Size:  params.Page.Limit,
	})
	if err != nil {
		return ListResult{}, &domain.StoreError{Op: "search headers", Err: err}
	}

	summaries, err := headerSummaries(docs)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Data: summaries, TotalCount: total}, nil
}

// listByRequest pages over distinct write batches: the total is the
// cardinality of requestId among matches, and the page keeps the first record
// seen per batch within the aggregation window.
func (s *Service) listByRequest(ctx context.Context, clause store.Clause, sorts []store.Sort, page domain.PageRequest) (ListResult, error) {
	total, err := s.store.Cardinality(ctx, HeaderIndex, "requestId", clause)
	if err != nil {
		return ListResult{}, &domain.StoreError{Op: "aggregate headers", Err: err}
	}

	docs, err := s.store.Search(ctx, store.SearchRequest{
		Index: HeaderIndex,
		Query: clause,
		Sort:  sorts,
		Size:  aggregationWindow,
	})
	if err != nil {
		return ListResult{}, &domain.StoreError{Op: "search headers", Err: err}
	}

	summaries, err := headerSummaries(docs)
	if err != nil {
		return ListResult{}, err
	}

	seen := make(map[string]struct{}, len(summaries))
	distinct := summaries[:0]
	for i, doc := range docs {
		var header domain.Header
		if err := json.Unmarshal(doc.Source, &header); err != nil {
			return ListResult{}, &domain.StoreError{Op: "decode header", Err: err}
		}
		if _, dup := seen[header.RequestID]; dup {
			continue
		}
		seen[header.RequestID] = struct{}{}
		distinct = append(distinct, summaries[i])
	}

	if page.Offset >= len(distinct) {
		return ListResult{Data: []domain.HeaderSummary{}, TotalCount: total}, nil
	}
	distinct = distinct[page.Offset:]
	if page.Limit > 0 && page.Limit < len(distinct) {
		distinct = distinct[:page.Limit]
	}
	return ListResult{Data: distinct, TotalCount: total}, nil
}

// relatedLogIDs scans a field-data index for records referencing the entity
// and returns the owning header ids.
func (s *Service) relatedLogIDs(ctx context.Context, related RelatedEntity) ([]string, error) {
	clause := query.FieldDataByRef(related.FieldKey, related.EntityID)
	if related.EntityID <= 0 {
		clause = query.FieldDataByName(related.FieldKey, related.EntityName)
	}
	docs, err := s.store.Search(ctx, store.SearchRequest{
		Index: domain.FieldDataIndex(related.EntityTypeCode),
		Query: clause,
		Size:  relatedLookupSize,
	})
	if err != nil {
		return nil, &domain.StoreError{Op: "search related field data", Err: err}
	}

	seen := make(map[string]struct{}, len(docs))
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		var data domain.FieldData
		if err := json.Unmarshal(doc.Source, &data); err != nil {
			return nil, &domain.StoreError{Op: "decode field data", Err: err}
		}
		if data.LogID == "" {
			continue
		}
		if _, dup := seen[data.LogID]; dup {
			continue
		}
		seen[data.LogID] = struct{}{}
		ids = append(ids, data.LogID)
	}
	return ids, nil
}

// Get returns one header record with its field mutations against the
// entity's immediately preceding record.
func (s *Service) Get(ctx context.Context, id string) (domain.LogHistory, error) {
	doc, err := s.store.Get(ctx, HeaderIndex, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LogHistory{}, &domain.NotFoundError{Resource: "audit record", ID: id}
		}
		return domain.LogHistory{}, &domain.StoreError{Op: "get header", Err: err}
	}

	header, err := decodeHeader(doc)
	if err != nil {
		return domain.LogHistory{}, err
	}

	current, found, err := s.fieldsByLogID(ctx, header.EntityTypeCode, header.ID)
	if err != nil {
		return domain.LogHistory{}, err
	}
	if !found {
		return domain.LogHistory{}, &domain.NotFoundError{Resource: "field data for audit record", ID: id}
	}

	previous := map[string]domain.LogField{}
	if header.ActionType == domain.ActionEdit {
		previousHeader, err := s.previousHeader(ctx, header)
		if err != nil {
			return domain.LogHistory{}, err
		}
		if previousHeader != nil {
			previous, _, err = s.fieldsByLogID(ctx, header.EntityTypeCode, previousHeader.ID)
			if err != nil {
				return domain.LogHistory{}, err
			}
		}
	}

	return domain.LogHistory{
		ID:              header.ID,
		ActionType:      header.ActionType,
		EntityID:        header.EntityID,
		EntityType:      header.EntityType,
		CreatedAt:       header.CreatedAt,
		UserLogin:       header.UserLogin,
		Operator:        header.Operator,
		BusinessComment: header.BusinessComment,
		History:         buildMutations(header.ActionType, previous, current),
	}, nil
}

func decodeHeader(doc store.Document) (domain.Header, error) {
	var header domain.Header
	if err := json.Unmarshal(doc.Source, &header); err != nil {
		return domain.Header{}, &domain.StoreError{Op: "decode header", Err: err}
	}
	header.ID = doc.ID
	return header, nil
}

func headerSummaries(docs []store.Document) ([]domain.HeaderSummary, error) {
	summaries := make([]domain.HeaderSummary, 0, len(docs))
	for _, doc := range docs {
		header, err := decodeHeader(doc)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, domain.HeaderSummary{
			ID:              header.ID,
			ActionType:      header.ActionType,
			EntityID:        header.EntityID,
			EntityType:      header.EntityType,
			CreatedAt:       header.CreatedAt,
			UserLogin:       header.UserLogin,
			Operator:        header.Operator,
			BusinessComment: header.BusinessComment,
		})
	}
	return summaries, nil
}
