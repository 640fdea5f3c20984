package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/store"
	"github.com/entlog/entlog/internal/store/storetest"
)

func newTestService(mem *storetest.Memory) *Service {
	return NewService(mem, 4, zap.NewNop())
}

func at(day, hour int) domain.LogTime {
	return domain.NewLogTime(time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC))
}

func pendingEntry(action domain.ActionType, code string, entityID int64, created domain.LogTime, fields map[string]domain.LogField) domain.PendingLog {
	return domain.PendingLog{
		ActionType:     action,
		CreatedDate:    created,
		DatabaseName:   "main",
		EntityTypeCode: code,
		EntityID:       entityID,
		EntityType:     code,
		UserLogin:      "jdoe",
		Operator:       "J. Doe",
		SubdivisionID:  7,
		Fields:         fields,
	}
}

func searchHeaders(t *testing.T, mem *storetest.Memory, query store.Clause) []domain.Header {
	t.Helper()
	docs, err := mem.Search(context.Background(), store.SearchRequest{Index: HeaderIndex, Query: query})
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	headers := make([]domain.Header, 0, len(docs))
	for _, doc := range docs {
		header, err := decodeHeader(doc)
		if err != nil {
			t.Fatalf("decode returned error: %v", err)
		}
		headers = append(headers, header)
	}
	return headers
}

func searchFieldData(t *testing.T, mem *storetest.Memory, index string) []domain.FieldData {
	t.Helper()
	docs, err := mem.Search(context.Background(), store.SearchRequest{Index: index})
	if err != nil {
		t.Fatalf("search returned error: %v", err)
	}
	out := make([]domain.FieldData, 0, len(docs))
	for _, doc := range docs {
		var data domain.FieldData
		if err := json.Unmarshal(doc.Source, &data); err != nil {
			t.Fatalf("decode returned error: %v", err)
		}
		out = append(out, data)
	}
	return out
}

func TestRecordPersistsBatchWithInBatchLinks(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	batch := []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Partner", 42, at(1, 10), map[string]domain.LogField{
			"name": logField("Name", "Acme"),
		}),
		pendingEntry(domain.ActionCreate, "Contract", 10, at(1, 10), map[string]domain.LogField{
			"title": logField("Title", "Frame agreement"),
			"owner": refLogField("Owner", "Partner", 42, "Acme"),
		}),
	}

	result, err := service.Record(context.Background(), batch)
	if err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if result.Persisted != 2 || len(result.ItemErrors) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RequestID == "" {
		t.Fatalf("expected a correlation id")
	}
	if mem.Len(HeaderIndex) != 2 {
		t.Fatalf("expected 2 headers, got %d", mem.Len(HeaderIndex))
	}
	if !mem.HasIndex("contract") || !mem.HasIndex("partner") {
		t.Fatalf("field-data indices must be created per entity type")
	}

	headers := searchHeaders(t, mem, nil)
	for _, header := range headers {
		if header.RequestID != result.RequestID {
			t.Fatalf("every header must carry the batch correlation id: %+v", header)
		}
	}

	partners := searchHeaders(t, mem, store.Term{Field: "entityTypeCode", Value: "Partner"})
	if len(partners) != 1 {
		t.Fatalf("expected one partner header, got %d", len(partners))
	}

	contractFields := searchFieldData(t, mem, "contract")
	if len(contractFields) != 1 {
		t.Fatalf("expected one contract field document, got %d", len(contractFields))
	}
	owner := contractFields[0].Fields["owner"]
	if owner.Value.LogID != partners[0].ID {
		t.Fatalf("in-batch reference must bind to the batch-mate header, got %q want %q",
			owner.Value.LogID, partners[0].ID)
	}
}

func TestRecordLinkFallsBackToStoredHistory(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)
	ctx := context.Background()

	if _, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Partner", 42, at(1, 9), map[string]domain.LogField{
			"name": logField("Name", "Acme"),
		}),
	}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	partnerID := searchHeaders(t, mem, nil)[0].ID

	if _, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Contract", 10, at(2, 9), map[string]domain.LogField{
			"owner": refLogField("Owner", "Partner", 42, "Acme"),
		}),
	}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}

	owner := searchFieldData(t, mem, "contract")[0].Fields["owner"]
	if owner.Value.LogID != partnerID {
		t.Fatalf("reference must bind to the stored header, got %q want %q", owner.Value.LogID, partnerID)
	}
}

func TestRecordLeavesUnresolvableReferenceUnbound(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	if _, err := service.Record(context.Background(), []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Contract", 10, at(1, 9), map[string]domain.LogField{
			"owner": refLogField("Owner", "Partner", 99, "Ghost"),
		}),
	}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}

	owner := searchFieldData(t, mem, "contract")[0].Fields["owner"]
	if owner.Value.LogID != "" {
		t.Fatalf("unresolvable reference must stay unbound, got %q", owner.Value.LogID)
	}
	if owner.Value.EntityCode != "Partner" || owner.Value.ID != 99 {
		t.Fatalf("unbound reference must keep its target data: %+v", owner)
	}
}

func TestRecordSuppressesUnchangedEdits(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)
	ctx := context.Background()

	fields := func(title string) map[string]domain.LogField {
		return map[string]domain.LogField{"title": logField("Title", title)}
	}

	if _, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Contract", 10, at(1, 9), fields("v1")),
	}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}

	result, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionEdit, "Contract", 10, at(1, 10), fields("v1")),
	})
	if err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if result.Persisted != 0 || mem.Len(HeaderIndex) != 1 {
		t.Fatalf("identical edit must be suppressed: persisted=%d headers=%d",
			result.Persisted, mem.Len(HeaderIndex))
	}

	result, err = service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionEdit, "Contract", 10, at(1, 11), fields("v2")),
	})
	if err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if result.Persisted != 1 || mem.Len(HeaderIndex) != 2 {
		t.Fatalf("real edit must be persisted: persisted=%d headers=%d",
			result.Persisted, mem.Len(HeaderIndex))
	}
}

func TestRecordActualizationIsIdempotent(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)
	ctx := context.Background()

	fields := map[string]domain.LogField{"title": logField("Title", "v1")}

	result, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionActualization, "Contract", 10, at(1, 9), fields),
	})
	if err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if result.Persisted != 1 {
		t.Fatalf("first actualization must be persisted: %+v", result)
	}

	result, err = service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionActualization, "Contract", 10, at(1, 10), fields),
	})
	if err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if result.Persisted != 0 || mem.Len(HeaderIndex) != 1 {
		t.Fatalf("repeat actualization must be a no-op: persisted=%d headers=%d",
			result.Persisted, mem.Len(HeaderIndex))
	}
}

func TestRecordReportsPartialBulkFailures(t *testing.T) {
	mem := storetest.NewMemory()
	mem.FailFunc = func(index, _ string, doc any) string {
		if index != HeaderIndex {
			return ""
		}
		if header, ok := doc.(domain.Header); ok && header.EntityID == 2 {
			return "mapping conflict"
		}
		return ""
	}
	service := newTestService(mem)

	result, err := service.Record(context.Background(), []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Contract", 1, at(1, 9), map[string]domain.LogField{
			"title": logField("Title", "ok"),
		}),
		pendingEntry(domain.ActionCreate, "Contract", 2, at(1, 9), map[string]domain.LogField{
			"title": logField("Title", "broken"),
		}),
	})
	if err != nil {
		t.Fatalf("item failures must not fail the batch: %v", err)
	}
	if result.Persisted != 1 {
		t.Fatalf("sibling items must persist, got %d", result.Persisted)
	}
	if len(result.ItemErrors) != 1 || result.ItemErrors[0].Reason != "mapping conflict" {
		t.Fatalf("unexpected item errors: %+v", result.ItemErrors)
	}
	if mem.Len(HeaderIndex) != 1 {
		t.Fatalf("expected 1 surviving header, got %d", mem.Len(HeaderIndex))
	}
}

func TestRecordEmptyBatch(t *testing.T) {
	service := newTestService(storetest.NewMemory())
	result, err := service.Record(context.Background(), nil)
	if err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if result.Persisted != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func seedHeader(t *testing.T, mem *storetest.Memory, id string, header domain.Header) {
	t.Helper()
	if err := mem.Put(HeaderIndex, id, header); err != nil {
		t.Fatalf("seed returned error: %v", err)
	}
}

func TestListFiltersSortsAndPages(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	seedHeader(t, mem, "h1", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(1, 9),
		EntityID: 1, EntityType: "Contract", EntityTypeCode: "Contract", UserLogin: "alice",
	})
	seedHeader(t, mem, "h2", domain.Header{
		ActionType: domain.ActionEdit, CreatedAt: at(2, 9),
		EntityID: 1, EntityType: "Contract", EntityTypeCode: "Contract", UserLogin: "bob",
	})
	seedHeader(t, mem, "h3", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(3, 9),
		EntityID: 5, EntityType: "Partner", EntityTypeCode: "Partner", UserLogin: "carol",
	})

	result, err := service.List(context.Background(), ListParams{
		Filters: []domain.FilterDescriptor{
			{Property: "entityTypeCode", Operator: domain.OperatorEq, Value: "Contract"},
		},
		Page: domain.PageRequest{Limit: 1},
	})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("expected total 2, got %d", result.TotalCount)
	}
	if len(result.Data) != 1 || result.Data[0].ID != "h2" {
		t.Fatalf("expected newest contract first, got %+v", result.Data)
	}

	result, err = service.List(context.Background(), ListParams{
		Filters: []domain.FilterDescriptor{
			{Property: "entityTypeCode", Operator: domain.OperatorEq, Value: "Contract"},
		},
		Page: domain.PageRequest{Offset: 1, Limit: 1},
	})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].ID != "h1" {
		t.Fatalf("expected second page to hold the older record, got %+v", result.Data)
	}
}

func TestListSubdivisionScope(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	seedHeader(t, mem, "h1", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(1, 9),
		EntityID: 1, EntityTypeCode: "Contract", SubdivisionID: 7,
	})
	seedHeader(t, mem, "h2", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(2, 9),
		EntityID: 2, EntityTypeCode: "Contract", SubdivisionID: 8,
	})

	result, err := service.List(context.Background(), ListParams{SubdivisionID: 7})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if result.TotalCount != 1 || len(result.Data) != 1 || result.Data[0].ID != "h1" {
		t.Fatalf("expected only the scoped record, got %+v", result)
	}
}

func TestListAggregateByRequest(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	seedHeader(t, mem, "h1", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(1, 9),
		EntityID: 1, EntityTypeCode: "Contract", RequestID: "r1",
	})
	seedHeader(t, mem, "h2", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(2, 9),
		EntityID: 2, EntityTypeCode: "Contract", RequestID: "r2",
	})
	seedHeader(t, mem, "h3", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(3, 9),
		EntityID: 3, EntityTypeCode: "Contract", RequestID: "r1",
	})

	result, err := service.List(context.Background(), ListParams{AggregateByRequest: true})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("total must count distinct batches, got %d", result.TotalCount)
	}
	if len(result.Data) != 2 {
		t.Fatalf("expected one row per batch, got %+v", result.Data)
	}
	if result.Data[0].ID != "h3" || result.Data[1].ID != "h2" {
		t.Fatalf("expected the newest record per batch, got %+v", result.Data)
	}
}

func TestListRelatedEntity(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	seedHeader(t, mem, "h1", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(1, 9),
		EntityID: 10, EntityTypeCode: "Contract",
	})
	seedHeader(t, mem, "h2", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(2, 9),
		EntityID: 11, EntityTypeCode: "Contract",
	})
	if err := mem.Put("contract", "fd1", domain.FieldData{
		LogID: "h1",
		Fields: map[string]domain.LogField{
			"owner": refLogField("Owner", "Partner", 42, "Acme"),
		},
	}); err != nil {
		t.Fatalf("seed returned error: %v", err)
	}

	result, err := service.List(context.Background(), ListParams{
		Related: &RelatedEntity{EntityTypeCode: "Contract", FieldKey: "owner", EntityID: 42},
	})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].ID != "h1" {
		t.Fatalf("expected only the referencing record, got %+v", result.Data)
	}

	result, err = service.List(context.Background(), ListParams{
		Related: &RelatedEntity{EntityTypeCode: "Contract", FieldKey: "owner", EntityID: 999},
	})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(result.Data) != 0 || result.TotalCount != 0 {
		t.Fatalf("no backlinks must yield an empty page, got %+v", result)
	}
}

func TestListRelatedEntityByName(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	seedHeader(t, mem, "h1", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(1, 9),
		EntityID: 10, EntityTypeCode: "Contract",
	})
	seedHeader(t, mem, "h2", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(2, 9),
		EntityID: 11, EntityTypeCode: "Contract",
	})
	if err := mem.Put("contract", "fd1", domain.FieldData{
		LogID: "h1",
		Fields: map[string]domain.LogField{
			"owner": logField("Owner", "Acme"),
		},
	}); err != nil {
		t.Fatalf("seed returned error: %v", err)
	}

	result, err := service.List(context.Background(), ListParams{
		Related: &RelatedEntity{EntityTypeCode: "Contract", FieldKey: "owner", EntityName: "Acme"},
	})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].ID != "h1" {
		t.Fatalf("expected the record rendering the name, got %+v", result.Data)
	}
}

func TestListRejectsMalformedFilters(t *testing.T) {
	service := newTestService(storetest.NewMemory())
	_, err := service.List(context.Background(), ListParams{
		Filters: []domain.FilterDescriptor{
			{Property: "entityId", Operator: domain.OperatorEq, Value: "nope"},
		},
	})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetBuildsDiffAgainstPreviousRecord(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)
	ctx := context.Background()

	if _, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionCreate, "Contract", 10, at(1, 9), map[string]domain.LogField{
			"title": logField("Title", "v1"),
		}),
	}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if _, err := service.Record(ctx, []domain.PendingLog{
		pendingEntry(domain.ActionEdit, "Contract", 10, at(1, 10), map[string]domain.LogField{
			"title": logField("Title", "v2"),
			"owner": logField("Owner", "Acme"),
		}),
	}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}

	edits := searchHeaders(t, mem, store.Term{Field: "actionType", Value: int64(domain.ActionEdit)})
	if len(edits) != 1 {
		t.Fatalf("expected one edit header, got %d", len(edits))
	}

	view, err := service.Get(ctx, edits[0].ID)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if view.ActionType != domain.ActionEdit || view.EntityID != 10 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if len(view.History) != 2 {
		t.Fatalf("expected 2 mutations, got %+v", view.History)
	}

	added := view.History[0]
	if added.PropertyName != "Owner" || added.OldValue != nil || *added.NewValue.Name != "Acme" {
		t.Fatalf("unexpected added mutation: %+v", added)
	}
	changed := view.History[1]
	if changed.PropertyName != "Title" || *changed.OldValue.Name != "v1" || *changed.NewValue.Name != "v2" {
		t.Fatalf("unexpected changed mutation: %+v", changed)
	}
}

func TestGetFailsWhenFieldDataIsMissing(t *testing.T) {
	mem := storetest.NewMemory()
	service := newTestService(mem)

	seedHeader(t, mem, "h1", domain.Header{
		ActionType: domain.ActionCreate, CreatedAt: at(1, 9),
		EntityID: 10, EntityTypeCode: "Contract",
	})

	_, err := service.Get(context.Background(), "h1")
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not-found error for absent field data, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	service := newTestService(storetest.NewMemory())
	_, err := service.Get(context.Background(), "missing")
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
