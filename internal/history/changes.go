package history

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/store"
)

// hasChanges decides whether a pending record is worth persisting. Creates and
// deletes always are. Actualizations only matter when the entity has no
// history yet. Edits require at least one tracked field to differ from the
// entity's most recent stored record. Lookup failures suppress the record and
// are logged rather than failing the batch.
func (s *Service) hasChanges(ctx context.Context, header domain.Header, fields map[string]domain.LogField) bool {
	switch header.ActionType {
	case domain.ActionCreate, domain.ActionDelete:
		return true
	}

	previous, err := s.previousHeader(ctx, header)
	if err != nil {
		s.logger.Warn("change detection lookup failed, suppressing record",
			zap.String("entityTypeCode", header.EntityTypeCode),
			zap.Int64("entityId", header.EntityID),
			zap.Error(err))
		return false
	}

	if header.ActionType == domain.ActionActualization {
		return previous == nil
	}
	if previous == nil {
		// First record for the entity; an edit with nothing before it counts.
		return true
	}

	previousFields, _, err := s.fieldsByLogID(ctx, header.EntityTypeCode, previous.ID)
	if err != nil {
		s.logger.Warn("change detection field lookup failed, suppressing record",
			zap.String("logId", previous.ID),
			zap.Error(err))
		return false
	}

	return fieldsDiffer(previousFields, fields)
}

// fieldsDiffer reports whether any tracked field changed between two field
// maps: a value newly populated, a label renamed, a reference retargeted, or
// plain display text rewritten.
func fieldsDiffer(previous, current map[string]domain.LogField) bool {
	for key, field := range current {
		old, existed := previous[key]
		if !existed {
			if field.Value.Name != nil {
				return true
			}
			continue
		}
		if old.Label != field.Label {
			return true
		}
		if old.Value.ID != field.Value.ID {
			return true
		}
		if old.Value.ID == 0 && !namesEqual(old.Value.Name, field.Value.Name) {
			return true
		}
	}
	return false
}

func namesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// previousHeader finds the entity's most recent header record strictly before
// this one. Nil means the entity has no earlier history.
func (s *Service) previousHeader(ctx context.Context, header domain.Header) (*domain.Header, error) {
	docs, err := s.store.Search(ctx, store.SearchRequest{
		Index: HeaderIndex,
		Query: store.Bool{
			Must: []store.Clause{
				store.Term{Field: "entityId", Value: header.EntityID},
				store.Term{Field: "entityTypeCode", Value: header.EntityTypeCode},
				store.Range{Field: "objectCreateDate", LT: header.CreatedAt.String()},
			},
			MustNot: []store.Clause{store.IDs{Values: []string{header.ID}}},
		},
		Sort: []store.Sort{{Field: "objectCreateDate", Descending: true}},
		Size: 1,
	})
	if err != nil {
		return nil, &domain.StoreError{Op: "search previous header", Err: err}
	}
	if len(docs) == 0 {
		return nil, nil
	}

	previous, err := decodeHeader(docs[0])
	if err != nil {
		return nil, err
	}
	return &previous, nil
}

// fieldsByLogID loads the field map persisted alongside a header record. The
// second return reports whether a field-data document exists; absent data
// yields an empty map so change detection can treat it as "nothing tracked",
// while the get view turns it into a not-found failure.
func (s *Service) fieldsByLogID(ctx context.Context, entityTypeCode, logID string) (map[string]domain.LogField, bool, error) {
	docs, err := s.store.Search(ctx, store.SearchRequest{
		Index: domain.FieldDataIndex(entityTypeCode),
		Query: store.Term{Field: "logId", Value: logID},
		Size:  1,
	})
	if err != nil {
		return nil, false, &domain.StoreError{Op: "search field data", Err: err}
	}
	if len(docs) == 0 {
		return map[string]domain.LogField{}, false, nil
	}

	var data domain.FieldData
	if err := json.Unmarshal(docs[0].Source, &data); err != nil {
		return nil, false, &domain.StoreError{Op: "decode field data", Err: err}
	}
	if data.Fields == nil {
		data.Fields = map[string]domain.LogField{}
	}
	return data.Fields, true, nil
}

// buildMutations assembles the per-field change list shown by the get
// endpoint. Deletes render every field as a removal and creates as an
// addition; edits join the previous and current field maps by key. Output is
// ordered by field key so the view is stable.
func buildMutations(action domain.ActionType, previous, current map[string]domain.LogField) []domain.FieldMutation {
	var mutations []domain.FieldMutation

	switch action {
	case domain.ActionDelete:
		for _, key := range sortedKeys(current) {
			field := current[key]
			mutations = append(mutations, domain.FieldMutation{
				PropertyName: field.Label,
				OldValue:     mutationValue(field.Value),
			})
		}

	case domain.ActionEdit:
		keys := make(map[string]struct{}, len(previous)+len(current))
		for key := range previous {
			keys[key] = struct{}{}
		}
		for key := range current {
			keys[key] = struct{}{}
		}
		for _, key := range sortedKeySet(keys) {
			old, hadOld := previous[key]
			field, hasNew := current[key]
			switch {
			case hadOld && hasNew:
				if old.Value.ID == field.Value.ID && namesEqual(old.Value.Name, field.Value.Name) {
					continue
				}
				mutations = append(mutations, domain.FieldMutation{
					PropertyName: field.Label,
					OldValue:     mutationValue(old.Value),
					NewValue:     mutationValue(field.Value),
				})
			case hasNew:
				mutations = append(mutations, domain.FieldMutation{
					PropertyName: field.Label,
					NewValue:     mutationValue(field.Value),
				})
			default:
				mutations = append(mutations, domain.FieldMutation{
					PropertyName: old.Label,
					OldValue:     mutationValue(old.Value),
				})
			}
		}

	default:
		for _, key := range sortedKeys(current) {
			field := current[key]
			mutations = append(mutations, domain.FieldMutation{
				PropertyName: field.Label,
				NewValue:     mutationValue(field.Value),
			})
		}
	}

	return mutations
}

func mutationValue(v domain.FieldValue) *domain.MutationValue {
	return &domain.MutationValue{ID: v.LogID, Name: v.Name}
}

func sortedKeys(fields map[string]domain.LogField) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeySet(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
