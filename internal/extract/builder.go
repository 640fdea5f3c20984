// Package extract turns in-memory entity snapshots into pending audit
// entries, driven by the registered field metadata rather than reflection.
package extract

import (
	"strconv"
	"strings"
	"time"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/metadata"
)

// Snapshot is the read-side view of one entity at extraction time. The caller
// owns how values are produced; the builder only asks for fields the metadata
// names.
type Snapshot interface {
	EntityTypeCode() string
	FieldValue(key string) any
}

// Actor identifies who performed the mutation being recorded.
type Actor struct {
	Login         string
	DisplayName   string
	SubdivisionID int64
}

// Builder accumulates pending audit entries for one logical mutation. Business
// comments attached to the builder are joined onto every entry it produces.
// A Builder is not safe for concurrent use.
type Builder struct {
	registry *metadata.Registry
	comments []string
	now      func() time.Time
}

func NewBuilder(registry *metadata.Registry) *Builder {
	return &Builder{registry: registry, now: time.Now}
}

// Comment attaches a business comment. Empty and duplicate comments are
// dropped.
func (b *Builder) Comment(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for _, existing := range b.comments {
		if existing == text {
			return
		}
	}
	b.comments = append(b.comments, text)
}

// ClearComments drops all attached comments.
func (b *Builder) ClearComments() {
	b.comments = nil
}

// Append extracts one snapshot into a pending entry and merges it into batch.
// When an entry for the same entity with the same action is already present it
// is overwritten in place, so re-extracting an entity within one mutation
// yields a single record. Snapshots of untracked types, without a usable
// identity value, or with no tracked field values, contribute nothing and
// report domain.ErrExtractionSkipped.
func (b *Builder) Append(batch []domain.PendingLog, snap Snapshot, action domain.ActionType, actor Actor, databaseName string) ([]domain.PendingLog, error) {
	meta, ok := b.registry.Lookup(snap.EntityTypeCode())
	if !ok || meta.Ignored || meta.DisplayName == "" {
		return batch, domain.ErrExtractionSkipped
	}

	// First pass: the entity's own id plus the reference siblings consulted
	// when building reference values.
	var (
		entityID       int64
		hasIdentity    bool
		refTypeCode    string
		refDisplayName string
		hasRefName     bool
	)
	for _, field := range meta.Fields {
		switch field.Role {
		case metadata.RoleIdentityKey:
			hasIdentity = true
			entityID = toInt64(snap.FieldValue(field.Key))
		case metadata.RoleReferenceTypeCode:
			refTypeCode = toString(snap.FieldValue(field.Key))
		case metadata.RoleReferenceDisplayName:
			refDisplayName = toString(snap.FieldValue(field.Key))
			hasRefName = true
		}
	}
	if !hasIdentity || entityID <= 0 {
		return batch, domain.ErrExtractionSkipped
	}

	fields := make(map[string]domain.LogField)
	for _, field := range meta.Fields {
		if field.Ignored || field.Label == "" {
			continue
		}
		raw := snap.FieldValue(field.Key)

		var value domain.FieldValue
		switch {
		case field.Role == metadata.RoleReferenceID:
			id := toInt64(raw)
			if id <= 0 {
				continue
			}
			name := strconv.FormatInt(id, 10)
			if hasRefName {
				name = refDisplayName
			}
			value = domain.FieldValue{EntityCode: refTypeCode, ID: id, Name: &name}

		case field.Enum != nil:
			code := int(toInt64(raw))
			label, defined := field.Enum.Label(code)
			if defined {
				value = domain.FieldValue{
					EntityCode: domain.EnumEntityCode,
					ID:         int64(code),
					Name:       &label,
				}
			} else {
				empty := ""
				value = domain.FieldValue{Name: &empty}
			}

		default:
			if link, isLink := raw.(metadata.Linkable); isLink {
				if link.LinkID() <= 0 {
					continue
				}
				name := link.LinkName()
				value = domain.FieldValue{
					EntityCode: link.LinkTypeCode(),
					ID:         link.LinkID(),
					Name:       &name,
				}
				break
			}
			value = domain.FieldValue{Name: scalarName(raw)}
		}

		fields[field.Key] = domain.LogField{Label: field.Label, Value: value}
	}

	if len(fields) == 0 {
		return batch, domain.ErrExtractionSkipped
	}

	entry := domain.PendingLog{
		ActionType:      action,
		CreatedDate:     domain.NewLogTime(b.now()),
		DatabaseName:    databaseName,
		EntityTypeCode:  meta.Code,
		EntityID:        entityID,
		EntityType:      meta.DisplayName,
		UserLogin:       actor.Login,
		Operator:        actor.DisplayName,
		SubdivisionID:   actor.SubdivisionID,
		BusinessComment: strings.Join(b.comments, " "),
		Fields:          fields,
	}

	for i, existing := range batch {
		if existing.EntityTypeCode == entry.EntityTypeCode &&
			existing.EntityID == entry.EntityID &&
			existing.ActionType == entry.ActionType {
			batch[i] = entry
			return batch, nil
		}
	}
	return append(batch, entry), nil
}

// scalarName renders a plain field value as display text. Nil stays nil so
// absent values can be elided before persistence.
func scalarName(raw any) *string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return &v
	case *string:
		return v
	case time.Time:
		if v.IsZero() {
			return nil
		}
		// Field timestamps keep their millisecond precision; only the header
		// createdAt is truncated to seconds.
		s := v.UTC().Format(domain.TimeLayout)
		return &s
	case bool:
		s := strconv.FormatBool(v)
		return &s
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return &s
	case float32:
		s := strconv.FormatFloat(float64(v), 'f', -1, 32)
		return &s
	case int, int8, int16, int32, int64:
		s := strconv.FormatInt(toInt64(v), 10)
		return &s
	default:
		s := toString(v)
		return &s
	}
}

func toInt64(raw any) int64 {
	switch v := raw.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func toString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	default:
		if s := scalarName(raw); s != nil {
			return *s
		}
		return ""
	}
}
