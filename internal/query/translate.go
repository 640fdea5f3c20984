// Package query translates caller-facing filter, sort and page descriptors
// into the store's compiled query trees. Translation is pure: no store client
// types, no I/O, so every mapping is unit-testable in isolation.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/store"
)

// DateLayout is the accepted wire format for date filter values.
const DateLayout = "02.01.2006"

// Filterable header properties. Descriptors naming anything else are ignored
// rather than rejected, so callers can send a superset of what one listing
// supports.
const (
	propCreateDate      = "objectcreatedate"
	propEntityID        = "entityid"
	propSubdivisionID   = "subdivisionid"
	propEntityTypeCode  = "entitytypecode"
	propIDs             = "ids"
	propActionType      = "actiontype"
	propEntityType      = "entitytype"
	propUserLogin       = "userlogin"
	propOperator        = "operator"
	propBusinessComment = "buisnescomment"
)

// likeFuzziness is the edit-distance tolerance applied to text matching.
const likeFuzziness = 1

// Headers builds the header-index query for a set of filter descriptors.
// A nil return with nil error means no filtering. Malformed values yield a
// *domain.ValidationError naming the property.
func Headers(filters []domain.FilterDescriptor) (store.Clause, error) {
	var root store.Bool

	for _, f := range filters {
		property := strings.ToLower(strings.TrimSpace(f.Property))

		switch f.Operator {
		case domain.OperatorEq:
			switch property {
			case propCreateDate:
				dayRange, err := dayRangeClause(f)
				if err != nil {
					return nil, err
				}
				root.Must = append(root.Must, dayRange)
			case propEntityID:
				id, err := intValue(f)
				if err != nil {
					return nil, err
				}
				root.Must = append(root.Must, store.Term{Field: "entityId", Value: id})
			case propSubdivisionID:
				id, err := intValue(f)
				if err != nil {
					return nil, err
				}
				root.Must = append(root.Must, store.Term{Field: "subdivisionId", Value: id})
			case propEntityTypeCode:
				root.Must = append(root.Must, store.Term{Field: "entityTypeCode", Value: f.Value})
			case propIDs:
				root.Must = append(root.Must, store.IDs{Values: splitList(f.Value)})
			}

		case domain.OperatorGte:
			switch property {
			case propCreateDate:
				day, err := dayValue(f)
				if err != nil {
					return nil, err
				}
				root.Must = append(root.Must, store.Range{
					Field: "objectCreateDate",
					GTE:   day.Format(domain.TimeLayout),
				})
			case propEntityID:
				id, err := intValue(f)
				if err != nil {
					return nil, err
				}
				root.Must = append(root.Must, store.Range{Field: "entityId", GTE: id})
			}

		case domain.OperatorLte:
			switch property {
			case propCreateDate:
				day, err := dayValue(f)
				if err != nil {
					return nil, err
				}
				// Inclusive of the whole named day.
				root.Must = append(root.Must, store.Range{
					Field: "objectCreateDate",
					LT:    day.AddDate(0, 0, 1).Format(domain.TimeLayout),
				})
			case propEntityID:
				id, err := intValue(f)
				if err != nil {
					return nil, err
				}
				root.Must = append(root.Must, store.Range{Field: "entityId", LTE: id})
			}

		case domain.OperatorNe:
			switch property {
			case propCreateDate:
				dayRange, err := dayRangeClause(f)
				if err != nil {
					return nil, err
				}
				root.MustNot = append(root.MustNot, dayRange)
			case propEntityID:
				id, err := intValue(f)
				if err != nil {
					return nil, err
				}
				root.MustNot = append(root.MustNot, store.Term{Field: "entityId", Value: id})
			case propActionType:
				action, err := intValue(f)
				if err != nil {
					return nil, err
				}
				root.MustNot = append(root.MustNot, store.Term{Field: "actionType", Value: action})
			}

		case domain.OperatorIn:
			if property != propActionType {
				continue
			}
			for _, part := range splitList(f.Value) {
				action, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					return nil, &domain.ValidationError{
						Field:   f.Property,
						Message: fmt.Sprintf("not a numeric action type: %q", part),
					}
				}
				root.Must = append(root.Must, store.Term{Field: "actionType", Value: action})
			}

		case domain.OperatorLike:
			field, ok := likeField(property)
			if !ok {
				continue
			}
			root.Must = append(root.Must, store.MatchFuzzy{
				Field:     field,
				Query:     f.Value,
				Fuzziness: likeFuzziness,
			})
		}
	}

	if len(root.Must) == 0 && len(root.MustNot) == 0 {
		return nil, nil
	}
	return root, nil
}

func likeField(property string) (string, bool) {
	switch property {
	case propEntityType:
		return "entityType", true
	case propUserLogin:
		return "userLogin", true
	case propOperator:
		return "operator", true
	case propBusinessComment:
		return "businessComment", true
	default:
		return "", false
	}
}

// WithIDAllowList narrows a header query to an explicit id set, preserving
// whatever filtering is already in place.
func WithIDAllowList(clause store.Clause, ids []string) store.Clause {
	allow := store.IDs{Values: ids}
	if clause == nil {
		return allow
	}
	return store.Bool{Must: []store.Clause{clause, allow}}
}

// sortable header properties and the document fields they order by.
var sortFields = map[string]string{
	propEntityID:   "entityId",
	propActionType: "actionType",
	propEntityType: "entityType",
	propUserLogin:  "userLogin",
	propOperator:   "operator",
}

// HeaderSort maps sort descriptors onto store sorts. Unknown properties are
// dropped. The creation timestamp is always the final sort key so paging
// stays stable; its direction follows the caller when given, newest first
// otherwise.
func HeaderSort(sorts []domain.SortDescriptor) []store.Sort {
	out := make([]store.Sort, 0, len(sorts)+1)
	dateDescending := true

	for _, s := range sorts {
		property := strings.ToLower(strings.TrimSpace(s.Property))
		if property == propCreateDate {
			dateDescending = s.Direction != domain.SortAsc
			continue
		}
		field, ok := sortFields[property]
		if !ok {
			continue
		}
		out = append(out, store.Sort{Field: field, Descending: s.Direction != domain.SortAsc})
	}

	return append(out, store.Sort{Field: "objectCreateDate", Descending: dateDescending})
}

// FieldDataByName matches field-data documents whose named field renders the
// given display text.
func FieldDataByName(fieldKey, name string) store.Clause {
	return store.Nested{
		Path:   "fields",
		Clause: store.Term{Field: "fields." + fieldKey + ".value.name", Value: name},
	}
}

// FieldDataByRef matches field-data documents whose named field references the
// entity with the given id.
func FieldDataByRef(fieldKey string, id int64) store.Clause {
	return store.Nested{
		Path:   "fields",
		Clause: store.Term{Field: "fields." + fieldKey + ".value.id", Value: id},
	}
}

func dayValue(f domain.FilterDescriptor) (time.Time, error) {
	day, err := time.Parse(DateLayout, strings.TrimSpace(f.Value))
	if err != nil {
		return time.Time{}, &domain.ValidationError{
			Field:   f.Property,
			Message: fmt.Sprintf("expected a %s date, got %q", DateLayout, f.Value),
		}
	}
	return day, nil
}

// dayRangeClause matches every record created on the named day.
func dayRangeClause(f domain.FilterDescriptor) (store.Clause, error) {
	day, err := dayValue(f)
	if err != nil {
		return nil, err
	}
	return store.Range{
		Field: "objectCreateDate",
		GTE:   day.Format(domain.TimeLayout),
		LT:    day.AddDate(0, 0, 1).Format(domain.TimeLayout),
	}, nil
}

func intValue(f domain.FilterDescriptor) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(f.Value), 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{
			Field:   f.Property,
			Message: fmt.Sprintf("expected an integer, got %q", f.Value),
		}
	}
	return v, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
