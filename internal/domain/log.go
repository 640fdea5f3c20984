package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wire format for audit timestamps. Millisecond precision,
// lexicographically ordered, so the store can range and sort on the raw string.
const TimeLayout = "2006-01-02T15:04:05.000"

// EnumEntityCode marks a field value that refers to an enum member rather than
// a tracked entity.
const EnumEntityCode = "Enum"

// LogTime is a timestamp that marshals to TimeLayout.
type LogTime time.Time

// NewLogTime truncates t to second precision and labels it UTC.
func NewLogTime(t time.Time) LogTime {
	return LogTime(t.UTC().Truncate(time.Second))
}

func (t LogTime) Time() time.Time { return time.Time(t) }

func (t LogTime) String() string { return time.Time(t).Format(TimeLayout) }

func (t LogTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *LogTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*t = LogTime{}
		return nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = LogTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

// FieldValue is the persisted value of one tracked field. Scalars carry only
// Name; enum members carry Name, ID and the Enum entity code; entity
// references carry the target's type code and id, plus LogID once link
// resolution binds the reference to the target's own header record.
//
// A nil Name denotes an absent value and is dropped before persistence.
type FieldValue struct {
	EntityCode string  `json:"entityCode,omitempty"`
	ID         int64   `json:"id,omitempty"`
	Name       *string `json:"name"`
	LogID      string  `json:"logId,omitempty"`
}

// IsReference reports whether the value points at a tracked entity that link
// resolution should try to bind.
func (v FieldValue) IsReference() bool {
	return v.ID > 0 && v.EntityCode != "" && v.EntityCode != EnumEntityCode
}

// LogField pairs a display label with a field value.
type LogField struct {
	Label string     `json:"label"`
	Value FieldValue `json:"value"`
}

// Header is the top-level audit record for one entity mutation. The store key
// lives outside the document body, mirroring how search hits carry their id.
type Header struct {
	ID              string     `json:"-"`
	ActionType      ActionType `json:"actionType"`
	CreatedAt       LogTime    `json:"objectCreateDate"`
	DatabaseName    string     `json:"databaseName"`
	EntityID        int64      `json:"entityId"`
	EntityType      string     `json:"entityType"`
	EntityTypeCode  string     `json:"entityTypeCode"`
	UserLogin       string     `json:"userLogin"`
	Operator        string     `json:"operator"`
	SubdivisionID   int64      `json:"subdivisionId"`
	BusinessComment string     `json:"businessComment"`
	RequestID       string     `json:"requestId"`
}

// FieldData is the per-header field payload, stored in the per-entity-type
// index and owned 1:1 by a Header.
type FieldData struct {
	ID     string              `json:"-"`
	LogID  string              `json:"logId"`
	Fields map[string]LogField `json:"fields"`
}

// FieldDataIndex returns the logical index holding field data for an entity
// type code.
func FieldDataIndex(entityTypeCode string) string {
	return strings.ToLower(entityTypeCode)
}
