package domain

// MutationValue is one side of a field mutation: the rendered text plus,
// for resolved entity references, the id of the referenced header record.
type MutationValue struct {
	ID   string  `json:"id,omitempty"`
	Name *string `json:"name"`
}

// FieldMutation describes how one field changed between the previous and the
// current record. One-sided mutations represent added or removed fields.
type FieldMutation struct {
	PropertyName string         `json:"propertyName"`
	OldValue     *MutationValue `json:"oldValue,omitempty"`
	NewValue     *MutationValue `json:"newValue,omitempty"`
}

// HeaderSummary is the list-endpoint row shape.
type HeaderSummary struct {
	ID              string     `json:"id"`
	ActionType      ActionType `json:"actionType"`
	EntityID        int64      `json:"entityId"`
	EntityType      string     `json:"entityType"`
	CreatedAt       LogTime    `json:"objectCreateDate"`
	UserLogin       string     `json:"userLogin"`
	Operator        string     `json:"operator"`
	BusinessComment string     `json:"businessComment"`
}

// LogHistory is the get-endpoint view: the header plus the ordered field
// mutations against its immediate predecessor.
type LogHistory struct {
	ID              string          `json:"id"`
	ActionType      ActionType      `json:"actionType"`
	EntityID        int64           `json:"entityId"`
	EntityType      string          `json:"entityType"`
	CreatedAt       LogTime         `json:"objectCreateDate"`
	UserLogin       string          `json:"userLogin"`
	Operator        string          `json:"operator"`
	BusinessComment string          `json:"businessComment"`
	History         []FieldMutation `json:"history"`
}
