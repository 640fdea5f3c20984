package domain

// FilterOperator enumerates the supported filter comparison kinds.
type FilterOperator string

const (
	OperatorEq   FilterOperator = "eq"
	OperatorGte  FilterOperator = "gte"
	OperatorLte  FilterOperator = "lte"
	OperatorNe   FilterOperator = "ne"
	OperatorIn   FilterOperator = "in"
	OperatorLike FilterOperator = "like"
)

// FilterDescriptor is one caller-supplied filter clause over a logical field.
type FilterDescriptor struct {
	Property string         `json:"property"`
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value"`
}

// SortDirection represents ordering direction for sortable fields.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// SortDescriptor is one caller-supplied ordering preference.
type SortDescriptor struct {
	Property  string        `json:"property"`
	Direction SortDirection `json:"direction"`
}

// PageRequest selects a result window.
type PageRequest struct {
	Offset int `json:"start"`
	Limit  int `json:"limit"`
}
