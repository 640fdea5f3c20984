package domain

// PendingLog is one not-yet-persisted audit entry: the header metadata plus
// the extracted field map. It doubles as the write-endpoint request shape.
type PendingLog struct {
	ActionType      ActionType          `json:"actionType"`
	CreatedDate     LogTime             `json:"createdDate"`
	DatabaseName    string              `json:"databaseName"`
	EntityTypeCode  string              `json:"entityTypeCode"`
	EntityID        int64               `json:"entityId"`
	EntityType      string              `json:"entityType"`
	UserLogin       string              `json:"userLogin"`
	Operator        string              `json:"operatorName"`
	SubdivisionID   int64               `json:"subdivisionId"`
	BusinessComment string              `json:"businessComment"`
	Fields          map[string]LogField `json:"fields"`
}
