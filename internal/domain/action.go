package domain

import "fmt"

// ActionType classifies what happened to an entity in one audit record.
type ActionType int

const (
	ActionCreate        ActionType = 1
	ActionEdit          ActionType = 2
	ActionDelete        ActionType = 3
	ActionActualization ActionType = 4
)

func (a ActionType) String() string {
	switch a {
	case ActionCreate:
		return "Create"
	case ActionEdit:
		return "Edit"
	case ActionDelete:
		return "Delete"
	case ActionActualization:
		return "Actualization"
	default:
		return fmt.Sprintf("ActionType(%d)", int(a))
	}
}

// Valid reports whether the action is one of the known kinds.
func (a ActionType) Valid() bool {
	return a >= ActionCreate && a <= ActionActualization
}
