// Package metadata holds the statically-registered audit metadata for tracked
// entity types: which fields are logged, under what display label, and what
// role a field plays during extraction. It replaces the attribute/reflection
// scanning of older audit pipelines with an explicit table built at startup.
package metadata

import "fmt"

// FieldRole tags the extraction-time meaning of a field.
type FieldRole int

const (
	// RoleNone marks an ordinary tracked field.
	RoleNone FieldRole = iota
	// RoleIdentityKey marks the field carrying the entity's own id.
	RoleIdentityKey
	// RoleReferenceID marks a field whose value is the id of another tracked
	// entity.
	RoleReferenceID
	// RoleReferenceTypeCode marks the sibling field carrying the type code of
	// the entity referenced by the RoleReferenceID field.
	RoleReferenceTypeCode
	// RoleReferenceDisplayName marks the sibling field carrying the display
	// text of a referenced entity.
	RoleReferenceDisplayName
)

// Enum describes a tracked enumeration: a code-to-label table consulted at
// extraction time. Undefined codes render as an empty label, never an error.
type Enum struct {
	Name   string
	Labels map[int]string
}

// Label returns the display label for a code and whether it is defined.
func (e *Enum) Label(code int) (string, bool) {
	if e == nil {
		return "", false
	}
	label, ok := e.Labels[code]
	return label, ok
}

// Field is the audit metadata for one field of a tracked type. Fields without
// a label, or with Ignored set, are not tracked.
type Field struct {
	Key     string
	Label   string
	Ignored bool
	Role    FieldRole
	Enum    *Enum
}

// Type is the audit metadata for one entity type. Types without a display
// name, or with Ignored set, produce no audit records.
type Type struct {
	Code        string
	DisplayName string
	Ignored     bool
	Fields      []Field
}

// Linkable is implemented by composite field values that point at another
// tracked entity. It replaces the nested attribute scan of the original
// pipeline: the composite itself says what it links to.
type Linkable interface {
	LinkTypeCode() string
	LinkID() int64
	LinkName() string
}

// Registry is the process-wide metadata table, keyed by entity type code.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	types map[string]Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds one entity type. It rejects duplicate type codes, duplicate
// field keys, and more than one identity-key field.
func (r *Registry) Register(t Type) error {
	if t.Code == "" {
		return fmt.Errorf("entity type code is required")
	}
	if _, exists := r.types[t.Code]; exists {
		return fmt.Errorf("entity type %s already registered", t.Code)
	}

	seen := make(map[string]struct{}, len(t.Fields))
	identities := 0
	for _, field := range t.Fields {
		if field.Key == "" {
			return fmt.Errorf("entity type %s: field key is required", t.Code)
		}
		if _, dup := seen[field.Key]; dup {
			return fmt.Errorf("entity type %s: duplicate field %s", t.Code, field.Key)
		}
		seen[field.Key] = struct{}{}
		if field.Role == RoleIdentityKey {
			identities++
		}
	}
	if identities > 1 {
		return fmt.Errorf("entity type %s: multiple identity-key fields", t.Code)
	}

	r.types[t.Code] = t
	return nil
}

// MustRegister registers a type and panics on invalid metadata. Intended for
// the static registration blocks run at startup.
func (r *Registry) MustRegister(t Type) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the metadata for a type code.
func (r *Registry) Lookup(code string) (Type, bool) {
	t, ok := r.types[code]
	return t, ok
}
