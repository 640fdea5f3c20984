package store

// Clause is one node of a compiled query tree. The tree is built by the query
// translation layer and compiled by a DocumentStore implementation; it never
// references store client types, so translation is unit-testable on its own.
type Clause interface {
	clause()
}

// Term matches a document whose field equals the value exactly. Numeric
// values compare numerically, strings textually.
type Term struct {
	Field string
	Value any
}

// Range matches a document whose field falls inside the given bounds. Nil
// bounds are open. String bounds compare lexicographically (timestamps are
// stored in a lexicographically ordered layout); numeric bounds compare
// numerically.
type Range struct {
	Field string
	GTE   any
	GT    any
	LTE   any
	LT    any
}

// MatchFuzzy matches a document whose field contains the query text, with an
// edit-distance tolerance. Fuzziness 0 degrades to a plain containment match.
type MatchFuzzy struct {
	Field     string
	Query     string
	Fuzziness int
}

// Nested matches against fields of documents holding a nested object map,
// addressing values by dotted path under Path.
type Nested struct {
	Path   string
	Clause Clause
}

// IDs matches documents by store key.
type IDs struct {
	Values []string
}

// Bool combines clauses: Must are conjunctive, MustNot negated, Should
// disjunctive.
type Bool struct {
	Must    []Clause
	MustNot []Clause
	Should  []Clause
}

func (Term) clause()       {}
func (Range) clause()      {}
func (MatchFuzzy) clause() {}
func (Nested) clause()     {}
func (IDs) clause()        {}
func (Bool) clause()       {}

// Sort orders results by one document field.
type Sort struct {
	Field      string
	Descending bool
}

// SearchRequest describes one search against a logical index. A nil Query
// matches all documents. Size <= 0 means no explicit limit.
type SearchRequest struct {
	Index string
	Query Clause
	Sort  []Sort
	From  int
	Size  int
}
