package store

import (
	"strings"
	"testing"
)

func compile(t *testing.T, c Clause) (string, []any) {
	t.Helper()
	b := &sqlBuilder{}
	sql, err := compileClause(c, b)
	if err != nil {
		t.Fatalf("compile returned error: %v", err)
	}
	return sql, b.args
}

func TestFieldExpr(t *testing.T) {
	if got := fieldExpr("entityId"); got != "body ->> 'entityId'" {
		t.Fatalf("unexpected flat expression: %s", got)
	}
	if got := fieldExpr("fields.owner.value.name"); got != "body #>> '{fields,owner,value,name}'" {
		t.Fatalf("unexpected path expression: %s", got)
	}
}

func TestCompileNilMatchesAll(t *testing.T) {
	sql, args := compile(t, nil)
	if sql != "TRUE" || len(args) != 0 {
		t.Fatalf("unexpected compilation: %s %v", sql, args)
	}
}

func TestCompileTermCastsNumbers(t *testing.T) {
	sql, args := compile(t, Term{Field: "entityId", Value: int64(42)})
	if sql != "(body ->> 'entityId')::numeric = $1" {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if len(args) != 1 || args[0] != int64(42) {
		t.Fatalf("unexpected args: %v", args)
	}

	sql, _ = compile(t, Term{Field: "entityTypeCode", Value: "Contract"})
	if sql != "body ->> 'entityTypeCode' = $1" {
		t.Fatalf("string terms must compare textually: %s", sql)
	}
}

func TestCompileRange(t *testing.T) {
	sql, args := compile(t, Range{
		Field: "objectCreateDate",
		GTE:   "2026-03-14T00:00:00.000",
		LT:    "2026-03-15T00:00:00.000",
	})
	want := "(body ->> 'objectCreateDate' >= $1 AND body ->> 'objectCreateDate' < $2)"
	if sql != want {
		t.Fatalf("unexpected sql: %s", sql)
	}
	if len(args) != 2 {
		t.Fatalf("unexpected args: %v", args)
	}

	if _, err := compileClause(Range{Field: "x"}, &sqlBuilder{}); err == nil {
		t.Fatalf("unbounded range must be rejected")
	}
}

func TestCompileMatchFuzzy(t *testing.T) {
	sql, args := compile(t, MatchFuzzy{Field: "userLogin", Query: "jdoe", Fuzziness: 1})
	if !strings.Contains(sql, "ILIKE $1") {
		t.Fatalf("expected containment arm: %s", sql)
	}
	if !strings.Contains(sql, "levenshtein_less_equal(lower(body ->> 'userLogin'), lower($2), 1) <= 1") {
		t.Fatalf("expected edit-distance arm: %s", sql)
	}
	if args[0] != "%jdoe%" || args[1] != "jdoe" {
		t.Fatalf("unexpected args: %v", args)
	}

	sql, _ = compile(t, MatchFuzzy{Field: "userLogin", Query: "jdoe"})
	if strings.Contains(sql, "levenshtein") {
		t.Fatalf("zero fuzziness must degrade to containment: %s", sql)
	}
}

func TestCompileIDs(t *testing.T) {
	sql, args := compile(t, IDs{Values: []string{"a", "b"}})
	if sql != "id = ANY($1)" {
		t.Fatalf("unexpected sql: %s", sql)
	}
	values, ok := args[0].([]string)
	if !ok || len(values) != 2 {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestCompileNestedUnwraps(t *testing.T) {
	sql, _ := compile(t, Nested{
		Path:   "fields",
		Clause: Term{Field: "fields.owner.value.id", Value: int64(7)},
	})
	if sql != "(body #>> '{fields,owner,value,id}')::numeric = $1" {
		t.Fatalf("unexpected sql: %s", sql)
	}
}

func TestCompileBool(t *testing.T) {
	sql, args := compile(t, Bool{
		Must: []Clause{
			Term{Field: "entityTypeCode", Value: "Contract"},
			Term{Field: "entityId", Value: int64(1)},
		},
		MustNot: []Clause{Term{Field: "actionType", Value: int64(4)}},
		Should: []Clause{
			Term{Field: "userLogin", Value: "a"},
			Term{Field: "userLogin", Value: "b"},
		},
	})

	if !strings.HasPrefix(sql, "(") || !strings.HasSuffix(sql, ")") {
		t.Fatalf("compound clause must be parenthesized: %s", sql)
	}
	if !strings.Contains(sql, "NOT ((body ->> 'actionType')::numeric = $3)") {
		t.Fatalf("expected negated arm: %s", sql)
	}
	if !strings.Contains(sql, "$4 OR body ->> 'userLogin' = $5") {
		t.Fatalf("expected disjunctive arm: %s", sql)
	}
	if len(args) != 5 {
		t.Fatalf("unexpected arg count: %v", args)
	}

	sql, _ = compile(t, Bool{})
	if sql != "TRUE" {
		t.Fatalf("empty bool must match all: %s", sql)
	}
}
