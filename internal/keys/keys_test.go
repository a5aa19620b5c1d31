package keys

import (
	"errors"
	"testing"

	language "github.com/hanpama/graphcache/internal/language"
)

func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

func firstField(t *testing.T, q string) *language.Field {
	t.Helper()
	doc := mustParseQuery(t, q)
	sel := doc.Operations[0].SelectionSet[0]
	f, ok := sel.(*language.Field)
	if !ok {
		t.Fatalf("first selection is %T, want field", sel)
	}
	return f
}

func TestField_NoArguments(t *testing.T) {
	f := firstField(t, `{ todos { id } }`)
	key, err := Field(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "todos" {
		t.Fatalf("key = %q, want %q", key, "todos")
	}
}

func TestField_ArgumentOrderIndependence(t *testing.T) {
	a := firstField(t, `{ todos(completed: true, first: 10) { id } }`)
	b := firstField(t, `{ todos(first: 10, completed: true) { id } }`)
	ka, err := Field(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := Field(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ka != kb {
		t.Fatalf("keys differ: %q vs %q", ka, kb)
	}
	if ka != `todos({"completed":true,"first":10})` {
		t.Fatalf("canonical key = %q", ka)
	}
}

func TestField_ObjectArgumentSortsNestedKeys(t *testing.T) {
	f := firstField(t, `{ search(filter: {text: "hi", done: false}) { id } }`)
	key, err := Field(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := `search({"filter":{"done":false,"text":"hi"}})`
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}

func TestField_VariableSubstitution(t *testing.T) {
	f := firstField(t, `query Q($done: Boolean) { todos(completed: $done) { id } }`)
	key, err := Field(f, map[string]any{"done": true})
	if err != nil {
		t.Fatal(err)
	}
	if key != `todos({"completed":true})` {
		t.Fatalf("key = %q", key)
	}

	// An absent variable encodes as null.
	key, err = Field(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != `todos({"completed":null})` {
		t.Fatalf("key = %q", key)
	}
}

func TestField_KindCoverage(t *testing.T) {
	f := firstField(t, `{ q(i: 3, fl: 1.5, s: "x", b: false, e: ASC, n: null, l: [1, 2]) { id } }`)
	key, err := Field(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := `q({"b":false,"e":"ASC","fl":1.5,"i":3,"l":[1,2],"n":null,"s":"x"})`
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}

func TestField_AliasDoesNotAffectKey(t *testing.T) {
	f := firstField(t, `{ mine: todos(completed: true) { id } }`)
	key, err := Field(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != `todos({"completed":true})` {
		t.Fatalf("key = %q", key)
	}
	if Response(f) != "mine" {
		t.Fatalf("response key = %q, want %q", Response(f), "mine")
	}
}

func TestValueFromAST_UnsupportedKind(t *testing.T) {
	v := &language.Value{Kind: language.ValueKind(99), Raw: "?"}
	_, err := ValueFromAST(v, nil)
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}
