package store

import (
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetCopiesOnWrite(t *testing.T) {
	d := NewData()
	d.Set("Todo3", "text", Scalar{V: "hi"})

	before, _ := d.Get("Todo3")
	d.Set("Todo3", "text", Scalar{V: "bye"})
	after, _ := d.Get("Todo3")

	if reflect.ValueOf(before).Pointer() == reflect.ValueOf(after).Pointer() {
		t.Fatal("entity object was mutated in place")
	}
	if before["text"].(Scalar).V != "hi" {
		t.Fatal("captured snapshot changed under the write")
	}
}

func TestSetEqualValueIsNoop(t *testing.T) {
	d := NewData()
	if !d.Set("Todo3", "text", Scalar{V: "hi"}) {
		t.Fatal("first write reported no change")
	}
	before, _ := d.Get("Todo3")
	if d.Set("Todo3", "text", Scalar{V: "hi"}) {
		t.Fatal("duplicate write reported a change")
	}
	after, _ := d.Get("Todo3")
	if reflect.ValueOf(before).Pointer() != reflect.ValueOf(after).Pointer() {
		t.Fatal("duplicate write replaced the entity object")
	}
}

func TestEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"scalars", Scalar{V: "x"}, Scalar{V: "x"}, true},
		{"scalar null", Scalar{}, Scalar{}, true},
		{"scalar mismatch", Scalar{V: 1}, Scalar{V: 2}, false},
		{"scalar vs ref", Scalar{V: "x"}, Ref{ID: "x"}, false},
		{"refs", Ref{ID: "User42"}, Ref{ID: "User42"}, true},
		{"ref generated flag", Ref{ID: "a", Generated: true}, Ref{ID: "a"}, false},
		{"json", JSON{V: map[string]any{"a": 1}}, JSON{V: map[string]any{"a": 1}}, true},
		{"lists", List{Elems: []Value{Ref{ID: "a"}, nil}}, List{Elems: []Value{Ref{ID: "a"}, nil}}, true},
		{"list length", List{Elems: []Value{Ref{ID: "a"}}}, List{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equal(tc.a, tc.b); got != tc.want {
				t.Fatalf("Equal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	entities := map[string]Object{
		RootQuery: {
			"todoList": Ref{ID: "TodoList5"},
			"user":     Ref{ID: "$ROOT_QUERY.user", Generated: true},
		},
		"TodoList5": {
			"todos": List{Elems: []Value{Ref{ID: "Todo3"}, nil, List{Elems: []Value{Ref{ID: "Todo6"}}}}},
		},
		"Todo3": {
			"text":     Scalar{V: "hi"},
			"done":     Scalar{V: false},
			"tags":     Scalar{V: []any{"a", "b"}},
			"count":    Scalar{V: float64(3)},
			"note":     Scalar{},
			"metadata": JSON{V: map[string]any{"color": "red"}},
		},
		"$ROOT_QUERY.user": {
			"name": Scalar{V: "jane"},
		},
	}

	snap := Encode(entities)
	decoded, err := Decode(snap)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(entities, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotWireShape(t *testing.T) {
	snap := Encode(map[string]Object{
		RootQuery: {"u": Ref{ID: "User42", Generated: false}},
		"User42":  {"profile": JSON{V: map[string]any{"bio": "x"}}},
	})

	ref := snap[RootQuery]["u"].(map[string]any)
	want := map[string]any{"type": "id", "id": "User42", "generated": false}
	if diff := cmp.Diff(want, ref); diff != "" {
		t.Fatalf("reference shape (-want +got):\n%s", diff)
	}
	blob := snap["User42"]["profile"].(map[string]any)
	if blob["type"] != "json" {
		t.Fatalf("blob marker = %v", blob["type"])
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode(Snapshot{"X": {"f": map[string]any{"type": "mystery"}}})
	if err == nil {
		t.Fatal("expected error for unknown type marker")
	}
	_, err = Decode(Snapshot{"X": {"f": map[string]any{"type": "id", "id": 42}}})
	if err == nil {
		t.Fatal("expected error for non-string reference id")
	}
}
