package graphcache

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustParseQuery(t *testing.T, q string) *QueryDocument {
	t.Helper()
	d, err := ParseQuery(q)
	require.NoError(t, err, "parse error")
	return d
}

func identifyByTypename(obj map[string]any) string {
	tn, _ := obj["__typename"].(string)
	id, _ := obj["id"].(string)
	if tn == "" || id == "" {
		return ""
	}
	return tn + id
}

// newTestCache flushes broadcasts synchronously so tests observe watcher
// callbacks deterministically.
func newTestCache() *Cache {
	return New(
		WithIdentify(identifyByTypename),
		WithScheduler(func(flush func()) { flush() }),
	)
}

const todoListQuery = `{
        todoList {
                __typename
                id
                todos { __typename id text }
        }
}`

func todoListResult() map[string]any {
	return map[string]any{
		"todoList": map[string]any{
			"__typename": "TodoList",
			"id":         "5",
			"todos": []any{
				map[string]any{"__typename": "Todo", "id": "3", "text": "three"},
				map[string]any{"__typename": "Todo", "id": "6", "text": "six"},
				map[string]any{"__typename": "Todo", "id": "12", "text": "twelve"},
			},
		},
	}
}

func TestBasicNormalizationRoundTrip(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	result := todoListResult()
	require.NoError(t, c.Write(doc, result, nil))

	snap := c.Extract(false)
	ref, ok := snap[RootQuery]["todoList"].(map[string]any)
	require.True(t, ok, "root slot is not a reference: %#v", snap[RootQuery]["todoList"])
	require.Equal(t, "TodoList5", ref["id"])
	require.Equal(t, false, ref["generated"])
	require.Equal(t, "three", snap["Todo3"]["text"])

	res, err := c.Read(doc, nil)
	require.NoError(t, err)
	require.Empty(t, res.Missing)
	if diff := cmp.Diff(result, res.Data); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestArgumentKeyedFieldsCoexist(t *testing.T) {
	c := newTestCache()
	filtered := mustParseQuery(t, `{ todos(completed: true) { __typename id } }`)
	bare := mustParseQuery(t, `{ todos { __typename id } }`)

	require.NoError(t, c.Write(filtered, map[string]any{"todos": []any{}}, nil))
	require.NoError(t, c.Write(bare, map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "3"}},
	}, nil))

	resF, err := c.Read(filtered, nil)
	require.NoError(t, err)
	require.Empty(t, resF.Missing)
	require.Len(t, resF.Data["todos"], 0)

	resB, err := c.Read(bare, nil)
	require.NoError(t, err)
	require.Empty(t, resB.Missing)
	require.Len(t, resB.Data["todos"], 1)
}

func TestSyntheticRealReconciliation(t *testing.T) {
	c := newTestCache()
	anon := mustParseQuery(t, `{ user { name } }`)
	require.NoError(t, c.Write(anon, map[string]any{
		"user": map[string]any{"name": "jane"},
	}, nil))

	snap := c.Extract(false)
	require.Contains(t, snap, "$ROOT_QUERY.user")

	named := mustParseQuery(t, `{ user { __typename id } }`)
	require.NoError(t, c.Write(named, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "42"},
	}, nil))

	snap = c.Extract(false)
	require.NotContains(t, snap, "$ROOT_QUERY.user")
	require.Equal(t, "jane", snap["User42"]["name"])
	ref := snap[RootQuery]["user"].(map[string]any)
	require.Equal(t, "User42", ref["id"])
	require.Equal(t, false, ref["generated"])

	// The merged entity serves the original selection.
	res, err := c.Read(anon, nil)
	require.NoError(t, err)
	require.Empty(t, res.Missing)
	require.Equal(t, "jane", res.Data["user"].(map[string]any)["name"])
}

func TestIdentityOverwriteRejected(t *testing.T) {
	c := newTestCache()
	named := mustParseQuery(t, `{ u { __typename id } }`)
	require.NoError(t, c.Write(named, map[string]any{
		"u": map[string]any{"__typename": "User", "id": "42"},
	}, nil))

	anon := mustParseQuery(t, `{ u { name } }`)
	err := c.Write(anon, map[string]any{
		"u": map[string]any{"name": "anonymous"},
	}, nil)
	require.ErrorIs(t, err, ErrIdentityOverwrite)
}

func TestIdentityViolation(t *testing.T) {
	c := New(
		WithIdentify(func(map[string]any) string { return "$nope" }),
		WithScheduler(func(flush func()) { flush() }),
	)
	doc := mustParseQuery(t, `{ u { name } }`)
	err := c.Write(doc, map[string]any{"u": map[string]any{"name": "x"}}, nil)
	require.ErrorIs(t, err, ErrIdentityViolation)
}

// prependTodo returns an optimistic update that reads the current list
// through the layer stack and writes it back with a new todo in front.
// It is deterministic, as rebase replay requires.
func prependTodo(doc *QueryDocument, id, text string) func(*Txn) error {
	return func(tx *Txn) error {
		res, err := tx.Read(doc, nil)
		if err != nil {
			return err
		}
		list, _ := res.Data["todoList"].(map[string]any)
		if list == nil {
			return errors.New("todoList not in cache")
		}
		todos, _ := list["todos"].([]any)
		list["todos"] = append([]any{
			map[string]any{"__typename": "Todo", "id": id, "text": text},
		}, todos...)
		return tx.Write(doc, map[string]any{"todoList": list}, nil)
	}
}

func todoTexts(t *testing.T, res *Result) []string {
	t.Helper()
	list, ok := res.Data["todoList"].(map[string]any)
	require.True(t, ok, "todoList missing: %#v", res.Data)
	raw := list["todos"].([]any)
	out := make([]string, len(raw))
	for i, e := range raw {
		out[i] = e.(map[string]any)["text"].(string)
	}
	return out
}

func TestOptimisticInsertAndRollback(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	var fired []*Result
	unsub, err := c.Watch(doc, nil, "", func(res *Result) { fired = append(fired, res) })
	require.NoError(t, err)
	defer unsub()
	require.Len(t, fired, 1)

	require.NoError(t, c.RecordOptimistic("m1", prependTodo(doc, "99", "ninety-nine")))
	require.Len(t, fired, 2)
	require.Equal(t, []string{"ninety-nine", "three", "six", "twelve"}, todoTexts(t, fired[1]))

	c.RemoveOptimistic("m1")
	require.Len(t, fired, 3)
	require.Equal(t, []string{"three", "six", "twelve"}, todoTexts(t, fired[2]))

	require.NotContains(t, c.Extract(true), "Todo99")
}

func TestConcurrentOptimisticMiddleFails(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	require.NoError(t, c.RecordOptimistic("mA", prependTodo(doc, "99", "ninety-nine")))
	require.NoError(t, c.RecordOptimistic("mB", prependTodo(doc, "66", "sixty-six")))

	res, err := c.Read(doc, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"sixty-six", "ninety-nine", "three", "six", "twelve"}, todoTexts(t, res))

	// A errored server-side: B replays over the base alone.
	c.RemoveOptimistic("mA")

	res, err = c.Read(doc, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"sixty-six", "three", "six", "twelve"}, todoTexts(t, res))
	require.NotContains(t, c.Extract(true), "Todo99")
	require.Contains(t, c.Extract(true), "Todo66")
}

func TestCommitOptimisticDoesNotRefire(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	var fired []*Result
	unsub, err := c.Watch(doc, nil, "", func(res *Result) { fired = append(fired, res) })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, c.RecordOptimistic("m1", prependTodo(doc, "99", "ninety-nine")))
	require.Len(t, fired, 2)

	// The authoritative response lands in the base, then the layer
	// retires. The effective tree never changes, so the watcher is quiet.
	authoritative := todoListResult()
	list := authoritative["todoList"].(map[string]any)
	list["todos"] = append([]any{
		map[string]any{"__typename": "Todo", "id": "99", "text": "ninety-nine"},
	}, list["todos"].([]any)...)
	require.NoError(t, c.Write(doc, authoritative, nil))
	c.CommitOptimistic("m1")

	require.Len(t, fired, 2)
	res, err := c.Read(doc, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"ninety-nine", "three", "six", "twelve"}, todoTexts(t, res))
}

func TestIdempotentWriteDoesNotNotify(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	var fired int
	unsub, err := c.Watch(doc, nil, "", func(*Result) { fired++ })
	require.NoError(t, err)
	defer unsub()
	require.Equal(t, 1, fired)

	require.NoError(t, c.Write(doc, todoListResult(), nil))
	require.Equal(t, 1, fired, "duplicate write fired a watcher")
}

func TestFragmentReadWrite(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	frag := mustParseQuery(t, `fragment TodoParts on Todo { text done }`)
	require.NoError(t, c.WriteFragment("Todo3", frag, "", map[string]any{
		"text": "three!", "done": true,
	}, nil))

	res, err := c.ReadFragment("Todo3", frag, "TodoParts", nil)
	require.NoError(t, err)
	require.Empty(t, res.Missing)
	want := map[string]any{"text": "three!", "done": true}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("fragment read (-want +got):\n%s", diff)
	}
}

func TestWriteFragmentPartialIsSoft(t *testing.T) {
	c := newTestCache()
	frag := mustParseQuery(t, `fragment TodoParts on Todo { text done }`)
	// done is absent: the fragment write is abandoned at that point but
	// does not fail.
	require.NoError(t, c.WriteFragment("Todo3", frag, "", map[string]any{
		"text": "hi",
	}, nil))
	res, err := c.ReadFragment("Todo3", frag, "", nil)
	require.NoError(t, err)
	require.Equal(t, "hi", res.Data["text"])
	require.Len(t, res.Missing, 1)
}

func TestExtractRestore(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	snap := c.Extract(false)

	restored := newTestCache()
	require.NoError(t, restored.Restore(snap))
	res, err := restored.Read(doc, nil)
	require.NoError(t, err)
	require.Empty(t, res.Missing)
	if diff := cmp.Diff(todoListResult(), res.Data); diff != "" {
		t.Fatalf("restored read (-want +got):\n%s", diff)
	}
}

func TestExtractIncludesOptimisticOnRequest(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))
	require.NoError(t, c.RecordOptimistic("m1", prependTodo(doc, "99", "ninety-nine")))

	require.NotContains(t, c.Extract(false), "Todo99")
	require.Contains(t, c.Extract(true), "Todo99")
}

func TestReset(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, todoListQuery)
	require.NoError(t, c.Write(doc, todoListResult(), nil))

	var last *Result
	unsub, err := c.Watch(doc, nil, "", func(res *Result) { last = res })
	require.NoError(t, err)
	defer unsub()

	c.Reset()
	require.NotEmpty(t, last.Missing, "watcher did not observe the reset")
	require.Empty(t, c.Extract(true))
}

func TestVariablesKeyReads(t *testing.T) {
	c := newTestCache()
	doc := mustParseQuery(t, `query Q($done: Boolean) { todos(completed: $done) { __typename id } }`)
	require.NoError(t, c.Write(doc, map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "3"}},
	}, map[string]any{"done": true}))

	hit, err := c.Read(doc, map[string]any{"done": true})
	require.NoError(t, err)
	require.Empty(t, hit.Missing)

	miss, err := c.Read(doc, map[string]any{"done": false})
	require.NoError(t, err)
	require.Len(t, miss.Missing, 1)
}
