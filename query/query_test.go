package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/protocol"
)

func row(title string) Row {
	return Row{"title": protocol.Text(title)}
}

func TestMakePatches_NoPreviousIsReplaceAll(t *testing.T) {
	next := []Row{row("a"), row("b")}
	patches := MakePatches(nil, next)
	require.Len(t, patches, 1)
	require.Equal(t, ReplaceAll, patches[0].Kind)
	require.Equal(t, next, patches[0].Rows)
}

func TestMakePatches_LengthChangeIsReplaceAll(t *testing.T) {
	prev := []Row{row("a")}
	next := []Row{row("a"), row("b")}
	patches := MakePatches(prev, next)
	require.Len(t, patches, 1)
	require.Equal(t, ReplaceAll, patches[0].Kind)
}

func TestMakePatches_SingleRowChangeIsReplaceAt(t *testing.T) {
	prev := []Row{row("a"), row("b"), row("c")}
	next := []Row{row("a"), row("B"), row("c")}
	patches := MakePatches(prev, next)
	require.Len(t, patches, 1)
	require.Equal(t, ReplaceAt, patches[0].Kind)
	require.Equal(t, 1, patches[0].Index)
}

func TestMakePatches_AllRowsDifferCollapsesToReplaceAll(t *testing.T) {
	prev := []Row{row("a"), row("b")}
	next := []Row{row("x"), row("y")}
	patches := MakePatches(prev, next)
	require.Len(t, patches, 1)
	require.Equal(t, ReplaceAll, patches[0].Kind)
}

func TestMakePatches_NoChangeIsEmpty(t *testing.T) {
	prev := []Row{row("a"), row("b")}
	next := []Row{row("a"), row("b")}
	patches := MakePatches(prev, next)
	require.Empty(t, patches)
}

func TestPatchRoundTrip(t *testing.T) {
	cases := [][2][]Row{
		{nil, {row("a")}},
		{{row("a")}, {row("a"), row("b")}},
		{{row("a"), row("b"), row("c")}, {row("a"), row("B"), row("c")}},
		{{row("a"), row("b")}, {row("x"), row("y")}},
		{{row("a")}, {row("a")}},
	}

	for _, c := range cases {
		prev, next := c[0], c[1]
		patches := MakePatches(prev, next)
		got := ApplyPatches(patches, prev)
		require.Equal(t, next, got)
	}
}

type fakeExecutor struct {
	calls int
	rows  []Row
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string, args ...interface{}) ([]Row, error) {
	f.calls++
	return f.rows, nil
}

func TestEngine_LoadQueries_OmitsUnchanged(t *testing.T) {
	exec := &fakeExecutor{rows: []Row{row("a")}}
	engine := NewEngine(exec)
	engine.Subscribe("todos")

	patches, err := engine.LoadQueries(context.Background(), []Spec{{Key: "todos", SQL: "select * from todo"}})
	require.NoError(t, err)
	require.Contains(t, patches, "todos")

	patches, err = engine.LoadQueries(context.Background(), []Spec{{Key: "todos", SQL: "select * from todo"}})
	require.NoError(t, err)
	require.NotContains(t, patches, "todos", "re-running an unchanged query should produce no patches")
}

func TestEngine_UnsubscribeEvictsCache(t *testing.T) {
	exec := &fakeExecutor{rows: []Row{row("a")}}
	engine := NewEngine(exec)
	engine.Subscribe("todos")

	_, err := engine.LoadQueries(context.Background(), []Spec{{Key: "todos", SQL: "select * from todo"}})
	require.NoError(t, err)

	engine.Unsubscribe("todos")

	patches, err := engine.LoadQueries(context.Background(), []Spec{{Key: "todos", SQL: "select * from todo"}})
	require.NoError(t, err)
	require.Contains(t, patches, "todos", "after eviction a resubscribe must see a fresh ReplaceAll")
	require.Equal(t, ReplaceAll, patches["todos"][0].Kind)
}
