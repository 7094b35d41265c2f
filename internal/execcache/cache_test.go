package execcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/filestore"
)

func dur(d time.Duration) *time.Duration { return &d }

func echoGroup(limit time.Duration) dag.ExecutionGroup {
	return dag.ExecutionGroup{
		Uuid: "g1",
		Executions: []dag.Execution{{
			Uuid:    "e1",
			Command: "/bin/cat",
			Args:    []string{"in"},
			Inputs:  []dag.InputBinding{{File: "f", SandboxPath: "in"}},
			Outputs: []dag.OutputDeclaration{{SandboxPath: "stdout", File: "out"}},
			Limits:  dag.Limits{CPUTime: dur(limit)},
		}},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestore.Open(context.Background(), dir, 64, 32)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	ctx := context.Background()

	outKey := filekey.SumBytes([]byte("42"))
	require.NoError(t, fs.Store(ctx, outKey, strings.NewReader("42")))

	c := New()
	group := echoGroup(2 * time.Second)
	resolved := map[dag.FileUuid]filekey.Key{"f": filekey.Empty}
	results := []dag.ExecutionResult{{Status: dag.StatusSuccess, Resources: dag.Resources{CPUTime: 1800 * time.Millisecond}}}
	outputs := []map[dag.FileUuid]filekey.Key{{"out": outKey}}

	c.Insert(group, resolved, results, outputs)

	hit, ok := c.Lookup(ctx, group, resolved, fs)
	require.True(t, ok)
	require.Len(t, hit.Outputs, 1)
	assert.Equal(t, outKey, hit.Outputs[0]["out"])
	assert.True(t, hit.Results[0].WasCached)
	for _, h := range hit.Handles {
		h.Release()
	}
}

func TestCacheLimitTighteningRecategorizes(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestore.Open(context.Background(), dir, 64, 32)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	ctx := context.Background()

	outKey := filekey.Empty
	require.NoError(t, fs.Store(ctx, outKey, strings.NewReader("")))

	c := New()
	group := echoGroup(2 * time.Second)
	resolved := map[dag.FileUuid]filekey.Key{}
	results := []dag.ExecutionResult{{Status: dag.StatusSuccess, Resources: dag.Resources{CPUTime: 1800 * time.Millisecond}}}
	outputs := []map[dag.FileUuid]filekey.Key{{"out": outKey}}
	c.Insert(group, resolved, results, outputs)

	tighter := echoGroup(1500 * time.Millisecond)
	hit, ok := c.Lookup(ctx, tighter, resolved, fs)
	require.True(t, ok)
	assert.Equal(t, dag.StatusTimeLimitExceeded, hit.Results[0].Status)
	assert.True(t, hit.Results[0].WasCached)
	for _, h := range hit.Handles {
		h.Release()
	}
}

func TestCacheLimitFailureNotCompatibleWithLooserLimit(t *testing.T) {
	c := New()
	group := echoGroup(500 * time.Millisecond)
	resolved := map[dag.FileUuid]filekey.Key{}
	results := []dag.ExecutionResult{{Status: dag.StatusTimeLimitExceeded, Resources: dag.Resources{CPUTime: 2 * time.Second}}}
	c.Insert(group, resolved, results, []map[dag.FileUuid]filekey.Key{{}})

	looser := echoGroup(10 * time.Second)
	_, ok := c.Lookup(context.Background(), looser, resolved, nil)
	assert.False(t, ok, "a limit-driven failure must not be replayed against a looser limit")
}

func TestLimitsLessEqual(t *testing.T) {
	tests := map[string]struct {
		l1, l2 dag.Limits
		want   bool
	}{
		"both unset":     {want: true},
		"l1 unset l2 set": {l2: dag.Limits{CPUTime: dur(time.Second)}, want: true},
		"l1 set l2 unset": {l1: dag.Limits{CPUTime: dur(time.Second)}, want: true},
		"l1 greater":      {l1: dag.Limits{CPUTime: dur(2 * time.Second)}, l2: dag.Limits{CPUTime: dur(time.Second)}, want: true},
		"l1 less":         {l1: dag.Limits{CPUTime: dur(time.Second)}, l2: dag.Limits{CPUTime: dur(2 * time.Second)}, want: false},
		"l1 equal":        {l1: dag.Limits{CPUTime: dur(time.Second)}, l2: dag.Limits{CPUTime: dur(time.Second)}, want: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, LimitsLessEqual(tc.l1, tc.l2))
		})
	}
}
