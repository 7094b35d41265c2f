package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veluca93/task-maker-go/internal/dag"
	"github.com/veluca93/task-maker-go/internal/filekey"
)

func TestGobCodecRoundTripsClientMessage(t *testing.T) {
	wall := 2 * time.Second
	key := filekey.Key{1, 2, 3}

	in := &ClientMessage{
		Evaluate: &EvaluateRequest{
			DAG: dag.DAG{
				Groups: []dag.ExecutionGroup{
					{
						Uuid: dag.GroupUuid("g1"),
						Executions: []dag.Execution{
							{
								Uuid:    dag.ExecUuid("e1"),
								Command: "/bin/echo",
								Args:    []string{"hi"},
								Limits:  dag.Limits{WallTime: &wall},
							},
						},
					},
				},
				Provided: []dag.ProvidedFile{
					{Uuid: dag.FileUuid("f1"), Key: key},
				},
			},
			Callbacks: Callbacks{
				WatchExecutions: map[dag.ExecUuid]struct{}{"e1": {}},
				WatchFiles:      map[dag.FileUuid]WatchedFile{"f1": {Urgent: true}},
			},
		},
	}

	codec := gobCodec{}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out ClientMessage
	require.NoError(t, codec.Unmarshal(data, &out))

	require.NotNil(t, out.Evaluate)
	require.Len(t, out.Evaluate.DAG.Groups, 1)
	require.Equal(t, "/bin/echo", out.Evaluate.DAG.Groups[0].Executions[0].Command)
	require.NotNil(t, out.Evaluate.DAG.Groups[0].Executions[0].Limits.WallTime)
	require.Equal(t, wall, *out.Evaluate.DAG.Groups[0].Executions[0].Limits.WallTime)
	require.Equal(t, key, out.Evaluate.DAG.Provided[0].Key)
	require.True(t, out.Evaluate.Callbacks.WatchFiles["f1"].Urgent)
	_, watched := out.Evaluate.Callbacks.WatchExecutions["e1"]
	require.True(t, watched)
}

func TestGobCodecRoundTripsHelloAndServerToWorkerMessage(t *testing.T) {
	codec := gobCodec{}

	hello := &WorkerMessage{Hello: &Hello{Version: ProtocolVersion, Secret: "s3cr3t"}}
	data, err := codec.Marshal(hello)
	require.NoError(t, err)
	var outHello WorkerMessage
	require.NoError(t, codec.Unmarshal(data, &outHello))
	require.Equal(t, ProtocolVersion, outHello.Hello.Version)
	require.Equal(t, "s3cr3t", outHello.Hello.Secret)

	kill := &ServerToWorkerMessage{KillJob: &KillJob{Group: dag.GroupUuid("g1")}}
	data, err = codec.Marshal(kill)
	require.NoError(t, err)
	var outKill ServerToWorkerMessage
	require.NoError(t, codec.Unmarshal(data, &outKill))
	require.Nil(t, outKill.Hello)
	require.NotNil(t, outKill.KillJob)
	require.Equal(t, dag.GroupUuid("g1"), outKill.KillJob.Group)
}

func TestCodecName(t *testing.T) {
	require.Equal(t, "gob", gobCodec{}.Name())
	require.Equal(t, CodecName, gobCodec{}.Name())
}
