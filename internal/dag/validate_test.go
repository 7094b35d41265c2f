package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veluca93/task-maker-go/internal/filekey"
)

func TestValidate(t *testing.T) {
	fileA := FileUuid("a")
	fileB := FileUuid("b")

	tests := map[string]struct {
		dag     DAG
		wantErr bool
	}{
		"empty dag": {
			dag: DAG{},
		},
		"provided satisfies input": {
			dag: DAG{
				Provided: []ProvidedFile{{Uuid: fileA, Key: filekey.Empty}},
				Groups: []ExecutionGroup{{
					Uuid: "g1",
					Executions: []Execution{{
						Uuid:   "e1",
						Inputs: []InputBinding{{File: fileA, SandboxPath: "in"}},
					}},
				}},
			},
		},
		"dangling input": {
			dag: DAG{
				Groups: []ExecutionGroup{{
					Uuid: "g1",
					Executions: []Execution{{
						Uuid:   "e1",
						Inputs: []InputBinding{{File: fileA, SandboxPath: "in"}},
					}},
				}},
			},
			wantErr: true,
		},
		"two stage pipeline": {
			dag: DAG{
				Groups: []ExecutionGroup{
					{
						Uuid: "g1",
						Executions: []Execution{{
							Uuid:    "e1",
							Outputs: []OutputDeclaration{{SandboxPath: "out", File: fileA}},
						}},
					},
					{
						Uuid: "g2",
						Executions: []Execution{{
							Uuid:   "e2",
							Inputs: []InputBinding{{File: fileA, SandboxPath: "in"}},
						}},
					},
				},
			},
		},
		"self produced and provided": {
			dag: DAG{
				Provided: []ProvidedFile{{Uuid: fileA, Key: filekey.Empty}},
				Groups: []ExecutionGroup{{
					Uuid: "g1",
					Executions: []Execution{{
						Uuid:    "e1",
						Outputs: []OutputDeclaration{{SandboxPath: "out", File: fileA}},
					}},
				}},
			},
			wantErr: true,
		},
		"cycle between groups": {
			dag: DAG{
				Groups: []ExecutionGroup{
					{
						Uuid: "g1",
						Executions: []Execution{{
							Uuid:    "e1",
							Inputs:  []InputBinding{{File: fileB, SandboxPath: "in"}},
							Outputs: []OutputDeclaration{{SandboxPath: "out", File: fileA}},
						}},
					},
					{
						Uuid: "g2",
						Executions: []Execution{{
							Uuid:    "e2",
							Inputs:  []InputBinding{{File: fileA, SandboxPath: "in"}},
							Outputs: []OutputDeclaration{{SandboxPath: "out", File: fileB}},
						}},
					},
				},
			},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := Validate(&tc.dag)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestInitialReadySet(t *testing.T) {
	fileA := FileUuid("a")
	d := DAG{
		Provided: []ProvidedFile{{Uuid: fileA}},
		Groups: []ExecutionGroup{
			{Uuid: "g1", Executions: []Execution{{Uuid: "e1", Inputs: []InputBinding{{File: fileA, SandboxPath: "in"}}}}},
			{Uuid: "g2", Executions: []Execution{{Uuid: "e2", Inputs: []InputBinding{{File: "missing", SandboxPath: "in"}}}}},
		},
	}
	resolved := map[FileUuid]struct{}{fileA: {}}
	ready := InitialReadySet(&d, resolved)
	assert.Equal(t, []GroupUuid{"g1"}, ready)
}
