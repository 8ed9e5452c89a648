package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_KnowledgeWaitsForMaterialization(t *testing.T) {
	scenario, err := LoadScenario("testdata/knowledge_waits_for_materialization.yaml")
	require.NoError(t, err)

	// Regenerate with:
	//   go test ./internal/harness -run TestRunWithGolden -update
	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalGolden_Deterministic(t *testing.T) {
	result := NewResult()
	result.AddTrace(TraceEvent{Action: ActionUpdate, Device: "a", Detail: "tick=1"})
	result.State = Snapshot{
		Scenario: "s",
		Devices: []DeviceState{{
			Name:   "a",
			Stores: []StoreState{{Name: "main", Knowledge: map[string]uint64{"b": 2, "a": 1}}},
		}},
	}

	first, err := MarshalGolden("s", result)
	require.NoError(t, err)
	second, err := MarshalGolden("s", result)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t,
		`{"scenario":"s","state":{"devices":[{"epoch":0,"name":"a","stores":[{"knowledge":{"a":1,"b":2},"name":"main","queued":0}]}],"scenario":"s"},"trace":[{"action":"update","detail":"tick=1","device":"a","seq":1}]}`,
		string(first))
}
