package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(3).Validate())
	require.NoError(t, Event{RunID: "r", TS: time.Now(), Stage: StageRunStart, Total: 10}.Validate())

	bad := []Event{
		{TS: time.Now(), Stage: StageRunStart},
		{RunID: "r", Stage: StageRunStart},
		{RunID: "r", TS: time.Now(), Stage: "NOPE"},
		{RunID: "r", TS: time.Now(), Stage: StageRequestDone, Completed: 1, Total: 1},
		{RunID: "r", TS: time.Now(), Stage: StageRequestDone, RequestType: "x", Completed: 2, Total: 1},
		{RunID: "r", TS: time.Now(), Stage: StageRunDone, Dur: -time.Second},
	}
	for i, evt := range bad {
		require.Error(t, evt.Validate(), "case %d", i)
	}
}

func TestEventPercent(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 33.33, Event{Completed: 1, Total: 3}.Percent(), 1e-9)
	require.InDelta(t, 100.0, Event{Completed: 10, Total: 10}.Percent(), 1e-9)
	require.Zero(t, Event{}.Percent())
}
