package fabsim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventQueueStartsEmptyAtTimeZero(t *testing.T) {
	evtQ := CreateEventQueue()
	require.True(t, evtQ.Finished())
	require.Equal(t, EventTime(0), evtQ.CurrentTime())
}

func TestEventQueueFiresInTimeOrder(t *testing.T) {
	evtQ := CreateEventQueue()
	fired := []int{}

	evtQ.Schedule(30, func(evtQ *EventQueue, arg any) { fired = append(fired, arg.(int)) }, 3)
	evtQ.Schedule(10, func(evtQ *EventQueue, arg any) { fired = append(fired, arg.(int)) }, 1)
	evtQ.Schedule(20, func(evtQ *EventQueue, arg any) { fired = append(fired, arg.(int)) }, 2)

	evtQ.Run()
	require.Equal(t, []int{1, 2, 3}, fired)
}

func TestEventQueueBreaksTiesByInsertionOrder(t *testing.T) {
	evtQ := CreateEventQueue()
	fired := []int{}
	record := func(evtQ *EventQueue, arg any) { fired = append(fired, arg.(int)) }

	for idx := 0; idx < 5; idx++ {
		evtQ.Schedule(100, record, idx)
	}
	evtQ.Run()
	require.Equal(t, []int{0, 1, 2, 3, 4}, fired)
}

func TestEventQueueTimeNeverDecreases(t *testing.T) {
	evtQ := CreateEventQueue()
	times := []EventTime{}

	// handlers schedule follow-on events; the observed time sequence
	// must be non-decreasing regardless of scheduling order
	var chain EventHandlerFunction
	chain = func(evtQ *EventQueue, arg any) {
		times = append(times, evtQ.CurrentTime())
		depth := arg.(int)
		if depth > 0 {
			evtQ.Schedule(evtQ.CurrentTime()+7, chain, depth-1)
		}
	}
	evtQ.Schedule(5, chain, 4)
	evtQ.Schedule(5, chain, 0)
	evtQ.Run()

	for idx := 1; idx < len(times); idx++ {
		require.GreaterOrEqual(t, times[idx], times[idx-1])
	}
}

func TestEventQueueRejectsPastSchedule(t *testing.T) {
	evtQ := CreateEventQueue()
	evtQ.Schedule(50, func(evtQ *EventQueue, arg any) {
		require.Panics(t, func() {
			evtQ.Schedule(EventTime(49), func(evtQ *EventQueue, arg any) {}, nil)
		})
	}, nil)
	evtQ.Run()
	require.Equal(t, EventTime(50), evtQ.CurrentTime())
}

func TestProceedOnDrainedQueuePanics(t *testing.T) {
	evtQ := CreateEventQueue()
	require.Panics(t, func() { evtQ.Proceed() })
}
