package fabsim

// evtq.go holds the event queue that drives the congestion-aware
// simulation.  Simulated time is integer nanoseconds and advances
// only when an event is popped; handlers run to completion and may
// schedule further events at times no earlier than the current time.

import (
	"container/heap"
	"fmt"
)

// EventTime is a simulation timestamp, in nanoseconds
type EventTime int64

// EventHandlerFunction is the signature of every scheduled callback.
// The event queue passes itself back in so that handlers can schedule
// follow-on events
type EventHandlerFunction func(evtQ *EventQueue, arg any)

// an event pairs a fire time with the handler to call and the
// argument to hand it.  seq records insertion order so that events
// with equal fire times pop in the order they were scheduled
type event struct {
	time    EventTime
	seq     int
	handler EventHandlerFunction
	arg     any
}

// eventHeap and its methods implement a min-priority heap on
// (fire time, insertion order)
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// EventQueue holds the pending events and the current simulation time
type EventQueue struct {
	currentTime EventTime
	events      eventHeap
	nxtSeq      int
}

// CreateEventQueue is a constructor
func CreateEventQueue() *EventQueue {
	evtQ := new(EventQueue)
	evtQ.currentTime = 0
	evtQ.events = eventHeap{}
	heap.Init(&evtQ.events)
	return evtQ
}

// Schedule inserts an event to fire at the given absolute time.
// Scheduling into the past breaks time monotonicity and panics
func (evtQ *EventQueue) Schedule(time EventTime, handler EventHandlerFunction, arg any) {
	if time < evtQ.currentTime {
		panic(fmt.Errorf("event scheduled at %d, before current time %d", time, evtQ.currentTime))
	}
	evtQ.nxtSeq += 1
	heap.Push(&evtQ.events, &event{time: time, seq: evtQ.nxtSeq, handler: handler, arg: arg})
}

// Proceed pops the earliest pending event, advances the current time
// to its fire time, and invokes its handler
func (evtQ *EventQueue) Proceed() {
	if evtQ.Finished() {
		panic(fmt.Errorf("proceed called on a drained event queue"))
	}
	evt := heap.Pop(&evtQ.events).(*event)
	evtQ.currentTime = evt.time
	evt.handler(evtQ, evt.arg)
}

// Finished reports whether there are no pending events
func (evtQ *EventQueue) Finished() bool {
	return len(evtQ.events) == 0
}

// CurrentTime returns the simulation time the queue has advanced to
func (evtQ *EventQueue) CurrentTime() EventTime {
	return evtQ.currentTime
}

// Run drains the queue, returning the time of the last event processed
func (evtQ *EventQueue) Run() EventTime {
	for !evtQ.Finished() {
		evtQ.Proceed()
	}
	return evtQ.currentTime
}
