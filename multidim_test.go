package fabsim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// threeDimTopology stacks Ring(4), FullyConnected(4), Switch(4):
// 64 NPUs, with one switch instance per slice of the outer dimension
func threeDimTopology(evtQ *EventQueue) *MultiDimTopology {
	mdt := CreateMultiDimTopology(evtQ)
	mdt.AppendDimension(CreateRing(evtQ, 4, 200, 50))
	mdt.AppendDimension(CreateFullyConnected(evtQ, 4, 100, 500))
	mdt.AppendDimension(CreateSwitch(evtQ, 4, 50, 2000))
	return mdt
}

func TestMultiDimCounts(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	require.Equal(t, 64, mdt.NpusCount())
	require.Equal(t, 3, mdt.DimsCount())

	// only the switch dimension carries an auxiliary device, one per
	// 4x4 slice of the other dimensions
	require.Equal(t, 64+16, mdt.DevicesCount())
}

func TestMultiDimAddressRoundTrip(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	for id := 0; id < mdt.NpusCount(); id++ {
		address := mdt.TranslateAddress(DeviceId(id))
		require.Len(t, address, 3)
		require.Equal(t, DeviceId(id), mdt.AddressToId(address))
	}

	// dimension 0 is least significant
	require.Equal(t, []int{1, 0, 0}, mdt.TranslateAddress(1))
	require.Equal(t, []int{1, 1, 0}, mdt.TranslateAddress(5))
	require.Equal(t, []int{2, 2, 1}, mdt.TranslateAddress(26))
	require.Equal(t, []int{2, 2, 2}, mdt.TranslateAddress(42))
}

func TestMultiDimSingleDimRoutes(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	// dimension 0 transfer: neighbouring ring coordinates
	route := mdt.Route(0, 1)
	require.Len(t, route, 2)
	requireRouteInvariants(t, route, 0, 1)

	// dimension 1 transfer: 37=(1,1,2) -> 41=(1,2,2), direct link
	route = mdt.Route(37, 41)
	require.Len(t, route, 2)
	requireRouteInvariants(t, route, 37, 41)

	// dimension 2 transfer: 26=(2,2,1) -> 42=(2,2,2) via the slice's
	// switch node, which lives above the NPU id range
	route = mdt.Route(26, 42)
	require.Len(t, route, 3)
	requireRouteInvariants(t, route, 26, 42)
	require.GreaterOrEqual(t, int(route[1].Id()), mdt.NpusCount())
}

func TestMultiDimDimensionOrderedRoute(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	// 0=(0,0,0) -> 5=(1,1,0): dimension 0 first, then dimension 1
	route := mdt.Route(0, 5)
	requireRouteInvariants(t, route, 0, 5)

	ids := []DeviceId{}
	for _, dev := range route {
		ids = append(ids, dev.Id())
	}
	require.Equal(t, []DeviceId{0, 1, 5}, ids)
}

func TestMultiDimRouteCrossingAllDims(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	// 0=(0,0,0) -> 63=(3,3,3) touches every dimension, including the
	// switch hop of dimension 2
	route := mdt.Route(0, 63)
	requireRouteInvariants(t, route, 0, 63)
	require.Len(t, route, 1+1+1+2)
}

func TestMultiDimSendThroughSwitchDimension(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	route := mdt.Route(26, 42)
	delivered := false
	chunk := CreateChunk(oneMiB, route, func(arg any) { delivered = true }, nil)
	mdt.Send(chunk)
	final := evtQ.Run()

	// two store-and-forward hops at 50 B/ns with 2000 ns latency
	require.True(t, delivered)
	require.Equal(t, EventTime(2*22_971), final)
}

func TestMultiDimRejectsIllegalEndpoints(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := threeDimTopology(evtQ)

	require.Panics(t, func() { mdt.Route(5, 5) })
	require.Panics(t, func() { mdt.Route(-1, 5) })
	require.Panics(t, func() { mdt.Route(0, 64) })
	require.Panics(t, func() { mdt.TranslateAddress(64) })
}

func TestMultiDimSkipsUnitDimensions(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := CreateMultiDimTopology(evtQ)
	mdt.AppendDimension(CreateRing(evtQ, 4, 200, 50))
	mdt.AppendDimension(CreateRing(evtQ, 1, 100, 500))
	mdt.AppendDimension(CreateFullyConnected(evtQ, 2, 100, 500))

	require.Equal(t, 8, mdt.NpusCount())
	for src := 0; src < mdt.NpusCount(); src++ {
		for dest := 0; dest < mdt.NpusCount(); dest++ {
			if src == dest {
				continue
			}
			route := mdt.Route(DeviceId(src), DeviceId(dest))
			requireRouteInvariants(t, route, DeviceId(src), DeviceId(dest))
		}
	}
}
