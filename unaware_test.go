package fabsim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerfRingTransfer(t *testing.T) {
	evtQ := CreateEventQueue()
	perf := CreatePerfTopology(CreateRing(evtQ, 8, 50, 500))

	// three hops of latency plus one serialization at 50 B/ns
	require.Equal(t, EventTime(22_471), perf.Send(1, 4, oneMiB))
}

func TestPerfFullyConnectedTransfer(t *testing.T) {
	evtQ := CreateEventQueue()
	perf := CreatePerfTopology(CreateFullyConnected(evtQ, 8, 50, 500))

	require.Equal(t, EventTime(21_471), perf.Send(1, 4, oneMiB))
}

func TestPerfSwitchTransfer(t *testing.T) {
	evtQ := CreateEventQueue()
	perf := CreatePerfTopology(CreateSwitch(evtQ, 8, 50, 500))

	require.Equal(t, EventTime(21_971), perf.Send(1, 4, oneMiB))
}

func TestPerfThreeDimTransfers(t *testing.T) {
	cfgYAML := []byte(`
topology: [Ring, FullyConnected, Switch]
npus_count: [4, 4, 4]
bandwidth: [200, 100, 50]
latency: [50, 500, 2000]
`)
	cfg, err := ReadNetworkCfg("", true, cfgYAML)
	require.NoError(t, err)

	perf, err := BuildPerfTopology(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 64, perf.NpusCount())

	// dimension 0: one 200 GB/s hop
	require.Equal(t, EventTime(5_292), perf.Send(0, 1, oneMiB))

	// dimension 1: one 100 GB/s hop
	require.Equal(t, EventTime(10_985), perf.Send(37, 41, oneMiB))

	// dimension 2: two 50 GB/s hops through the slice's switch
	require.Equal(t, EventTime(24_971), perf.Send(26, 42, oneMiB))
}

func TestPerfCostDominatedByBottleneckBandwidth(t *testing.T) {
	evtQ := CreateEventQueue()
	mdt := CreateMultiDimTopology(evtQ)
	mdt.AppendDimension(CreateRing(evtQ, 4, 200, 50))
	mdt.AppendDimension(CreateFullyConnected(evtQ, 4, 100, 500))
	perf := CreatePerfTopology(mdt)

	// 0=(0,0) -> 5=(1,1): one hop per dimension; latencies add and
	// the 100 GB/s link bounds the serialization
	require.Equal(t, EventTime(50+500+10_485), perf.Send(0, 5, oneMiB))
}

func TestPerfRepeatedSendsAreStateless(t *testing.T) {
	evtQ := CreateEventQueue()
	perf := CreatePerfTopology(CreateRing(evtQ, 8, 50, 500))

	first := perf.Send(1, 4, oneMiB)
	second := perf.Send(1, 4, oneMiB)
	require.Equal(t, first, second)
}

func TestPerfSendRejectsBadSize(t *testing.T) {
	evtQ := CreateEventQueue()
	perf := CreatePerfTopology(CreateRing(evtQ, 8, 50, 500))
	require.Panics(t, func() { perf.Send(1, 4, 0) })
}
