package fabsim

// unaware.go holds the congestion-unaware flavour: the same
// topologies, costed analytically per transfer with no event loop,
// no link state, and no queueing.

import (
	"fmt"
	"math"
)

// A PerfTopology estimates transfer times over any constructed
// topology.  A transfer's cost is the sum of the link latencies along
// the route plus one serialization of the payload at the bottleneck
// (minimum) bandwidth of the route
type PerfTopology struct {
	topo Topology
}

// CreatePerfTopology is a constructor
func CreatePerfTopology(topo Topology) *PerfTopology {
	if topo == nil {
		panic(fmt.Errorf("perf topology requires an underlying topology"))
	}
	pt := new(PerfTopology)
	pt.topo = topo
	return pt
}

// NpusCount returns the underlying topology's NPU count
func (pt *PerfTopology) NpusCount() int {
	return pt.topo.NpusCount()
}

// DevicesCount returns the underlying topology's device count
func (pt *PerfTopology) DevicesCount() int {
	return pt.topo.DevicesCount()
}

// Route exposes the underlying topology's route query
func (pt *PerfTopology) Route(src, dest DeviceId) []*Device {
	return pt.topo.Route(src, dest)
}

// Send returns the estimated completion time of a transfer of the
// given size between the endpoints, in nanoseconds from injection
func (pt *PerfTopology) Send(src, dest DeviceId, size ChunkSize) EventTime {
	if size <= 0 {
		panic(fmt.Errorf("non-positive chunk size %d", size))
	}

	route := pt.topo.Route(src, dest)
	validateRoute(route, src, dest)

	var latencySum int64 = 0
	minBndwdth := math.MaxFloat64

	for idx := 1; idx < len(route); idx++ {
		lnk := route[idx-1].outLinks[route[idx].id]
		latencySum += int64(lnk.latency)
		minBndwdth = math.Min(minBndwdth, lnk.bndwdth)
	}

	return EventTime(float64(latencySum) + float64(size)/minBndwdth)
}
