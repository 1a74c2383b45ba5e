package fabsim

// topo.go holds the Topology interface, the basicTopology base that
// concrete one-dimensional topologies embed, and the three
// closed-form topologies (Ring, FullyConnected, Switch).

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// topologyBuildingBlock is the base type for an enumerated type of
// one-dimensional topology kinds
type topologyBuildingBlock int

const (
	ringTopo topologyBuildingBlock = iota
	fullyConnectedTopo
	switchTopo
	expanderGraphTopo
	switchOrExpanderTopo
	fatTreeTopo
	epExpanderTopo
	unknownTopo
)

// topoBlockFromStr returns the topologyBuildingBlock corresponding to
// a string name for it
func topoBlockFromStr(name string) topologyBuildingBlock {
	switch name {
	case "Ring":
		return ringTopo
	case "FullyConnected":
		return fullyConnectedTopo
	case "Switch":
		return switchTopo
	case "ExpanderGraph":
		return expanderGraphTopo
	case "SwitchOrExpander":
		return switchOrExpanderTopo
	case "FatTree":
		return fatTreeTopo
	case "EpExpander":
		return epExpanderTopo
	default:
		return unknownTopo
	}
}

// The Topology interface is the functionality every topology variant
// provides: a route query between two NPUs, the NPU and device
// counts, and injection of a chunk into the congestion-aware engine
type Topology interface {
	Route(src, dest DeviceId) []*Device
	Send(chunk *Chunk)
	NpusCount() int
	DevicesCount() int
}

// BasicTopology is the additional functionality a one-dimensional
// topology provides so that it can serve as a dimension of a
// MultiDimTopology
type BasicTopology interface {
	Topology
	LinkBandwidth() Bandwidth
	LinkLatency() Latency
}

// basicTopology holds the state shared by every one-dimensional
// topology: the device arena, the per-link bandwidth and latency,
// and the event queue handle the links schedule against
type basicTopology struct {
	evtQ         *EventQueue
	topoType     topologyBuildingBlock
	npusCount    int
	devicesCount int
	bndwdth      Bandwidth // GB/s, per link
	latency      Latency   // ns, per link
	devices      []*Device
}

// createBasicTopology initializes the shared state and instantiates
// the device arena
func createBasicTopology(evtQ *EventQueue, topoType topologyBuildingBlock,
	npusCount, devicesCount int, bw Bandwidth, latency Latency) basicTopology {

	if npusCount <= 0 {
		panic(fmt.Errorf("non-positive NPU count %d", npusCount))
	}
	if devicesCount < npusCount {
		panic(fmt.Errorf("device count %d smaller than NPU count %d", devicesCount, npusCount))
	}
	if bw <= 0 {
		panic(fmt.Errorf("non-positive bandwidth %f", bw))
	}
	if latency < 0 {
		panic(fmt.Errorf("negative latency %d", latency))
	}

	bt := basicTopology{evtQ: evtQ, topoType: topoType, npusCount: npusCount,
		devicesCount: devicesCount, bndwdth: bw, latency: latency}
	bt.devices = make([]*Device, 0, devicesCount)
	for id := 0; id < devicesCount; id++ {
		bt.devices = append(bt.devices, createDevice(DeviceId(id)))
	}

	// store id -> name for trace
	if devTraceMgr != nil && devTraceMgr.Active() {
		for id := 0; id < devicesCount; id++ {
			kind := "npu"
			if id >= npusCount {
				kind = "switch"
			}
			devTraceMgr.AddName(id, fmt.Sprintf("dev[%d]", id), kind)
		}
	}
	return bt
}

// connect installs a link from a to b, and from b to a when
// bidirectional.  A self-connect is rejected but not fatal
func (bt *basicTopology) connect(a, b DeviceId, bw Bandwidth, latency Latency, bidirectional bool) {
	if a == b {
		logrus.Warnf("cannot connect device %d to itself", a)
		return
	}
	bt.devices[a].connect(b, createLink(bt.evtQ, bw, latency))
	if bidirectional {
		bt.devices[b].connect(a, createLink(bt.evtQ, bw, latency))
	}
}

// Send injects a chunk: the device currently holding it forwards it
func (bt *basicTopology) Send(chunk *Chunk) {
	chunk.currentDevice().send(chunk)
}

// NpusCount returns the number of NPU endpoints
func (bt *basicTopology) NpusCount() int {
	return bt.npusCount
}

// DevicesCount returns the number of devices, NPUs and auxiliary
// switch nodes included
func (bt *basicTopology) DevicesCount() int {
	return bt.devicesCount
}

// LinkBandwidth returns the per-link bandwidth in GB/s
func (bt *basicTopology) LinkBandwidth() Bandwidth {
	return bt.bndwdth
}

// LinkLatency returns the per-link latency in ns
func (bt *basicTopology) LinkLatency() Latency {
	return bt.latency
}

// checkEndpts panics when src or dest is out of the NPU range or
// when the two coincide
func (bt *basicTopology) checkEndpts(src, dest DeviceId) {
	if src < 0 || int(src) >= bt.npusCount {
		panic(fmt.Errorf("source NPU %d out of range [0,%d)", src, bt.npusCount))
	}
	if dest < 0 || int(dest) >= bt.npusCount {
		panic(fmt.Errorf("destination NPU %d out of range [0,%d)", dest, bt.npusCount))
	}
	if src == dest {
		panic(fmt.Errorf("route requires distinct endpoints, got %d -> %d", src, dest))
	}
}

// routeFromIds materializes a device sequence from a device id path
func (bt *basicTopology) routeFromIds(path []DeviceId) []*Device {
	route := make([]*Device, 0, len(path))
	for _, id := range path {
		if int(id) >= len(bt.devices) {
			panic(fmt.Errorf("device id %d outside arena of %d devices", id, len(bt.devices)))
		}
		route = append(route, bt.devices[id])
	}
	return route
}

// validateRoute asserts the universal route invariants: non-empty,
// endpoints match, every consecutive pair connected
func validateRoute(route []*Device, src, dest DeviceId) {
	if len(route) == 0 {
		panic(fmt.Errorf("empty route %d -> %d", src, dest))
	}
	if route[0].id != src || route[len(route)-1].id != dest {
		panic(fmt.Errorf("route endpoints %d -> %d do not match query %d -> %d",
			route[0].id, route[len(route)-1].id, src, dest))
	}
	for idx := 1; idx < len(route); idx++ {
		if !route[idx-1].connectedTo(route[idx].id) {
			panic(fmt.Errorf("route step %d -> %d has no link", route[idx-1].id, route[idx].id))
		}
	}
}

// A Ring connects device i to device (i+1) mod n, bidirectionally
type Ring struct {
	basicTopology
}

// CreateRing is a constructor
func CreateRing(evtQ *EventQueue, npusCount int, bw Bandwidth, latency Latency) *Ring {
	ring := new(Ring)
	ring.basicTopology = createBasicTopology(evtQ, ringTopo, npusCount, npusCount, bw, latency)
	for i := 0; i < npusCount; i++ {
		ring.connect(DeviceId(i), DeviceId((i+1)%npusCount), bw, latency, true)
	}
	return ring
}

// Route takes the shorter arc around the ring; when both arcs have
// equal length (even n, antipodal endpoints) the clockwise arc wins
func (ring *Ring) Route(src, dest DeviceId) []*Device {
	ring.checkEndpts(src, dest)

	n := ring.npusCount
	cw := (int(dest) - int(src) + n) % n
	ccw := (int(src) - int(dest) + n) % n

	step := 1
	if ccw < cw {
		step = -1
	}

	path := []DeviceId{src}
	cur := int(src)
	for DeviceId(cur) != dest {
		cur = (cur + step + n) % n
		path = append(path, DeviceId(cur))
	}
	return ring.routeFromIds(path)
}

// A FullyConnected topology links every pair of NPUs directly
type FullyConnected struct {
	basicTopology
}

// CreateFullyConnected is a constructor
func CreateFullyConnected(evtQ *EventQueue, npusCount int, bw Bandwidth, latency Latency) *FullyConnected {
	fc := new(FullyConnected)
	fc.basicTopology = createBasicTopology(evtQ, fullyConnectedTopo, npusCount, npusCount, bw, latency)
	for i := 0; i < npusCount; i++ {
		for j := i + 1; j < npusCount; j++ {
			fc.connect(DeviceId(i), DeviceId(j), bw, latency, true)
		}
	}
	return fc
}

// Route is the direct link
func (fc *FullyConnected) Route(src, dest DeviceId) []*Device {
	fc.checkEndpts(src, dest)
	return fc.routeFromIds([]DeviceId{src, dest})
}

// A Switch topology connects every NPU to one auxiliary switch
// device, which holds id npusCount
type Switch struct {
	basicTopology
}

// CreateSwitch is a constructor
func CreateSwitch(evtQ *EventQueue, npusCount int, bw Bandwidth, latency Latency) *Switch {
	swtch := new(Switch)
	swtch.basicTopology = createBasicTopology(evtQ, switchTopo, npusCount, npusCount+1, bw, latency)
	swtchId := DeviceId(npusCount)
	for i := 0; i < npusCount; i++ {
		swtch.connect(DeviceId(i), swtchId, bw, latency, true)
	}
	return swtch
}

// switchId returns the id of the auxiliary switch device
func (swtch *Switch) switchId() DeviceId {
	return DeviceId(swtch.npusCount)
}

// Route passes through the switch
func (swtch *Switch) Route(src, dest DeviceId) []*Device {
	swtch.checkEndpts(src, dest)
	return swtch.routeFromIds([]DeviceId{src, swtch.switchId(), dest})
}

// CheckConnections routes every ordered NPU pair of the topology once
// and validates the route invariants, panicking on any failure.
// Useful after construction, before committing to a long run
func CheckConnections(topo Topology) {
	for src := 0; src < topo.NpusCount(); src++ {
		for dest := 0; dest < topo.NpusCount(); dest++ {
			if src == dest {
				continue
			}
			route := topo.Route(DeviceId(src), DeviceId(dest))
			validateRoute(route, DeviceId(src), DeviceId(dest))
		}
	}
}
