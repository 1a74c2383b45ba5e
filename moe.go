package fabsim

// moe.go holds the SwitchOrExpander composite topology and the
// routing-mode registry that selects, per device, whether traffic
// takes the two-hop switch path or the expander fabric.

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// A MoeRoutingRegistry maps device ids to a routing-mode flag: true
// routes over the expander (MoE traffic), false over the switch.
// Unset devices default to false.  The harness writes the registry
// between simulation runs; flipping flags while a guarded event queue
// still holds events is a precondition violation
type MoeRoutingRegistry struct {
	useMoeRouting map[DeviceId]bool
	guards        []*EventQueue
}

// CreateMoeRoutingRegistry is a constructor
func CreateMoeRoutingRegistry() *MoeRoutingRegistry {
	reg := new(MoeRoutingRegistry)
	reg.useMoeRouting = make(map[DeviceId]bool)
	reg.guards = []*EventQueue{}
	return reg
}

// addGuard registers an event queue whose drain state gates
// registry mutation
func (reg *MoeRoutingRegistry) addGuard(evtQ *EventQueue) {
	reg.guards = append(reg.guards, evtQ)
}

// SetMoeRouting flips the routing mode of one device
func (reg *MoeRoutingRegistry) SetMoeRouting(id DeviceId, enabled bool) {
	for _, evtQ := range reg.guards {
		if !evtQ.Finished() {
			panic(fmt.Errorf("routing-mode registry mutated while simulation events are pending"))
		}
	}
	reg.useMoeRouting[id] = enabled
}

// MoeRouting reports the routing mode of a device; unset defaults
// to the switch path
func (reg *MoeRoutingRegistry) MoeRouting(id DeviceId) bool {
	return reg.useMoeRouting[id]
}

// A SwitchOrExpander owns both a Switch and an ExpanderGraph over the
// same NPU set and dispatches each query to one of them according to
// the endpoints' registry flags
type SwitchOrExpander struct {
	basicTopology
	swtch    *Switch
	expander *ExpanderGraph
	registry *MoeRoutingRegistry
}

// CreateSwitchOrExpander is a constructor.  The expander side is
// built from the descriptor when one is supplied; without it every
// query takes the switch path.  With resiliency the expander carries
// npusCount/8 spare devices and the composite reports that device
// count; otherwise the auxiliary switch node is the only extra device
func CreateSwitchOrExpander(evtQ *EventQueue, npusCount int, bw Bandwidth, latency Latency,
	desc *ExpanderDesc, registry *MoeRoutingRegistry, resiliency bool) *SwitchOrExpander {

	if registry == nil {
		panic(fmt.Errorf("SwitchOrExpander requires a routing-mode registry"))
	}

	devicesCount := npusCount + 1
	if resiliency {
		devicesCount = npusCount + npusCount/8
	}

	soe := new(SwitchOrExpander)
	soe.basicTopology = createBasicTopology(evtQ, switchOrExpanderTopo, npusCount, devicesCount, bw, latency)
	soe.registry = registry
	registry.addGuard(evtQ)

	soe.swtch = CreateSwitch(evtQ, npusCount, bw, latency)
	if desc != nil {
		soe.expander = CreateExpanderGraph(evtQ, npusCount, bw, latency, desc, ExpanderShortestPath, resiliency)
	} else {
		logrus.Warn("SwitchOrExpander built without an expander descriptor, all traffic takes the switch path")
	}

	return soe
}

// moeModeFor resolves the routing mode of a query.  Both endpoints
// must carry the same flag
func (soe *SwitchOrExpander) moeModeFor(src, dest DeviceId) bool {
	srcMoe := soe.registry.MoeRouting(src)
	destMoe := soe.registry.MoeRouting(dest)
	if srcMoe != destMoe {
		panic(fmt.Errorf("endpoints %d and %d disagree on routing mode", src, dest))
	}
	return srcMoe && soe.expander != nil
}

// Route dispatches to the expander or the switch according to the
// endpoints' routing mode
func (soe *SwitchOrExpander) Route(src, dest DeviceId) []*Device {
	soe.checkEndpts(src, dest)

	if soe.moeModeFor(src, dest) {
		return soe.expander.Route(src, dest)
	}
	return soe.swtch.Route(src, dest)
}

// Distance returns the shortest hop count under the endpoints'
// routing mode
func (soe *SwitchOrExpander) Distance(src, dest DeviceId) int {
	if src == dest {
		return 0
	}
	if soe.moeModeFor(src, dest) {
		return soe.expander.Distance(src, dest)
	}
	return len(soe.swtch.Route(src, dest)) - 1
}

// ComputeHopsCount returns the hop count of the route the composite
// would take
func (soe *SwitchOrExpander) ComputeHopsCount(src, dest DeviceId) int {
	if src == dest {
		panic(fmt.Errorf("hops count requires distinct endpoints, got %d -> %d", src, dest))
	}
	return len(soe.Route(src, dest)) - 1
}

// AdjacencyOf returns a node's neighbour list under its routing mode:
// the expander adjacency in MoE mode, the switch star otherwise
func (soe *SwitchOrExpander) AdjacencyOf(id DeviceId) []DeviceId {
	if soe.registry.MoeRouting(id) && soe.expander != nil {
		return soe.expander.AdjacencyOf(id)
	}
	if id == soe.swtch.switchId() {
		nbrs := make([]DeviceId, 0, soe.npusCount)
		for npu := 0; npu < soe.npusCount; npu++ {
			nbrs = append(nbrs, DeviceId(npu))
		}
		return nbrs
	}
	return []DeviceId{soe.swtch.switchId()}
}

// AllDeviceIds lists every device id of the composite
func (soe *SwitchOrExpander) AllDeviceIds() []DeviceId {
	ids := make([]DeviceId, 0, soe.devicesCount)
	for id := 0; id < soe.devicesCount; id++ {
		ids = append(ids, DeviceId(id))
	}
	return ids
}
