package fabsim

// ep-expander.go holds the expert-parallel expander topology.  It is
// built from a pre-weighted multi-path route table; the adjacency is
// derived from the union of the route paths.  Queries either sample
// one route by weight, or first pass the endpoints through a
// layer-seeded permutation of the EP node range.

import (
	"fmt"
	"math/rand"

	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// A RouteInfo is one weighted path alternative between an endpoint
// pair.  For each (src,dst) the weights sum to approximately one
type RouteInfo struct {
	Path   []DeviceId
	Hops   int
	Weight float64
}

// An EpExpanderTopology routes on an externally computed weighted
// route table.  npusCount equals the table's node count; the
// permutation range may be smaller when the table includes switch
// nodes beyond the EP ranks
type EpExpanderTopology struct {
	basicTopology
	degree      int
	epNodeCount int

	// permutations repeat every numPermutationLayers layers; zero
	// gives every layer its own permutation
	numPermutationLayers int

	routes            map[DeviceId]map[DeviceId][]RouteInfo
	adjacency         map[DeviceId][]DeviceId
	layerPermutations map[int][]int

	rngstrm *rngstream.RngStream
}

// CreateEpExpanderTopology is a constructor, building the topology
// from a deserialized route-table descriptor
func CreateEpExpanderTopology(evtQ *EventQueue, desc *EpRouteDesc, bw Bandwidth, latency Latency) *EpExpanderTopology {
	if desc == nil {
		panic(fmt.Errorf("EP expander requires a route-table descriptor"))
	}

	nodeCount := desc.Metadata.NodeCount
	if nodeCount <= 0 {
		panic(fmt.Errorf("EP route table declares non-positive node count %d", nodeCount))
	}

	ep := new(EpExpanderTopology)
	ep.basicTopology = createBasicTopology(evtQ, epExpanderTopo, nodeCount, nodeCount, bw, latency)
	ep.degree = desc.Metadata.Degree
	ep.epNodeCount = nodeCount
	if desc.Metadata.EpNodes != nil {
		ep.epNodeCount = *desc.Metadata.EpNodes
	}
	ep.routes = make(map[DeviceId]map[DeviceId][]RouteInfo)
	ep.adjacency = make(map[DeviceId][]DeviceId)
	for id := 0; id < nodeCount; id++ {
		ep.adjacency[DeviceId(id)] = []DeviceId{}
	}
	ep.layerPermutations = make(map[int][]int)
	ep.rngstrm = rngstream.New("epExpander")

	ep.loadRoutes(desc)
	ep.buildLinksFromRoutes()

	logrus.Infof("EP expander loaded %d nodes, degree %d, routes for %d sources",
		nodeCount, ep.degree, len(ep.routes))
	return ep
}

// loadRoutes converts the descriptor's route table and derives the
// adjacency from the union of all paths
func (ep *EpExpanderTopology) loadRoutes(desc *EpRouteDesc) {
	for _, pair := range desc.routePairs() {
		_, present := ep.routes[pair.src]
		if !present {
			ep.routes[pair.src] = make(map[DeviceId][]RouteInfo)
		}
		ep.routes[pair.src][pair.dst] = pair.infos

		for _, info := range pair.infos {
			for idx := 0; idx+1 < len(info.Path); idx++ {
				a := info.Path[idx]
				b := info.Path[idx+1]
				if int(a) >= ep.devicesCount || int(b) >= ep.devicesCount || a < 0 || b < 0 {
					panic(fmt.Errorf("EP route %d -> %d references node outside [0,%d)",
						pair.src, pair.dst, ep.devicesCount))
				}
				if !slices.Contains(ep.adjacency[a], b) {
					ep.adjacency[a] = append(ep.adjacency[a], b)
				}
				if !slices.Contains(ep.adjacency[b], a) {
					ep.adjacency[b] = append(ep.adjacency[b], a)
				}
			}
		}
	}
}

// buildLinksFromRoutes installs one bidirectional link pair per
// derived adjacency
func (ep *EpExpanderTopology) buildLinksFromRoutes() {
	for src, nbrs := range ep.adjacency {
		for _, dst := range nbrs {
			if src < dst {
				ep.connect(src, dst, ep.bndwdth, ep.latency, true)
			}
		}
	}
}

// SetNumPermutationLayers configures the permutation repeat period.
// Zero (the default) gives every layer a unique permutation
func (ep *EpExpanderTopology) SetNumPermutationLayers(layers int) {
	if layers < 0 {
		panic(fmt.Errorf("negative permutation layer count %d", layers))
	}
	ep.numPermutationLayers = layers
}

// selectRoute draws one of the weighted alternatives for (src,dest):
// sample r uniform in [0,1), walk the cumulative weights, and take
// the first bucket whose cumulative weight exceeds r.  Residual
// weight error rounds into the last bucket
func (ep *EpExpanderTopology) selectRoute(src, dest DeviceId) *RouteInfo {
	dstMap, present := ep.routes[src]
	if !present {
		panic(fmt.Errorf("EP route table has no routes from node %d", src))
	}
	options, present := dstMap[dest]
	if !present || len(options) == 0 {
		panic(fmt.Errorf("EP route table has no route %d -> %d", src, dest))
	}

	if len(options) == 1 {
		return &options[0]
	}

	r := ep.rngstrm.RandU01()
	cumulative := 0.0
	for idx := range options {
		cumulative += options[idx].Weight
		if r < cumulative {
			return &options[idx]
		}
	}
	return &options[len(options)-1]
}

// Route samples one weighted route.  A self-send returns the
// one-device route
func (ep *EpExpanderTopology) Route(src, dest DeviceId) []*Device {
	ep.checkSelfOk(src, dest)

	if src == dest {
		return ep.routeFromIds([]DeviceId{src})
	}

	selected := ep.selectRoute(src, dest)
	return ep.routeFromIds(selected.Path)
}

// checkSelfOk validates the endpoint range without requiring the
// endpoints to be distinct
func (ep *EpExpanderTopology) checkSelfOk(src, dest DeviceId) {
	if src < 0 || int(src) >= ep.npusCount {
		panic(fmt.Errorf("source NPU %d out of range [0,%d)", src, ep.npusCount))
	}
	if dest < 0 || int(dest) >= ep.npusCount {
		panic(fmt.Errorf("destination NPU %d out of range [0,%d)", dest, ep.npusCount))
	}
}

// getPermutation returns the cached permutation of [0,epNodeCount)
// for a layer, constructing it deterministically from the effective
// layer id on a miss
func (ep *EpExpanderTopology) getPermutation(layerId int) []int {
	effective := layerId
	if ep.numPermutationLayers > 0 {
		effective = layerId % ep.numPermutationLayers
	}

	perm, present := ep.layerPermutations[effective]
	if present {
		return perm
	}

	perm = make([]int, ep.epNodeCount)
	for idx := range perm {
		perm[idx] = idx
	}

	// the permutation must be reproducible per layer, so it draws
	// from a source seeded with the effective layer id
	layerRng := rand.New(rand.NewSource(int64(effective)))
	layerRng.Shuffle(len(perm), func(i, j int) {
		perm[i], perm[j] = perm[j], perm[i]
	})

	ep.layerPermutations[effective] = perm
	return perm
}

// RouteWithPermutation maps both endpoints through the layer's
// permutation and routes between the permuted nodes
func (ep *EpExpanderTopology) RouteWithPermutation(src, dest DeviceId, layerId int) []*Device {
	ep.checkSelfOk(src, dest)

	if src == dest {
		return ep.routeFromIds([]DeviceId{src})
	}

	perm := ep.getPermutation(layerId)
	permutedSrc := DeviceId(perm[src])
	permutedDest := DeviceId(perm[dest])
	return ep.Route(permutedSrc, permutedDest)
}

// AllRoutesWithPermutation returns every route alternative for the
// permuted endpoint pair, in declared order
func (ep *EpExpanderTopology) AllRoutesWithPermutation(src, dest DeviceId, layerId int) [][]*Device {
	ep.checkSelfOk(src, dest)

	if src == dest {
		return [][]*Device{ep.routeFromIds([]DeviceId{src})}
	}

	perm := ep.getPermutation(layerId)
	permutedSrc := DeviceId(perm[src])
	permutedDest := DeviceId(perm[dest])

	dstMap, present := ep.routes[permutedSrc]
	if !present {
		panic(fmt.Errorf("EP route table has no routes from node %d", permutedSrc))
	}
	options, present := dstMap[permutedDest]
	if !present || len(options) == 0 {
		panic(fmt.Errorf("EP route table has no route %d -> %d", permutedSrc, permutedDest))
	}

	allRoutes := make([][]*Device, 0, len(options))
	for _, info := range options {
		allRoutes = append(allRoutes, ep.routeFromIds(info.Path))
	}
	return allRoutes
}

// EpNodeCount returns the size of the permutation range
func (ep *EpExpanderTopology) EpNodeCount() int {
	return ep.epNodeCount
}
