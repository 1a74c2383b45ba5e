package fabsim

// expander.go holds the expander-graph topology.  The adjacency comes
// from an external descriptor (full graph, or one group of a split
// graph); routing is either cached BFS shortest paths or randomized
// selection over Yen's k-shortest loopless paths.  Distances are
// computed with gonum's Dijkstra over the unit-weight graph, with the
// shortest-path trees cached per root.

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ExpanderRouting is the base type for the enumerated expander
// routing algorithms
type ExpanderRouting int

const (
	// ExpanderShortestPath routes on the cached BFS shortest path
	ExpanderShortestPath ExpanderRouting = iota

	// ExpanderRandomTopK samples among Yen's k-shortest loopless paths
	ExpanderRandomTopK
)

// yenKMax bounds how many loopless paths Yen's algorithm enumerates
// per (src,dst) pair
const yenKMax = 16

// randomTopKCutoff is the index the randomized selection starts from
// when more than this many paths are cached, biasing queries toward
// the longer paths Yen produces later
const randomTopKCutoff = 4

// expanderRoutingFromStr returns the ExpanderRouting corresponding to
// a string name for it
func expanderRoutingFromStr(name string) ExpanderRouting {
	switch name {
	case "", "ShortestPath":
		return ExpanderShortestPath
	case "RandomTopK":
		return ExpanderRandomTopK
	default:
		logrus.Warnf("unknown expander routing algorithm %q, defaulting to ShortestPath", name)
		return ExpanderShortestPath
	}
}

// intPair is a two-int key for the route, path-list, and distance
// caches
type intPair struct {
	i, j int
}

// An ExpanderGraph is a degree-regular graph topology loaded from an
// external descriptor.  All graph nodes route; the NPUs are the first
// npusCount of them (resiliency reserves the rest as spares)
type ExpanderGraph struct {
	basicTopology
	degree    int
	routing   ExpanderRouting
	adjacency map[DeviceId][]DeviceId

	routeCache    map[intPair][]DeviceId
	topKCache     map[intPair][][]DeviceId
	distanceCache map[intPair]int

	// gonum representation of the graph and the per-root cache of
	// Dijkstra shortest-path trees
	gNodes         map[DeviceId]simple.Node
	connGraph      *simple.WeightedUndirectedGraph
	connGraphBuilt bool
	cachedSP       map[DeviceId]path.Shortest

	rngstrm *rngstream.RngStream
}

// CreateExpanderGraph is a constructor.  The descriptor must either
// match the device count exactly (full graph) or hold twice as many
// nodes (split graph, of which group A is used).  With resiliency
// enabled the graph is augmented with npusCount/8 spare devices
func CreateExpanderGraph(evtQ *EventQueue, npusCount int, bw Bandwidth, latency Latency,
	desc *ExpanderDesc, routing ExpanderRouting, resiliency bool) *ExpanderGraph {

	if desc == nil {
		panic(fmt.Errorf("expander graph requires a descriptor"))
	}

	devicesCount := npusCount
	if resiliency {
		devicesCount = npusCount + npusCount/8
	}

	eg := new(ExpanderGraph)
	eg.basicTopology = createBasicTopology(evtQ, expanderGraphTopo, npusCount, devicesCount, bw, latency)
	eg.degree = desc.Degree
	eg.routing = routing
	eg.adjacency = make(map[DeviceId][]DeviceId)
	for id := 0; id < devicesCount; id++ {
		eg.adjacency[DeviceId(id)] = []DeviceId{}
	}
	eg.routeCache = make(map[intPair][]DeviceId)
	eg.topKCache = make(map[intPair][][]DeviceId)
	eg.distanceCache = make(map[intPair]int)
	eg.gNodes = make(map[DeviceId]simple.Node)
	eg.cachedSP = make(map[DeviceId]path.Shortest)
	eg.rngstrm = rngstream.New("expander")

	switch {
	case desc.NodeCount == devicesCount:
		logrus.Infof("expander graph uses full graph of %d nodes", desc.NodeCount)
		eg.loadFullGraph(desc)
	case desc.NodeCount == 2*devicesCount:
		logrus.Infof("expander graph uses split graph, %d nodes of %d", devicesCount, desc.NodeCount)
		eg.loadSplitGraph(desc)
	default:
		panic(fmt.Errorf("expander descriptor holds %d nodes, device count %d matches neither full nor split mode",
			desc.NodeCount, devicesCount))
	}

	// the declared degree should hold for every NPU
	for id := 0; id < npusCount; id++ {
		if len(eg.adjacency[DeviceId(id)]) != eg.degree {
			logrus.Warnf("expander node %d has degree %d, expected %d",
				id, len(eg.adjacency[DeviceId(id)]), eg.degree)
		}
	}

	return eg
}

// addEdge records a bidirectional adjacency and installs the link
// pair.  Self loops and duplicate edges are rejected but not fatal
func (eg *ExpanderGraph) addEdge(a, b DeviceId) {
	if a == b {
		logrus.Warnf("cannot connect expander node %d to itself", a)
		return
	}
	if int(a) >= eg.devicesCount || int(b) >= eg.devicesCount || a < 0 || b < 0 {
		panic(fmt.Errorf("expander adjacency references node %d or %d outside [0,%d)", a, b, eg.devicesCount))
	}
	if slices.Contains(eg.adjacency[a], b) {
		logrus.Warnf("connection between expander nodes %d and %d already exists", a, b)
		return
	}
	eg.adjacency[a] = append(eg.adjacency[a], b)
	eg.adjacency[b] = append(eg.adjacency[b], a)
	eg.connect(a, b, eg.bndwdth, eg.latency, true)
}

// loadFullGraph installs the descriptor's connected-graph adjacency
// verbatim
func (eg *ExpanderGraph) loadFullGraph(desc *ExpanderDesc) {
	if len(desc.ConnectedGraphAdjacency) != desc.NodeCount {
		panic(fmt.Errorf("expander adjacency lists %d nodes, descriptor declares %d",
			len(desc.ConnectedGraphAdjacency), desc.NodeCount))
	}
	for nodeId, nbrs := range desc.ConnectedGraphAdjacency {
		for _, nbr := range nbrs {
			// addEdge is bidirectional, install each edge once
			if nodeId < nbr {
				eg.addEdge(DeviceId(nodeId), DeviceId(nbr))
			}
		}
	}
}

// loadSplitGraph takes group A of the split descriptor, renumbers its
// members densely from zero, and installs the split-graph adjacency
// restricted to the group
func (eg *ExpanderGraph) loadSplitGraph(desc *ExpanderDesc) {
	if desc.Groups == nil {
		panic(fmt.Errorf("split-mode expander descriptor has no groups"))
	}
	if len(desc.SplitGraphAdjacency) == 0 {
		panic(fmt.Errorf("split-mode expander descriptor has no split_graph_adjacency"))
	}

	groupA := desc.Groups.A
	if len(groupA) != eg.devicesCount {
		panic(fmt.Errorf("expander group A holds %d nodes, need %d", len(groupA), eg.devicesCount))
	}

	// descriptor node id -> dense local id
	nodeToLocal := make(map[int]int)
	for localId, nodeId := range groupA {
		nodeToLocal[nodeId] = localId
	}

	for nodeId, nbrs := range desc.SplitGraphAdjacency {
		localId, inGroup := nodeToLocal[nodeId]
		if !inGroup {
			continue
		}
		for _, nbr := range nbrs {
			nbrLocal, nbrInGroup := nodeToLocal[nbr]
			if !nbrInGroup {
				continue
			}
			if localId < nbrLocal {
				eg.addEdge(DeviceId(localId), DeviceId(nbrLocal))
			}
		}
	}
}

// AdjacencyOf returns the neighbour list of a node, in descriptor
// order
func (eg *ExpanderGraph) AdjacencyOf(id DeviceId) []DeviceId {
	return eg.adjacency[id]
}

// bfsPath searches src -> dest by breadth-first traversal, visiting
// neighbours in their natural adjacency order.  bannedNodes are never
// entered; bannedEdges are never crossed.  Returns the path as device
// ids and whether one was found
func (eg *ExpanderGraph) bfsPath(src, dest DeviceId,
	bannedNodes map[DeviceId]bool, bannedEdges map[intPair]bool) ([]DeviceId, bool) {

	parent := map[DeviceId]DeviceId{src: src}
	visited := map[DeviceId]bool{src: true}
	queue := []DeviceId{src}
	found := false

	for len(queue) > 0 && !found {
		current := queue[0]
		queue = queue[1:]

		for _, nbr := range eg.adjacency[current] {
			if visited[nbr] || bannedNodes[nbr] {
				continue
			}
			if bannedEdges[intPair{i: int(current), j: int(nbr)}] {
				continue
			}
			visited[nbr] = true
			parent[nbr] = current
			queue = append(queue, nbr)
			if nbr == dest {
				found = true
				break
			}
		}
	}

	if !found {
		return nil, false
	}

	// reconstruct the predecessor chain, back to front
	revPath := []DeviceId{}
	for cur := dest; cur != src; cur = parent[cur] {
		revPath = append(revPath, cur)
	}
	revPath = append(revPath, src)

	pathIds := make([]DeviceId, 0, len(revPath))
	for idx := len(revPath) - 1; idx >= 0; idx-- {
		pathIds = append(pathIds, revPath[idx])
	}
	return pathIds, true
}

// shortestPath returns the cached BFS shortest path for (src,dest),
// computing and caching it on a miss
func (eg *ExpanderGraph) shortestPath(src, dest DeviceId) []DeviceId {
	key := intPair{i: int(src), j: int(dest)}
	cached, present := eg.routeCache[key]
	if present {
		return cached
	}

	pathIds, found := eg.bfsPath(src, dest, nil, nil)
	if !found {
		panic(fmt.Errorf("no path between expander nodes %d and %d", src, dest))
	}
	eg.routeCache[key] = pathIds
	return pathIds
}

// yenTopKPaths enumerates up to yenKMax loopless paths from src to
// dest in order of increasing length (ties resolved by insertion
// order), caching the list per endpoint pair
func (eg *ExpanderGraph) yenTopKPaths(src, dest DeviceId) [][]DeviceId {
	key := intPair{i: int(src), j: int(dest)}
	cached, present := eg.topKCache[key]
	if present {
		return cached
	}

	paths := [][]DeviceId{eg.shortestPath(src, dest)}
	candidates := [][]DeviceId{}

	for len(paths) < yenKMax {
		prev := paths[len(paths)-1]

		// spur off every prefix of the most recently accepted path
		for spurIdx := 0; spurIdx < len(prev)-1; spurIdx++ {
			spurNode := prev[spurIdx]
			rootPath := prev[:spurIdx+1]

			// ban the edges that would recreate an already-found path
			// sharing this root, and the root's interior nodes
			bannedEdges := make(map[intPair]bool)
			for _, known := range paths {
				if len(known) > spurIdx+1 && slices.Equal(known[:spurIdx+1], rootPath) {
					bannedEdges[intPair{i: int(known[spurIdx]), j: int(known[spurIdx+1])}] = true
				}
			}
			bannedNodes := make(map[DeviceId]bool)
			for _, node := range rootPath[:len(rootPath)-1] {
				bannedNodes[node] = true
			}

			spurPath, found := eg.bfsPath(spurNode, dest, bannedNodes, bannedEdges)
			if !found {
				continue
			}

			total := make([]DeviceId, 0, spurIdx+len(spurPath))
			total = append(total, rootPath[:len(rootPath)-1]...)
			total = append(total, spurPath...)

			duplicate := false
			for _, known := range paths {
				if slices.Equal(known, total) {
					duplicate = true
					break
				}
			}
			for _, known := range candidates {
				if slices.Equal(known, total) {
					duplicate = true
					break
				}
			}
			if !duplicate {
				candidates = append(candidates, total)
			}
		}

		if len(candidates) == 0 {
			break
		}

		// accept the shortest candidate, earliest inserted on ties
		best := 0
		for idx := 1; idx < len(candidates); idx++ {
			if len(candidates[idx]) < len(candidates[best]) {
				best = idx
			}
		}
		paths = append(paths, candidates[best])
		candidates = append(candidates[:best], candidates[best+1:]...)
	}

	eg.topKCache[key] = paths
	return paths
}

// Route returns a path according to the configured routing algorithm:
// the shortest path, or a uniformly random pick from the tail of the
// cached k-shortest list
func (eg *ExpanderGraph) Route(src, dest DeviceId) []*Device {
	eg.checkEndpts(src, dest)

	if eg.routing == ExpanderShortestPath {
		return eg.routeFromIds(eg.shortestPath(src, dest))
	}

	paths := eg.yenTopKPaths(src, dest)
	startIdx := 0
	if len(paths) > randomTopKCutoff {
		startIdx = randomTopKCutoff
	}
	pick := startIdx + int(eg.rngstrm.RandU01()*float64(len(paths)-startIdx))
	if pick >= len(paths) {
		pick = len(paths) - 1
	}
	return eg.routeFromIds(paths[pick])
}

// ShortestRoute always returns the BFS shortest path, regardless of
// the configured routing algorithm
func (eg *ExpanderGraph) ShortestRoute(src, dest DeviceId) []*Device {
	eg.checkEndpts(src, dest)
	return eg.routeFromIds(eg.shortestPath(src, dest))
}

// buildConnGraph converts the adjacency into gonum's graph
// representation, edges weighted 1 so that shortest weight equals
// hop count
func (eg *ExpanderGraph) buildConnGraph() {
	eg.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for id := range eg.adjacency {
		eg.gNodes[id] = simple.Node(id)
	}
	for id, nbrs := range eg.adjacency {
		for _, nbr := range nbrs {
			weightedEdge := simple.WeightedEdge{F: eg.gNodes[id], T: eg.gNodes[nbr], W: 1.0}
			eg.connGraph.SetWeightedEdge(weightedEdge)
		}
	}
	eg.connGraphBuilt = true
}

// getSPTree returns the Dijkstra shortest-path tree rooted at from,
// computing and caching it on a miss
func (eg *ExpanderGraph) getSPTree(from DeviceId) path.Shortest {
	spTree, present := eg.cachedSP[from]
	if present {
		return spTree
	}
	if !eg.connGraphBuilt {
		eg.buildConnGraph()
	}
	spTree = path.DijkstraFrom(eg.gNodes[from], graph.Graph(eg.connGraph))
	eg.cachedSP[from] = spTree
	return spTree
}

// Distance returns the hop count of a shortest path between two
// nodes, cached per pair
func (eg *ExpanderGraph) Distance(src, dest DeviceId) int {
	if src == dest {
		return 0
	}
	key := intPair{i: int(src), j: int(dest)}
	cached, present := eg.distanceCache[key]
	if present {
		return cached
	}

	spTree := eg.getSPTree(src)
	weight := spTree.WeightTo(int64(dest))
	if math.IsInf(weight, 1) {
		panic(fmt.Errorf("no path between expander nodes %d and %d", src, dest))
	}
	dist := int(weight)
	eg.distanceCache[key] = dist
	return dist
}

// ComputeHopsCount returns the hop count between two distinct nodes
func (eg *ExpanderGraph) ComputeHopsCount(src, dest DeviceId) int {
	if src == dest {
		panic(fmt.Errorf("hops count requires distinct endpoints, got %d -> %d", src, dest))
	}
	return eg.Distance(src, dest)
}
