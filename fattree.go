package fabsim

// fattree.go holds the k-ary three-level fat tree: leaf, spine, and
// core switch tiers above the NPUs, with deterministic or randomized
// up-routing.

import (
	"fmt"

	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
)

// FatTreeRouting is the base type for the enumerated fat-tree
// routing algorithms
type FatTreeRouting int

const (
	// FatTreeDeterministic derives the spine and core choice from the
	// source and destination leaf positions
	FatTreeDeterministic FatTreeRouting = iota

	// FatTreeRandom samples the spine and core choices uniformly at
	// route time
	FatTreeRandom
)

// fatTreeRoutingFromStr returns the FatTreeRouting corresponding to a
// string name for it.  An empty string selects Deterministic; an
// unknown name is reported and falls back to Deterministic
func fatTreeRoutingFromStr(name string) FatTreeRouting {
	switch name {
	case "", "Deterministic":
		return FatTreeDeterministic
	case "Random":
		return FatTreeRandom
	default:
		logrus.Warnf("unknown fat-tree routing algorithm %q, defaulting to Deterministic", name)
		return FatTreeDeterministic
	}
}

// A FatTree is a three-tier k-ary fat tree.  With radix k there are
// k*k/2 leaf switches, k*k/4 spine switches, and (k/2)^2 core
// switches; NPUs pack into leaves in groups of k/2.  Device id
// layout: NPUs first, then leaves, spines, and cores
type FatTree struct {
	basicTopology
	k           int
	routing     FatTreeRouting
	npuToLeaf   []int
	leafOffset  DeviceId
	spineOffset DeviceId
	coreOffset  DeviceId
	rngstrm     *rngstream.RngStream
}

// CreateFatTree is a constructor.  k must be even and positive, and
// the NPU count must fit under the leaf tier (npusCount <= k^3/4)
func CreateFatTree(evtQ *EventQueue, npusCount, k int, bw Bandwidth, latency Latency,
	routing FatTreeRouting) *FatTree {

	if k <= 0 || k%2 != 0 {
		panic(fmt.Errorf("fat-tree radix %d must be even and positive", k))
	}
	if npusCount > k*k*k/4 {
		panic(fmt.Errorf("fat-tree radix %d supports at most %d NPUs, got %d", k, k*k*k/4, npusCount))
	}

	numLeaves := k * k / 2
	numSpines := k * k / 4
	numCores := (k / 2) * (k / 2)
	devicesCount := npusCount + numLeaves + numSpines + numCores

	ft := new(FatTree)
	ft.basicTopology = createBasicTopology(evtQ, fatTreeTopo, npusCount, devicesCount, bw, latency)
	ft.k = k
	ft.routing = routing
	ft.rngstrm = rngstream.New("fattree")

	ft.leafOffset = DeviceId(npusCount)
	ft.spineOffset = DeviceId(npusCount + numLeaves)
	ft.coreOffset = DeviceId(npusCount + numLeaves + numSpines)

	// pack NPUs into leaves, k/2 per leaf
	ft.npuToLeaf = make([]int, npusCount)
	npuId := 0
	for leaf := 0; leaf < numLeaves && npuId < npusCount; leaf++ {
		for i := 0; i < k/2 && npuId < npusCount; i++ {
			ft.npuToLeaf[npuId] = leaf
			ft.connect(DeviceId(npuId), ft.leafOffset+DeviceId(leaf), bw, latency, true)
			npuId++
		}
	}

	// each leaf of a pod connects to every spine of the same pod
	pods := k
	for pod := 0; pod < pods; pod++ {
		for i := 0; i < k/2; i++ {
			for j := 0; j < k/2; j++ {
				leafIdx := pod*(k/2) + i
				spineIdx := pod*(k/2) + j
				ft.connect(ft.leafOffset+DeviceId(leafIdx), ft.spineOffset+DeviceId(spineIdx), bw, latency, true)
			}
		}
	}

	// spine i of each pod connects to every core in column i; cores
	// are indexed row-major by (spine position, column)
	for i := 0; i < k/2; i++ {
		for j := 0; j < k/2; j++ {
			for pod := 0; pod < pods; pod++ {
				spineIdx := pod*(k/2) + i
				coreIdx := i*(k/2) + j
				ft.connect(ft.spineOffset+DeviceId(spineIdx), ft.coreOffset+DeviceId(coreIdx), bw, latency, true)
			}
		}
	}

	return ft
}

// randomIdx samples an index uniformly from [0, n)
func (ft *FatTree) randomIdx(n int) int {
	idx := int(ft.rngstrm.RandU01() * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Route climbs only as high as the endpoints require: same leaf
// (3 nodes), same pod (5 nodes, via one spine), or cross-pod
// (7 nodes, via spine, core, spine)
func (ft *FatTree) Route(src, dest DeviceId) []*Device {
	ft.checkEndpts(src, dest)

	srcLeaf := ft.npuToLeaf[src]
	destLeaf := ft.npuToLeaf[dest]

	if srcLeaf == destLeaf {
		return ft.routeFromIds([]DeviceId{src, ft.leafOffset + DeviceId(srcLeaf), dest})
	}

	half := ft.k / 2
	srcPod := srcLeaf / half
	destPod := destLeaf / half
	srcLeafInPod := srcLeaf % half
	destLeafInPod := destLeaf % half

	if srcPod == destPod {
		spineInPod := srcLeafInPod
		if ft.routing == FatTreeRandom {
			spineInPod = ft.randomIdx(half)
		}
		spineIdx := srcPod*half + spineInPod
		return ft.routeFromIds([]DeviceId{
			src,
			ft.leafOffset + DeviceId(srcLeaf),
			ft.spineOffset + DeviceId(spineIdx),
			ft.leafOffset + DeviceId(destLeaf),
			dest,
		})
	}

	// cores in row r attach to the spine at position r of every pod,
	// so the upward and downward spines share a position and the core
	// column is the free choice
	spineInPod := srcLeafInPod
	coreCol := destLeafInPod
	if ft.routing == FatTreeRandom {
		spineInPod = ft.randomIdx(half)
		coreCol = ft.randomIdx(half)
	}

	srcSpineIdx := srcPod*half + spineInPod
	destSpineIdx := destPod*half + spineInPod
	coreIdx := spineInPod*half + coreCol

	return ft.routeFromIds([]DeviceId{
		src,
		ft.leafOffset + DeviceId(srcLeaf),
		ft.spineOffset + DeviceId(srcSpineIdx),
		ft.coreOffset + DeviceId(coreIdx),
		ft.spineOffset + DeviceId(destSpineIdx),
		ft.leafOffset + DeviceId(destLeaf),
		dest,
	})
}
