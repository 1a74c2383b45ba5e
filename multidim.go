package fabsim

// multidim.go holds the multi-dimensional topology: a stack of
// one-dimensional topologies, one per dimension, routed in dimension
// order.  Global NPU ids relate to per-dimension coordinates by
// mixed-radix encoding with dimension 0 least significant.

import (
	"fmt"
)

// A MultiDimTopology composes BasicTopology instances into one
// address space.  Per-dimension route queries come back in local id
// space; they are normalized here to global ids, with the composite
// links between consecutive global devices created lazily the first
// time a transition appears.  Auxiliary devices of a dimension (e.g.
// a Switch dimension's switch node) get global ids above the NPU
// range, one instance per slice of the other dimensions
type MultiDimTopology struct {
	evtQ *EventQueue
	dims []BasicTopology

	npusCountPerDim []int
	npusCount       int
	devicesCount    int

	// global id of the first auxiliary device of each dimension
	auxOffset []DeviceId

	devices map[DeviceId]*Device
}

// CreateMultiDimTopology is a constructor; dimensions are appended
// afterwards
func CreateMultiDimTopology(evtQ *EventQueue) *MultiDimTopology {
	mdt := new(MultiDimTopology)
	mdt.evtQ = evtQ
	mdt.dims = []BasicTopology{}
	mdt.npusCountPerDim = []int{}
	mdt.npusCount = 1
	mdt.devicesCount = 1
	mdt.devices = make(map[DeviceId]*Device)
	return mdt
}

// AppendDimension stacks another dimension onto the topology
func (mdt *MultiDimTopology) AppendDimension(topo BasicTopology) {
	mdt.dims = append(mdt.dims, topo)
	mdt.npusCountPerDim = append(mdt.npusCountPerDim, topo.NpusCount())
	mdt.layout()
}

// layout recomputes the global id space: NPUs first, then one block
// of auxiliary devices per dimension, one aux instance per slice of
// the other dimensions
func (mdt *MultiDimTopology) layout() {
	mdt.npusCount = 1
	for _, npus := range mdt.npusCountPerDim {
		mdt.npusCount *= npus
	}

	mdt.auxOffset = make([]DeviceId, len(mdt.dims))
	base := mdt.npusCount
	for d, topo := range mdt.dims {
		mdt.auxOffset[d] = DeviceId(base)
		auxCount := topo.DevicesCount() - topo.NpusCount()
		base += auxCount * mdt.slicesCount(d)
	}
	mdt.devicesCount = base
}

// slicesCount is the number of instances dimension d has in the
// composite: the product of every other dimension's NPU count
func (mdt *MultiDimTopology) slicesCount(dim int) int {
	count := 1
	for d, npus := range mdt.npusCountPerDim {
		if d == dim {
			continue
		}
		count *= npus
	}
	return count
}

// sliceIndex locates the instance of dimension dim that the address
// lives in
func (mdt *MultiDimTopology) sliceIndex(dim int, address []int) int {
	index := 0
	for d := range mdt.dims {
		if d == dim {
			continue
		}
		index = index*mdt.npusCountPerDim[d] + address[d]
	}
	return index
}

// NpusCount returns the product of the per-dimension NPU counts
func (mdt *MultiDimTopology) NpusCount() int {
	return mdt.npusCount
}

// DevicesCount returns the NPU count plus every per-slice auxiliary
// device
func (mdt *MultiDimTopology) DevicesCount() int {
	return mdt.devicesCount
}

// DimsCount returns the number of stacked dimensions
func (mdt *MultiDimTopology) DimsCount() int {
	return len(mdt.dims)
}

// TranslateAddress breaks a global NPU id into per-dimension
// coordinates, dimension 0 least significant
func (mdt *MultiDimTopology) TranslateAddress(npuId DeviceId) []int {
	if npuId < 0 || int(npuId) >= mdt.npusCount {
		panic(fmt.Errorf("NPU id %d out of range [0,%d)", npuId, mdt.npusCount))
	}

	address := make([]int, len(mdt.dims))
	leftover := int(npuId)
	for d := 0; d < len(mdt.dims); d++ {
		address[d] = leftover % mdt.npusCountPerDim[d]
		leftover /= mdt.npusCountPerDim[d]
	}
	return address
}

// AddressToId is the inverse of TranslateAddress
func (mdt *MultiDimTopology) AddressToId(address []int) DeviceId {
	if len(address) != len(mdt.dims) {
		panic(fmt.Errorf("address holds %d coordinates, topology has %d dimensions",
			len(address), len(mdt.dims)))
	}
	id := 0
	for d := len(mdt.dims) - 1; d >= 0; d-- {
		if address[d] < 0 || address[d] >= mdt.npusCountPerDim[d] {
			panic(fmt.Errorf("coordinate %d of dimension %d out of range [0,%d)",
				address[d], d, mdt.npusCountPerDim[d]))
		}
		id = id*mdt.npusCountPerDim[d] + address[d]
	}
	return DeviceId(id)
}

// auxGlobalId maps an auxiliary device of one dimension instance to
// its global id
func (mdt *MultiDimTopology) auxGlobalId(dim int, address []int, localId DeviceId) DeviceId {
	topo := mdt.dims[dim]
	auxCount := topo.DevicesCount() - topo.NpusCount()
	localAux := int(localId) - topo.NpusCount()
	if localAux < 0 || localAux >= auxCount {
		panic(fmt.Errorf("local id %d of dimension %d is not an auxiliary device", localId, dim))
	}
	return mdt.auxOffset[dim] + DeviceId(mdt.sliceIndex(dim, address)*auxCount+localAux)
}

// device returns the global device with the given id, creating it on
// first reference
func (mdt *MultiDimTopology) device(id DeviceId) *Device {
	dev, present := mdt.devices[id]
	if !present {
		dev = createDevice(id)
		mdt.devices[id] = dev
	}
	return dev
}

// ensureLink lazily creates the bidirectional composite link between
// two global devices, with the owning dimension's bandwidth and
// latency
func (mdt *MultiDimTopology) ensureLink(a, b *Device, bw Bandwidth, latency Latency) {
	if !a.connectedTo(b.id) {
		a.connect(b.id, createLink(mdt.evtQ, bw, latency))
	}
	if !b.connectedTo(a.id) {
		b.connect(a.id, createLink(mdt.evtQ, bw, latency))
	}
}

// Route walks the dimensions in order.  In every dimension where the
// coordinates differ the local topology supplies a sub-route, which
// is spliced into the global route with its first node skipped to
// avoid duplicating the boundary device
func (mdt *MultiDimTopology) Route(src, dest DeviceId) []*Device {
	if src < 0 || int(src) >= mdt.npusCount {
		panic(fmt.Errorf("source NPU %d out of range [0,%d)", src, mdt.npusCount))
	}
	if dest < 0 || int(dest) >= mdt.npusCount {
		panic(fmt.Errorf("destination NPU %d out of range [0,%d)", dest, mdt.npusCount))
	}
	if src == dest {
		panic(fmt.Errorf("route requires distinct endpoints, got %d -> %d", src, dest))
	}

	cur := mdt.TranslateAddress(src)
	destAddr := mdt.TranslateAddress(dest)

	route := []*Device{mdt.device(src)}

	for d, topo := range mdt.dims {
		if cur[d] == destAddr[d] {
			continue
		}

		localRoute := topo.Route(DeviceId(cur[d]), DeviceId(destAddr[d]))

		for _, localDev := range localRoute[1:] {
			var gid DeviceId
			if int(localDev.Id()) < topo.NpusCount() {
				cur[d] = int(localDev.Id())
				gid = mdt.AddressToId(cur)
			} else {
				gid = mdt.auxGlobalId(d, cur, localDev.Id())
			}

			nxt := mdt.device(gid)
			prev := route[len(route)-1]
			mdt.ensureLink(prev, nxt, topo.LinkBandwidth(), topo.LinkLatency())
			route = append(route, nxt)
		}
	}

	for d := range mdt.dims {
		if cur[d] != destAddr[d] {
			panic(fmt.Errorf("dimension-ordered walk ended at the wrong address in dimension %d", d))
		}
	}
	validateRoute(route, src, dest)
	return route
}

// Send injects a chunk; the composite holds no link pool beyond the
// lazily created route links, so the chunk's current device forwards
func (mdt *MultiDimTopology) Send(chunk *Chunk) {
	chunk.currentDevice().send(chunk)
}
