package fabsim

// net.go contains the data structures and event handlers that carry
// chunks across links: the Device arena entries, the per-edge Link
// state machines, and the Chunk lifecycle from source to completion
// callback.

import (
	"fmt"

	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"
)

// DeviceId identifies a routable node.  Ids are dense in
// [0, devicesCount); NPUs occupy [0, npusCount)
type DeviceId int

// ChunkSize is a payload size in bytes
type ChunkSize int64

// Bandwidth is a link bandwidth in GB/s (decimal)
type Bandwidth float64

// Latency is a per-link latency in nanoseconds
type Latency int64

// bwGBpsToBpns converts a bandwidth from GB/s to B/ns.
// 1 GB = 1e9 B (decimal) and 1 s = 1e9 ns, so the conversion is 1:1.
// An earlier version multiplied by (1<<30)/1e9, inflating every
// bandwidth by 7.37%; binary GiB must not creep back in here
func bwGBpsToBpns(bwGBps Bandwidth) float64 {
	if bwGBps <= 0 {
		panic(fmt.Errorf("non-positive bandwidth %f", bwGBps))
	}
	return float64(bwGBps)
}

// randomQueue selects, process-wide, the link queue discipline.
// false (the default) dequeues pending chunks FIFO; true dequeues a
// uniformly random member of the pending set.  Set once, before any
// simulation is driven
var randomQueue bool = false

// rng stream used only by the randomized queue discipline
var linkQueueRng *rngstream.RngStream

// SetRandomQueue selects the link queue discipline for the process
func SetRandomQueue(enabled bool) {
	randomQueue = enabled
	if enabled && linkQueueRng == nil {
		linkQueueRng = rngstream.New("linkQueue")
		logrus.Info("link random queue enabled, pending chunks dequeue in shuffled order")
	}
}

// A Device is a routable node.  It owns one outbound Link per
// neighbour, keyed by the neighbour's id
type Device struct {
	id       DeviceId
	outLinks map[DeviceId]*Link
}

// createDevice is a constructor
func createDevice(id DeviceId) *Device {
	dev := new(Device)
	dev.id = id
	dev.outLinks = make(map[DeviceId]*Link)
	return dev
}

// Id returns the device's id
func (dev *Device) Id() DeviceId {
	return dev.id
}

// connect installs an outbound link from dev to the device with the
// given id.  A link already installed for that neighbour is kept
func (dev *Device) connect(dst DeviceId, lnk *Link) {
	_, present := dev.outLinks[dst]
	if present {
		return
	}
	dev.outLinks[dst] = lnk
}

// connectedTo reports whether dev has an outbound link to the
// device with the given id
func (dev *Device) connectedTo(dst DeviceId) bool {
	_, present := dev.outLinks[dst]
	return present
}

// send forwards a chunk onto the outbound link toward the next
// device on the chunk's route
func (dev *Device) send(chunk *Chunk) {
	nxt := chunk.nextDevice()
	lnk, present := dev.outLinks[nxt.id]
	if !present {
		panic(fmt.Errorf("device %d has no link to device %d", dev.id, nxt.id))
	}
	lnk.send(chunk)
}

// A Link is the directed edge state machine.  Chunks offered while
// the link is busy wait in pending; the link frees after the chunk's
// serialization delay while the chunk arrives at the next device
// after the full communication delay (store-and-forward: this link
// can begin serving its next chunk before the previous one has fully
// crossed the wire)
type Link struct {
	evtQ    *EventQueue
	bndwdth float64 // B/ns
	latency Latency
	pending []*Chunk
	busy    bool
}

// createLink is a constructor.  Bandwidth arrives in GB/s and is
// converted to B/ns for the delay arithmetic
func createLink(evtQ *EventQueue, bw Bandwidth, latency Latency) *Link {
	if latency < 0 {
		panic(fmt.Errorf("negative latency %d", latency))
	}
	lnk := new(Link)
	lnk.evtQ = evtQ
	lnk.bndwdth = bwGBpsToBpns(bw)
	lnk.latency = latency
	lnk.pending = []*Chunk{}
	lnk.busy = false
	return lnk
}

// serializationDelay is the time for the chunk's bytes to clear the
// link at its bandwidth
func (lnk *Link) serializationDelay(size ChunkSize) EventTime {
	if size <= 0 {
		panic(fmt.Errorf("non-positive chunk size %d", size))
	}
	return EventTime(float64(size) / lnk.bndwdth)
}

// communicationDelay adds the link latency to the serialization time,
// giving the delay until the chunk has fully arrived at the next hop
func (lnk *Link) communicationDelay(size ChunkSize) EventTime {
	if size <= 0 {
		panic(fmt.Errorf("non-positive chunk size %d", size))
	}
	return EventTime(float64(lnk.latency) + float64(size)/lnk.bndwdth)
}

// send either begins transmitting the chunk (link free) or queues it
func (lnk *Link) send(chunk *Chunk) {
	if lnk.busy {
		lnk.pending = append(lnk.pending, chunk)
		chunk.logTrace(lnk.evtQ, "queue")
		return
	}
	lnk.scheduleChunkTransmission(chunk)
}

// scheduleChunkTransmission marks the link busy and schedules the
// two events of a transmission: the chunk's arrival at the next hop
// after the communication delay, and this link becoming free after
// the serialization delay
func (lnk *Link) scheduleChunkTransmission(chunk *Chunk) {
	if lnk.busy {
		panic(fmt.Errorf("transmission scheduled on a busy link"))
	}
	lnk.busy = true

	now := lnk.evtQ.CurrentTime()
	chunk.logTrace(lnk.evtQ, "send")

	commDelay := lnk.communicationDelay(chunk.size)
	lnk.evtQ.Schedule(now+commDelay, chunkArrivedNextHop, chunk)

	serDelay := lnk.serializationDelay(chunk.size)
	lnk.evtQ.Schedule(now+serDelay, linkBecomeFree, lnk)
}

// dequeuePending removes and returns one pending chunk: the head
// under FIFO discipline, a uniformly random member under the
// randomized discipline
func (lnk *Link) dequeuePending() *Chunk {
	idx := 0
	if randomQueue && len(lnk.pending) > 1 {
		idx = int(linkQueueRng.RandU01() * float64(len(lnk.pending)))
		if idx >= len(lnk.pending) {
			idx = len(lnk.pending) - 1
		}
	}
	chunk := lnk.pending[idx]
	lnk.pending = append(lnk.pending[:idx], lnk.pending[idx+1:]...)
	return chunk
}

// linkBecomeFree is the event handler for the end of a serialization.
// The link frees and, if chunks are pending, one is put into service
func linkBecomeFree(evtQ *EventQueue, arg any) {
	lnk := arg.(*Link)
	lnk.busy = false
	if len(lnk.pending) > 0 {
		lnk.scheduleChunkTransmission(lnk.dequeuePending())
	}
}

// numberOfChunks counts chunks created, to give each a unique id
// for the trace dictionary
var numberOfChunks int = 0

func nxtChunkId() int {
	numberOfChunks += 1
	return numberOfChunks
}

// A Chunk is a byte payload in transit along a fixed route.  position
// indexes the device currently holding the chunk; when the chunk
// reaches the last device of the route the completion callback fires
type Chunk struct {
	chunkId    int
	size       ChunkSize
	route      []*Device
	position   int
	onComplete func(arg any)
	cbArg      any
}

// CreateChunk is a constructor.  The route must be non-empty and the
// size positive
func CreateChunk(size ChunkSize, route []*Device, onComplete func(arg any), cbArg any) *Chunk {
	if size <= 0 {
		panic(fmt.Errorf("non-positive chunk size %d", size))
	}
	if len(route) == 0 {
		panic(fmt.Errorf("chunk created with an empty route"))
	}
	chunk := new(Chunk)
	chunk.chunkId = nxtChunkId()
	chunk.size = size
	chunk.route = route
	chunk.position = 0
	chunk.onComplete = onComplete
	chunk.cbArg = cbArg
	return chunk
}

// Size returns the chunk's payload size in bytes
func (chunk *Chunk) Size() ChunkSize {
	return chunk.size
}

// currentDevice returns the device holding the chunk
func (chunk *Chunk) currentDevice() *Device {
	return chunk.route[chunk.position]
}

// nextDevice returns the next device on the chunk's route
func (chunk *Chunk) nextDevice() *Device {
	if chunk.arrivedDest() {
		panic(fmt.Errorf("chunk %d already at destination", chunk.chunkId))
	}
	return chunk.route[chunk.position+1]
}

// arrivedDest reports whether the chunk has reached the route's end
func (chunk *Chunk) arrivedDest() bool {
	return chunk.position == len(chunk.route)-1
}

// logTrace records a chunk event with the installed trace manager
func (chunk *Chunk) logTrace(evtQ *EventQueue, op string) {
	if devTraceMgr == nil || !devTraceMgr.Active() {
		return
	}
	devTraceMgr.AddTrace(evtQ.CurrentTime(), chunk.chunkId,
		int(chunk.currentDevice().id), op)
}

// chunkArrivedNextHop is the event handler for the arrival of a
// chunk's last bit at the next device on its route.  At the final
// device the completion callback fires and the chunk is released;
// anywhere else the holding device forwards the chunk
func chunkArrivedNextHop(evtQ *EventQueue, arg any) {
	chunk := arg.(*Chunk)
	chunk.position += 1

	if chunk.arrivedDest() {
		chunk.logTrace(evtQ, "deliver")
		if chunk.onComplete != nil {
			chunk.onComplete(chunk.cbArg)
		}
		return
	}

	chunk.logTrace(evtQ, "arrive")
	chunk.currentDevice().send(chunk)
}
