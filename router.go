package photonpass

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-metrics"
)

// photonRouter owns, per adjacent rank, a pending-photon queue, a send
// buffer and a receive buffer, all keyed by the dense buffer index from the
// mesh adjacency map. Received photons land on one shared LIFO stack that
// the driver drains before drawing from the source.
type photonRouter struct {
	comm Comm

	// ranks[i] is the adjacent rank behind buffer index i.
	ranks       []int
	rankToIndex map[int]int

	sendQ    [][]Photon
	sendBufs []Buffer[byte]
	recvBufs []Buffer[byte]

	recvStack []Photon

	maxBufferSize int

	ctr    *MessageCounter
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newPhotonRouter(comm Comm, mesh Mesh, maxBufferSize int, ctr *MessageCounter,
	msink metrics.MetricSink, labels []metrics.Label) *photonRouter {
	adjacency := mesh.AdjacentRanks()
	ranks := make([]int, len(adjacency))
	for rank, index := range adjacency {
		ranks[index] = rank
	}
	r := &photonRouter{
		comm:          comm,
		ranks:         ranks,
		rankToIndex:   adjacency,
		sendQ:         make([][]Photon, len(ranks)),
		sendBufs:      make([]Buffer[byte], len(ranks)),
		recvBufs:      make([]Buffer[byte], len(ranks)),
		maxBufferSize: maxBufferSize,
		ctr:           ctr,
		msink:         msink,
		labels:        labels,
	}
	return r
}

// postReceives puts exactly one receive in flight per neighbour. Called
// once before the main loop; the service loop keeps the invariant alive.
func (r *photonRouter) postReceives() {
	for ib, adj := range r.ranks {
		r.recvBufs[ib].SetAwaiting(r.comm.Irecv(adj, TagPhoton))
		r.ctr.NReceivesPosted++
	}
}

// enqueue appends a migrating photon to its destination queue.
func (r *photonRouter) enqueue(destRank int, p Photon) error {
	ib, ok := r.rankToIndex[destRank]
	if !ok {
		return fmt.Errorf("%w: rank %d", ErrUnknownRank, destRank)
	}
	r.sendQ[ib] = append(r.sendQ[ib], p)
	return nil
}

// service tests every neighbour's send and receive. sourceDrained relaxes
// the flush threshold so partial batches go out once no local work can
// refill the queues.
func (r *photonRouter) service(sourceDrained bool) error {
	for ib, adj := range r.ranks {
		if r.sendBufs[ib].Sent() && r.sendBufs[ib].Request().Test() {
			r.sendBufs[ib].Reset()
			r.ctr.NSendsCompleted++
			r.msink.IncrCounterWithLabels(MetricSendsCompleted, 1.0, r.labels)
		}

		if r.sendBufs[ib].Empty() && len(r.sendQ[ib]) > 0 &&
			(len(r.sendQ[ib]) >= r.maxBufferSize || sourceDrained) {
			n := r.maxBufferSize
			if len(r.sendQ[ib]) < n {
				n = len(r.sendQ[ib])
			}
			frame := EncodePhotons(r.sendQ[ib][:n])
			r.sendQ[ib] = r.sendQ[ib][n:]
			r.sendBufs[ib].Fill(frame)
			r.sendBufs[ib].SetSent(r.comm.Isend(adj, TagPhoton, frame))
			r.ctr.NPhotonsSent += uint64(n)
			r.ctr.NSendsPosted++
			r.ctr.NPhotonMessages++
			r.msink.IncrCounterWithLabels(MetricPhotonsPassed, float32(n),
				append(r.labels, LabelPeerRank.M(fmt.Sprint(adj))))
			r.msink.IncrCounterWithLabels(MetricPhotonMessagesOut, 1.0, r.labels)
			r.msink.IncrCounterWithLabels(MetricSendsPosted, 1.0, r.labels)
		}

		if r.recvBufs[ib].Awaiting() && r.recvBufs[ib].Request().Test() {
			r.ctr.NReceivesCompleted++
			r.msink.IncrCounterWithLabels(MetricReceivesCompleted, 1.0, r.labels)
			batch, err := DecodePhotons(r.recvBufs[ib].Request().Data())
			if err != nil {
				return err
			}
			r.recvStack = append(r.recvStack, batch...)
			r.recvBufs[ib].Reset()
			r.recvBufs[ib].SetAwaiting(r.comm.Irecv(adj, TagPhoton))
			r.ctr.NReceivesPosted++
			r.msink.IncrCounterWithLabels(MetricReceivesPosted, 1.0, r.labels)
		}
	}
	return nil
}

func (r *photonRouter) stackEmpty() bool { return len(r.recvStack) == 0 }

// pop takes the most recently received photon.
func (r *photonRouter) pop() Photon {
	p := r.recvStack[len(r.recvStack)-1]
	r.recvStack = r.recvStack[:len(r.recvStack)-1]
	return p
}

// drain completes the photon half of the quiescence handshake: wait out any
// posted send, match every neighbour's posted receive with an empty batch,
// then wait for our own posted receives. By the time drain runs every real
// batch has been consumed (its photons terminated somewhere before the done
// signal could fire), so the one dangling receive per neighbour is matched
// exactly by that neighbour's empty batch.
func (r *photonRouter) drain() {
	empty := EncodePhotons(nil)
	for ib, adj := range r.ranks {
		if r.sendBufs[ib].Sent() {
			r.sendBufs[ib].Request().Wait()
			r.sendBufs[ib].Reset()
			r.ctr.NSendsCompleted++
		}
		req := r.comm.Isend(adj, TagPhoton, empty)
		r.ctr.NSendsPosted++
		req.Wait()
		r.ctr.NSendsCompleted++
	}
	for ib := range r.ranks {
		r.recvBufs[ib].Request().Wait()
		r.ctr.NReceivesCompleted++
		r.recvBufs[ib].Reset()
	}
}

// pendingSends reports photons queued but not yet posted; diagnostic only.
func (r *photonRouter) pendingSends() int {
	var n int
	for _, q := range r.sendQ {
		n += len(q)
	}
	return n
}

// neighbours lists adjacent ranks in buffer-index order; used for logging.
func (r *photonRouter) neighbours() []int {
	out := append([]int(nil), r.ranks...)
	sort.Ints(out)
	return out
}
