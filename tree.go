package photonpass

import (
	"github.com/hashicorp/go-metrics"
)

// completionTree aggregates completed-history counts over the standard
// binary heap of ranks: parent = (r+1)/2 - 1, children 2r+1 and 2r+2,
// missing relatives ProcNull. Counts climb toward rank 0; once the root's
// accumulator reaches the global population, the done signal rides the same
// links back down.
type completionTree struct {
	comm Comm

	parent int
	child1 int
	child2 int

	c1Recv Buffer[byte]
	c2Recv Buffer[byte]
	pRecv  Buffer[byte]
	c1Send Buffer[byte]
	c2Send Buffer[byte]
	pSend  Buffer[byte]

	// treeCount accumulates this rank's completions plus everything
	// received from children, not yet forwarded up. parentCount is the
	// most recent count received from the parent.
	treeCount   uint64
	parentCount uint64
	nGlobal     uint64

	ctr    *MessageCounter
	msink  metrics.MetricSink
	labels []metrics.Label
}

// treeLinks computes the heap relatives of rank within size ranks.
func treeLinks(rank, size int) (parent, child1, child2 int) {
	parent = (rank+1)/2 - 1
	child1 = 2*rank + 1
	child2 = 2*rank + 2
	if rank == 0 {
		parent = ProcNull
	}
	if child1 >= size {
		child1 = ProcNull
	}
	if child2 >= size {
		child2 = ProcNull
	}
	return
}

func newCompletionTree(comm Comm, nGlobal uint64, ctr *MessageCounter,
	msink metrics.MetricSink, labels []metrics.Label) *completionTree {
	parent, child1, child2 := treeLinks(comm.Rank(), comm.Size())
	return &completionTree{
		comm:    comm,
		parent:  parent,
		child1:  child1,
		child2:  child2,
		nGlobal: nGlobal,
		ctr:     ctr,
		msink:   msink,
		labels:  labels,
	}
}

// postReceives arms the count links: one receive per existing relative.
func (t *completionTree) postReceives() {
	if t.child1 != ProcNull {
		t.c1Recv.SetAwaiting(t.comm.Irecv(t.child1, TagCount))
		t.ctr.NReceivesPosted++
	}
	if t.child2 != ProcNull {
		t.c2Recv.SetAwaiting(t.comm.Irecv(t.child2, TagCount))
		t.ctr.NReceivesPosted++
	}
	if t.parent != ProcNull {
		t.pRecv.SetAwaiting(t.comm.Irecv(t.parent, TagCount))
		t.ctr.NReceivesPosted++
	}
}

// service folds fresh local completions into the accumulator, tests every
// count link, and forwards the accumulator upward when this rank is
// locally quiet. It returns true once the global-done predicate holds.
//
// The upward send transfers ownership of the counted work: treeCount is
// zeroed in the same motion so no history is counted twice.
func (t *completionTree) service(nComplete uint64, locallyQuiet bool) (bool, error) {
	if err := t.serviceChild(t.child1, &t.c1Recv); err != nil {
		return false, err
	}
	if err := t.serviceChild(t.child2, &t.c2Recv); err != nil {
		return false, err
	}

	if t.pRecv.Awaiting() && t.pRecv.Request().Test() {
		t.ctr.NReceivesCompleted++
		count, err := DecodeCount(t.pRecv.Request().Data())
		if err != nil {
			return false, err
		}
		t.parentCount = count
		t.pRecv.Reset()
	}

	if t.pSend.Sent() && t.pSend.Request().Test() {
		t.ctr.NSendsCompleted++
		t.pSend.Reset()
	}

	t.treeCount += nComplete

	if t.parent != ProcNull && t.treeCount > 0 && locallyQuiet && t.pSend.Empty() {
		frame := EncodeCount(t.treeCount)
		t.pSend.Fill(frame)
		t.pSend.SetSent(t.comm.Isend(t.parent, TagCount, frame))
		t.ctr.NSendsPosted++
		t.msink.IncrCounterWithLabels(MetricTreeCountsForwarded, 1.0, t.labels)
		t.treeCount = 0
	}

	return t.treeCount == t.nGlobal || t.parentCount == t.nGlobal, nil
}

func (t *completionTree) serviceChild(child int, buf *Buffer[byte]) error {
	if child == ProcNull || !buf.Awaiting() || !buf.Request().Test() {
		return nil
	}
	t.ctr.NReceivesCompleted++
	count, err := DecodeCount(buf.Request().Data())
	if err != nil {
		return err
	}
	t.treeCount += count
	buf.Reset()
	buf.SetAwaiting(t.comm.Irecv(child, TagCount))
	t.ctr.NReceivesPosted++
	return nil
}

// signalChildren pushes the done signal down: the global total goes to each
// existing child and the send is waited out. Runs after the main loop,
// before the first quiescence barrier.
func (t *completionTree) signalChildren() {
	t.signalChild(t.child1, &t.c1Send)
	t.signalChild(t.child2, &t.c2Send)

	if t.pSend.Sent() {
		t.pSend.Request().Wait()
		t.ctr.NSendsCompleted++
		t.pSend.Reset()
	}
}

func (t *completionTree) signalChild(child int, buf *Buffer[byte]) {
	if child == ProcNull {
		return
	}
	frame := EncodeCount(t.nGlobal)
	buf.Fill(frame)
	buf.SetSent(t.comm.Isend(child, TagCount, frame))
	t.ctr.NSendsPosted++
	buf.Request().Wait()
	t.ctr.NSendsCompleted++
	buf.Reset()
}

// drain finishes the count links after the barrier. The parent still has
// one receive posted for counts from this rank; a size-1 message with the
// value 1 matches it. The value is never interpreted: any payload would do,
// the send exists purely so the parent's dangling receive completes.
// Symmetrically, each child's matching message completes our own child
// receives.
func (t *completionTree) drain() {
	if t.parent != ProcNull {
		req := t.comm.Isend(t.parent, TagCount, EncodeCount(1))
		t.ctr.NSendsPosted++
		req.Wait()
		t.ctr.NSendsCompleted++
	}
	if t.child1 != ProcNull {
		t.c1Recv.Request().Wait()
		t.ctr.NReceivesCompleted++
		t.c1Recv.Reset()
	}
	if t.child2 != ProcNull {
		t.c2Recv.Request().Wait()
		t.ctr.NReceivesCompleted++
		t.c2Recv.Reset()
	}
}
