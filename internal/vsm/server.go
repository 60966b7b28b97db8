package vsm

import (
	"fmt"

	"github.com/tinyrange/vsm/internal/msg"
)

// serverCPU is the lock identity of the message dispatch context. It
// sits above every vCPU slot so the two can never collide.
const serverCPU = msg.NCPUMax - 1

// recvFetch handles an inbound FETCH: build the server procedure and
// run it now if the page lock is free, otherwise leave it for the
// holder to drain.
func (e *Engine) recvFetch(m *msg.Msg) {
	args := m.Args.(*msg.FetchArgs)
	kind := readServer
	if args.Kind == msg.FetchWrite {
		kind = writeServer
	}
	e.runOrEnqueue(&serverProc{
		kind:    kind,
		ipa:     args.IPA,
		reqNode: int(args.ReqNode),
		reqCPU:  m.ReqCPU,
	})
}

// recvInvalidate handles an inbound INVALIDATE the same way.
func (e *Engine) recvInvalidate(m *msg.Msg) {
	args := m.Args.(*msg.InvalidateArgs)
	e.runOrEnqueue(&serverProc{
		kind:    invServer,
		ipa:     args.IPA,
		reqNode: int(args.FromNode),
		copyset: args.Copyset,
	})
}

func (e *Engine) runOrEnqueue(p *serverProc) {
	pg := e.page(p.ipa)
	if pg == nil {
		panic(fmt.Sprintf("vsm: %v request for %#x outside guest ram", p.kind, p.ipa))
	}

	if !pg.tryLock(serverCPU) {
		if becameHolder := e.enqueue(pg, p); becameHolder {
			e.processWaitqueue(serverCPU, pg)
		}
		return
	}

	e.process(p)
	e.processWaitqueue(serverCPU, pg)
}

// enqueue appends p under the wait-queue lock. If the page lock turned
// out to be free, the caller became the holder and must drain.
func (e *Engine) enqueue(pg *pageDesc, p *serverProc) (becameHolder bool) {
	becameHolder = pg.wqLock(serverCPU)

	if pg.wqHead == nil {
		pg.wqHead = p
	}
	if pg.wqTail != nil {
		pg.wqTail.next = p
	}
	pg.wqTail = p

	pg.wqUnlock()
	return becameHolder
}

// processWaitqueue drains the page's queue and releases the lock. The
// caller must hold the page lock as cpu. Draining and release are
// interlocked through the packed lock word: the final store drops the
// page lock and the wait-queue lock together, so a request that lost
// the trylock either queued in time to be drained here or finds the
// page fully unlocked.
func (e *Engine) processWaitqueue(cpu int, pg *pageDesc) {
	if !pg.locked() {
		panic("vsm: waitqueue drain without page lock")
	}

	pg.wqLock(cpu)
	for pg.wqHead != nil {
		head := pg.wqHead
		pg.wqHead = nil
		pg.wqTail = nil
		pg.wqUnlock()

		for p := head; p != nil; p = p.next {
			e.process(p)
		}

		// Procedures enqueued while we ran the batch.
		pg.wqLock(cpu)
	}

	pg.unlock(cpu) // drops lock and wqlock in one store
}

func (e *Engine) process(p *serverProc) {
	switch p.kind {
	case readServer:
		e.readServer(p)
	case writeServer:
		e.writeServer(p)
	case invServer:
		e.invalidateServer(p)
	}
}

// readServer serves a remote read request under the page lock. The
// owner downgrades to read-only, records the requester in its copyset
// and ships the page; a manager that is not the owner forwards.
func (e *Engine) readServer(p *serverProc) {
	ipa := p.ipa
	manager := e.dir.ManagerOf(ipa)
	if manager < 0 {
		panic(fmt.Sprintf("vsm: read server: no manager for %#x", ipa))
	}

	pte := e.s2.Lookup(ipa)
	if pte.Writable() || (pte.Readable() && pte.Copyset() != 0) {
		// We are the owner.
		e.s2.SetRO(ipa)
		e.s2.FlushIPA(ipa)
		e.s2.AddCopyset(ipa, p.reqNode)

		e.log.Debug("vsm: read server: shipping page", "ipa", fmt.Sprintf("%#x", ipa), "req", p.reqNode)

		page := e.alloc.Page(pte.PA())
		e.reply(p, &msg.FetchReplyArgs{IPA: ipa, Copyset: 0, WNR: false}, page)
		return
	}

	if manager == e.dir.LocalID() {
		owner := e.Owner(ipa)
		if owner == p.reqNode {
			panic(fmt.Sprintf("vsm: read server: request for %#x from its owner %d", ipa, owner))
		}
		e.log.Debug("vsm: read server: forward", "ipa", fmt.Sprintf("%#x", ipa), "req", p.reqNode, "owner", owner)
		e.forward(owner, p, msg.FetchRead)
		return
	}

	panic(fmt.Sprintf("vsm: read server: %#x (manager %d) reached node %d holding %v",
		ipa, manager, e.dir.LocalID(), pte))
}

// writeServer serves a remote write request: the owner gives the page
// up entirely, shipping contents plus copyset; the manager commits the
// requester as the new owner before any forwarding, so later requests
// chase the right node.
func (e *Engine) writeServer(p *serverProc) {
	ipa := p.ipa
	manager := e.dir.ManagerOf(ipa)
	if manager < 0 {
		panic(fmt.Sprintf("vsm: write server: no manager for %#x", ipa))
	}

	pte := e.s2.Lookup(ipa)
	if pte.Writable() || (pte.Readable() && pte.Copyset() != 0) {
		// We are the owner: hand over page and copyset, drop ours.
		copyset := uint64(pte.Copyset())
		e.s2.Invalidate(ipa)
		e.s2.FlushIPA(ipa)

		e.log.Debug("vsm: write server: handing over", "ipa", fmt.Sprintf("%#x", ipa),
			"req", p.reqNode, "copyset", copyset)

		page := e.alloc.Page(pte.PA())
		e.reply(p, &msg.FetchReplyArgs{IPA: ipa, Copyset: copyset, WNR: true}, page)
		e.alloc.FreePage(pte.PA())

		if manager == e.dir.LocalID() {
			e.managerPage(ipa).owner.Store(int32(p.reqNode))
		}
		return
	}

	if manager == e.dir.LocalID() {
		owner := e.Owner(ipa)
		if owner == p.reqNode {
			panic(fmt.Sprintf("vsm: write server: request for %#x from its owner %d", ipa, owner))
		}
		e.log.Debug("vsm: write server: forward", "ipa", fmt.Sprintf("%#x", ipa), "req", p.reqNode, "owner", owner)

		// The transfer is committed here, before the page moves:
		// concurrent requests must chase the new owner.
		e.managerPage(ipa).owner.Store(int32(p.reqNode))

		e.forward(owner, p, msg.FetchWrite)
		return
	}

	panic(fmt.Sprintf("vsm: write server: %#x (manager %d) reached node %d holding %v",
		ipa, manager, e.dir.LocalID(), pte))
}

// invalidateServer drops the local copy unless we have since become
// the owner, in which case the invalidate is stale and ignored.
func (e *Engine) invalidateServer(p *serverProc) {
	ipa := p.ipa

	pte := e.s2.Lookup(ipa)
	if !pte.Valid() {
		return
	}
	if pte.Writable() || pte.Copyset() != 0 {
		e.log.Debug("vsm: stale invalidate ignored", "ipa", fmt.Sprintf("%#x", ipa), "from", p.reqNode)
		return
	}

	e.log.Debug("vsm: invalidate", "ipa", fmt.Sprintf("%#x", ipa), "from", p.reqNode)

	e.s2.Invalidate(ipa)
	e.s2.FlushIPA(ipa)
	e.alloc.FreePage(pte.PA())
}

// reply ships a fetch reply straight to the original requester.
func (e *Engine) reply(p *serverProc, args *msg.FetchReplyArgs, page []byte) {
	err := e.ep.Send(p.reqNode, &msg.Msg{
		Type:   msg.TypeFetchReply,
		ReqCPU: p.reqCPU,
		Args:   args,
		Body:   page,
	})
	if err != nil {
		panic(fmt.Sprintf("vsm: reply to node %d: %v", p.reqNode, err))
	}
}

// forward re-sends a fetch to the owner, preserving the original
// requester so the reply bypasses us.
func (e *Engine) forward(owner int, p *serverProc, kind msg.FetchKind) {
	err := e.ep.Send(owner, &msg.Msg{
		Type:   msg.TypeFetch,
		ReqCPU: p.reqCPU,
		Args:   &msg.FetchArgs{IPA: p.ipa, ReqNode: uint8(p.reqNode), Kind: kind},
	})
	if err != nil {
		panic(fmt.Sprintf("vsm: forward to node %d: %v", owner, err))
	}
}
