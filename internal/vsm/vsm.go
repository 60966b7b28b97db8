// Package vsm is the cluster-wide virtual shared memory engine. Guest
// RAM is split into per-node slices; every 4 KiB page has a manager
// (the node whose slice covers it) and an owner (the node holding the
// writable copy, or the read-only copy everyone else copied from).
// Faulting CPUs fetch pages from the owner through the manager; remote
// requests run as server procedures under the per-page lock, queueing
// behind the current holder when they lose the race.
package vsm

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vsm/internal/cluster"
	"github.com/tinyrange/vsm/internal/mem"
	"github.com/tinyrange/vsm/internal/msg"
	"github.com/tinyrange/vsm/internal/s2mm"
)

const (
	PageSize  = mem.PageSize
	PageShift = mem.PageShift
)

// managerEntry is the authoritative directory pointer for one page of
// the local memory slice. It is a bare atomic word: after New,
// mutations happen only under the page lock, in a write-server
// procedure or in the manager's own write fetch.
type managerEntry struct {
	owner atomic.Int32
}

// Engine drives the coherence protocol for one node.
type Engine struct {
	dir   *cluster.Directory
	s2    *s2mm.Stage2
	alloc mem.Allocator
	ep    *msg.Endpoint
	log   *slog.Logger

	ram     cluster.MemRange
	pages   []pageDesc
	manager []managerEntry

	// syncIcache, when set, runs over pages fetched for instruction
	// access (point-of-unification maintenance on hardware).
	syncIcache func(page []byte)
}

// New creates the engine and registers its message handlers on ep.
// Pages of the local memory slice are populated and owned locally;
// the manager table starts with every local page owned by this node.
func New(dir *cluster.Directory, s2 *s2mm.Stage2, alloc mem.Allocator, ep *msg.Endpoint, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	ram := dir.RAM()
	e := &Engine{
		dir:     dir,
		s2:      s2,
		alloc:   alloc,
		ep:      ep,
		log:     log,
		ram:     ram,
		pages:   make([]pageDesc, ram.Size>>PageShift),
		manager: make([]managerEntry, dir.Me().Mem.Size>>PageShift),
	}

	me := dir.Me()
	for off := uint64(0); off < me.Mem.Size; off += PageSize {
		pa, _, err := alloc.AllocPage()
		if err != nil {
			return nil, fmt.Errorf("vsm: populate %#x: %w", me.Mem.Start+off, err)
		}
		s2.MapPage(me.Mem.Start+off, pa, s2mm.PermRW, 0)
	}
	for i := range e.manager {
		e.manager[i].owner.Store(int32(me.ID))
	}
	e.log.Info("vsm: node populated", "start", fmt.Sprintf("%#x", me.Mem.Start),
		"size", me.Mem.Size, "pages", len(e.manager))

	ep.Handle(msg.TypeFetch, e.recvFetch)
	ep.Handle(msg.TypeInvalidate, e.recvInvalidate)
	return e, nil
}

// SetICacheSync installs the instruction-cache maintenance hook.
func (e *Engine) SetICacheSync(f func(page []byte)) { e.syncIcache = f }

func (e *Engine) page(ipa uint64) *pageDesc {
	if !e.ram.Contains(ipa) {
		return nil
	}
	return &e.pages[(ipa-e.ram.Start)>>PageShift]
}

// managerPage returns the directory entry for an IPA the local slice
// covers.
func (e *Engine) managerPage(ipa uint64) *managerEntry {
	me := e.dir.Me()
	if !me.Mem.Contains(ipa) {
		panic(fmt.Sprintf("vsm: not manager of %#x", ipa))
	}
	return &e.manager[(ipa-me.Mem.Start)>>PageShift]
}

// Owner returns the manager table's owner for a locally-managed IPA.
func (e *Engine) Owner(ipa uint64) int {
	return int(e.managerPage(ipa).owner.Load())
}

// rwData describes the fused copy of an immediate fetch.
type rwData struct {
	offset uint64
	buf    []byte
}

// ReadFetch ensures the page at ipa is at least readable locally and
// returns its host page. Returns nil if ipa is outside guest RAM.
func (e *Engine) ReadFetch(cpu int, ipa uint64) []byte {
	return e.readFetch(cpu, ipa&^uint64(PageSize-1), nil)
}

// ReadFetchInstr fetches for instruction access and synchronizes the
// page to the point of unification.
func (e *Engine) ReadFetchInstr(cpu int, ipa uint64) []byte {
	page := e.readFetch(cpu, ipa&^uint64(PageSize-1), nil)
	if page != nil && e.syncIcache != nil {
		e.syncIcache(page)
	}
	return page
}

// ReadFetchImm fetches and copies out in one step, for emulated loads.
func (e *Engine) ReadFetchImm(cpu int, pageIPA, offset uint64, buf []byte) []byte {
	return e.readFetch(cpu, pageIPA, &rwData{offset: offset, buf: buf})
}

// WriteFetch ensures the page at ipa is writable locally, invalidating
// every remote copy. Returns nil if ipa is outside guest RAM.
func (e *Engine) WriteFetch(cpu int, ipa uint64) []byte {
	return e.writeFetch(cpu, ipa&^uint64(PageSize-1), nil)
}

// WriteFetchImm fetches for write and copies in, for emulated stores.
func (e *Engine) WriteFetchImm(cpu int, pageIPA, offset uint64, buf []byte) []byte {
	return e.writeFetch(cpu, pageIPA, &rwData{offset: offset, buf: buf})
}

// Access reads or writes guest memory at byte granularity, spanning
// pages as needed.
func (e *Engine) Access(cpu int, buf []byte, ipa uint64, write bool) error {
	for len(buf) > 0 {
		pageIPA := ipa &^ uint64(PageSize - 1)
		offset := ipa & (PageSize - 1)
		n := PageSize - offset
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}

		var page []byte
		if write {
			page = e.WriteFetchImm(cpu, pageIPA, offset, buf[:n])
		} else {
			page = e.ReadFetchImm(cpu, pageIPA, offset, buf[:n])
		}
		if page == nil {
			return fmt.Errorf("vsm: access outside guest ram at %#x", ipa)
		}

		buf = buf[n:]
		ipa += n
	}
	return nil
}

// readFetch is the read fault handler.
func (e *Engine) readFetch(cpu int, pageIPA uint64, d *rwData) []byte {
	pg := e.page(pageIPA)
	if pg == nil {
		return nil
	}
	manager := e.dir.ManagerOf(pageIPA)

	pg.spinLock(cpu)

	// Another local CPU may have fetched it while we spun.
	if pte, ok := e.s2.ReadablePTE(pageIPA); ok {
		page := e.alloc.Page(pte.PA())
		if d != nil {
			copy(d.buf, page[d.offset:])
		}
		e.processWaitqueue(cpu, pg)
		return page
	}

	dst := manager
	if manager == e.dir.LocalID() {
		dst = e.Owner(pageIPA)
	}
	e.log.Debug("vsm: read fetch", "ipa", fmt.Sprintf("%#x", pageIPA), "dst", dst)

	e.fetch(cpu, dst, pageIPA, msg.FetchRead)

	pte := e.s2.Lookup(pageIPA)
	if !pte.Valid() {
		panic(fmt.Sprintf("vsm: read reply for %#x installed nothing", pageIPA))
	}
	page := e.alloc.Page(pte.PA())

	if d != nil {
		copy(d.buf, page[d.offset:])
	}

	e.processWaitqueue(cpu, pg)
	return page
}

// writeFetch is the write fault handler.
func (e *Engine) writeFetch(cpu int, pageIPA uint64, d *rwData) []byte {
	pg := e.page(pageIPA)
	if pg == nil {
		return nil
	}
	manager := e.dir.ManagerOf(pageIPA)

	pg.spinLock(cpu)

	if pte, ok := e.s2.RWablePTE(pageIPA); ok {
		page := e.alloc.Page(pte.PA())
		if d != nil {
			copy(page[d.offset:], d.buf)
		}
		e.processWaitqueue(cpu, pg)
		return page
	}

	if pte, ok := e.s2.ReadablePTE(pageIPA); ok {
		if cs := pte.Copyset(); cs != 0 {
			// We are the owner: pull every copy back, no transfer.
			e.log.Debug("vsm: write upgrade", "ipa", fmt.Sprintf("%#x", pageIPA), "copyset", cs)
			e.sendInvalidate(pageIPA, uint64(cs))
			e.s2.ClearCopyset(pageIPA)
			e.s2.SetRW(pageIPA)
			page := e.alloc.Page(pte.PA())
			if d != nil {
				copy(page[d.offset:], d.buf)
			}
			e.processWaitqueue(cpu, pg)
			return page
		}

		// A bare read-only copy is useless for writing: drop it and
		// fetch the page with ownership.
		old := e.s2.Invalidate(pageIPA)
		e.s2.FlushIPA(pageIPA)
		e.alloc.FreePage(old.PA())
	}

	dst := manager
	if manager == e.dir.LocalID() {
		dst = e.Owner(pageIPA)
	}
	e.log.Debug("vsm: write fetch", "ipa", fmt.Sprintf("%#x", pageIPA), "dst", dst)

	e.fetch(cpu, dst, pageIPA, msg.FetchWrite)

	pte := e.s2.Lookup(pageIPA)
	if !pte.Valid() {
		panic(fmt.Sprintf("vsm: write reply for %#x installed nothing", pageIPA))
	}
	if cs := pte.Copyset(); cs != 0 {
		e.sendInvalidate(pageIPA, uint64(cs))
		e.s2.ClearCopyset(pageIPA)
	}
	e.s2.SetRW(pageIPA)

	// When the manager steals a page for itself no server runs here
	// to commit the transfer; point the directory back home.
	if manager == e.dir.LocalID() {
		e.managerPage(pageIPA).owner.Store(int32(manager))
	}

	page := e.alloc.Page(pte.PA())
	if d != nil {
		copy(page[d.offset:], d.buf)
	}

	e.processWaitqueue(cpu, pg)
	return page
}

// fetch sends a FETCH to dst and blocks until the reply has installed
// the page. A lost reply is unrecoverable.
func (e *Engine) fetch(cpu, dst int, pageIPA uint64, kind msg.FetchKind) {
	if dst == e.dir.LocalID() {
		panic(fmt.Sprintf("vsm: %v fetch of %#x routed to self", kind, pageIPA))
	}
	_, err := e.ep.SendAndWait(dst, &msg.Msg{
		Type:   msg.TypeFetch,
		ReqCPU: cpu,
		Args:   &msg.FetchArgs{IPA: pageIPA, ReqNode: uint8(e.dir.LocalID()), Kind: kind},
	}, e.installReply)
	if err != nil {
		panic(fmt.Sprintf("vsm: %v fetch of %#x from node %d: %v", kind, pageIPA, dst, err))
	}
}

// installReply maps the page carried by a fetch reply. Runs on the
// requesting CPU before SendAndWait returns.
func (e *Engine) installReply(reply *msg.Msg) {
	args := reply.Args.(*msg.FetchReplyArgs)
	if reply.Body == nil {
		// The protocol always moves the page with ownership.
		panic(fmt.Sprintf("vsm: ownership-only reply for %#x", args.IPA))
	}
	if len(reply.Body) != PageSize {
		panic(fmt.Sprintf("vsm: reply body %d bytes for %#x", len(reply.Body), args.IPA))
	}

	pa, page, err := e.alloc.AllocPage()
	if err != nil {
		panic(fmt.Sprintf("vsm: %v", err))
	}
	copy(page, reply.Body)

	// Access permission is finalized by the faulting path: read
	// faults leave it read-only, write faults upgrade after clearing
	// the returned copyset.
	e.s2.MapPage(args.IPA, pa, s2mm.PermRO, uint8(args.Copyset))
}

// sendInvalidate tells every node in copyset to drop its copy.
func (e *Engine) sendInvalidate(pageIPA uint64, copyset uint64) {
	if copyset == 0 {
		return
	}
	for node := 0; node < e.dir.Len(); node++ {
		if copyset&(1<<node) == 0 || node == e.dir.LocalID() {
			continue
		}
		e.log.Debug("vsm: invalidate", "ipa", fmt.Sprintf("%#x", pageIPA), "dst", node)
		err := e.ep.Send(node, &msg.Msg{
			Type: msg.TypeInvalidate,
			Args: &msg.InvalidateArgs{IPA: pageIPA, Copyset: copyset, FromNode: uint8(e.dir.LocalID())},
		})
		if err != nil {
			panic(fmt.Sprintf("vsm: invalidate %#x to node %d: %v", pageIPA, node, err))
		}
	}
}
