package dsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

type regionState int

const (
	regionNew regionState = iota
	regionAllocated
	regionTornDown
)

// Region is one node's view of a shared region.
type Region struct {
	node *Node
	id   string
	log  *zap.Logger

	// guarded accesses hold mu for reading; allocate and teardown for writing
	mu        sync.RWMutex
	state     regionState
	info      RegionInfo
	mem       Mapping
	table     *PageTable
	transport *Transport
}

// Allocate joins (or creates) the region and maps it. Every page starts
// invalid. It returns the local base address.
func (r *Region) Allocate(ctx context.Context, size uint64) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != regionNew {
		return 0, fmt.Errorf("region %q: %w", r.id, ErrAlreadyAllocated)
	}
	n := r.node

	info, err := n.registry.RegisterOrJoin(ctx, r.id, size)
	if err != nil {
		return 0, err
	}
	mem, err := newMapping(info.Size, n.pageSize)
	if err != nil {
		n.registry.forget(r.id)
		return 0, err
	}
	tr := NewTransport(n.id, n.channelPrefix+r.id, n.client, n.log)
	table := NewPageTable(n.id, mem, tr, n.fetchTimeout, n.publishTimeout, n.log)
	if err := tr.Start(ctx, table); err != nil {
		_ = mem.Close()
		n.registry.forget(r.id)
		return 0, err
	}
	if err := n.interceptor.Install(mem.Base(), info.Size, n.pageSize, r); err != nil {
		_ = tr.Close()
		_ = mem.Close()
		n.registry.forget(r.id)
		return 0, err
	}

	r.info, r.mem, r.table, r.transport = info, mem, table, tr
	r.state = regionAllocated
	r.log.Info("allocated",
		zap.String("base", fmt.Sprintf("%#x", mem.Base())),
		zap.Uint64("size", info.Size),
		zap.Int("pages", mem.PageCount()),
		zap.Bool("creator", info.Creator))
	return mem.Base(), nil
}

// HandleFault resolves a fault on page pg. A fault reported as a read on a
// page that is already readable can only have been a store.
func (r *Region) HandleFault(pg int, kind AccessKind) error {
	t := r.table
	d, err := t.Descriptor(pg)
	if err != nil {
		return err
	}
	if kind == Read && d.State != Invalid {
		kind = Write
	}
	if kind == Read {
		return t.OnLocalReadFault(pg)
	}
	if r.node.fetchOnWrite && d.State == Invalid {
		if err := t.OnLocalReadFault(pg); err != nil && !errors.Is(err, ErrFetchTimeout) {
			return err
		}
	}
	return t.OnLocalWriteFault(pg)
}

func (r *Region) ready() error {
	if r.state != regionAllocated {
		return fmt.Errorf("region %q: %w", r.id, ErrNotAllocated)
	}
	return nil
}

func (r *Region) guard(kind AccessKind, fn func()) error {
	return r.node.interceptor.Guard(kind, fn)
}

func (r *Region) ID() string {
	return r.id
}

// Info returns the registered metadata; zero before Allocate.
func (r *Region) Info() RegionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (r *Region) Base() uintptr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mem == nil {
		return 0
	}
	return r.mem.Base()
}

func (r *Region) PageCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.table == nil {
		return 0
	}
	return r.table.PageCount()
}

// Descriptor reports the local coherence state of page pg.
func (r *Region) Descriptor(pg int) (PageDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return PageDescriptor{}, err
	}
	return r.table.Descriptor(pg)
}

// Access runs fn over the whole mapped region, resolving faults as they
// happen. fn may run more than once and must tolerate that.
func (r *Region) Access(kind AccessKind, fn func(mem []byte)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return err
	}
	mem := r.mem.Bytes()
	return r.guard(kind, func() { fn(mem) })
}

func (r *Region) LoadByte(off uint64) (byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return 0, err
	}
	if off >= r.info.Size {
		return 0, fmt.Errorf("load at %d: %w", off, ErrOutOfRange)
	}
	mem := r.mem.Bytes()
	var b byte
	err := r.guard(Read, func() { b = mem[off] })
	return b, err
}

func (r *Region) StoreByte(off uint64, b byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return err
	}
	if off >= r.info.Size {
		return fmt.Errorf("store at %d: %w", off, ErrOutOfRange)
	}
	mem := r.mem.Bytes()
	return r.guard(Write, func() { mem[off] = b })
}

// ReadAt implements io.ReaderAt, one page at a time.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: %w", off, ErrOutOfRange)
	}
	size := r.info.Size
	if uint64(off) >= size {
		return 0, io.EOF
	}
	n := 0
	err := r.pages(uint64(off), len(p), func(src []byte, done int) func() {
		return func() { copy(p[done:], src) }
	}, Read, &n)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes that do not fit are rejected
// whole.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return 0, err
	}
	if off < 0 || uint64(off)+uint64(len(p)) > r.info.Size {
		return 0, fmt.Errorf("write of %d bytes at %d: %w", len(p), off, ErrOutOfRange)
	}
	n := 0
	err := r.pages(uint64(off), len(p), func(dst []byte, done int) func() {
		return func() { copy(dst, p[done:]) }
	}, Write, &n)
	return n, err
}

// pages walks [off, off+length) clipped to the region, one page-sized chunk
// at a time, running the access built by step under the fault guard.
func (r *Region) pages(off uint64, length int, step func(chunk []byte, done int) func(), kind AccessKind, n *int) error {
	mem := r.mem.Bytes()
	ps := uint64(r.node.pageSize)
	for *n < length && off < r.info.Size {
		end := (off/ps + 1) * ps
		if rest := off + uint64(length-*n); rest < end {
			end = rest
		}
		chunk := mem[off:end]
		if err := r.guard(kind, step(chunk, *n)); err != nil {
			return err
		}
		*n += len(chunk)
		off = end
	}
	return nil
}

// Barrier is the synchronization hook. Coherence is maintained per access,
// so there is nothing to flush yet.
func (r *Region) Barrier(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.ready(); err != nil {
		return err
	}
	return ctx.Err()
}

// Teardown unmaps the region, stops its listener and deletes its metadata
// from the coordination service. Other attached nodes are not notified.
func (r *Region) Teardown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ready(); err != nil {
		return err
	}
	errs := []error{r.transport.Close()}
	r.node.interceptor.Remove(r.mem.Base())
	r.table.close()
	errs = append(errs, r.mem.Close())
	errs = append(errs, r.node.registry.Release(ctx, r.id))
	r.state = regionTornDown
	r.log.Info("torn down")
	return errors.Join(errs...)
}
