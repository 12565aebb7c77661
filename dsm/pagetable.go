package dsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// publisher is how the page table reaches the other nodes.
type publisher interface {
	Broadcast(ctx context.Context, m Message) error
	SendTo(ctx context.Context, node NodeID, m Message) error
}

// PageDescriptor is a snapshot of one page's local coherence state.
type PageDescriptor struct {
	Index     uint32
	State     PageState
	Version   uint64
	OwnerHint NodeID
	Pending   bool
}

// fetch is an outstanding read-fault request shared by every goroutine that
// faulted on the page while it was in flight.
type fetch struct {
	done chan struct{}
	err  error
}

type page struct {
	state     PageState
	version   uint64 // newest version this node knows of
	ownerHint NodeID
	pending   *fetch
}

// PageTable is the per-node source of truth for page state. Every transition
// and every protection change happens under mu.
type PageTable struct {
	mu    sync.Mutex
	self  NodeID
	pages []page
	mem   Mapping
	out   publisher

	fetchTimeout   time.Duration
	publishTimeout time.Duration
	log            *zap.Logger
}

func NewPageTable(self NodeID, mem Mapping, out publisher, fetchTimeout, publishTimeout time.Duration, log *zap.Logger) *PageTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageTable{
		self:           self,
		pages:          make([]page, mem.PageCount()),
		mem:            mem,
		out:            out,
		fetchTimeout:   fetchTimeout,
		publishTimeout: publishTimeout,
		log:            log.Named("pagetable"),
	}
}

func (t *PageTable) PageCount() int {
	return len(t.pages)
}

func (t *PageTable) check(i int) error {
	if i < 0 || i >= len(t.pages) {
		return fmt.Errorf("page %d: %w", i, ErrOutOfRange)
	}
	return nil
}

// setState moves page i to s and applies the matching protection.
func (t *PageTable) setState(i int, s PageState) error {
	if err := t.mem.Protect(i, protectionFor(s)); err != nil {
		return err
	}
	t.pages[i].state = s
	return nil
}

// install copies payload into page i and leaves it shared.
func (t *PageTable) install(i int, payload []byte) error {
	if err := t.mem.Protect(i, ProtReadWrite); err != nil {
		return err
	}
	copy(t.mem.Page(i), payload)
	return t.setState(i, SharedReadOnly)
}

func (t *PageTable) finish(p *page, err error) {
	p.pending.err = err
	close(p.pending.done)
	p.pending = nil
}

func (t *PageTable) publishCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.publishTimeout)
}

// OnLocalReadFault makes page i readable, fetching it from whichever node
// holds a copy. It blocks for at most the fetch timeout and never holds the
// table lock while waiting.
func (t *PageTable) OnLocalReadFault(i int) error {
	if err := t.check(i); err != nil {
		return err
	}
	f, issue, hint := t.beginFetch(i)
	if f == nil {
		return nil
	}

	deadline := time.NewTimer(t.fetchTimeout)
	defer deadline.Stop()

	if issue {
		var target NodeID
		if hint != t.self {
			target = hint
		}
		if err := t.request(i, target); err != nil {
			t.abandon(i, f, err)
			return err
		}
		if target != "" {
			// the hinted owner may have moved on; ask everyone after half the budget
			fallback := time.NewTimer(t.fetchTimeout / 2)
			select {
			case <-f.done:
				fallback.Stop()
				return f.err
			case <-fallback.C:
				t.log.Debug("owner hint silent, broadcasting", zap.Int("page", i), zap.String("hint", string(target)))
				if err := t.request(i, ""); err != nil {
					t.abandon(i, f, err)
					return err
				}
			}
		}
	}

	select {
	case <-f.done:
		return f.err
	case <-deadline.C:
		err := fmt.Errorf("page %d: %w after %s", i, ErrFetchTimeout, t.fetchTimeout)
		t.abandon(i, f, err)
		return err
	}
}

// beginFetch joins the outstanding fetch of page i or starts one. It returns
// nil when the page is already readable; issue reports whether the caller
// must send the request.
func (t *PageTable) beginFetch(i int) (f *fetch, issue bool, hint NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pages[i]
	if p.state != Invalid {
		return nil, false, ""
	}
	if p.pending != nil {
		return p.pending, false, p.ownerHint
	}
	p.pending = &fetch{done: make(chan struct{})}
	return p.pending, true, p.ownerHint
}

func (t *PageTable) request(i int, target NodeID) error {
	ctx, cancel := t.publishCtx()
	defer cancel()
	m := FetchRequest(uint32(i), t.self)
	var err error
	if target == "" {
		err = t.out.Broadcast(ctx, m)
	} else {
		err = t.out.SendTo(ctx, target, m)
	}
	if err != nil {
		return fmt.Errorf("fetch page %d: %w: %w", i, ErrCoordinationUnavailable, err)
	}
	t.log.Debug("fetch requested", zap.Int("page", i), zap.String("target", string(target)))
	return nil
}

// abandon fails an outstanding fetch unless it already completed.
func (t *PageTable) abandon(i int, f *fetch, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pages[i]
	if p.pending == f {
		t.finish(p, err)
		t.log.Debug("fetch abandoned", zap.Int("page", i), zap.Error(err))
	}
}

// OnLocalWriteFault takes page i exclusively. The invalidation is not
// acknowledged; the page becomes writable as soon as it is published.
func (t *PageTable) OnLocalWriteFault(i int) error {
	if err := t.check(i); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pages[i]
	if p.state == ExclusiveWritable {
		return nil
	}
	next := p.version + 1

	ctx, cancel := t.publishCtx()
	defer cancel()
	if err := t.out.Broadcast(ctx, Invalidate(uint32(i), next)); err != nil {
		return fmt.Errorf("invalidate page %d: %w: %w", i, ErrCoordinationUnavailable, err)
	}

	from := p.state
	if err := t.setState(i, ExclusiveWritable); err != nil {
		return err
	}
	p.version = next
	p.ownerHint = t.self
	if p.pending != nil {
		t.finish(p, nil)
	}
	t.log.Debug("page taken exclusive",
		zap.Int("page", i),
		zap.Stringer("from", from),
		zap.Uint64("version", next))
	return nil
}

// OnRemoteInvalidate drops the local copy of page i after another node
// announced a write at version.
func (t *PageTable) OnRemoteInvalidate(i int, version uint64, from NodeID) {
	if t.check(i) != nil {
		t.log.Warn("invalidate for unknown page", zap.Int("page", i), zap.String("from", string(from)))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pages[i]

	switch {
	case version < p.version:
		t.log.Debug("stale invalidate dropped", zap.Int("page", i), zap.Uint64("version", version), zap.Uint64("local", p.version))
		return
	case version == p.version && p.state == ExclusiveWritable && t.self > from:
		// two writers at the same version: the larger node id keeps the page
		t.log.Debug("concurrent writer lost tie-break", zap.Int("page", i), zap.String("from", string(from)))
		return
	case version == p.version && p.state == SharedReadOnly && p.ownerHint == from:
		// our copy was served by this writer after that write
		return
	}

	if p.state != Invalid {
		if err := t.setState(i, Invalid); err != nil {
			t.log.Error("revoke access", zap.Int("page", i), zap.Error(err))
			return
		}
		t.log.Debug("page invalidated", zap.Int("page", i), zap.Uint64("version", version), zap.String("from", string(from)))
	}
	p.version = version
	p.ownerHint = from
}

// OnRemoteFetchRequest answers a requester if this node holds a copy. A
// writer gives up write access when it hands out a copy, so that its next
// store invalidates that copy.
func (t *PageTable) OnRemoteFetchRequest(i int, requester NodeID) {
	if t.check(i) != nil {
		t.log.Warn("fetch request for unknown page", zap.Int("page", i), zap.String("from", string(requester)))
		return
	}
	t.mu.Lock()
	p := &t.pages[i]
	if p.state == Invalid {
		t.mu.Unlock()
		return
	}
	if p.state == ExclusiveWritable {
		if err := t.setState(i, SharedReadOnly); err != nil {
			t.mu.Unlock()
			t.log.Error("downgrade to shared", zap.Int("page", i), zap.Error(err))
			return
		}
	}
	payload := make([]byte, len(t.mem.Page(i)))
	copy(payload, t.mem.Page(i))
	version := p.version
	t.mu.Unlock()

	ctx, cancel := t.publishCtx()
	defer cancel()
	if err := t.out.SendTo(ctx, requester, FetchResponse(uint32(i), version, payload)); err != nil {
		t.log.Warn("fetch response not sent", zap.Int("page", i), zap.String("to", string(requester)), zap.Error(err))
		return
	}
	t.log.Debug("page served", zap.Int("page", i), zap.Uint64("version", version), zap.String("to", string(requester)))
}

// OnRemoteFetchResponse installs a fetched copy of page i unless it is older
// than what this node already knows about.
func (t *PageTable) OnRemoteFetchResponse(i int, version uint64, payload []byte, from NodeID) {
	if t.check(i) != nil {
		t.log.Warn("fetch response for unknown page", zap.Int("page", i), zap.String("from", string(from)))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pages[i]

	if len(payload) != len(t.mem.Page(i)) {
		t.log.Warn("fetch response with wrong page size dropped",
			zap.Int("page", i), zap.Int("len", len(payload)), zap.String("from", string(from)))
		return
	}
	if version < p.version {
		t.log.Debug("stale fetch response dropped", zap.Int("page", i), zap.Uint64("version", version), zap.Uint64("local", p.version))
		return
	}
	switch {
	case p.state == ExclusiveWritable:
		return
	case p.pending != nil, version > p.version:
	default:
		return
	}

	if err := t.install(i, payload); err != nil {
		t.log.Error("install fetched page", zap.Int("page", i), zap.Error(err))
		if p.pending != nil {
			t.finish(p, err)
		}
		return
	}
	p.version = version
	p.ownerHint = from
	if p.pending != nil {
		t.finish(p, nil)
	}
	t.log.Debug("page fetched", zap.Int("page", i), zap.Uint64("version", version), zap.String("from", string(from)))
}

// Descriptor returns the current state of page i.
func (t *PageTable) Descriptor(i int) (PageDescriptor, error) {
	if err := t.check(i); err != nil {
		return PageDescriptor{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.describe(i), nil
}

func (t *PageTable) Snapshot() []PageDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PageDescriptor, len(t.pages))
	for i := range t.pages {
		out[i] = t.describe(i)
	}
	return out
}

func (t *PageTable) describe(i int) PageDescriptor {
	p := t.pages[i]
	return PageDescriptor{
		Index:     uint32(i),
		State:     p.state,
		Version:   p.version,
		OwnerHint: p.ownerHint,
		Pending:   p.pending != nil,
	}
}

// close fails every outstanding fetch.
func (t *PageTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pages {
		if t.pages[i].pending != nil {
			t.finish(&t.pages[i], ErrNotAllocated)
		}
	}
}
