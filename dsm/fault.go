package dsm

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// FaultHandler resolves a protection fault on one page of a region.
type FaultHandler interface {
	HandleFault(page int, kind AccessKind) error
}

// faultAddr is satisfied by the runtime error raised for a memory fault
// while SetPanicOnFault is on.
type faultAddr interface {
	Addr() uintptr
}

type claim struct {
	base     uintptr
	end      uintptr
	pageSize int
	handler  FaultHandler
}

// Interceptor maps address ranges to the regions that own them. Fault
// delivery is process-global, so there is one table per process, shared by
// every region.
type Interceptor struct {
	mu     sync.RWMutex
	claims []claim // sorted by base, non-overlapping
}

var interceptor = &Interceptor{}

// DefaultInterceptor returns the process-wide table.
func DefaultInterceptor() *Interceptor {
	return interceptor
}

// Install claims [base, base+size) for h.
func (ic *Interceptor) Install(base uintptr, size uint64, pageSize int, h FaultHandler) error {
	if size == 0 || pageSize <= 0 || base%uintptr(pageSize) != 0 || size%uint64(pageSize) != 0 {
		return fmt.Errorf("%w: range %#x+%d is not page aligned", ErrHandlerInstall, base, size)
	}
	c := claim{base: base, end: base + uintptr(size), pageSize: pageSize, handler: h}
	if c.end <= c.base {
		return fmt.Errorf("%w: range %#x+%d wraps", ErrHandlerInstall, base, size)
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	i := sort.Search(len(ic.claims), func(i int) bool { return ic.claims[i].base >= c.base })
	if i > 0 && ic.claims[i-1].end > c.base {
		return fmt.Errorf("%w: %#x already claimed", ErrHandlerInstall, c.base)
	}
	if i < len(ic.claims) && ic.claims[i].base < c.end {
		return fmt.Errorf("%w: %#x already claimed", ErrHandlerInstall, ic.claims[i].base)
	}
	ic.claims = append(ic.claims, claim{})
	copy(ic.claims[i+1:], ic.claims[i:])
	ic.claims[i] = c
	return nil
}

// Remove releases the range starting at base.
func (ic *Interceptor) Remove(base uintptr) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i, c := range ic.claims {
		if c.base == base {
			ic.claims = append(ic.claims[:i], ic.claims[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup finds the handler and page index for a faulting address.
func (ic *Interceptor) Lookup(addr uintptr) (FaultHandler, int, bool) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	i := sort.Search(len(ic.claims), func(i int) bool { return ic.claims[i].end > addr })
	if i == len(ic.claims) || addr < ic.claims[i].base {
		return nil, 0, false
	}
	c := ic.claims[i]
	return c.handler, int((addr - c.base) / uintptr(c.pageSize)), true
}

func (ic *Interceptor) Claims() int {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return len(ic.claims)
}

// Guard runs fn, resolving every protection fault it takes on a claimed
// range and running it again, until fn completes. kind is the access fn
// performs. Faults outside any claimed range are re-raised.
func (ic *Interceptor) Guard(kind AccessKind, fn func()) error {
	for {
		addr, fault := runCatching(fn)
		if fault == nil {
			return nil
		}
		h, pg, ok := ic.Lookup(addr)
		if !ok {
			panic(fault)
		}
		if err := h.HandleFault(pg, kind); err != nil {
			return fmt.Errorf("%s fault at %#x: %w", kind, addr, err)
		}
	}
}

func runCatching(fn func()) (addr uintptr, fault interface{}) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fa, ok := r.(faultAddr)
		if !ok {
			panic(r)
		}
		addr, fault = fa.Addr(), r
	}()
	fn()
	return 0, nil
}
