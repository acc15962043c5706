// Package fake implements an in-memory kernel.Facility used by every test
// described in spec.md §8 ("against a mock kernel"). It tracks just enough
// state — which program is attached where, which pins exist — to let the
// dispatcher generator, hook controllers, and registry be exercised
// without a real Linux kernel or root privileges.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/bpfman/bpfmand/internal/kernel"
)

// Facility is a deterministic, in-process stand-in for kernel.Facility.
type Facility struct {
	mu sync.Mutex

	nextID uint32
	pins   map[string]any

	xdpOnIfindex map[int]*kernel.LoadedProgram
	clsact       map[int]bool
	tcFilters    map[int]map[bool][]*tcFilter // ifindex -> egress -> filters, ordered by priority

	// FailAttachXDP, when set, makes every AttachXDP call on the named
	// ifindex fail while the entry remains, simulating a kernel rejecting
	// the swap (used to test
	// the atomic-swap-non-regression invariant).
	FailAttachXDP map[int]error

	// FailAttachTCOnce, when set for an ifindex, makes exactly the next
	// AttachTCFilter call on that ifindex fail with the given error and
	// then clears itself, simulating a one-off kernel priority collision
	// so callers can exercise a delete-then-add fallback.
	FailAttachTCOnce map[int]error

	// FailAttachTCAlways, when set for an ifindex, makes every
	// AttachTCFilter call on that ifindex fail with the given error
	// (checked after FailAttachTCOnce), simulating a persistent failure
	// that survives a delete-then-add retry.
	FailAttachTCAlways map[int]error
}

type tcFilter struct {
	priority uint16
	prog     *kernel.LoadedProgram
	link     *kernel.Link
}

// New returns a ready-to-use fake facility.
func New() *Facility {
	return &Facility{
		pins:         map[string]any{},
		xdpOnIfindex: map[int]*kernel.LoadedProgram{},
		clsact:       map[int]bool{},
		tcFilters:    map[int]map[bool][]*tcFilter{},
	}
}

var _ kernel.Facility = (*Facility)(nil)

func (f *Facility) allocID() uint32 {
	f.nextID++
	return f.nextID
}

func (f *Facility) LoadCollection(ctx context.Context, elf []byte, rewriteConstants map[string][]byte) (*kernel.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prog := &kernel.LoadedProgram{KernelID: f.allocID(), Handle: &fakeProgram{name: "dispatcher", config: rewriteConstants["CONFIG"]}}
	return &kernel.Collection{
		Programs: map[string]*kernel.LoadedProgram{"dispatcher": prog},
		Handle:   prog,
	}, nil
}

func (f *Facility) LoadProgram(ctx context.Context, elf []byte, progSection string, progKind kernel.ProgKind) (*kernel.LoadedProgram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &kernel.LoadedProgram{
		KernelID: f.allocID(),
		Handle:   &fakeProgram{name: progSection, kind: progKind},
	}, nil
}

type fakeProgram struct {
	name   string
	kind   kernel.ProgKind
	config []byte
}

func (f *Facility) AttachFreplace(ctx context.Context, dispatcher *kernel.LoadedProgram, stubName string, tenant *kernel.LoadedProgram) (*kernel.Link, error) {
	return &kernel.Link{Handle: fmt.Sprintf("freplace:%s<-%d", stubName, tenant.KernelID)}, nil
}

func (f *Facility) AttachXDP(ctx context.Context, ifindex int, prog *kernel.LoadedProgram, mode kernel.XDPMode, replaceExisting bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailAttachXDP[ifindex]; err != nil {
		return err
	}
	if !replaceExisting {
		if _, exists := f.xdpOnIfindex[ifindex]; exists {
			return fmt.Errorf("xdp program already attached to ifindex %d (UPDATE_IF_NOEXIST)", ifindex)
		}
	}
	f.xdpOnIfindex[ifindex] = prog
	return nil
}

func (f *Facility) DetachXDP(ctx context.Context, ifindex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.xdpOnIfindex, ifindex)
	return nil
}

// AttachedXDP exposes the program currently attached to ifindex, for tests
// asserting atomic-swap-non-regression.
func (f *Facility) AttachedXDP(ifindex int) *kernel.LoadedProgram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.xdpOnIfindex[ifindex]
}

func (f *Facility) EnsureClsact(ctx context.Context, ifindex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clsact[ifindex] = true
	return nil
}

func (f *Facility) DeleteClsact(ctx context.Context, ifindex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.clsact[ifindex] {
		return fmt.Errorf("no clsact on ifindex %d", ifindex)
	}
	delete(f.clsact, ifindex)
	return nil
}

// DestroyClsact simulates an external operator tearing down the clsact
// qdisc (spec.md §4.4.2's "qdisc-destroy observation" scenario).
func (f *Facility) DestroyClsact(ifindex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clsact, ifindex)
}

func (f *Facility) AttachTCFilter(ctx context.Context, ifindex int, egress bool, priority uint16, prog *kernel.LoadedProgram) (*kernel.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.clsact[ifindex] {
		return nil, fmt.Errorf("no clsact qdisc on ifindex %d", ifindex)
	}
	if err := f.FailAttachTCOnce[ifindex]; err != nil {
		delete(f.FailAttachTCOnce, ifindex)
		return nil, err
	}
	if err := f.FailAttachTCAlways[ifindex]; err != nil {
		return nil, err
	}
	if f.tcFilters[ifindex] == nil {
		f.tcFilters[ifindex] = map[bool][]*tcFilter{}
	}
	for _, existing := range f.tcFilters[ifindex][egress] {
		if existing.priority == priority {
			// Real netlink.FilterAdd returns EEXIST for this case; wrap
			// the same errno here so callers' errors.Is(err, EEXIST)
			// checks behave the same against the fake as against Linux.
			return nil, fmt.Errorf("tc filter priority %d already in use on ifindex %d: %w", priority, ifindex, syscall.EEXIST)
		}
	}
	l := &kernel.Link{Handle: fmt.Sprintf("tcfilter:%d:%v:%d", ifindex, egress, priority)}
	tf := &tcFilter{priority: priority, prog: prog, link: l}
	f.tcFilters[ifindex][egress] = append(f.tcFilters[ifindex][egress], tf)
	sort.Slice(f.tcFilters[ifindex][egress], func(i, j int) bool {
		return f.tcFilters[ifindex][egress][i].priority < f.tcFilters[ifindex][egress][j].priority
	})
	return l, nil
}

func (f *Facility) DeleteTCFilter(ctx context.Context, l *kernel.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ifindex, byDir := range f.tcFilters {
		for egress, filters := range byDir {
			for i, tf := range filters {
				if tf.link == l {
					f.tcFilters[ifindex][egress] = append(filters[:i], filters[i+1:]...)
					return nil
				}
			}
		}
	}
	return fmt.Errorf("tc filter not found")
}

// ActiveTCFilter returns the lowest-priority (first-evaluated) filter's
// program on ifindex/direction, or nil if none is attached.
func (f *Facility) ActiveTCFilter(ifindex int, egress bool) *kernel.LoadedProgram {
	f.mu.Lock()
	defer f.mu.Unlock()
	filters := f.tcFilters[ifindex][egress]
	if len(filters) == 0 {
		return nil
	}
	return filters[0].prog
}

func (f *Facility) AttachSingle(ctx context.Context, kind kernel.ProgKind, target string, prog *kernel.LoadedProgram) (*kernel.Link, error) {
	return &kernel.Link{Handle: fmt.Sprintf("single:%s:%s", kind, target)}, nil
}

func (f *Facility) DetachLink(ctx context.Context, l *kernel.Link) error {
	return nil
}

func (f *Facility) Pin(ctx context.Context, obj any, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[path] = obj
	return nil
}

func (f *Facility) Unpin(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pins, path)
	return nil
}

// Pinned reports whether path is currently pinned, for assertions in
// atomic-swap tests.
func (f *Facility) Pinned(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pins[path]
	return ok
}

func (f *Facility) Close() error { return nil }
