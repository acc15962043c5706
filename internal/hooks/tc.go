package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"syscall"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// basePriority is the TC filter priority used for the first install on
// a direction; each subsequent swap attaches one priority lower so the
// new filter is evaluated before the one it is replacing (spec.md
// §4.4.2 step 3).
const basePriority uint16 = 1000

// ClsactRefCounter tracks how many TC directions on one interface
// currently need the clsact qdisc, so the ingress and egress
// controllers sharing an interface create it once and only delete it
// once neither side needs it any more.
type ClsactRefCounter struct {
	mu    sync.Mutex
	count int
}

// Acquire ensures the clsact qdisc exists before the first caller's
// filter is attached; idempotent for subsequent callers.
func (c *ClsactRefCounter) Acquire(ctx context.Context, ifindex int, facility kernel.Facility) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		if err := facility.EnsureClsact(ctx, ifindex); err != nil {
			return err
		}
	}
	c.count++
	return nil
}

// Release drops this caller's interest in the qdisc, deleting it once
// no direction references it any more.
func (c *ClsactRefCounter) Release(ctx context.Context, ifindex int, facility kernel.Facility) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return nil
	}
	c.count--
	if c.count == 0 {
		return facility.DeleteClsact(ctx, ifindex)
	}
	return nil
}

// TCController owns one direction (ingress or egress) of the TC
// attachment point on one interface (spec.md §4.4.2).
type TCController struct {
	mu sync.Mutex

	ifindex  int
	egress   bool
	facility kernel.Facility
	pinRoot  string // e.g. /run/bpfmand/fs/tc-ingress or tc-egress
	template []byte
	clsact   *ClsactRefCounter

	revision    uint32
	priority    uint16
	filter      *kernel.Link
	pins        *pinSet
	tenants     []Tenant
	detached    bool // set by the qdisc-destroy observer
}

var _ Controller = (*TCController)(nil)

// NewTCController constructs a controller for one direction of ifindex.
// clsact must be shared with the sibling direction's controller so the
// qdisc is created and removed exactly once.
func NewTCController(ifindex int, egress bool, facility kernel.Facility, pinRoot string, template []byte, clsact *ClsactRefCounter) *TCController {
	return &TCController{ifindex: ifindex, egress: egress, facility: facility, pinRoot: pinRoot, template: template, clsact: clsact}
}

func (c *TCController) NextRevision() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision + 1
}

func (c *TCController) Install(ctx context.Context, tenants []Tenant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Only a direction's first install takes a clsact reference; later
	// swaps reuse it.
	firstInstall := c.revision == 0
	if firstInstall {
		if err := c.clsact.Acquire(ctx, c.ifindex, c.facility); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "tc.Install", fmt.Errorf("ensure clsact: %w", err))
		}
	}
	release := func() {
		if firstInstall {
			_ = c.clsact.Release(ctx, c.ifindex, c.facility)
		}
	}

	kind := kernel.ProgKindTCIngress
	if c.egress {
		kind = kernel.ProgKindTCEgress
	}

	newRevision := c.revision + 1
	ordered := tenantLinks(tenants)

	built, err := dispatcher.Build(ctx, kind, ordered, c.facility, c.template)
	if err != nil {
		release()
		return err
	}

	newPins := &pinSet{}
	revDir := path.Join(c.pinRoot, fmt.Sprintf("%d", c.ifindex), fmt.Sprintf("%d", newRevision))
	dispPath := path.Join(revDir, "dispatcher")
	if err := c.facility.Pin(ctx, built.DispatcherProg, dispPath); err != nil {
		release()
		return bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "tc.Install", fmt.Errorf("pin dispatcher: %w", err))
	}
	newPins.add(dispPath)
	for i, l := range built.TenantLinks {
		linkPath := path.Join(revDir, fmt.Sprintf("link-%d", i))
		if err := c.facility.Pin(ctx, l, linkPath); err != nil {
			_ = newPins.removeAll(ctx, c.facility)
			release()
			return bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "tc.Install", fmt.Errorf("pin tenant link %d: %w", i, err))
		}
		newPins.add(linkPath)
	}

	newPriority := basePriority
	if c.filter != nil {
		newPriority = c.priority - 1
	}
	oldFilter := c.filter
	newFilter, err := c.facility.AttachTCFilter(ctx, c.ifindex, c.egress, newPriority, built.DispatcherProg)
	fellBack := false
	if err != nil && oldFilter != nil && isPriorityConflict(err) {
		// The kernel rejected the lower-priority filter because it
		// overlaps with a priority already in use on this parent. Fall
		// back to delete-then-add: remove the old filter first, freeing
		// its priority, then retry at the same priority. This is not
		// hitless — traffic arriving between the delete and the add
		// misses the dispatcher entirely — so it is only attempted once
		// the swap-without-overlap path has already failed.
		slog.Warn("tc filter priority overlap, falling back to delete-then-add",
			slog.Int("ifindex", c.ifindex), slog.Bool("egress", c.egress),
			slog.Int("priority", int(newPriority)), slog.Any("error", err))
		if delErr := c.facility.DeleteTCFilter(ctx, oldFilter); delErr != nil {
			_ = newPins.removeAll(ctx, c.facility)
			release()
			return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "tc.Install", fmt.Errorf("delete-then-add fallback: delete old filter: %w", delErr))
		}
		oldFilter = nil
		fellBack = true
		newFilter, err = c.facility.AttachTCFilter(ctx, c.ifindex, c.egress, newPriority, built.DispatcherProg)
	}
	if err != nil {
		_ = newPins.removeAll(ctx, c.facility)
		release()
		if fellBack {
			// The old filter is already gone; the direction now has no
			// filter at all, matching a fresh install's starting state.
			_ = c.clsact.Release(ctx, c.ifindex, c.facility)
			c.filter = nil
			c.pins = nil
			c.revision = 0
			c.tenants = nil
		}
		return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "tc.Install", fmt.Errorf("attach tc filter: %w", err))
	}

	oldPins := c.pins
	c.filter = newFilter
	c.priority = newPriority
	c.pins = newPins
	c.revision = newRevision
	c.tenants = tenants
	c.detached = false

	if oldFilter != nil {
		// Hitless swap: the new, lower-priority filter is already live
		// and evaluated first, so deleting the old one now drops no
		// traffic.
		_ = c.facility.DeleteTCFilter(ctx, oldFilter)
	}
	if oldPins != nil {
		_ = oldPins.removeAll(ctx, c.facility)
	}
	return nil
}

// isPriorityConflict reports whether err looks like the kernel rejecting
// netlink.FilterAdd because the requested priority already has a filter
// on this parent (EEXIST) or because the combination of handle/priority
// the caller chose is otherwise unacceptable to this qdisc (EINVAL) —
// the two errnos observed in practice for a TC priority collision.
func isPriorityConflict(err error) bool {
	return errors.Is(err, syscall.EEXIST) || errors.Is(err, syscall.EINVAL)
}

func (c *TCController) Delete(ctx context.Context, full bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !full {
		return nil
	}
	if c.revision == 0 {
		return nil
	}

	var filterErr error
	if c.filter != nil && !c.detached {
		filterErr = c.facility.DeleteTCFilter(ctx, c.filter)
	}
	var pinErr error
	if c.pins != nil {
		pinErr = c.pins.removeAll(ctx, c.facility)
	}
	if !c.detached {
		_ = c.clsact.Release(ctx, c.ifindex, c.facility)
	}

	c.filter = nil
	c.pins = nil
	c.revision = 0
	c.tenants = nil
	c.detached = false

	if filterErr != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "tc.Delete", filterErr)
	}
	if pinErr != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "tc.Delete", pinErr)
	}
	return nil
}

func (c *TCController) LinkIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return linkIDs(c.tenants)
}

// MarkDetached handles the qdisc-destroy observation (spec.md §4.4.2):
// an external operator destroyed the clsact qdisc out from under this
// direction's filter. The kernel state is already gone, so this only
// updates bookkeeping; the registry is responsible for surfacing the
// affected link ids as state=detached in list/get output.
func (c *TCController) MarkDetached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	c.filter = nil
	c.pins = nil
}

// Detached reports whether the qdisc-destroy observer has fired for
// this direction since the last successful Install.
func (c *TCController) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}
