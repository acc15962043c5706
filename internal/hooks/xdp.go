package hooks

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// XDPController owns the XDP attachment point on one interface
// (spec.md §4.4.1).
type XDPController struct {
	mu sync.Mutex

	ifindex  int
	mode     kernel.XDPMode
	facility kernel.Facility
	pinRoot  string // e.g. /run/bpfmand/fs/xdp
	template []byte

	revision uint32
	pins     *pinSet
	tenants  []Tenant
}

var _ Controller = (*XDPController)(nil)

// NewXDPController constructs a controller for ifindex with no
// dispatcher attached yet (revision 0).
func NewXDPController(ifindex int, mode kernel.XDPMode, facility kernel.Facility, pinRoot string, template []byte) *XDPController {
	return &XDPController{ifindex: ifindex, mode: mode, facility: facility, pinRoot: pinRoot, template: template}
}

func (c *XDPController) NextRevision() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision + 1
}

// Install performs the atomic changeover described in spec.md §4.4.1:
// build, pin, attach-or-replace, then drop the superseded pins. A
// failure at any step leaves the previously installed dispatcher (if
// any) untouched and removes only the new revision's partial state.
func (c *XDPController) Install(ctx context.Context, tenants []Tenant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newRevision := c.revision + 1
	ordered := tenantLinks(tenants)

	built, err := dispatcher.Build(ctx, kernel.ProgKindXDP, ordered, c.facility, c.template)
	if err != nil {
		return err
	}

	newPins := &pinSet{}
	revDir := path.Join(c.pinRoot, fmt.Sprintf("%d", c.ifindex), fmt.Sprintf("%d", newRevision))
	dispPath := path.Join(revDir, "dispatcher")
	if err := c.facility.Pin(ctx, built.DispatcherProg, dispPath); err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "xdp.Install", fmt.Errorf("pin dispatcher: %w", err))
	}
	newPins.add(dispPath)
	for i, l := range built.TenantLinks {
		linkPath := path.Join(revDir, fmt.Sprintf("link-%d", i))
		if err := c.facility.Pin(ctx, l, linkPath); err != nil {
			_ = newPins.removeAll(ctx, c.facility)
			return bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "xdp.Install", fmt.Errorf("pin tenant link %d: %w", i, err))
		}
		newPins.add(linkPath)
	}

	replaceExisting := c.revision > 0
	if err := c.facility.AttachXDP(ctx, c.ifindex, built.DispatcherProg, c.mode, replaceExisting); err != nil {
		_ = newPins.removeAll(ctx, c.facility)
		return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "xdp.Install", fmt.Errorf("attach xdp to ifindex %d: %w", c.ifindex, err))
	}

	oldPins := c.pins
	c.pins = newPins
	c.revision = newRevision
	c.tenants = tenants

	if oldPins != nil {
		// Best-effort: a failure to remove the superseded pins does not
		// affect correctness of the new, already-live dispatcher.
		_ = oldPins.removeAll(ctx, c.facility)
	}
	return nil
}

func (c *XDPController) Delete(ctx context.Context, full bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !full {
		// Mid-changeover cleanup only; Install already dropped the
		// superseded pins itself, so there is nothing left to do here.
		return nil
	}

	if c.revision == 0 {
		return nil
	}
	if err := c.facility.DetachXDP(ctx, c.ifindex); err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "xdp.Delete", err)
	}
	var err error
	if c.pins != nil {
		err = c.pins.removeAll(ctx, c.facility)
	}
	c.pins = nil
	c.revision = 0
	c.tenants = nil
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "xdp.Delete", fmt.Errorf("unpin: %w", err))
	}
	return nil
}

func (c *XDPController) LinkIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return linkIDs(c.tenants)
}
