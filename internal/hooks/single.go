package hooks

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// SingleController owns a single-attach target (tracepoint, kprobe,
// uprobe, …): one program, one link, no dispatcher (spec.md §4.4.3).
type SingleController struct {
	mu sync.Mutex

	kind     kernel.ProgKind
	target   string
	facility kernel.Facility
	pinRoot  string // e.g. /run/bpfmand/fs/single/<target with '/' and ':' replaced by '_'>

	revision uint32
	link     *kernel.Link
	pins     *pinSet
	tenant   *Tenant
}

var _ Controller = (*SingleController)(nil)

// NewSingleController constructs a controller for one single-attach
// target.
func NewSingleController(kind kernel.ProgKind, target string, facility kernel.Facility, pinRoot string) *SingleController {
	return &SingleController{kind: kind, target: target, facility: facility, pinRoot: pinRoot}
}

func (c *SingleController) NextRevision() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision + 1
}

// Install attaches the single tenant program. A single-attach hook
// carries exactly one tenant; callers must not pass more than one.
func (c *SingleController) Install(ctx context.Context, tenants []Tenant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tenants) != 1 {
		return bpfmanerr.New(bpfmanerr.KindDispatcherNotRequired, "single.Install",
			fmt.Sprintf("single-attach target %q takes exactly one tenant, got %d", c.target, len(tenants)))
	}
	tenant := tenants[0]

	newRevision := c.revision + 1
	newLink, err := c.facility.AttachSingle(ctx, c.kind, c.target, tenant.Program)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "single.Install", err)
	}

	newPins := &pinSet{}
	linkPath := path.Join(c.pinRoot, fmt.Sprintf("%d", newRevision), "link")
	if err := c.facility.Pin(ctx, newLink, linkPath); err != nil {
		_ = c.facility.Unpin(ctx, linkPath)
		return bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "single.Install", fmt.Errorf("pin link: %w", err))
	}
	newPins.add(linkPath)

	oldPins := c.pins
	c.link = newLink
	c.pins = newPins
	c.revision = newRevision
	c.tenant = &tenant

	if oldPins != nil {
		_ = oldPins.removeAll(ctx, c.facility)
	}
	return nil
}

func (c *SingleController) Delete(ctx context.Context, full bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !full || c.revision == 0 {
		return nil
	}
	var detachErr error
	if c.link != nil {
		detachErr = c.facility.DetachLink(ctx, c.link)
	}
	var pinErr error
	if c.pins != nil {
		pinErr = c.pins.removeAll(ctx, c.facility)
	}
	c.link = nil
	c.pins = nil
	c.revision = 0
	c.tenant = nil
	if detachErr != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "single.Delete", detachErr)
	}
	if pinErr != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "single.Delete", pinErr)
	}
	return nil
}

func (c *SingleController) LinkIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenant == nil {
		return nil
	}
	return []uint32{c.tenant.LinkID}
}
