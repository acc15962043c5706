// Package hooks implements the per-kind hook controllers (spec.md §4.4)
// that own one kernel attachment point each and drive the dispatcher
// generator to keep it in sync with the registry's ordered tenant list.
package hooks

import (
	"context"

	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// Tenant is one program attached through a hook: the dispatcher
// generator's view (dispatcher.TenantLink) plus the link id the
// registry uses to identify it in list/get output.
type Tenant struct {
	LinkID uint32
	dispatcher.TenantLink
}

// Controller is the abstract contract every hook kind implements
// (spec.md §4.4): "install(new_links) -> (), next_revision() -> u32
// (wrapping), delete(full: bool) -> (), link_ids()".
type Controller interface {
	// Install performs the atomic changeover to tenants, which MUST
	// already be sorted by (priority ascending, program_id ascending).
	Install(ctx context.Context, tenants []Tenant) error
	// NextRevision reports the revision number Install will use next.
	NextRevision() uint32
	// Delete tears down the hook. full=true detaches from the kernel
	// and removes all pinned state; full=false removes only state
	// superseded by a prior Install (mid-changeover cleanup).
	Delete(ctx context.Context, full bool) error
	// LinkIDs reports the ids of tenants currently installed, in
	// dispatcher order.
	LinkIDs() []uint32
}

func linkIDs(tenants []Tenant) []uint32 {
	ids := make([]uint32, len(tenants))
	for i, t := range tenants {
		ids[i] = t.LinkID
	}
	return ids
}

func tenantLinks(tenants []Tenant) []dispatcher.TenantLink {
	out := make([]dispatcher.TenantLink, len(tenants))
	for i, t := range tenants {
		out[i] = t.TenantLink
	}
	return out
}

// pinSet unpins every path it tracked, logging nothing — callers decide
// whether a partial unpin failure is fatal.
type pinSet struct {
	paths []string
}

func (p *pinSet) add(path string) {
	p.paths = append(p.paths, path)
}

func (p *pinSet) removeAll(ctx context.Context, facility kernel.Facility) error {
	var firstErr error
	for _, path := range p.paths {
		if err := facility.Unpin(ctx, path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
