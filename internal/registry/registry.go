package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/hooks"
	"github.com/bpfman/bpfmand/internal/kernel"
	"github.com/bpfman/bpfmand/internal/store"
)

const (
	programKeyPrefix  = "programs/"
	linkKeyPrefix     = "links/"
	hookKeyPrefix     = "hooks/"
	mapOwnerKeyPrefix = "mapowners/"
)

// PinRoots collects the filesystem roots hook controllers pin into
// (spec.md §6 "Persistent state").
type PinRoots struct {
	XDP        string
	TCIngress  string
	TCEgress   string
	Single     string
	MapPinRoot string
}

// mapOwnerState tracks how many programs currently depend on one
// program's pinned maps (spec.md §8 invariant 7).
type mapOwnerState struct {
	PinDir   string `json:"pin_dir"`
	RefCount int    `json:"ref_count"`
}

// Registry is the program/link/hook source of truth. It is driven
// exclusively by the command dispatcher's single writer task and does
// not lock internally (spec.md §4.5, §5).
type Registry struct {
	store    *store.Store
	facility kernel.Facility
	pins     PinRoots

	xdpTemplate []byte
	tcTemplate  []byte

	nextProgramID uint32
	nextLinkID    uint32

	programs   map[uint32]*Program
	links      map[uint32]*Link
	hookRecs   map[string]*HookRecord
	controllers map[string]hooks.Controller
	clsactRefs map[int]*hooks.ClsactRefCounter
	mapOwners  map[uint32]*mapOwnerState
	xdpModes   map[int]kernel.XDPMode
}

// New constructs an empty Registry. Call RebuildOnStart afterwards to
// repopulate it from a prior run's durable state.
func New(s *store.Store, facility kernel.Facility, pins PinRoots, xdpTemplate, tcTemplate []byte) *Registry {
	return &Registry{
		store:       s,
		facility:    facility,
		pins:        pins,
		xdpTemplate: xdpTemplate,
		tcTemplate:  tcTemplate,
		programs:    map[uint32]*Program{},
		links:       map[uint32]*Link{},
		hookRecs:    map[string]*HookRecord{},
		controllers: map[string]hooks.Controller{},
		clsactRefs:  map[int]*hooks.ClsactRefCounter{},
		mapOwners:   map[uint32]*mapOwnerState{},
		xdpModes:    map[int]kernel.XDPMode{},
	}
}

func (r *Registry) allocProgramID() uint32 {
	r.nextProgramID++
	return r.nextProgramID
}

func (r *Registry) allocLinkID() uint32 {
	r.nextLinkID++
	return r.nextLinkID
}

// AddProgram loads bytecode into the kernel and records the resulting
// Program (spec.md §4.5 "add_program").
func (r *Registry) AddProgram(ctx context.Context, spec ProgramSpec) (uint32, error) {
	loaded, err := r.facility.LoadProgram(ctx, spec.Bytecode, spec.EntrySection, spec.Kind)
	if err != nil {
		return 0, bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "registry.AddProgram", err)
	}

	id := r.allocProgramID()
	mapPinDir := fmt.Sprintf("%s/%d", r.pins.MapPinRoot, id)

	if spec.MapOwnerID != nil {
		owner, ok := r.mapOwners[*spec.MapOwnerID]
		if !ok {
			return 0, bpfmanerr.New(bpfmanerr.KindInvalidID, "registry.AddProgram",
				fmt.Sprintf("map_owner_id %d has no pinned maps", *spec.MapOwnerID))
		}
		owner.RefCount++
		if err := r.persistMapOwner(ctx, *spec.MapOwnerID, owner); err != nil {
			return 0, err
		}
	} else {
		state := &mapOwnerState{PinDir: mapPinDir, RefCount: 1}
		r.mapOwners[id] = state
		if err := r.persistMapOwner(ctx, id, state); err != nil {
			return 0, err
		}
	}

	p := &Program{
		ID:            id,
		Name:          spec.Name,
		Kind:          spec.Kind,
		EntrySection:  spec.EntrySection,
		Bytecode:      spec.Bytecode,
		Location:      spec.Location,
		GlobalData:    spec.GlobalData,
		Metadata:      spec.Metadata,
		MapOwnerID:    spec.MapOwnerID,
		MapPinDir:     mapPinDir,
		LoadedAt:      loaded.LoadedAt,
		VerifiedInsns: loaded.VerifiedInsns,
		JitedSize:     loaded.JitedSize,
		BTFID:         loaded.BTFID,
		Tag:           loaded.Tag,
		loaded:        loaded,
	}
	if err := r.persistProgram(ctx, p); err != nil {
		return 0, err
	}
	r.programs[id] = p
	return id, nil
}

// RemoveProgram deletes a Program, refusing if any live link still
// references it, and releases its map-pin refcount (spec.md §4.5
// "remove_program", §8 invariant 7).
func (r *Registry) RemoveProgram(ctx context.Context, id uint32) error {
	p, ok := r.programs[id]
	if !ok {
		return wrapNotFound("registry.RemoveProgram", bpfmanerr.KindInvalidID, id)
	}
	for _, l := range r.links {
		if l.ProgramID == id && l.State == LinkStateLive {
			return bpfmanerr.New(bpfmanerr.KindProgramInUse, "registry.RemoveProgram",
				fmt.Sprintf("program %d still has a live link", id))
		}
	}

	ownerID := id
	if p.MapOwnerID != nil {
		ownerID = *p.MapOwnerID
	}
	if state, ok := r.mapOwners[ownerID]; ok {
		state.RefCount--
		if state.RefCount <= 0 {
			_ = r.facility.Unpin(ctx, state.PinDir)
			delete(r.mapOwners, ownerID)
			if err := r.store.Delete(ctx, mapOwnerKeyPrefix+fmt.Sprint(ownerID)); err != nil {
				return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RemoveProgram", err)
			}
		} else if err := r.persistMapOwner(ctx, ownerID, state); err != nil {
			return err
		}
	}

	if err := r.store.Delete(ctx, programKeyPrefix+fmt.Sprint(id)); err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RemoveProgram", err)
	}
	if err := r.store.Flush(ctx); err != nil {
		return err
	}
	delete(r.programs, id)
	return nil
}

// AddLink validates and installs a new attachment for an existing
// program, merging it into its hook's ordered tenant list (spec.md
// §4.5 "add_link").
func (r *Registry) AddLink(ctx context.Context, programID uint32, attach AttachSpec) (uint32, error) {
	p, ok := r.programs[programID]
	if !ok {
		return 0, wrapNotFound("registry.AddLink", bpfmanerr.KindInvalidID, programID)
	}

	key, err := hookKeyFor(p.Kind, attach)
	if err != nil {
		return 0, err
	}

	id := r.allocLinkID()
	link := &Link{ID: id, ProgramID: programID, Kind: p.Kind, Network: attach.Network, Target: attach.Target, State: LinkStatePending}

	rec := r.hookRecs[key.String()]
	var existingIDs []uint32
	if rec != nil {
		existingIDs = rec.LinkIDs
	}
	tenants, err := r.buildTenantList(append(existingIDs, id), map[uint32]*Link{id: link})
	if err != nil {
		link.State = LinkStateFailed
		return 0, err
	}

	ctrl := r.controllerFor(key)
	if err := ctrl.Install(ctx, tenants); err != nil {
		link.State = LinkStateFailed
		return 0, err
	}

	link.State = LinkStateLive
	if err := r.persistLink(ctx, link); err != nil {
		return 0, err
	}
	r.links[id] = link
	newRec := &HookRecord{Key: key, Revision: ctrl.NextRevision() - 1, LinkIDs: linkIDsOf(tenants)}
	if err := r.persistHook(ctx, newRec); err != nil {
		return 0, err
	}
	r.hookRecs[key.String()] = newRec
	return id, nil
}

// RemoveLink detaches a link, reinstalling the hook's shortened list
// (or tearing the hook down entirely if it becomes empty) per spec.md
// §4.5 "remove_link".
func (r *Registry) RemoveLink(ctx context.Context, linkID uint32) error {
	link, ok := r.links[linkID]
	if !ok {
		return wrapNotFound("registry.RemoveLink", bpfmanerr.KindInvalidID, linkID)
	}
	key, err := hookKeyFor(link.Kind, AttachSpec{Network: link.Network, Target: link.Target})
	if err != nil {
		return err
	}
	rec := r.hookRecs[key.String()]
	if rec == nil {
		return bpfmanerr.New(bpfmanerr.KindInternal, "registry.RemoveLink", "link has no hook record")
	}

	remaining := make([]uint32, 0, len(rec.LinkIDs))
	for _, id := range rec.LinkIDs {
		if id != linkID {
			remaining = append(remaining, id)
		}
	}

	ctrl := r.controllerFor(key)
	if len(remaining) == 0 {
		if err := ctrl.Delete(ctx, true); err != nil {
			return err
		}
		delete(r.controllers, key.String())
		delete(r.hookRecs, key.String())
		if err := r.store.Delete(ctx, hookKeyPrefix+key.String()); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RemoveLink", err)
		}
	} else {
		tenants, err := r.buildTenantList(remaining, nil)
		if err != nil {
			return err
		}
		if err := ctrl.Install(ctx, tenants); err != nil {
			return err
		}
		newRec := &HookRecord{Key: key, Revision: rec.Revision + 1, LinkIDs: linkIDsOf(tenants)}
		if err := r.persistHook(ctx, newRec); err != nil {
			return err
		}
		r.hookRecs[key.String()] = newRec
	}

	if err := r.store.Delete(ctx, linkKeyPrefix+fmt.Sprint(linkID)); err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RemoveLink", err)
	}
	if err := r.store.Flush(ctx); err != nil {
		return err
	}
	delete(r.links, linkID)
	return nil
}

// GetProgram returns a copy of program id's record.
func (r *Registry) GetProgram(id uint32) (Program, error) {
	p, ok := r.programs[id]
	if !ok {
		return Program{}, wrapNotFound("registry.GetProgram", bpfmanerr.KindInvalidID, id)
	}
	return *p, nil
}

// GetLink returns a copy of link id's record.
func (r *Registry) GetLink(id uint32) (Link, error) {
	l, ok := r.links[id]
	if !ok {
		return Link{}, wrapNotFound("registry.GetLink", bpfmanerr.KindInvalidID, id)
	}
	return *l, nil
}

// List returns every program matching filter, sorted by id.
func (r *Registry) List(filter ListFilter) []Program {
	var out []Program
	for _, p := range r.programs {
		if filter.HasKind && p.Kind != filter.Kind {
			continue
		}
		if !matchesLabels(p.Metadata, filter.Labels) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// buildTenantList resolves a hook's link-id order into dispatcher
// tenants sorted by (priority, program_id) (spec.md §4.3 ordering
// contract), consulting overrides for links not yet committed to
// r.links (used by AddLink before the new link is persisted).
func (r *Registry) buildTenantList(ids []uint32, overrides map[uint32]*Link) ([]hooks.Tenant, error) {
	var tenants []hooks.Tenant
	for _, id := range ids {
		link := overrides[id]
		if link == nil {
			link = r.links[id]
		}
		if link == nil {
			return nil, bpfmanerr.New(bpfmanerr.KindInternal, "registry.buildTenantList", fmt.Sprintf("link %d missing", id))
		}
		p, ok := r.programs[link.ProgramID]
		if !ok {
			return nil, bpfmanerr.New(bpfmanerr.KindInternal, "registry.buildTenantList", fmt.Sprintf("program %d missing", link.ProgramID))
		}
		var priority uint32
		var proceedOn dispatcher.ProceedOn
		var programFlags uint32
		if link.Network != nil {
			priority = link.Network.Priority
			proceedOn = link.Network.ProceedOn
			programFlags = link.Network.ProgramFlags
		}
		tenants = append(tenants, hooks.Tenant{
			LinkID: id,
			TenantLink: dispatcher.TenantLink{
				ProgramID:    link.ProgramID,
				Priority:     priority,
				ProceedOn:    proceedOn,
				ProgramFlags: programFlags,
				Program:      p.loaded,
			},
		})
	}
	ordered := dispatcher.SortOrder(tenantLinksOf(tenants))
	return reorderTenants(tenants, ordered), nil
}

func tenantLinksOf(tenants []hooks.Tenant) []dispatcher.TenantLink {
	out := make([]dispatcher.TenantLink, len(tenants))
	for i, t := range tenants {
		out[i] = t.TenantLink
	}
	return out
}

// reorderTenants re-applies the LinkID each TenantLink in ordered came
// from, after dispatcher.SortOrder has permuted the slice.
func reorderTenants(tenants []hooks.Tenant, ordered []dispatcher.TenantLink) []hooks.Tenant {
	byProgramID := map[uint32]uint32{}
	for _, t := range tenants {
		byProgramID[t.ProgramID] = t.LinkID
	}
	out := make([]hooks.Tenant, len(ordered))
	for i, tl := range ordered {
		out[i] = hooks.Tenant{LinkID: byProgramID[tl.ProgramID], TenantLink: tl}
	}
	return out
}

func linkIDsOf(tenants []hooks.Tenant) []uint32 {
	ids := make([]uint32, len(tenants))
	for i, t := range tenants {
		ids[i] = t.LinkID
	}
	return ids
}

func hookKeyFor(kind kernel.ProgKind, attach AttachSpec) (HookKey, error) {
	switch kind {
	case kernel.ProgKindXDP:
		if attach.Network == nil {
			return HookKey{}, bpfmanerr.New(bpfmanerr.KindInvalidInterface, "registry", "xdp attach requires a network target")
		}
		return HookKey{Kind: kind, Ifindex: attach.Network.Ifindex}, nil
	case kernel.ProgKindTCIngress, kernel.ProgKindTCEgress:
		if attach.Network == nil {
			return HookKey{}, bpfmanerr.New(bpfmanerr.KindInvalidInterface, "registry", "tc attach requires a network target")
		}
		return HookKey{Kind: kind, Ifindex: attach.Network.Ifindex, Egress: kind == kernel.ProgKindTCEgress}, nil
	default:
		if attach.Target == "" {
			return HookKey{}, bpfmanerr.New(bpfmanerr.KindInvalidProgramKind, "registry", "single-attach kind requires a target")
		}
		return HookKey{Kind: kind, Target: attach.Target}, nil
	}
}

// controllerFor returns (creating if necessary) the hook controller
// backing key.
func (r *Registry) controllerFor(key HookKey) hooks.Controller {
	if c, ok := r.controllers[key.String()]; ok {
		return c
	}
	var c hooks.Controller
	switch key.Kind {
	case kernel.ProgKindXDP:
		mode := kernel.XDPModeSkb
		if m, ok := r.xdpModes[key.Ifindex]; ok {
			mode = m
		}
		c = hooks.NewXDPController(key.Ifindex, mode, r.facility, r.pins.XDP, r.xdpTemplate)
	case kernel.ProgKindTCIngress, kernel.ProgKindTCEgress:
		refs, ok := r.clsactRefs[key.Ifindex]
		if !ok {
			refs = &hooks.ClsactRefCounter{}
			r.clsactRefs[key.Ifindex] = refs
		}
		root := r.pins.TCIngress
		if key.Egress {
			root = r.pins.TCEgress
		}
		c = hooks.NewTCController(key.Ifindex, key.Egress, r.facility, root, r.tcTemplate, refs)
	default:
		c = hooks.NewSingleController(key.Kind, key.Target, r.facility, fmt.Sprintf("%s/%s", r.pins.Single, sanitizeTarget(key.Target)))
	}
	r.controllers[key.String()] = c
	return c
}

// SetXDPMode overrides the XDP attach mode used for ifindex's controller
// (spec.md §6 "[interfaces.<name>] xdp_mode"). It must be called before the
// first AddLink on that interface; the controller caches its mode at
// construction.
func (r *Registry) SetXDPMode(ifindex int, mode kernel.XDPMode) {
	r.xdpModes[ifindex] = mode
}

// TrackedTCInterfaces returns the ifindexes that currently have at least
// one TC hook controller constructed — the set a qdisc-destroy watcher
// needs to poll (spec.md §4.4.2). Order is unspecified.
func (r *Registry) TrackedTCInterfaces() []int {
	out := make([]int, 0, len(r.clsactRefs))
	for ifindex := range r.clsactRefs {
		out = append(out, ifindex)
	}
	return out
}

// IsTCDetached reports whether the TC controller for (ifindex, egress) is
// currently bookkept as detached. It does not mutate state.
func (r *Registry) IsTCDetached(ifindex int, egress bool) bool {
	kind := kernel.ProgKindTCIngress
	if egress {
		kind = kernel.ProgKindTCEgress
	}
	key := HookKey{Kind: kind, Ifindex: ifindex, Egress: egress}
	c, ok := r.controllers[key.String()]
	if !ok {
		return false
	}
	tc, ok := c.(*hooks.TCController)
	if !ok {
		return false
	}
	return tc.Detached()
}

// MarkTCDetached marks the TC controller for (ifindex, egress) as detached
// bookkeeping-only, in response to an externally observed clsact qdisc
// destruction (spec.md §4.4.2). It reports whether a matching controller
// was found.
func (r *Registry) MarkTCDetached(ifindex int, egress bool) bool {
	kind := kernel.ProgKindTCIngress
	if egress {
		kind = kernel.ProgKindTCEgress
	}
	key := HookKey{Kind: kind, Ifindex: ifindex, Egress: egress}
	c, ok := r.controllers[key.String()]
	if !ok {
		return false
	}
	tc, ok := c.(*hooks.TCController)
	if !ok {
		return false
	}
	tc.MarkDetached()
	return true
}

func sanitizeTarget(target string) string {
	return strings.ReplaceAll(strings.ReplaceAll(target, "/", "_"), ":", "_")
}

func (r *Registry) persistProgram(ctx context.Context, p *Program) error {
	b, err := json.Marshal(p)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindInternal, "registry.persistProgram", err)
	}
	if err := r.store.Put(ctx, programKeyPrefix+fmt.Sprint(p.ID), b); err != nil {
		return err
	}
	return r.store.Flush(ctx)
}

func (r *Registry) persistLink(ctx context.Context, l *Link) error {
	b, err := json.Marshal(l)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindInternal, "registry.persistLink", err)
	}
	if err := r.store.Put(ctx, linkKeyPrefix+fmt.Sprint(l.ID), b); err != nil {
		return err
	}
	return r.store.Flush(ctx)
}

func (r *Registry) persistHook(ctx context.Context, rec *HookRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindInternal, "registry.persistHook", err)
	}
	if err := r.store.Put(ctx, hookKeyPrefix+rec.Key.String(), b); err != nil {
		return err
	}
	return r.store.Flush(ctx)
}

func (r *Registry) persistMapOwner(ctx context.Context, id uint32, state *mapOwnerState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindInternal, "registry.persistMapOwner", err)
	}
	if err := r.store.Put(ctx, mapOwnerKeyPrefix+fmt.Sprint(id), b); err != nil {
		return err
	}
	return r.store.Flush(ctx)
}

// RebuildOnStart reloads every durable Program, Link and HookRecord
// from the store, reattaching kernel state from scratch (spec.md §8
// invariant 5 — a restart reconciles the kernel to match the durable
// snapshot, not the other way around). It must run before the command
// dispatcher accepts any requests.
func (r *Registry) RebuildOnStart(ctx context.Context) error {
	progEntries, err := r.store.ScanPrefix(ctx, programKeyPrefix)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RebuildOnStart", err)
	}
	for _, e := range progEntries {
		var p Program
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "registry.RebuildOnStart", err)
		}
		loaded, err := r.facility.LoadProgram(ctx, p.Bytecode, p.EntrySection, p.Kind)
		if err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "registry.RebuildOnStart",
				fmt.Errorf("reloading program %d (%s): %w", p.ID, p.Name, err))
		}
		p.loaded = loaded
		r.programs[p.ID] = &p
		if p.ID > r.nextProgramID {
			r.nextProgramID = p.ID
		}
	}

	ownerEntries, err := r.store.ScanPrefix(ctx, mapOwnerKeyPrefix)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RebuildOnStart", err)
	}
	for _, e := range ownerEntries {
		id, err := parseStoreID(strings.TrimPrefix(e.Key, mapOwnerKeyPrefix))
		if err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "registry.RebuildOnStart", err)
		}
		var state mapOwnerState
		if err := json.Unmarshal(e.Value, &state); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "registry.RebuildOnStart", err)
		}
		r.mapOwners[id] = &state
	}

	linkEntries, err := r.store.ScanPrefix(ctx, linkKeyPrefix)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RebuildOnStart", err)
	}
	for _, e := range linkEntries {
		var l Link
		if err := json.Unmarshal(e.Value, &l); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "registry.RebuildOnStart", err)
		}
		r.links[l.ID] = &l
		if l.ID > r.nextLinkID {
			r.nextLinkID = l.ID
		}
	}

	hookEntries, err := r.store.ScanPrefix(ctx, hookKeyPrefix)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "registry.RebuildOnStart", err)
	}
	for _, e := range hookEntries {
		var rec HookRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "registry.RebuildOnStart", err)
		}
		tenants, err := r.buildTenantList(rec.LinkIDs, nil)
		if err != nil {
			return err
		}
		ctrl := r.controllerFor(rec.Key)
		if err := ctrl.Install(ctx, tenants); err != nil {
			return bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "registry.RebuildOnStart",
				fmt.Errorf("reinstalling hook %s: %w", rec.Key.String(), err))
		}
		r.hookRecs[rec.Key.String()] = &rec
	}
	return nil
}

func parseStoreID(s string) (uint32, error) {
	var id uint32
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("parse store id %q: %w", s, err)
	}
	return id, nil
}
