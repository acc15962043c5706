// Package registry is the source of truth for which logical programs
// exist, which links attach them to which hooks, and the current
// dispatcher revision per hook (spec.md §4.5). It is only ever called
// from the command dispatcher's single writer task; it does not lock
// internally.
package registry

import (
	"fmt"
	"time"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// LinkState is the lifecycle state of a Link (spec.md §3 "Link").
type LinkState string

const (
	LinkStatePending  LinkState = "pending"
	LinkStateLive     LinkState = "live"
	LinkStateDetached LinkState = "detached"
	LinkStateFailed   LinkState = "failed"
)

// Program is a loaded, kernel-resident eBPF object (spec.md §3).
type Program struct {
	ID            uint32            `json:"id"`
	Name          string            `json:"name"`
	Kind          kernel.ProgKind   `json:"kind"`
	EntrySection  string            `json:"entry_section"`
	Bytecode      []byte            `json:"bytecode"`
	Location      string            `json:"location"`
	GlobalData    map[string][]byte `json:"global_data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	MapOwnerID    *uint32           `json:"map_owner_id,omitempty"`
	MapPinDir     string            `json:"map_pin_dir,omitempty"`
	LoadedAt      time.Time         `json:"loaded_at"`
	VerifiedInsns uint32            `json:"verified_insns"`
	JitedSize     uint32            `json:"jited_size"`
	BTFID         uint32            `json:"btf_id"`
	Tag           string            `json:"tag"`

	// loaded is the live kernel handle for this process's lifetime; it
	// is never persisted and is nil for a Program that only exists in
	// the rebuild-on-start snapshot before it is reloaded.
	loaded *kernel.LoadedProgram
}

// NetworkAttach is the network-hook variant of a Link's attach point:
// XDP or TC, on one interface, optionally with a direction.
type NetworkAttach struct {
	Ifindex      int                `json:"ifindex"`
	Egress       bool               `json:"egress"`
	Priority     uint32             `json:"priority"`
	ProceedOn    dispatcher.ProceedOn `json:"proceed_on"`
	ProgramFlags uint32             `json:"program_flags"`
}

// Link binds a Program to a specific attachment point (spec.md §3).
type Link struct {
	ID        uint32         `json:"id"`
	ProgramID uint32         `json:"program_id"`
	Kind      kernel.ProgKind `json:"kind"`
	Network   *NetworkAttach `json:"network,omitempty"`
	Target    string         `json:"target,omitempty"` // single-attach: tracepoint/kprobe/uprobe target
	State     LinkState      `json:"state"`
}

// HookKey identifies one attachment point: a multi-attach (kind,
// ifindex[, direction]) or a single-attach (kind, target).
type HookKey struct {
	Kind    kernel.ProgKind
	Ifindex int
	Egress  bool
	Target  string
}

// String renders a HookKey as the store-key / controller-map suffix.
func (k HookKey) String() string {
	if k.Kind.IsMultiAttach() {
		return fmt.Sprintf("%s/%d", k.Kind, k.Ifindex)
	}
	return fmt.Sprintf("%s/%s", k.Kind, k.Target)
}

// HookRecord is the durable record of one active attachment point
// (spec.md §3 "Hook record").
type HookRecord struct {
	Key      HookKey  `json:"key"`
	Revision uint32   `json:"revision"`
	LinkIDs  []uint32 `json:"link_ids"` // dispatcher order
}

// ProgramSpec is the input to AddProgram: everything needed to load a
// program, already resolved (bytecode fetched, signature checked).
type ProgramSpec struct {
	Name         string
	Kind         kernel.ProgKind
	EntrySection string
	Bytecode     []byte
	Location     string
	GlobalData   map[string][]byte
	Metadata     map[string]string
	MapOwnerID   *uint32
}

// AttachSpec is the input to AddLink describing where a program binds.
type AttachSpec struct {
	// Network is set for XDP/TC attaches.
	Network *NetworkAttach
	// Target is set for single-attach kinds (tracepoint group/name,
	// kprobe symbol, uprobe path:offset).
	Target string
}

// ListFilter narrows List's output (spec.md §4.5 "list(filter)").
type ListFilter struct {
	Kind             kernel.ProgKind // zero value: no kind filter
	HasKind          bool
	Labels           map[string]string // subset match against Program.Metadata
	IncludeUnmanaged bool              // reserved: kernel-wide enumeration, not implemented
}

func wrapNotFound(op string, kind bpfmanerr.Kind, id uint32) error {
	return bpfmanerr.New(kind, op, fmt.Sprintf("id %d not found", id))
}
