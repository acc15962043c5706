// Package kernel defines the abstract "kernel eBPF facility" that the
// dispatcher generator and hook controllers consume (spec.md §1 names this
// as an interface the core relies on, not a concern it builds itself).
//
// Facility has two implementations: one backed by cilium/ebpf and
// vishvananda/netlink for real attachment (kernel.go / linux-only files),
// and an in-memory one under kernel/fake for the tests described in
// spec.md §8, which run against a mock kernel rather than a real host.
package kernel

import (
	"context"
	"time"
)

// ProgKind mirrors the program-kind enum in spec.md §3.
type ProgKind int

const (
	ProgKindUnknown ProgKind = iota
	ProgKindXDP
	ProgKindTCIngress
	ProgKindTCEgress
	ProgKindTracepoint
	ProgKindKprobe
	ProgKindUprobe
)

func (k ProgKind) String() string {
	switch k {
	case ProgKindXDP:
		return "xdp"
	case ProgKindTCIngress:
		return "tc-ingress"
	case ProgKindTCEgress:
		return "tc-egress"
	case ProgKindTracepoint:
		return "tracepoint"
	case ProgKindKprobe:
		return "kprobe"
	case ProgKindUprobe:
		return "uprobe"
	default:
		return "unknown"
	}
}

// IsMultiAttach reports whether kind shares its hook through a dispatcher.
func (k ProgKind) IsMultiAttach() bool {
	return k == ProgKindXDP || k == ProgKindTCIngress || k == ProgKindTCEgress
}

// XDPMode selects the kernel-side XDP attach mode.
type XDPMode int

const (
	XDPModeSkb XDPMode = iota
	XDPModeDrv
	XDPModeHw
)

// LoadedProgram is a kernel-resident program handle. KernelInfo fields are
// populated from the kernel once the load succeeds.
type LoadedProgram struct {
	// KernelID is the kernel-assigned program id.
	KernelID uint32
	// Tag is the kernel-computed instruction-hash tag.
	Tag string
	// BTFID is the kernel's BTF object id for this program, if any.
	BTFID uint32
	// VerifiedInsns is the verifier's reported instruction count.
	VerifiedInsns uint32
	// JitedSize is the size in bytes of the JIT-compiled image.
	JitedSize uint32
	// LoadedAt is when the kernel accepted the program.
	LoadedAt time.Time

	// handle is the implementation-specific live object (an *ebpf.Program
	// for the real facility, an opaque token for the fake). Consumers
	// never inspect it; it is threaded back into Facility calls that
	// need the concrete object (AttachXDP, AttachFreplace, Pin, ...).
	Handle any
}

// Link is a live attachment returned by any Attach* call.
type Link struct {
	// Handle is the implementation-specific live link object.
	Handle any
}

// Collection is a loaded dispatcher (or other multi-program object):
// the program plus any maps it declared, keyed by name.
type Collection struct {
	Programs map[string]*LoadedProgram
	Handle   any
}

// Facility is the kernel eBPF surface the dispatcher generator and hook
// controllers are written against. Every method that can block on a
// syscall takes a context so callers can bound worst-case latency, per
// spec.md §5 "suspension points".
type Facility interface {
	// LoadCollection parses elf as a BPF object (the dispatcher template),
	// rewrites the named rodata constants (e.g. "CONFIG"), loads every
	// program and map it declares, and returns the live Collection.
	LoadCollection(ctx context.Context, elf []byte, rewriteConstants map[string][]byte) (*Collection, error)

	// LoadProgram loads a single already-compiled tenant program of kind
	// progKind from elf, using the ELF section named progSection.
	LoadProgram(ctx context.Context, elf []byte, progSection string, progKind ProgKind) (*LoadedProgram, error)

	// AttachFreplace replaces the stub function named stubName inside
	// dispatcher with tenant — the kernel "extension link" primitive.
	AttachFreplace(ctx context.Context, dispatcher *LoadedProgram, stubName string, tenant *LoadedProgram) (*Link, error)

	// AttachXDP attaches prog to ifindex in mode, replacing any existing
	// XDP program on that interface if replaceExisting is true (used for
	// the atomic dispatcher swap).
	AttachXDP(ctx context.Context, ifindex int, prog *LoadedProgram, mode XDPMode, replaceExisting bool) error
	// DetachXDP removes whatever XDP program is attached to ifindex.
	DetachXDP(ctx context.Context, ifindex int) error

	// EnsureClsact creates the clsact qdisc on ifindex if one does not
	// already exist. Idempotent.
	EnsureClsact(ctx context.Context, ifindex int) error
	// AttachTCFilter attaches prog as a BPF classifier on ifindex/egress
	// at the given priority, returning an opaque filter handle used by
	// DeleteTCFilter.
	AttachTCFilter(ctx context.Context, ifindex int, egress bool, priority uint16, prog *LoadedProgram) (*Link, error)
	// DeleteTCFilter removes a filter previously returned by AttachTCFilter.
	DeleteTCFilter(ctx context.Context, filter *Link) error
	// DeleteClsact removes the clsact qdisc from ifindex. It does not check
	// for remaining filters; callers track that (hooks.ClsactRefCounter).
	DeleteClsact(ctx context.Context, ifindex int) error

	// AttachSingle attaches prog to a single-attach target (tracepoint
	// group/name, kprobe symbol, or uprobe path:offset) according to kind.
	AttachSingle(ctx context.Context, kind ProgKind, target string, prog *LoadedProgram) (*Link, error)
	// DetachLink closes a single-attach link returned by AttachSingle.
	DetachLink(ctx context.Context, l *Link) error

	// Pin persists obj (a *LoadedProgram or *Link) at path in the BPF
	// virtual filesystem so it survives this process exiting.
	Pin(ctx context.Context, obj any, path string) error
	// Unpin removes a previously pinned path. Removing an absent path is
	// not an error.
	Unpin(ctx context.Context, path string) error

	// Close releases any resources the facility itself holds. Neither
	// LinuxFacility nor the fake holds any, so both return nil.
	Close() error
}

// QdiscDestroyedEvent is posted by the qdisc-destroy observer (spec.md
// §4.4.2) into the command dispatcher's queue when a clsact qdisc on a
// managed interface disappears out from under the daemon.
type QdiscDestroyedEvent struct {
	Ifindex int
	Egress  bool
}
