package dispatcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// TenantLink is one entry of the ordered list the generator consumes:
// a tenant program plus the per-link policy that goes into the
// dispatcher's config blob.
type TenantLink struct {
	ProgramID    uint32
	Priority     uint32
	ProceedOn    ProceedOn
	ProgramFlags uint32
	Program      *kernel.LoadedProgram
}

// Built bundles everything a successful Build produced: the loaded
// dispatcher collection and the extension link for each tenant, in the
// same order as the input slice. Hook controllers own pinning these.
type Built struct {
	Collection    *kernel.Collection
	DispatcherProg *kernel.LoadedProgram
	TenantLinks   []*kernel.Link
}

// stubName is the ELF section name of dispatcher slot i, per spec.md
// §4.3 step 1 ("N stub functions prog0 ... prog{N-1}").
func stubName(i int) string { return fmt.Sprintf("prog%d", i) }

// Build generates the per-hook dispatcher for kind from the already
// ordered tenant list, loads it through facility, and extension-links
// each stub slot to its tenant program.
//
// ordered MUST already be sorted by (priority ascending, program_id
// ascending); Build does not sort — that is the registry's job so the
// same ordering rule is enforced in exactly one place.
func Build(ctx context.Context, kind kernel.ProgKind, ordered []TenantLink, facility kernel.Facility, template []byte) (*Built, error) {
	if len(ordered) > MaxActions {
		return nil, TooManyPrograms("dispatcher.Build")
	}

	blob, err := configBlob(kind, ordered)
	if err != nil {
		// configBlob already returns a taxonomy error (e.g.
		// KindDispatcherNotRequired); pass it through unwrapped.
		return nil, err
	}

	coll, err := facility.LoadCollection(ctx, template, map[string][]byte{"CONFIG": blob})
	if err != nil {
		return nil, bpfmanerr.Wrap(bpfmanerr.KindBPFLoadError, "dispatcher.Build", err)
	}
	dispProg, ok := coll.Programs["dispatcher"]
	if !ok {
		return nil, bpfmanerr.New(bpfmanerr.KindBPFLoadError, "dispatcher.Build", "template has no \"dispatcher\" program")
	}

	links := make([]*kernel.Link, len(ordered))
	for i, tl := range ordered {
		l, err := facility.AttachFreplace(ctx, dispProg, stubName(i), tl.Program)
		if err != nil {
			return nil, bpfmanerr.Wrap(bpfmanerr.KindBPFProgramError, "dispatcher.Build",
				fmt.Errorf("relink slot %d (program %d): %w", i, tl.ProgramID, err))
		}
		links[i] = l
	}

	return &Built{Collection: coll, DispatcherProg: dispProg, TenantLinks: links}, nil
}

func configBlob(kind kernel.ProgKind, ordered []TenantLink) ([]byte, error) {
	switch kind {
	case kernel.ProgKindXDP:
		cfg := XDPConfig{NumProgsEnabled: uint8(len(ordered))}
		for i, tl := range ordered {
			cfg.ChainCallActions[i] = uint32(tl.ProceedOn)
			cfg.RunPrios[i] = tl.Priority
			cfg.ProgramFlags[i] = tl.ProgramFlags
		}
		return cfg.MarshalBinary()
	case kernel.ProgKindTCIngress, kernel.ProgKindTCEgress:
		cfg := TCConfig{NumProgsEnabled: uint8(len(ordered))}
		for i, tl := range ordered {
			cfg.ChainCallActions[i] = uint32(tl.ProceedOn)
			cfg.RunPrios[i] = tl.Priority
		}
		return cfg.MarshalBinary()
	default:
		return nil, bpfmanerr.New(bpfmanerr.KindDispatcherNotRequired, "dispatcher.Build",
			fmt.Sprintf("kind %s has no dispatcher", kind))
	}
}

// SortOrder returns a copy of links sorted by (priority ascending,
// program_id ascending), the ordering contract Build relies on
// (spec.md §4.3, and invariant 3 in §8).
func SortOrder(links []TenantLink) []TenantLink {
	out := make([]TenantLink, len(links))
	copy(out, links)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ProgramID < out[j].ProgramID
	})
	return out
}

// Simulate runs the chain-call logic described in spec.md §8 invariant 2
// against a sequence of tenant return codes, without touching a real or
// fake kernel. It is used both by tests and by documentation examples.
func Simulate(actions []uint32, rets []uint32, defaultReturn uint32) uint32 {
	for i, ret := range rets {
		if i >= len(actions) {
			break
		}
		if !ProceedOn(actions[i]).ShouldContinue(ret) {
			return ret
		}
	}
	return defaultReturn
}
