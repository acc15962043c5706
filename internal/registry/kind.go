package registry

import (
	"fmt"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/kernel"
)

// ParseProgKind resolves a wire-level kind string (as sent over the
// control socket) plus an optional TC direction into a concrete
// kernel.ProgKind. A bare "tc" with no direction is rejected per
// spec.md §8 scenario S3.
func ParseProgKind(kindStr string, direction string) (kernel.ProgKind, error) {
	switch kindStr {
	case "xdp":
		return kernel.ProgKindXDP, nil
	case "tc":
		switch direction {
		case "ingress":
			return kernel.ProgKindTCIngress, nil
		case "egress":
			return kernel.ProgKindTCEgress, nil
		default:
			return kernel.ProgKindUnknown, bpfmanerr.New(bpfmanerr.KindInvalidProgramKind, "ParseProgKind",
				fmt.Sprintf("tc program requires a direction (\"ingress\" or \"egress\"), got %q", direction))
		}
	case "tracepoint":
		return kernel.ProgKindTracepoint, nil
	case "kprobe":
		return kernel.ProgKindKprobe, nil
	case "uprobe":
		return kernel.ProgKindUprobe, nil
	default:
		return kernel.ProgKindUnknown, bpfmanerr.New(bpfmanerr.KindInvalidProgramKind, "ParseProgKind",
			fmt.Sprintf("unrecognised program kind %q", kindStr))
	}
}
