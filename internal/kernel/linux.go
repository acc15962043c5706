//go:build linux

package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
)

// bytesReader adapts a byte slice to the io.ReaderAt that
// ebpf.LoadCollectionSpecFromReader expects.
func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// LinuxFacility is the production Facility, backed by cilium/ebpf for
// program/map/link management and vishvananda/netlink for interface- and
// qdisc-level operations that cilium/ebpf does not cover directly.
type LinuxFacility struct{}

// NewLinuxFacility returns the production kernel facility.
func NewLinuxFacility() *LinuxFacility { return &LinuxFacility{} }

var _ Facility = (*LinuxFacility)(nil)

func (f *LinuxFacility) LoadCollection(ctx context.Context, elf []byte, rewriteConstants map[string][]byte) (*Collection, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytesReader(elf))
	if err != nil {
		return nil, fmt.Errorf("parse dispatcher ELF: %w", err)
	}

	if len(rewriteConstants) > 0 {
		consts := make(map[string]interface{}, len(rewriteConstants))
		for name, raw := range rewriteConstants {
			consts[name] = raw
		}
		if err := spec.RewriteConstants(consts); err != nil {
			return nil, fmt.Errorf("rewrite dispatcher config: %w", err)
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		return nil, fmt.Errorf("load dispatcher collection: %w", err)
	}

	out := &Collection{Programs: map[string]*LoadedProgram{}, Handle: coll}
	for name, prog := range coll.Programs {
		out.Programs[name] = loadedFromProgram(prog)
	}
	return out, nil
}

func (f *LinuxFacility) LoadProgram(ctx context.Context, elf []byte, progSection string, progKind ProgKind) (*LoadedProgram, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytesReader(elf))
	if err != nil {
		return nil, fmt.Errorf("parse program ELF: %w", err)
	}
	progSpec, ok := spec.Programs[progSection]
	if !ok {
		return nil, fmt.Errorf("section %q not found in ELF", progSection)
	}
	prog, err := ebpf.NewProgram(progSpec)
	if err != nil {
		return nil, fmt.Errorf("load program %q: %w", progSection, err)
	}
	return loadedFromProgram(prog), nil
}

func (f *LinuxFacility) AttachFreplace(ctx context.Context, dispatcher *LoadedProgram, stubName string, tenant *LoadedProgram) (*Link, error) {
	dispProg, ok := dispatcher.Handle.(*ebpf.Program)
	if !ok {
		return nil, errors.New("dispatcher handle is not a loaded program")
	}
	tenantProg, ok := tenant.Handle.(*ebpf.Program)
	if !ok {
		return nil, errors.New("tenant handle is not a loaded program")
	}
	l, err := link.AttachFreplace(dispProg, stubName, tenantProg)
	if err != nil {
		return nil, fmt.Errorf("freplace %s: %w", stubName, err)
	}
	return &Link{Handle: l}, nil
}

func (f *LinuxFacility) AttachXDP(ctx context.Context, ifindex int, prog *LoadedProgram, mode XDPMode, replaceExisting bool) error {
	p, ok := prog.Handle.(*ebpf.Program)
	if !ok {
		return errors.New("program handle is not a loaded program")
	}
	flags := xdpModeFlag(mode)
	if replaceExisting {
		flags |= nl.XDP_FLAGS_REPLACE
	} else {
		flags |= nl.XDP_FLAGS_UPDATE_IF_NOEXIST
	}
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("lookup interface %d: %w", ifindex, err)
	}
	if err := netlink.LinkSetXdpFdWithFlags(nlLink, p.FD(), flags); err != nil {
		return fmt.Errorf("attach xdp to ifindex %d: %w", ifindex, err)
	}
	return nil
}

func (f *LinuxFacility) DetachXDP(ctx context.Context, ifindex int) error {
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("lookup interface %d: %w", ifindex, err)
	}
	if err := netlink.LinkSetXdpFdWithFlags(nlLink, -1, nl.XDP_FLAGS_UPDATE_IF_NOEXIST); err != nil {
		return fmt.Errorf("detach xdp from ifindex %d: %w", ifindex, err)
	}
	return nil
}

func (f *LinuxFacility) EnsureClsact(ctx context.Context, ifindex int) error {
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("lookup interface %d: %w", ifindex, err)
	}
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: nlLink.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("ensure clsact on ifindex %d: %w", ifindex, err)
	}
	return nil
}

func (f *LinuxFacility) AttachTCFilter(ctx context.Context, ifindex int, egress bool, priority uint16, prog *LoadedProgram) (*Link, error) {
	p, ok := prog.Handle.(*ebpf.Program)
	if !ok {
		return nil, errors.New("program handle is not a loaded program")
	}
	parent := uint32(netlink.HANDLE_MIN_INGRESS)
	if egress {
		parent = netlink.HANDLE_MIN_EGRESS
	}
	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifindex,
			Parent:    parent,
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  0x0003, // ETH_P_ALL
			Priority:  priority,
		},
		Fd:           p.FD(),
		Name:         "bpfmand-dispatcher",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		return nil, fmt.Errorf("attach tc filter ifindex=%d egress=%v prio=%d: %w", ifindex, egress, priority, err)
	}
	return &Link{Handle: filter}, nil
}

func (f *LinuxFacility) DeleteTCFilter(ctx context.Context, l *Link) error {
	filter, ok := l.Handle.(*netlink.BpfFilter)
	if !ok {
		return errors.New("link handle is not a tc filter")
	}
	if err := netlink.FilterDel(filter); err != nil {
		return fmt.Errorf("delete tc filter: %w", err)
	}
	return nil
}

func (f *LinuxFacility) DeleteClsact(ctx context.Context, ifindex int) error {
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("lookup interface %d: %w", ifindex, err)
	}
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: nlLink.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscDel(qdisc); err != nil {
		return fmt.Errorf("delete clsact on ifindex %d: %w", ifindex, err)
	}
	return nil
}

func (f *LinuxFacility) AttachSingle(ctx context.Context, kind ProgKind, target string, prog *LoadedProgram) (*Link, error) {
	p, ok := prog.Handle.(*ebpf.Program)
	if !ok {
		return nil, errors.New("program handle is not a loaded program")
	}
	var l link.Link
	var err error
	switch kind {
	case ProgKindTracepoint:
		group, name, splitErr := splitTracepoint(target)
		if splitErr != nil {
			return nil, splitErr
		}
		l, err = link.Tracepoint(group, name, p, nil)
	case ProgKindKprobe:
		l, err = link.Kprobe(target, p, nil)
	case ProgKindUprobe:
		path, offset, splitErr := splitUprobe(target)
		if splitErr != nil {
			return nil, splitErr
		}
		ex, openErr := link.OpenExecutable(path)
		if openErr != nil {
			return nil, fmt.Errorf("open executable %q: %w", path, openErr)
		}
		l, err = ex.Uprobe("", p, &link.UprobeOptions{Address: offset})
	default:
		return nil, fmt.Errorf("kind %s is not a single-attach kind", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("attach %s %q: %w", kind, target, err)
	}
	return &Link{Handle: l}, nil
}

func (f *LinuxFacility) DetachLink(ctx context.Context, l *Link) error {
	h, ok := l.Handle.(link.Link)
	if !ok {
		return errors.New("link handle does not support detaching")
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("detach link: %w", err)
	}
	return nil
}

func (f *LinuxFacility) Pin(ctx context.Context, obj any, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pin directory: %w", err)
	}
	switch v := obj.(type) {
	case *LoadedProgram:
		p, ok := v.Handle.(*ebpf.Program)
		if !ok {
			return errors.New("LoadedProgram has no backing *ebpf.Program")
		}
		return p.Pin(path)
	case *Link:
		switch h := v.Handle.(type) {
		case link.Link:
			return h.Pin(path)
		default:
			return errors.New("link handle does not support pinning")
		}
	default:
		return fmt.Errorf("cannot pin object of type %T", obj)
	}
}

func (f *LinuxFacility) Unpin(ctx context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unpin %q: %w", path, err)
	}
	return nil
}

func (f *LinuxFacility) Close() error { return nil }

func loadedFromProgram(p *ebpf.Program) *LoadedProgram {
	info, _ := p.Info()
	var id uint32
	var tag string
	var insns, jited uint32
	if info != nil {
		if pid, ok := info.ID(); ok {
			id = uint32(pid)
		}
		tag = info.Tag
		insns = uint32(info.TranslatedSize) // best-effort proxy for verified size
		jited = uint32(info.TranslatedSize)
	}
	return &LoadedProgram{
		KernelID:      id,
		Tag:           tag,
		VerifiedInsns: insns,
		JitedSize:     jited,
		LoadedAt:      time.Now(),
		Handle:        p,
	}
}

func xdpModeFlag(mode XDPMode) uint32 {
	switch mode {
	case XDPModeDrv:
		return nl.XDP_FLAGS_DRV_MODE
	case XDPModeHw:
		return nl.XDP_FLAGS_HW_MODE
	default:
		return nl.XDP_FLAGS_SKB_MODE
	}
}

func splitTracepoint(target string) (group, name string, err error) {
	for i := 0; i < len(target); i++ {
		if target[i] == '/' {
			return target[:i], target[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("tracepoint target %q must be \"group/name\"", target)
}

func splitUprobe(target string) (path string, offset uint64, err error) {
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == ':' {
			path = target[:i]
			_, scanErr := fmt.Sscanf(target[i+1:], "%x", &offset)
			return path, offset, scanErr
		}
	}
	return "", 0, fmt.Errorf("uprobe target %q must be \"path:offset\"", target)
}

// WatchQdiscDestroyed polls the clsact qdisc on every interface tracked()
// currently returns and emits a QdiscDestroyedEvent for each direction once
// an interface's clsact qdisc disappears between ticks — e.g. an operator
// running "tc qdisc del" out from under bpfmand (spec.md §4.4.2). tracked
// is re-invoked on every tick so interfaces gaining or losing a TC hook
// between polls are picked up without restarting the watcher. The
// returned channel is closed when ctx is done.
func WatchQdiscDestroyed(ctx context.Context, interval time.Duration, tracked func() []int) <-chan QdiscDestroyedEvent {
	out := make(chan QdiscDestroyedEvent, 16)
	go func() {
		defer close(out)
		present := map[int]bool{}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			seen := map[int]bool{}
			for _, ifindex := range tracked() {
				seen[ifindex] = hasClsact(ifindex)
			}
			for ifindex, was := range present {
				if was && !seen[ifindex] {
					select {
					case out <- QdiscDestroyedEvent{Ifindex: ifindex, Egress: false}:
					case <-ctx.Done():
						return
					}
					select {
					case out <- QdiscDestroyedEvent{Ifindex: ifindex, Egress: true}:
					case <-ctx.Done():
						return
					}
				}
			}
			present = seen
		}
	}()
	return out
}

func hasClsact(ifindex int) bool {
	nlLink, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return false
	}
	qdiscs, err := netlink.QdiscList(nlLink)
	if err != nil {
		return false
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent == netlink.HANDLE_CLSACT {
			return true
		}
	}
	return false
}
