package hooks_test

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/hooks"
	"github.com/bpfman/bpfmand/internal/kernel"
	"github.com/bpfman/bpfmand/internal/kernel/fake"
)

func tenant(linkID, programID uint32, priority uint32) hooks.Tenant {
	return hooks.Tenant{
		LinkID: linkID,
		TenantLink: dispatcher.TenantLink{
			ProgramID: programID,
			Priority:  priority,
			ProceedOn: dispatcher.Proceed(dispatcher.XDPPass),
			Program:   &kernel.LoadedProgram{KernelID: programID},
		},
	}
}

func TestXDPInstallFreshAttach(t *testing.T) {
	f := fake.New()
	c := hooks.NewXDPController(1, kernel.XDPModeSkb, f, "/run/bpfmand/fs/xdp", []byte("tmpl"))

	if err := c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := c.LinkIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("LinkIDs = %v, want [1]", got)
	}
	if f.AttachedXDP(1) == nil {
		t.Fatal("expected a program attached to ifindex 1")
	}
}

func TestXDPAtomicSwapNonRegression(t *testing.T) {
	f := fake.New()
	c := hooks.NewXDPController(1, kernel.XDPModeSkb, f, "/run/bpfmand/fs/xdp", []byte("tmpl"))

	if err := c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)}); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	firstProg := f.AttachedXDP(1)

	f.FailAttachXDP = map[int]error{1: errors.New("simulated kernel rejection")}
	err := c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50), tenant(2, 200, 10)})
	if err == nil {
		t.Fatal("expected Install to fail")
	}

	// Old dispatcher must still be attached, unchanged.
	if f.AttachedXDP(1) != firstProg {
		t.Fatalf("attached program changed after a failed swap")
	}
	if len(c.LinkIDs()) != 1 {
		t.Fatalf("LinkIDs changed after a failed swap: %v", c.LinkIDs())
	}

	// New revision's pins must have been removed; only the original
	// dispatcher pin should remain.
	if f.Pinned("/run/bpfmand/fs/xdp/1/2/dispatcher") {
		t.Fatal("failed install's pins were not cleaned up")
	}
	if !f.Pinned("/run/bpfmand/fs/xdp/1/1/dispatcher") {
		t.Fatal("original install's pins were wrongly removed")
	}
}

func TestXDPDeleteFullDetaches(t *testing.T) {
	f := fake.New()
	c := hooks.NewXDPController(2, kernel.XDPModeSkb, f, "/run/bpfmand/fs/xdp", []byte("tmpl"))
	_ = c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)})

	if err := c.Delete(context.Background(), true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.AttachedXDP(2) != nil {
		t.Fatal("expected ifindex 2 to have no xdp program after full delete")
	}
	if len(c.LinkIDs()) != 0 {
		t.Fatalf("LinkIDs after delete = %v, want empty", c.LinkIDs())
	}
}

func TestTCHitlessSwapLowersPriority(t *testing.T) {
	f := fake.New()
	refs := &hooks.ClsactRefCounter{}
	ingress := hooks.NewTCController(3, false, f, "/run/bpfmand/fs/tc-ingress", []byte("tmpl"), refs)

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)}); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first := f.ActiveTCFilter(3, false)

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50), tenant(2, 200, 10)}); err != nil {
		t.Fatalf("second install: %v", err)
	}
	second := f.ActiveTCFilter(3, false)
	if second == first {
		t.Fatal("expected a new dispatcher program to become active")
	}
}

func TestTCSwapFallsBackToDeleteThenAddOnPriorityConflict(t *testing.T) {
	f := fake.New()
	refs := &hooks.ClsactRefCounter{}
	ingress := hooks.NewTCController(6, false, f, "/run/bpfmand/fs/tc-ingress", []byte("tmpl"), refs)

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)}); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first := f.ActiveTCFilter(6, false)

	// Simulate the kernel rejecting the lower-priority filter the
	// hitless-swap path would normally add.
	f.FailAttachTCOnce = map[int]error{6: fmt.Errorf("tc filter priority collision: %w", syscall.EEXIST)}

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50), tenant(2, 200, 10)}); err != nil {
		t.Fatalf("second install should succeed via delete-then-add fallback: %v", err)
	}
	second := f.ActiveTCFilter(6, false)
	if second == first {
		t.Fatal("expected a new dispatcher program to become active after fallback")
	}
	if _, ok := f.FailAttachTCOnce[6]; ok {
		t.Fatal("FailAttachTCOnce should have been consumed by the retried attach")
	}
}

func TestTCSwapFallbackPropagatesErrorWhenRetryAlsoFails(t *testing.T) {
	f := fake.New()
	refs := &hooks.ClsactRefCounter{}
	ingress := hooks.NewTCController(7, false, f, "/run/bpfmand/fs/tc-ingress", []byte("tmpl"), refs)

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)}); err != nil {
		t.Fatalf("first install: %v", err)
	}

	// The first attempt collides (triggering the fallback); the
	// delete-then-add retry then fails too, simulating a kernel that
	// rejects this filter outright rather than just a priority clash.
	f.FailAttachTCOnce = map[int]error{7: fmt.Errorf("tc filter priority collision: %w", syscall.EEXIST)}
	f.FailAttachTCAlways = map[int]error{7: errors.New("simulated persistent kernel rejection")}

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50), tenant(2, 200, 10)}); err == nil {
		t.Fatal("expected install to fail when both the swap and the fallback retry fail")
	}
	if len(ingress.LinkIDs()) != 0 {
		t.Fatalf("LinkIDs after failed fallback = %v, want empty (no filter left attached)", ingress.LinkIDs())
	}
}

func TestTCSharedClsactRefcount(t *testing.T) {
	f := fake.New()
	refs := &hooks.ClsactRefCounter{}
	ingress := hooks.NewTCController(4, false, f, "/run/bpfmand/fs/tc-ingress", []byte("tmpl"), refs)
	egress := hooks.NewTCController(4, true, f, "/run/bpfmand/fs/tc-egress", []byte("tmpl"), refs)

	if err := ingress.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)}); err != nil {
		t.Fatal(err)
	}
	if err := egress.Install(context.Background(), []hooks.Tenant{tenant(2, 200, 50)}); err != nil {
		t.Fatal(err)
	}

	if err := ingress.Delete(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	// egress still holds its clsact reference, so the qdisc survives the
	// ingress delete; a subsequent egress install succeeding shows it did.
	if err := egress.Install(context.Background(), []hooks.Tenant{tenant(2, 200, 50), tenant(3, 300, 10)}); err != nil {
		t.Fatalf("egress install after ingress delete: %v", err)
	}
}

func TestTCQdiscDestroyMarksDetached(t *testing.T) {
	f := fake.New()
	refs := &hooks.ClsactRefCounter{}
	c := hooks.NewTCController(5, false, f, "/run/bpfmand/fs/tc-ingress", []byte("tmpl"), refs)
	_ = c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 50)})

	f.DestroyClsact(5)
	c.MarkDetached()

	if !c.Detached() {
		t.Fatal("expected controller to report detached")
	}
}

func TestSingleAttachInstallAndDelete(t *testing.T) {
	f := fake.New()
	c := hooks.NewSingleController(kernel.ProgKindTracepoint, "syscalls/sys_enter_execve", f, "/run/bpfmand/fs/single/abc")

	if err := c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 0)}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := c.LinkIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("LinkIDs = %v, want [1]", got)
	}
	if err := c.Delete(context.Background(), true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(c.LinkIDs()) != 0 {
		t.Fatal("expected no links after delete")
	}
}

func TestSingleAttachRejectsMultipleTenants(t *testing.T) {
	f := fake.New()
	c := hooks.NewSingleController(kernel.ProgKindKprobe, "do_sys_open", f, "/run/bpfmand/fs/single/def")
	err := c.Install(context.Background(), []hooks.Tenant{tenant(1, 100, 0), tenant(2, 200, 0)})
	if err == nil {
		t.Fatal("expected an error for more than one tenant")
	}
}
