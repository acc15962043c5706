package dispatcher_test

import (
	"context"
	"testing"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
	"github.com/bpfman/bpfmand/internal/kernel/fake"
)

func TestXDPConfigRoundTrip(t *testing.T) {
	for n := 0; n <= dispatcher.MaxActions; n++ {
		var links []dispatcher.TenantLink
		for i := 0; i < n; i++ {
			links = append(links, dispatcher.TenantLink{
				ProgramID:    uint32(100 + i),
				Priority:     uint32(i),
				ProceedOn:    dispatcher.Proceed(dispatcher.XDPPass),
				ProgramFlags: uint32(i % 2),
			})
		}

		cfg := dispatcher.XDPConfig{NumProgsEnabled: uint8(n)}
		for i, l := range links {
			cfg.ChainCallActions[i] = uint32(l.ProceedOn)
			cfg.RunPrios[i] = l.Priority
			cfg.ProgramFlags[i] = l.ProgramFlags
		}

		raw, err := cfg.MarshalBinary()
		if err != nil {
			t.Fatalf("n=%d: marshal: %v", n, err)
		}
		got, err := dispatcher.UnmarshalXDPConfig(raw)
		if err != nil {
			t.Fatalf("n=%d: unmarshal: %v", n, err)
		}
		if raw[0] != 0xEC {
			t.Fatalf("n=%d: magic = 0x%02x, want 0xEC", n, raw[0])
		}
		if raw[1] != 2 {
			t.Fatalf("n=%d: version = %d, want 2", n, raw[1])
		}
		if got.NumProgsEnabled != uint8(n) {
			t.Fatalf("n=%d: num_progs_enabled = %d, want %d", n, got.NumProgsEnabled, n)
		}
		for i := 0; i < n; i++ {
			if got.ChainCallActions[i] != cfg.ChainCallActions[i] || got.RunPrios[i] != cfg.RunPrios[i] || got.ProgramFlags[i] != cfg.ProgramFlags[i] {
				t.Fatalf("n=%d: slot %d mismatch: got %+v want %+v", n, i, got, cfg)
			}
		}
		for i := n; i < dispatcher.MaxActions; i++ {
			if got.ChainCallActions[i] != 0 || got.RunPrios[i] != 0 || got.ProgramFlags[i] != 0 {
				t.Fatalf("n=%d: unused slot %d not zero: %+v", n, i, got)
			}
		}
	}
}

func TestTCConfigRoundTrip(t *testing.T) {
	cfg := dispatcher.TCConfig{NumProgsEnabled: 2}
	cfg.ChainCallActions[0] = uint32(dispatcher.Proceed(dispatcher.TCActOK))
	cfg.RunPrios[0] = 30
	cfg.ChainCallActions[1] = uint32(dispatcher.Proceed(dispatcher.TCActOK, dispatcher.TCActPipe))
	cfg.RunPrios[1] = 10

	raw, err := cfg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got, err := dispatcher.UnmarshalTCConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.NumProgsEnabled != 2 || got.RunPrios[0] != 30 || got.RunPrios[1] != 10 {
		t.Fatalf("got %+v", got)
	}
}

func TestChainCallSemantics(t *testing.T) {
	actions := []uint32{
		uint32(dispatcher.Proceed(dispatcher.XDPPass)),
		uint32(dispatcher.Proceed(dispatcher.XDPPass, dispatcher.XDPDrop)),
	}

	// Program 0 returns Drop, which is not in its proceed-on mask: chain
	// stops and Drop propagates.
	if got := dispatcher.Simulate(actions, []uint32{dispatcher.XDPDrop, dispatcher.XDPPass}, dispatcher.XDPPass); got != dispatcher.XDPDrop {
		t.Fatalf("got %d, want XDPDrop", got)
	}

	// Both programs return a value in their own proceed-on mask: falls
	// through to the dispatcher's own default return.
	if got := dispatcher.Simulate(actions, []uint32{dispatcher.XDPPass, dispatcher.XDPDrop}, dispatcher.XDPPass); got != dispatcher.XDPPass {
		t.Fatalf("got %d, want XDPPass (default)", got)
	}
}

func TestSortOrderPriorityAndTieBreak(t *testing.T) {
	in := []dispatcher.TenantLink{
		{ProgramID: 7, Priority: 50},
		{ProgramID: 9, Priority: 10},
		{ProgramID: 3, Priority: 50},
	}
	got := dispatcher.SortOrder(in)
	want := []uint32{9, 3, 7}
	for i, w := range want {
		if got[i].ProgramID != w {
			t.Fatalf("position %d: got program %d, want %d (full: %+v)", i, got[i].ProgramID, w, got)
		}
	}
}

func TestBuildTooManyPrograms(t *testing.T) {
	f := fake.New()
	links := make([]dispatcher.TenantLink, dispatcher.MaxActions+1)
	for i := range links {
		links[i] = dispatcher.TenantLink{ProgramID: uint32(i), Program: &kernel.LoadedProgram{KernelID: uint32(i)}}
	}
	_, err := dispatcher.Build(context.Background(), kernel.ProgKindXDP, links, f, []byte("template"))
	if bpfmanerr.KindOf(err) != bpfmanerr.KindTooManyPrograms {
		t.Fatalf("got %v, want KindTooManyPrograms", err)
	}
}

func TestBuildAttachesEveryTenant(t *testing.T) {
	f := fake.New()
	links := []dispatcher.TenantLink{
		{ProgramID: 1, Priority: 10, Program: &kernel.LoadedProgram{KernelID: 1}},
		{ProgramID: 2, Priority: 20, Program: &kernel.LoadedProgram{KernelID: 2}},
	}
	built, err := dispatcher.Build(context.Background(), kernel.ProgKindXDP, links, f, []byte("template"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(built.TenantLinks) != 2 {
		t.Fatalf("got %d tenant links, want 2", len(built.TenantLinks))
	}
	if built.DispatcherProg == nil {
		t.Fatal("DispatcherProg is nil")
	}
}

func TestDispatcherNotRequiredForSingleAttach(t *testing.T) {
	f := fake.New()
	_, err := dispatcher.Build(context.Background(), kernel.ProgKindTracepoint, nil, f, []byte("template"))
	if bpfmanerr.KindOf(err) != bpfmanerr.KindDispatcherNotRequired {
		t.Fatalf("got %v, want KindDispatcherNotRequired", err)
	}
}
