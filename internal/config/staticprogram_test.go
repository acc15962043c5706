package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bpfman/bpfmand/internal/config"
	"github.com/bpfman/bpfmand/internal/kernel"
)

func writeStaticFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadStaticPrograms_ConcatenatesInFilenameOrder(t *testing.T) {
	dir := t.TempDir()
	writeStaticFile(t, dir, "10-xdp.toml", `
[[programs]]
name = "drop-bad"
location = "file:///opt/bpf/drop.o"
section_name = "xdp"
program_type = "xdp"
`)
	writeStaticFile(t, dir, "20-tc.toml", `
[[programs]]
name = "count-ingress"
location = "file:///opt/bpf/count.o"
section_name = "tc"
program_type = "tc"
direction = "ingress"
`)

	progs, err := config.LoadStaticPrograms(dir)
	if err != nil {
		t.Fatalf("LoadStaticPrograms: %v", err)
	}
	if len(progs) != 2 {
		t.Fatalf("len(progs) = %d, want 2", len(progs))
	}
	if progs[0].Name != "drop-bad" || progs[1].Name != "count-ingress" {
		t.Errorf("unexpected order: %+v", progs)
	}
}

func TestLoadStaticPrograms_MissingDirIsEmpty(t *testing.T) {
	progs, err := config.LoadStaticPrograms(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("unexpected error for missing dir: %v", err)
	}
	if len(progs) != 0 {
		t.Errorf("expected 0 programs, got %d", len(progs))
	}
}

func TestStaticProgram_ToProgramSpec(t *testing.T) {
	sp := config.StaticProgram{
		Name: "drop-bad", Location: "file:///opt/bpf/drop.o",
		SectionName: "xdp", ProgramType: "xdp",
	}
	spec, err := sp.ToProgramSpec()
	if err != nil {
		t.Fatalf("ToProgramSpec: %v", err)
	}
	if spec.Kind != kernel.ProgKindXDP || spec.Name != "drop-bad" || spec.EntrySection != "xdp" {
		t.Errorf("spec = %+v", spec)
	}
}

func TestStaticProgram_ToProgramSpecRejectsBareTC(t *testing.T) {
	sp := config.StaticProgram{Name: "p", SectionName: "tc", ProgramType: "tc"}
	if _, err := sp.ToProgramSpec(); err == nil {
		t.Fatal("expected an error for tc without a direction")
	}
}

func TestStaticProgram_ToAttachSpecSingleAttach(t *testing.T) {
	sp := config.StaticProgram{Attach: "syscalls/sys_enter_execve"}
	attach, err := sp.ToAttachSpec()
	if err != nil {
		t.Fatalf("ToAttachSpec: %v", err)
	}
	if attach.Target != "syscalls/sys_enter_execve" || attach.Network != nil {
		t.Errorf("attach = %+v", attach)
	}
}

func TestStaticProgram_ToAttachSpecUnknownInterfaceErrors(t *testing.T) {
	sp := config.StaticProgram{NetworkAttach: &config.StaticNetworkAttach{Interface: "bpfmand-test-nonexistent0"}}
	if _, err := sp.ToAttachSpec(); err == nil {
		t.Fatal("expected an error resolving a nonexistent interface")
	}
}
