package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpfman/bpfmand/internal/bytecode"
	"github.com/bpfman/bpfmand/internal/command"
	"github.com/bpfman/bpfmand/internal/kernel/fake"
	"github.com/bpfman/bpfmand/internal/registry"
	"github.com/bpfman/bpfmand/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDispatcher(t *testing.T) *command.Dispatcher {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:", store.DefaultRetryConfig)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := fake.New()
	pins := registry.PinRoots{XDP: "/xdp", TCIngress: "/tci", TCEgress: "/tce", Single: "/single", MapPinRoot: "/maps"}
	reg := registry.New(s, f, pins, []byte("xdp-tmpl"), []byte("tc-tmpl"))

	disp := command.New(testLogger(), reg, f)
	if err := disp.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(disp.Stop)
	return disp
}

func TestListenControlSocket_SetsSocketMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpfman.sock")
	l, err := listenControlSocket(path)
	if err != nil {
		t.Fatalf("listenControlSocket: %v", err)
	}
	defer l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o0660 {
		t.Errorf("socket mode = %v, want 0660", info.Mode().Perm())
	}
}

func TestListenControlSocket_RemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpfman.sock")
	first, err := listenControlSocket(path)
	if err != nil {
		t.Fatalf("first listenControlSocket: %v", err)
	}
	first.Close()

	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	second, err := listenControlSocket(path)
	if err != nil {
		t.Fatalf("second listenControlSocket: %v", err)
	}
	defer second.Close()
}

func TestLoadStaticPrograms_LoadsAndAttaches(t *testing.T) {
	dir := t.TempDir()
	bcDir := t.TempDir()
	progPath := filepath.Join(bcDir, "drop.o")
	if err := os.WriteFile(progPath, []byte("\x7fELFfake"), 0o644); err != nil {
		t.Fatalf("write fixture bytecode: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "10-drop.toml"), []byte(`
[[programs]]
name = "drop-bad"
location = "file://`+progPath+`"
section_name = "xdp"
program_type = "tracepoint"
attach = "syscalls/sys_enter_execve"
`), 0o644); err != nil {
		t.Fatalf("write static program file: %v", err)
	}

	disp := newTestDispatcher(t)
	provider := bytecode.NewProvider(t.TempDir(), true, nil)

	if err := loadStaticPrograms(context.Background(), testLogger(), dir, disp, provider); err != nil {
		t.Fatalf("loadStaticPrograms: %v", err)
	}

	res, err := disp.Submit(context.Background(), &command.Command{Kind: command.KindList, ListArgs: &command.ListArgs{}})
	if err != nil {
		t.Fatalf("Submit List: %v", err)
	}
	if len(res.Programs) != 1 || res.Programs[0].Name != "drop-bad" {
		t.Fatalf("Programs = %+v, want one program named drop-bad", res.Programs)
	}

	linkID := uint32(1)
	getRes, err := disp.Submit(context.Background(), &command.Command{Kind: command.KindGet, GetArgs: &command.GetArgs{LinkID: &linkID}})
	if err != nil || getRes.Err != nil {
		t.Fatalf("expected the static program's attach to have created link 1: err=%v res.Err=%v", err, getRes.Err)
	}
	if getRes.Link.ProgramID != res.Programs[0].ID || getRes.Link.Target != "syscalls/sys_enter_execve" {
		t.Errorf("Link = %+v, want ProgramID=%d Target=syscalls/sys_enter_execve", getRes.Link, res.Programs[0].ID)
	}
}

func TestLoadStaticPrograms_MissingBytecodeIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "10-bad.toml"), []byte(`
[[programs]]
name = "missing"
location = "file:///no/such/file.o"
section_name = "xdp"
program_type = "xdp"
`), 0o644); err != nil {
		t.Fatalf("write static program file: %v", err)
	}

	disp := newTestDispatcher(t)
	provider := bytecode.NewProvider(t.TempDir(), true, nil)

	if err := loadStaticPrograms(context.Background(), testLogger(), dir, disp, provider); err != nil {
		t.Fatalf("loadStaticPrograms should not fail the whole batch: %v", err)
	}

	res, err := disp.Submit(context.Background(), &command.Command{Kind: command.KindList, ListArgs: &command.ListArgs{}})
	if err != nil {
		t.Fatalf("Submit List: %v", err)
	}
	if len(res.Programs) != 0 {
		t.Errorf("expected no programs loaded, got %+v", res.Programs)
	}
}

func TestFirstNonNil(t *testing.T) {
	if firstNonNil(nil, nil) != nil {
		t.Error("firstNonNil(nil, nil) should be nil")
	}
	sentinel := &fakeErr{}
	if firstNonNil(nil, sentinel) != sentinel {
		t.Error("firstNonNil should return the first non-nil error")
	}
}

type fakeErr struct{}

func (*fakeErr) Error() string { return "boom" }
