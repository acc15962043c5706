package bytecode_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/bytecode"
)

func TestParsePullPolicy(t *testing.T) {
	cases := map[string]bytecode.PullPolicy{
		"":             bytecode.PullIfNotPresent,
		"IfNotPresent": bytecode.PullIfNotPresent,
		"Always":       bytecode.PullAlways,
		"Never":        bytecode.PullNever,
	}
	for in, want := range cases {
		got, err := bytecode.ParsePullPolicy(in)
		if err != nil {
			t.Fatalf("ParsePullPolicy(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParsePullPolicy(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParsePullPolicy_Invalid(t *testing.T) {
	if _, err := bytecode.ParsePullPolicy("Sometimes"); err == nil {
		t.Fatal("expected an error for an unrecognised pull policy")
	} else if bpfmanerr.KindOf(err) != bpfmanerr.KindInvalidImageURL {
		t.Errorf("KindOf(err) = %v, want KindInvalidImageURL", bpfmanerr.KindOf(err))
	}
}

func TestFetch_FileLocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.o")
	want := []byte("\x7fELFfake-bytecode")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p := bytecode.NewProvider(t.TempDir(), true, nil)
	got, err := p.Fetch(context.Background(), "file://"+path, bytecode.PullIfNotPresent, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Fetch returned %q, want %q", got, want)
	}
}

func TestFetch_FileLocationMissing(t *testing.T) {
	p := bytecode.NewProvider(t.TempDir(), true, nil)
	_, err := p.Fetch(context.Background(), "file:///no/such/prog.o", bytecode.PullIfNotPresent, nil)
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if bpfmanerr.KindOf(err) != bpfmanerr.KindInvalidImageURL {
		t.Errorf("KindOf(err) = %v, want KindInvalidImageURL", bpfmanerr.KindOf(err))
	}
}

func TestFetcher_AdaptsTwoArgumentFetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.o")
	want := []byte("\x7fELFfake-bytecode")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p := bytecode.NewProvider(t.TempDir(), true, nil)
	f := p.Fetcher(bytecode.PullIfNotPresent, nil)

	got, err := f.Fetch(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Fetch returned %q, want %q", got, want)
	}
}

func TestFetch_ImageNeverPolicyWithEmptyCacheFails(t *testing.T) {
	p := bytecode.NewProvider(t.TempDir(), true, nil)
	_, err := p.Fetch(context.Background(), "quay.io/bpfman-bytecode/xdp_pass:latest", bytecode.PullNever, nil)
	if err == nil {
		t.Fatal("expected an error: PullNever with nothing cached")
	}
	if bpfmanerr.KindOf(err) != bpfmanerr.KindBytecodeImagePullFailure {
		t.Errorf("KindOf(err) = %v, want KindBytecodeImagePullFailure", bpfmanerr.KindOf(err))
	}
}

