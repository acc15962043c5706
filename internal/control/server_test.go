package control_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bpfman/bpfmand/internal/bytecode"
	"github.com/bpfman/bpfmand/internal/command"
	"github.com/bpfman/bpfmand/internal/control"
	"github.com/bpfman/bpfmand/internal/kernel/fake"
	"github.com/bpfman/bpfmand/internal/registry"
	"github.com/bpfman/bpfmand/internal/store"
)

type fetcherFunc func(ctx context.Context, location string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:", store.DefaultRetryConfig)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := fake.New()
	pins := registry.PinRoots{
		XDP: "/run/bpfmand/fs/xdp", TCIngress: "/run/bpfmand/fs/tc-ingress",
		TCEgress: "/run/bpfmand/fs/tc-egress", Single: "/run/bpfmand/fs/single",
		MapPinRoot: "/run/bpfmand/fs/maps",
	}
	reg := registry.New(s, f, pins, []byte("xdp-tmpl"), []byte("tc-tmpl"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := command.New(logger, reg, f)
	if err := disp.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(disp.Stop)

	fetch := fetcherFunc(func(ctx context.Context, location string) ([]byte, error) {
		return []byte("fake-elf:" + location), nil
	})
	srv := control.NewServer(disp, fetch)
	ts := httptest.NewServer(control.NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts
}

func TestLoadAttachListGetDetachUnloadOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	loadBody := `{"name":"p","kind":"xdp","entry_section":"xdp","location":"file:///tmp/pass.o"}`
	resp, err := http.Post(ts.URL+"/v1/programs", "application/json", strings.NewReader(loadBody))
	if err != nil {
		t.Fatalf("Load POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Load status = %d, body = %s", resp.StatusCode, body)
	}
	var loadRes control.LoadResponse
	if err := json.NewDecoder(resp.Body).Decode(&loadRes); err != nil {
		t.Fatalf("decode LoadResponse: %v", err)
	}
	if loadRes.ProgramID == 0 {
		t.Fatal("expected a non-zero program id")
	}

	attachBody, _ := json.Marshal(control.AttachRequest{
		ProgramID: loadRes.ProgramID,
		Network:   &control.NetworkAttachDTO{Ifindex: 1, Priority: 50, ProceedOn: []uint32{2}},
	})
	resp, err = http.Post(ts.URL+"/v1/links", "application/json", strings.NewReader(string(attachBody)))
	if err != nil {
		t.Fatalf("Attach POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Attach status = %d, body = %s", resp.StatusCode, body)
	}
	var attachRes control.AttachResponse
	if err := json.NewDecoder(resp.Body).Decode(&attachRes); err != nil {
		t.Fatalf("decode AttachResponse: %v", err)
	}

	resp, err = http.Get(ts.URL + "/v1/programs")
	if err != nil {
		t.Fatalf("List GET: %v", err)
	}
	defer resp.Body.Close()
	var programs []control.ProgramDTO
	if err := json.NewDecoder(resp.Body).Decode(&programs); err != nil {
		t.Fatalf("decode program list: %v", err)
	}
	if len(programs) != 1 {
		t.Fatalf("List returned %d programs, want 1", len(programs))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/links/"+itoa(attachRes.LinkID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Detach DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Detach status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/programs/"+itoa(loadRes.ProgramID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Unload DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Unload status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestGetUnknownProgramReturns400ForBadID(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/programs/not-a-number")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTCWithoutDirectionRejected(t *testing.T) {
	ts := newTestServer(t)
	body := `{"name":"p","kind":"tc","entry_section":"tc","location":"file:///tmp/tc.o"}`
	resp, err := http.Post(ts.URL+"/v1/programs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 400; body = %s", resp.StatusCode, respBody)
	}
}

func TestPullBytecodeOverHTTP(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:", store.DefaultRetryConfig)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := fake.New()
	pins := registry.PinRoots{
		XDP: "/run/bpfmand/fs/xdp", TCIngress: "/run/bpfmand/fs/tc-ingress",
		TCEgress: "/run/bpfmand/fs/tc-egress", Single: "/run/bpfmand/fs/single",
		MapPinRoot: "/run/bpfmand/fs/maps",
	}
	reg := registry.New(s, f, pins, []byte("xdp-tmpl"), []byte("tc-tmpl"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "prog.o")
	want := []byte("\x7fELFfake-bytecode")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	provider := bytecode.NewProvider(t.TempDir(), true, nil)

	disp := command.New(logger, reg, f).WithBytecode(provider)
	if err := disp.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(disp.Stop)

	srv := control.NewServer(disp, nil)
	ts := httptest.NewServer(control.NewRouter(srv))
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(control.PullBytecodeRequest{Location: "file://" + path})
	resp, err := http.Post(ts.URL+"/v1/bytecode:pull", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("PullBytecode POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200; body = %s", resp.StatusCode, respBody)
	}
	var pullRes control.PullBytecodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullRes); err != nil {
		t.Fatalf("decode PullBytecodeResponse: %v", err)
	}
	if pullRes.Size != len(want) {
		t.Errorf("Size = %d, want %d", pullRes.Size, len(want))
	}
}

func itoa(id uint32) string {
	return strconv.Itoa(int(id))
}
