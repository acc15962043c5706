// Package control implements the Unix-socket control-plane front-end
// (spec.md §6 "Control socket"): a chi-routed HTTP API mapping 1:1 onto the
// command dispatcher's operations, plus a Go client for the same socket.
// Generalized from the teacher's internal/server/rest (chi router +
// middleware chain + per-route handler methods on a Server type), with the
// JWT authentication layer dropped — spec.md's control socket is
// authorized by Unix filesystem permissions (mode 0o0660, group bpfman),
// not a bearer token.
package control

import (
	"github.com/bpfman/bpfmand/internal/bytecode"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
	"github.com/bpfman/bpfmand/internal/registry"
)

// LoadRequest is the JSON body of POST /v1/programs.
type LoadRequest struct {
	Name         string            `json:"name"`
	Kind         string            `json:"kind"` // "xdp", "tc", "tracepoint", "kprobe", "uprobe"
	Direction    string            `json:"direction,omitempty"` // required when Kind == "tc"
	EntrySection string            `json:"entry_section"`
	Location     string            `json:"location"` // file:// or a container image reference
	GlobalData   map[string][]byte `json:"global_data,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	MapOwnerID   *uint32           `json:"map_owner_id,omitempty"`
}

// LoadResponse is the JSON body returned by a successful Load.
type LoadResponse struct {
	ProgramID uint32 `json:"program_id"`
}

// AttachRequest is the JSON body of POST /v1/links.
type AttachRequest struct {
	ProgramID uint32            `json:"program_id"`
	Network   *NetworkAttachDTO `json:"network,omitempty"`
	Target    string            `json:"target,omitempty"`
}

// NetworkAttachDTO is the wire shape of registry.NetworkAttach.
type NetworkAttachDTO struct {
	Ifindex      int    `json:"ifindex"`
	Egress       bool   `json:"egress"`
	Priority     uint32 `json:"priority"`
	ProceedOn    []uint32 `json:"proceed_on"`
	ProgramFlags uint32 `json:"program_flags"`
}

func (d *NetworkAttachDTO) toRegistry() *registry.NetworkAttach {
	if d == nil {
		return nil
	}
	return &registry.NetworkAttach{
		Ifindex:      d.Ifindex,
		Egress:       d.Egress,
		Priority:     d.Priority,
		ProceedOn:    dispatcher.Proceed(d.ProceedOn...),
		ProgramFlags: d.ProgramFlags,
	}
}

// AttachResponse is the JSON body returned by a successful Attach.
type AttachResponse struct {
	LinkID uint32 `json:"link_id"`
}

// ProgramDTO is the wire shape of registry.Program.
type ProgramDTO struct {
	ID            uint32            `json:"id"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	EntrySection  string            `json:"entry_section"`
	Location      string            `json:"location"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	MapOwnerID    *uint32           `json:"map_owner_id,omitempty"`
	VerifiedInsns uint32            `json:"verified_insns"`
	JitedSize     uint32            `json:"jited_size"`
	BTFID         uint32            `json:"btf_id"`
	Tag           string            `json:"tag"`
}

func programToDTO(p registry.Program) ProgramDTO {
	return ProgramDTO{
		ID: p.ID, Name: p.Name, Kind: p.Kind.String(), EntrySection: p.EntrySection,
		Location: p.Location, Metadata: p.Metadata, MapOwnerID: p.MapOwnerID,
		VerifiedInsns: p.VerifiedInsns, JitedSize: p.JitedSize, BTFID: p.BTFID, Tag: p.Tag,
	}
}

// LinkDTO is the wire shape of registry.Link.
type LinkDTO struct {
	ID        uint32 `json:"id"`
	ProgramID uint32 `json:"program_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
}

func linkToDTO(l registry.Link) LinkDTO {
	return LinkDTO{ID: l.ID, ProgramID: l.ProgramID, Kind: l.Kind.String(), State: string(l.State)}
}

// PullBytecodeRequest is the JSON body of POST /v1/bytecode:pull.
type PullBytecodeRequest struct {
	Location   string `json:"location"`
	PullPolicy string `json:"pull_policy,omitempty"` // "IfNotPresent" (default), "Always", "Never"
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

func (r PullBytecodeRequest) auth() *bytecode.Auth {
	if r.Username == "" && r.Password == "" {
		return nil
	}
	return &bytecode.Auth{Username: r.Username, Password: r.Password}
}

// PullBytecodeResponse is the JSON body returned by a successful
// bytecode:pull, reporting the resolved bytecode's size and whether it was
// served from the local cache rather than freshly pulled.
type PullBytecodeResponse struct {
	Size   int  `json:"size"`
	Cached bool `json:"cached"`
}

// errorResponse is the JSON body of a non-2xx response.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func parseKind(s, direction string) (kernel.ProgKind, error) {
	return registry.ParseProgKind(s, direction)
}
