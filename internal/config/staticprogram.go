package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml"

	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/registry"
)

// StaticProgramFile is the top-level shape of one *.toml file under the
// static-program directory (spec.md §6).
type StaticProgramFile struct {
	Programs []StaticProgram `toml:"programs"`
}

// StaticProgram is one program to load and attach at daemon startup,
// before the control socket accepts connections.
type StaticProgram struct {
	Name          string               `toml:"name"`
	Location      string               `toml:"location"`
	SectionName   string               `toml:"section_name"`
	ProgramType   string               `toml:"program_type"`
	Direction     string               `toml:"direction,omitempty"`
	GlobalData    map[string][]byte    `toml:"global_data,omitempty"`
	NetworkAttach *StaticNetworkAttach `toml:"network_attach,omitempty"`
	// Attach is the single-attach target (tracepoint group/name, kprobe
	// symbol, uprobe path:offset), mutually exclusive with NetworkAttach.
	Attach string `toml:"attach,omitempty"`
}

// StaticNetworkAttach names an interface by its OS name rather than an
// ifindex, since indices aren't stable across reboots.
type StaticNetworkAttach struct {
	Interface    string   `toml:"interface"`
	Egress       bool     `toml:"egress"`
	Priority     uint32   `toml:"priority"`
	ProceedOn    []uint32 `toml:"proceed_on"`
	ProgramFlags uint32   `toml:"program_flags"`
}

// LoadStaticPrograms reads every *.toml file directly under dir (not
// recursive), in lexical filename order, and concatenates their program
// lists. A missing directory is not an error: it yields an empty slice, so
// a freshly installed daemon with no static programs configured starts
// normally.
func LoadStaticPrograms(dir string) ([]StaticProgram, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("config: scanning %q: %w", dir, err)
	}
	sort.Strings(matches)

	var out []StaticProgram
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		var file StaticProgramFile
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: parsing %q: %w", path, err)
		}
		out = append(out, file.Programs...)
	}
	return out, nil
}

// ToProgramSpec converts a StaticProgram into a registry.ProgramSpec,
// leaving Bytecode unset — the caller resolves Location into bytes via the
// bytecode provider before calling registry.AddProgram.
func (sp StaticProgram) ToProgramSpec() (registry.ProgramSpec, error) {
	kind, err := registry.ParseProgKind(sp.ProgramType, sp.Direction)
	if err != nil {
		return registry.ProgramSpec{}, err
	}
	return registry.ProgramSpec{
		Name:         sp.Name,
		Kind:         kind,
		EntrySection: sp.SectionName,
		Location:     sp.Location,
		GlobalData:   sp.GlobalData,
	}, nil
}

// ToAttachSpec resolves the configured interface name to its current
// ifindex and converts the static attach description into a
// registry.AttachSpec. Resolution happens here, at load time, rather than
// being cached in the config, since an interface's index can change across
// reboots.
func (sp StaticProgram) ToAttachSpec() (registry.AttachSpec, error) {
	if sp.NetworkAttach != nil {
		iface, err := net.InterfaceByName(sp.NetworkAttach.Interface)
		if err != nil {
			return registry.AttachSpec{}, fmt.Errorf("config: resolving interface %q: %w", sp.NetworkAttach.Interface, err)
		}
		return registry.AttachSpec{Network: &registry.NetworkAttach{
			Ifindex:      iface.Index,
			Egress:       sp.NetworkAttach.Egress,
			Priority:     sp.NetworkAttach.Priority,
			ProceedOn:    dispatcher.Proceed(sp.NetworkAttach.ProceedOn...),
			ProgramFlags: sp.NetworkAttach.ProgramFlags,
		}}, nil
	}
	return registry.AttachSpec{Target: sp.Attach}, nil
}
