// Package dispatcher generates and parses the per-hook dispatcher programs
// that multiplex many tenant eBPF programs onto one kernel attachment
// point (spec.md §4.3). The wire format of the embedded configuration blob
// is compatibility-sensitive and is marshalled by hand, field by field,
// rather than relying on Go's in-memory struct layout.
package dispatcher

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
)

// MaxActions is the fixed slot count (N) every dispatcher template
// reserves, named MAX_DISPATCHER_ACTIONS upstream.
const MaxActions = 10

const (
	xdpMagic   uint8 = 0xEC
	xdpVersion uint8 = 2
)

// XDPConfig is the XdpDispatcherConfig wire record (spec.md §6): magic
// byte, version, enabled count, frags flag, then three fixed-length
// N=10 arrays.
type XDPConfig struct {
	NumProgsEnabled uint8
	IsXDPFrags      bool
	ChainCallActions [MaxActions]uint32
	RunPrios         [MaxActions]uint32
	ProgramFlags     [MaxActions]uint32
}

// MarshalBinary writes the XDP config in its documented wire layout:
// 4 one-byte fields (no padding — they add up to a 4-byte boundary) then
// three little-endian u32 arrays.
func (c XDPConfig) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	frags := byte(0)
	if c.IsXDPFrags {
		frags = 1
	}
	buf.WriteByte(xdpMagic)
	buf.WriteByte(xdpVersion)
	buf.WriteByte(c.NumProgsEnabled)
	buf.WriteByte(frags)
	if err := binary.Write(buf, binary.LittleEndian, c.ChainCallActions); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, c.RunPrios); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, c.ProgramFlags); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalXDPConfig parses the wire layout written by MarshalBinary,
// validating the magic byte and version.
func UnmarshalXDPConfig(b []byte) (*XDPConfig, error) {
	const headerLen = 4
	const wantLen = headerLen + 3*MaxActions*4
	if len(b) != wantLen {
		return nil, fmt.Errorf("xdp dispatcher config: want %d bytes, got %d", wantLen, len(b))
	}
	if b[0] != xdpMagic {
		return nil, fmt.Errorf("xdp dispatcher config: bad magic 0x%02x, want 0x%02x", b[0], xdpMagic)
	}
	if b[1] != xdpVersion {
		return nil, fmt.Errorf("xdp dispatcher config: unsupported version %d", b[1])
	}

	c := &XDPConfig{NumProgsEnabled: b[2], IsXDPFrags: b[3] != 0}
	r := bytes.NewReader(b[headerLen:])
	if err := binary.Read(r, binary.LittleEndian, &c.ChainCallActions); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.RunPrios); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.ProgramFlags); err != nil {
		return nil, err
	}
	return c, nil
}

// TCConfig is the TcDispatcherConfig wire record: enabled count (one
// byte, three bytes of natural-alignment padding) then the first two
// of the XDP arrays only.
type TCConfig struct {
	NumProgsEnabled  uint8
	ChainCallActions [MaxActions]uint32
	RunPrios         [MaxActions]uint32
}

// MarshalBinary writes the TC config in its documented wire layout.
func (c TCConfig) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(c.NumProgsEnabled)
	buf.Write([]byte{0, 0, 0}) // pad to 4-byte boundary ahead of the u32 arrays
	if err := binary.Write(buf, binary.LittleEndian, c.ChainCallActions); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, c.RunPrios); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalTCConfig parses the wire layout written by MarshalBinary.
func UnmarshalTCConfig(b []byte) (*TCConfig, error) {
	const headerLen = 4
	const wantLen = headerLen + 2*MaxActions*4
	if len(b) != wantLen {
		return nil, fmt.Errorf("tc dispatcher config: want %d bytes, got %d", wantLen, len(b))
	}
	c := &TCConfig{NumProgsEnabled: b[0]}
	r := bytes.NewReader(b[headerLen:])
	if err := binary.Read(r, binary.LittleEndian, &c.ChainCallActions); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.RunPrios); err != nil {
		return nil, err
	}
	return c, nil
}

// ProceedOn is the return-code bitmask deciding whether the dispatcher
// falls through to the next tenant after a given one runs. Bit k set
// means "continue the chain when the program returned k".
type ProceedOn uint32

// Proceed builds a ProceedOn mask from a set of return codes.
func Proceed(codes ...uint32) ProceedOn {
	var m ProceedOn
	for _, c := range codes {
		m |= 1 << c
	}
	return m
}

// ShouldContinue reports whether retcode falls through to the next
// tenant under mask, per spec.md §8 invariant 2.
func (m ProceedOn) ShouldContinue(retcode uint32) bool {
	return (1<<retcode)&uint32(m) != 0
}

// Common XDP/TC return codes referenced by ProceedOn masks and by the
// simulated chain-call run in dispatcher_test.go.
const (
	XDPAborted uint32 = 0
	XDPDrop    uint32 = 1
	XDPPass    uint32 = 2
	XDPTx      uint32 = 3
	XDPRedirect uint32 = 4

	TCActOK      uint32 = 0
	TCActShot    uint32 = 2
	TCActPipe    uint32 = 3
	TCActRedirect uint32 = 7
)

// TooManyPrograms returns the taxonomy error for a hook already at
// MaxActions.
func TooManyPrograms(op string) error {
	return bpfmanerr.New(bpfmanerr.KindTooManyPrograms, op, fmt.Sprintf("hook already has %d programs enabled", MaxActions))
}
