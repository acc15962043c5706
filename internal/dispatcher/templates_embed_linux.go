// templates_embed_linux.go — embedded dispatcher template variant.
//
// This file is compiled when the "bpf_embedded" build tag is set, which
// requires the pre-compiled dispatcher_xdp.bpf.o / dispatcher_tc.bpf.o
// objects to exist in this directory.
//
// Build sequence:
//
//	make -C internal/dispatcher        # clang -target bpf ... -> *.bpf.o
//	go build -tags bpf_embedded ./...
//
//go:build linux && bpf_embedded

package dispatcher

import _ "embed"

//go:embed dispatcher_xdp.bpf.o
var embeddedXDPTemplate []byte

//go:embed dispatcher_tc.bpf.o
var embeddedTCTemplate []byte

func init() {
	templates[templateXDP] = embeddedXDPTemplate
	templates[templateTC] = embeddedTCTemplate
}
