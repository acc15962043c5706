package dispatcher

import "fmt"

// Templates holds the prebuilt dispatcher ELF objects compiled into the
// daemon binary (spec.md §4.3 step 1: "one per kind"), keyed by the
// hook kind they dispatch for.
//
// Default builds ship with empty templates and rely on SetTemplate (or
// the "bpf_embedded" build tag — see templates_embed_linux.go) to
// supply the real compiled objects, mirroring how the rest of this
// codebase treats pre-compiled BPF artifacts as an external build
// dependency rather than Go source.
var templates = map[string][]byte{}

const (
	templateXDP = "xdp"
	templateTC  = "tc"
)

// SetTemplate registers the compiled dispatcher ELF for kind ("xdp" or
// "tc"). Call this during daemon startup before any hook install if the
// binary was not built with the "bpf_embedded" tag.
func SetTemplate(kind string, elf []byte) {
	templates[kind] = elf
}

// Template returns the registered template bytes for an XDP or TC hook
// kind, or an error if none has been set.
func Template(kindLabel string) ([]byte, error) {
	t, ok := templates[kindLabel]
	if !ok || len(t) == 0 {
		return nil, fmt.Errorf("no dispatcher template registered for %q (run \"make -C internal/dispatcher\" and build with -tags bpf_embedded, or call dispatcher.SetTemplate)", kindLabel)
	}
	return t, nil
}
