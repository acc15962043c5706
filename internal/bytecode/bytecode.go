// Package bytecode resolves a program's Location (spec.md §4.2: a local
// file path or a container image reference) into verified ELF bytes,
// gated by a pull policy and an optional signature check, with a local
// cache keyed by a hash of the image reference so a repeated Image
// location isn't re-pulled on every daemon restart.
//
// Grounded on the retrieved bpfman-operator helper's pull-policy switch
// (Always/IfNotPresent/Never) for the policy shape; the OCI pull and
// signature verification themselves follow go-containerregistry's and
// sigstore's own documented public APIs directly, since no retrieved
// example exercises those two libraries' call sites (see DESIGN.md).
package bytecode

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
)

// cosignSignatureAnnotation is the annotation key cosign writes the
// base64-encoded signature under on the signature manifest's sole layer
// (the "simple signing" format cosign has used since its first release).
const cosignSignatureAnnotation = "dev.cosignproject.cosign/signature"

// PullPolicy governs whether an Image location is fetched from the
// registry or satisfied from the local cache.
type PullPolicy int

const (
	// PullIfNotPresent fetches only when the cache has no entry for the
	// image reference. The default.
	PullIfNotPresent PullPolicy = iota
	// PullAlways re-fetches on every Fetch call, refreshing the cache.
	PullAlways
	// PullNever serves only from the cache, failing if absent.
	PullNever
)

// ParsePullPolicy accepts the TOML/wire spellings used by the control API.
func ParsePullPolicy(s string) (PullPolicy, error) {
	switch s {
	case "", "IfNotPresent":
		return PullIfNotPresent, nil
	case "Always":
		return PullAlways, nil
	case "Never":
		return PullNever, nil
	default:
		return 0, bpfmanerr.New(bpfmanerr.KindInvalidImageURL, "bytecode.ParsePullPolicy",
			fmt.Sprintf("unrecognised pull policy %q", s))
	}
}

// Auth carries optional registry credentials for an Image pull.
type Auth struct {
	Username string
	Password string
}

// Provider resolves Locations into verified bytecode bytes.
type Provider struct {
	cacheDir      string
	allowUnsigned bool
	pubKey        []byte // PEM-encoded public key; nil disables signature verification
}

// NewProvider constructs a Provider caching pulled images under cacheDir.
// pubKey may be nil, in which case signature verification is skipped
// regardless of allowUnsigned (there's nothing to verify against).
func NewProvider(cacheDir string, allowUnsigned bool, pubKey []byte) *Provider {
	return &Provider{cacheDir: cacheDir, allowUnsigned: allowUnsigned, pubKey: pubKey}
}

// Fetcher adapts a Provider to the two-argument Fetch(ctx, location) shape
// internal/control's BytecodeFetcher interface expects, fixing the pull
// policy and credentials every control-socket Load request resolves
// through (the control API has no per-request policy/auth fields of its
// own — spec.md §4.2 leaves those as daemon-wide configuration).
type Fetcher struct {
	p      *Provider
	policy PullPolicy
	auth   *Auth
}

// Fetcher builds a Fetcher bound to p with a fixed policy and auth.
func (p *Provider) Fetcher(policy PullPolicy, auth *Auth) *Fetcher {
	return &Fetcher{p: p, policy: policy, auth: auth}
}

// Fetch implements internal/control.BytecodeFetcher.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f.p.Fetch(ctx, location, f.policy, f.auth)
}

// Fetch resolves location into ELF bytes. location is either a
// "file://<path>" URL or a bare/tagged/digested container image reference.
func (p *Provider) Fetch(ctx context.Context, location string, policy PullPolicy, auth *Auth) ([]byte, error) {
	data, _, err := p.fetch(ctx, location, policy, auth)
	return data, err
}

// FetchCached behaves like Fetch but additionally reports whether the
// returned bytes were served from the local cache rather than freshly
// pulled, for callers (the control socket's PullBytecode command) that
// surface cache status without duplicating the pull-policy logic.
func (p *Provider) FetchCached(ctx context.Context, location string, policy PullPolicy, auth *Auth) ([]byte, bool, error) {
	return p.fetch(ctx, location, policy, auth)
}

func (p *Provider) fetch(ctx context.Context, location string, policy PullPolicy, auth *Auth) ([]byte, bool, error) {
	if path, ok := strings.CutPrefix(location, "file://"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, bpfmanerr.New(bpfmanerr.KindInvalidImageURL, "bytecode.Fetch",
				fmt.Sprintf("reading %q: %v", path, err))
		}
		return data, false, nil
	}
	return p.fetchImage(ctx, location, policy, auth)
}

func (p *Provider) fetchImage(ctx context.Context, ref string, policy PullPolicy, auth *Auth) ([]byte, bool, error) {
	cachePath := p.cachePathFor(ref)

	if policy != PullAlways {
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, true, nil
		} else if policy == PullNever {
			return nil, false, bpfmanerr.New(bpfmanerr.KindBytecodeImagePullFailure, "bytecode.Fetch",
				fmt.Sprintf("%q not in local cache and pull policy is Never", ref))
		}
	}

	data, digest, err := p.pull(ctx, ref, auth)
	if err != nil {
		return nil, false, err
	}

	if len(p.pubKey) > 0 && !p.allowUnsigned {
		if err := p.verifySignature(ctx, ref, digest, auth, data); err != nil {
			return nil, false, err
		}
	}

	if err := p.writeCache(cachePath, data); err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// pull fetches ref's image and returns its extracted ELF bytes along with
// the resolved manifest digest, which verifySignature needs to locate the
// cosign signature tag in the same repository.
func (p *Provider) pull(ctx context.Context, ref string, auth *Auth) ([]byte, string, error) {
	imgRef, err := name.ParseReference(ref)
	if err != nil {
		return nil, "", bpfmanerr.New(bpfmanerr.KindInvalidImageURL, "bytecode.pull", fmt.Sprintf("parsing %q: %v", ref, err))
	}

	opts := remoteOpts(ctx, auth)

	img, err := remote.Image(imgRef, opts...)
	if err != nil {
		return nil, "", bpfmanerr.New(bpfmanerr.KindImageManifestPullFailure, "bytecode.pull", fmt.Sprintf("pulling %q: %v", ref, err))
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, "", bpfmanerr.New(bpfmanerr.KindImageManifestPullFailure, "bytecode.pull", fmt.Sprintf("resolving digest for %q: %v", ref, err))
	}

	layers, err := img.Layers()
	if err != nil || len(layers) == 0 {
		return nil, "", bpfmanerr.New(bpfmanerr.KindBytecodeImagePullFailure, "bytecode.pull", fmt.Sprintf("%q has no layers", ref))
	}

	idx := -1
	for i, l := range layers {
		if mt, err := l.MediaType(); err == nil && (mt == types.OCILayer || mt == types.DockerLayer) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, "", bpfmanerr.New(bpfmanerr.KindBytecodeImagePullFailure, "bytecode.pull", fmt.Sprintf("%q has no tar+gzip layer", ref))
	}

	rc, err := layers[idx].Uncompressed()
	if err != nil {
		return nil, "", bpfmanerr.New(bpfmanerr.KindBytecodeImagePullFailure, "bytecode.pull", fmt.Sprintf("reading layer: %v", err))
	}
	defer rc.Close()

	data, err := extractELF(rc)
	if err != nil {
		return nil, "", err
	}
	return data, digest.String(), nil
}

// remoteOpts builds the go-containerregistry remote options shared by an
// image pull and its accompanying signature-manifest pull.
func remoteOpts(ctx context.Context, auth *Auth) []remote.Option {
	if auth != nil {
		return []remote.Option{remote.WithContext(ctx), remote.WithAuth(&authn.Basic{Username: auth.Username, Password: auth.Password})}
	}
	return []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain)}
}

// extractELF walks a tar stream (optionally gzip-wrapped) looking for the
// first ".o" entry, which by convention holds the compiled dispatcher
// tenant program.
func extractELF(r io.Reader) ([]byte, error) {
	var tr *tar.Reader
	if gr, err := gzip.NewReader(r); err == nil {
		defer gr.Close()
		tr = tar.NewReader(gr)
	} else {
		tr = tar.NewReader(r)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, bpfmanerr.New(bpfmanerr.KindBytecodeImageExtractFailure, "bytecode.extractELF", "no .o entry found in image layer")
		}
		if err != nil {
			return nil, bpfmanerr.New(bpfmanerr.KindBytecodeImageExtractFailure, "bytecode.extractELF", err.Error())
		}
		if strings.HasSuffix(hdr.Name, ".o") {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, bpfmanerr.New(bpfmanerr.KindBytecodeImageExtractFailure, "bytecode.extractELF", err.Error())
			}
			return data, nil
		}
	}
}

func (p *Provider) verifySignature(ctx context.Context, ref, digest string, auth *Auth, data []byte) error {
	pub, err := parsePEMPublicKey(p.pubKey)
	if err != nil {
		return bpfmanerr.New(bpfmanerr.KindSignatureVerificationFailed, "bytecode.verifySignature",
			fmt.Sprintf("parsing signing public key: %v", err))
	}
	verifier, err := signature.LoadVerifier(pub, crypto.SHA256)
	if err != nil {
		return bpfmanerr.New(bpfmanerr.KindSignatureVerificationFailed, "bytecode.verifySignature",
			fmt.Sprintf("loading verifier: %v", err))
	}
	sig, err := p.fetchSignatureBytes(ctx, ref, digest, auth)
	if err != nil {
		return bpfmanerr.New(bpfmanerr.KindImageUnsigned, "bytecode.verifySignature", err.Error())
	}
	if err := verifier.VerifySignature(newReader(sig), newReader(data)); err != nil {
		return bpfmanerr.New(bpfmanerr.KindSignatureVerificationFailed, "bytecode.verifySignature", err.Error())
	}
	return nil
}

// parsePEMPublicKey decodes a PEM-encoded SubjectPublicKeyInfo block, the
// format cosign/sigstore write public keys in.
func parsePEMPublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// fetchSignatureBytes retrieves the detached signature associated with
// ref, following the cosign convention of publishing it as a separate
// manifest tagged "<alg>-<hex>.sig" (e.g. "sha256-abcd….sig") in the same
// repository as the image, with the base64 signature stored as an
// annotation on that manifest's single layer. This is the same tag
// scheme `cosign sign`/`cosign verify` use, without cosign's additional
// Rekor transparency-log and keyless-identity checks — out of scope here
// per spec.md §4.2 (see DESIGN.md).
func (p *Provider) fetchSignatureBytes(ctx context.Context, ref, digest string, auth *Auth) ([]byte, error) {
	imgRef, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	sigTag := strings.ReplaceAll(digest, ":", "-") + ".sig"
	sigRef, err := name.ParseReference(imgRef.Context().String() + ":" + sigTag)
	if err != nil {
		return nil, fmt.Errorf("building signature tag for %q: %w", ref, err)
	}

	sigImg, err := remote.Image(sigRef, remoteOpts(ctx, auth)...)
	if err != nil {
		return nil, fmt.Errorf("no signature manifest %q: %w", sigRef, err)
	}
	manifest, err := sigImg.Manifest()
	if err != nil {
		return nil, fmt.Errorf("reading signature manifest %q: %w", sigRef, err)
	}
	for _, l := range manifest.Layers {
		if b64, ok := l.Annotations[cosignSignatureAnnotation]; ok {
			sig, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, fmt.Errorf("decoding signature annotation on %q: %w", sigRef, err)
			}
			return sig, nil
		}
	}
	return nil, fmt.Errorf("signature manifest %q has no %s annotation", sigRef, cosignSignatureAnnotation)
}

func newReader(b []byte) io.Reader {
	return strings.NewReader(string(b))
}

func (p *Provider) cachePathFor(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return filepath.Join(p.cacheDir, hex.EncodeToString(sum[:])+".o")
}

func (p *Provider) writeCache(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return bpfmanerr.New(bpfmanerr.KindStoreUnavailable, "bytecode.writeCache", err.Error())
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return bpfmanerr.New(bpfmanerr.KindStoreUnavailable, "bytecode.writeCache", err.Error())
	}
	return nil
}
