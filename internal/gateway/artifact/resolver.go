// Package artifact resolves mutable container-image references to
// content-addressed digests so a scan verdict stays bound to the bytes
// that were scanned.
package artifact

import (
	"context"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	orasregistry "oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
)

// Resolver pins an image reference to its digest form.
type Resolver interface {
	// Pin returns reference rewritten as repo@digest. A reference that is
	// already digest-pinned is returned unchanged.
	Pin(ctx context.Context, reference string) (string, error)
}

// ORASResolver resolves references against an OCI registry.
type ORASResolver struct {
	// PlainHTTP disables TLS, for in-cluster registries.
	PlainHTTP bool
	logger    *zap.Logger
}

// NewORASResolver builds a registry-backed resolver.
func NewORASResolver(plainHTTP bool, logger *zap.Logger) *ORASResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ORASResolver{PlainHTTP: plainHTTP, logger: logger.Named("artifact")}
}

// Pin resolves the manifest descriptor for reference and rewrites it to
// repo@digest.
func (r *ORASResolver) Pin(ctx context.Context, reference string) (string, error) {
	parsed, err := orasregistry.ParseReference(reference)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", reference, err)
	}
	if err := parsed.ValidateReferenceAsDigest(); err == nil {
		return reference, nil
	}

	repo, err := remote.NewRepository(parsed.Registry + "/" + parsed.Repository)
	if err != nil {
		return "", fmt.Errorf("open repository %q: %w", reference, err)
	}
	repo.PlainHTTP = r.PlainHTTP

	desc, err := repo.Resolve(ctx, parsed.Reference)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", reference, err)
	}

	pinned := Pinned(parsed.Registry+"/"+parsed.Repository, desc)
	r.logger.Debug("image pinned",
		zap.String("reference", reference),
		zap.String("pinned", pinned))
	return pinned, nil
}

// Pinned formats a repository and manifest descriptor as repo@digest.
func Pinned(repository string, desc ocispec.Descriptor) string {
	return repository + "@" + desc.Digest.String()
}
