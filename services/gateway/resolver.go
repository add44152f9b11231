package gateway

import (
	"context"
	"time"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/repositories"
	"github.com/upb/assistant-auth-gateway/services"
)

// Resolver maps an external id to an identity.
//
// (nil, nil) means this resolver does not know the caller and the next one is tried.
// A returned identity ends the chain, including an inactive one.
// Errors abort the chain and must not be read as "unknown".
type Resolver interface {
	Resolve(ctx context.Context, externalID string) (*models.IdentityContext, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, externalID string) (*models.IdentityContext, error)

// Resolve implements Resolver
func (f ResolverFunc) Resolve(ctx context.Context, externalID string) (*models.IdentityContext, error) {
	return f(ctx, externalID)
}

// DirectoryResolver resolves callers through an identity directory
type DirectoryResolver struct {
	directory repositories.IdentityDirectory
	now       func() time.Time
}

// NewDirectoryResolver creates a resolver backed by directory
func NewDirectoryResolver(directory repositories.IdentityDirectory) *DirectoryResolver {
	return &DirectoryResolver{directory: directory, now: time.Now}
}

// Resolve implements Resolver
func (r *DirectoryResolver) Resolve(ctx context.Context, externalID string) (*models.IdentityContext, error) {
	mapping, err := r.directory.GetMapping(ctx, externalID)
	if err != nil {
		return nil, services.WrapStoreUnavailable("identity directory unavailable", err)
	}
	if mapping == nil {
		return nil, nil
	}
	return mapping.ToContext(r.now().UTC()), nil
}
