package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"bizregistry.org/internal/obs"
)

const defaultUsageWriteTimeout = 2 * time.Second

// MachineCredential is the usable credential mapping a machine token resolves to.
type MachineCredential struct {
	MappingID string
	PartyID   string
	Name      string
	Scopes    []string
}

// CredentialLookup is the slice of the credential repository the resolver needs.
// FindUsable must only return mappings that are active and not deleted, and
// report a miss as ErrPartyNotFound.
type CredentialLookup interface {
	FindUsable(ctx context.Context, issuer, clientID string) (MachineCredential, error)
	RecordUsage(ctx context.Context, mappingID string, at time.Time, ip string) error
}

// Resolver maps validated tokens to principals.
type Resolver struct {
	lookup       CredentialLookup
	now          func() time.Time
	usageTimeout time.Duration
	logger       *zap.Logger

	pending sync.WaitGroup
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithUsageWriteTimeout bounds the detached usage-counter update.
func WithUsageWriteTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.usageTimeout = d
		}
	}
}

// WithResolverClock overrides the time source.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a resolver backed by lookup.
func NewResolver(lookup CredentialLookup, opts ...ResolverOption) (*Resolver, error) {
	if lookup == nil {
		return nil, errors.New("auth: credential lookup is required")
	}
	r := &Resolver{
		lookup:       lookup,
		now:          time.Now,
		usageTimeout: defaultUsageWriteTimeout,
		logger:       obs.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve turns tok into a Principal. Interactive subjects are trusted as-is;
// machine clients must map to a usable credential on every request, so a
// deactivated mapping stops resolving immediately.
func (r *Resolver) Resolve(ctx context.Context, tok ValidatedToken, meta RequestMeta) (Principal, error) {
	switch tok.Kind() {
	case PrincipalInteractive:
		return Principal{
			Kind:    PrincipalInteractive,
			Subject: tok.Subject(),
			Issuer:  tok.Issuer(),
			PartyID: tok.PartyID(),
			Roles:   tok.Roles(),
		}, nil
	case PrincipalMachine:
		cred, err := r.lookup.FindUsable(ctx, tok.Issuer(), tok.Subject())
		if err != nil {
			if errors.Is(err, ErrPartyNotFound) {
				return Principal{}, ErrPartyNotFound
			}
			return Principal{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		r.recordUsage(ctx, cred.MappingID, meta.IP)
		return Principal{
			Kind:      PrincipalMachine,
			Subject:   tok.Subject(),
			Issuer:    tok.Issuer(),
			PartyID:   cred.PartyID,
			Scopes:    slices.Clone(cred.Scopes),
			MappingID: cred.MappingID,
			Name:      cred.Name,
		}, nil
	default:
		return Principal{}, ErrMalformedToken
	}
}

// recordUsage updates usage statistics off the request path. Failures are
// logged and never affect the authorization outcome.
func (r *Resolver) recordUsage(ctx context.Context, mappingID, ip string) {
	at := r.now().UTC()
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.usageTimeout)
		defer cancel()
		if err := r.lookup.RecordUsage(wctx, mappingID, at, ip); err != nil {
			r.logger.Warn("credential usage update failed",
				zap.String("mapping_id", mappingID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight usage updates finish. Used on shutdown and in tests.
func (r *Resolver) Wait() {
	r.pending.Wait()
}
