package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLookup struct {
	mu       sync.Mutex
	creds    map[string]MachineCredential
	findErr  error
	usageErr error
	block    chan struct{}
	usage    []string
}

func (f *fakeLookup) FindUsable(_ context.Context, issuer, clientID string) (MachineCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return MachineCredential{}, f.findErr
	}
	c, ok := f.creds[issuer+"|"+clientID]
	if !ok {
		return MachineCredential{}, ErrPartyNotFound
	}
	return c, nil
}

func (f *fakeLookup) RecordUsage(ctx context.Context, mappingID string, _ time.Time, ip string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, mappingID+"@"+ip)
	return f.usageErr
}

func (f *fakeLookup) usageCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.usage...)
}

func machineToken(issuer, clientID string) ValidatedToken {
	return ValidatedToken{issuer: issuer, issuerKind: IssuerB, subject: clientID, kind: PrincipalMachine}
}

func TestResolverMachineHit(t *testing.T) {
	lookup := &fakeLookup{creds: map[string]MachineCredential{
		testIssuerB + "|cid-1": {MappingID: "m-1", PartyID: "party-9", Name: "ERP sync", Scopes: []string{ScopePartyRead}},
	}}
	r, err := NewResolver(lookup)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	p, err := r.Resolve(context.Background(), machineToken(testIssuerB, "cid-1"), RequestMeta{IP: "10.0.0.7"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.Wait()
	if p.Kind != PrincipalMachine || p.PartyID != "party-9" || p.MappingID != "m-1" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if len(p.Scopes) != 1 || p.Scopes[0] != ScopePartyRead {
		t.Fatalf("scopes = %v", p.Scopes)
	}
	if got := lookup.usageCalls(); len(got) != 1 || got[0] != "m-1@10.0.0.7" {
		t.Fatalf("usage calls = %v", got)
	}
}

func TestResolverMachineMissIsPartyNotFound(t *testing.T) {
	r, _ := NewResolver(&fakeLookup{})
	_, err := r.Resolve(context.Background(), machineToken(testIssuerB, "cid-123"), RequestMeta{})
	if !errors.Is(err, ErrPartyNotFound) {
		t.Fatalf("expected ErrPartyNotFound, got %v", err)
	}
	if !IsAuthenticationFailure(err) {
		t.Fatal("PartyNotFound must render as an authentication failure")
	}
}

func TestResolverLookupErrorIsNotAuthenticationFailure(t *testing.T) {
	r, _ := NewResolver(&fakeLookup{findErr: errors.New("connection reset")})
	_, err := r.Resolve(context.Background(), machineToken(testIssuerB, "cid-1"), RequestMeta{})
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
	if IsAuthenticationFailure(err) {
		t.Fatal("lookup failure must not be reported as 401")
	}
}

func TestResolverUsageWriteNeverBlocksOrFails(t *testing.T) {
	lookup := &fakeLookup{
		creds: map[string]MachineCredential{
			testIssuerB + "|cid-1": {MappingID: "m-1", PartyID: "party-9"},
		},
		usageErr: errors.New("disk full"),
		block:    make(chan struct{}),
	}
	r, _ := NewResolver(lookup, WithUsageWriteTimeout(time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), machineToken(testIssuerB, "cid-1"), RequestMeta{})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Resolve waited for the usage write")
	}
	close(lookup.block)
	r.Wait()
	if got := lookup.usageCalls(); len(got) != 1 {
		t.Fatalf("expected the usage write to run once, got %v", got)
	}
}

func TestResolverInteractivePassesThrough(t *testing.T) {
	lookup := &fakeLookup{}
	r, _ := NewResolver(lookup)
	tok := ValidatedToken{
		issuer: testIssuerA, issuerKind: IssuerA, subject: "user-1",
		kind: PrincipalInteractive, roles: []string{RoleRegistryEditor}, partyID: "party-2",
	}
	p, err := r.Resolve(context.Background(), tok, RequestMeta{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Kind != PrincipalInteractive || p.Subject != "user-1" || p.PartyID != "party-2" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if len(p.Roles) != 1 || p.Roles[0] != RoleRegistryEditor {
		t.Fatalf("roles = %v", p.Roles)
	}
	if len(lookup.usageCalls()) != 0 {
		t.Fatal("interactive principals must not touch the credential store")
	}
}
