package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"bizregistry.org/internal/audit"
	"bizregistry.org/internal/auth"
	"bizregistry.org/internal/ids"
	"bizregistry.org/internal/obs"
)

// Ownership decides which parties an actor may manage.
type Ownership interface {
	CanManageParty(p auth.Principal, partyID string) bool
}

// Service runs the credential lifecycle: create, generate secret, update
// scopes, deactivate, reactivate and delete. Every state-changing call
// records exactly one audit event, success or failure.
type Service struct {
	repo          Repository
	owners        Ownership
	audit         audit.Recorder
	now           func() time.Time
	random        io.Reader
	defaultIssuer string
	logger        *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRandom overrides the secret entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.random = r
		}
	}
}

// WithDefaultIssuer sets the issuer used when CreateInput.Issuer is blank.
func WithDefaultIssuer(issuer string) Option {
	return func(s *Service) {
		s.defaultIssuer = issuer
	}
}

// NewService wires the lifecycle service.
func NewService(repo Repository, owners Ownership, recorder audit.Recorder, opts ...Option) (*Service, error) {
	if repo == nil || owners == nil {
		return nil, errors.New("credentials: repository and ownership policy are required")
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	s := &Service{
		repo:   repo,
		owners: owners,
		audit:  recorder,
		now:    time.Now,
		random: rand.Reader,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create registers a machine client for a party.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (Mapping, error) {
	const op = "create"
	if err := validateCreate(&in); err != nil {
		return Mapping{}, s.fail(ctx, op, actor, in.PartyID, err)
	}
	if !s.owners.CanManageParty(actor.Principal, in.PartyID) {
		return Mapping{}, s.fail(ctx, op, actor, in.PartyID, ErrOwnershipDenied)
	}
	issuer := strings.TrimSpace(in.Issuer)
	if issuer == "" {
		issuer = s.defaultIssuer
	}
	if issuer == "" {
		return Mapping{}, s.fail(ctx, op, actor, in.PartyID, &ValidationError{Fields: []FieldError{{Field: "issuer", Message: "is required"}}})
	}
	id := ids.New()
	clientID := in.ClientID
	if clientID == "" {
		clientID = "cid-" + strings.ToLower(ids.New())
	}
	now := s.now().UTC()
	m, err := s.repo.Create(ctx, Mapping{
		ID:          id,
		Issuer:      issuer,
		ClientID:    clientID,
		PartyID:     in.PartyID,
		Name:        in.Name,
		Description: in.Description,
		Scopes:      in.Scopes,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   actor.Principal.ActorID(),
	})
	if err != nil {
		return Mapping{}, s.fail(ctx, op, actor, id, s.storeErr(err))
	}
	s.succeed(ctx, op, audit.KindClientCreated, actor, m.ID, map[string]any{
		"party_id":  m.PartyID,
		"client_id": m.ClientID,
		"issuer":    m.Issuer,
		"name":      m.Name,
		"scopes":    strings.Join(m.Scopes, " "),
	})
	return m, nil
}

// GenerateSecret creates a new random secret for the mapping and returns it
// once. Only metadata about the generation is stored.
func (s *Service) GenerateSecret(ctx context.Context, actor Actor, mappingID string, expiresInDays int) (GeneratedSecret, error) {
	const op = "generate_secret"
	if err := validateSecretDays(expiresInDays); err != nil {
		return GeneratedSecret{}, s.fail(ctx, op, actor, mappingID, err)
	}
	m, err := s.owned(ctx, actor, mappingID)
	if err != nil {
		return GeneratedSecret{}, s.fail(ctx, op, actor, mappingID, err)
	}
	if !m.Usable {
		return GeneratedSecret{}, s.fail(ctx, op, actor, mappingID,
			&ValidationError{Fields: []FieldError{{Field: "id", Message: "client is deactivated"}}})
	}
	secret, err := newSecret(s.random)
	if err != nil {
		return GeneratedSecret{}, s.fail(ctx, op, actor, mappingID, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	now := s.now().UTC()
	rec := SecretAuditRecord{
		ID:             ids.New(),
		MappingID:      m.ID,
		GeneratedAt:    now,
		ExpiresAt:      now.AddDate(0, 0, expiresInDays),
		ActorSubject:   actor.Principal.ActorID(),
		ActorIP:        actor.IP,
		ActorUserAgent: actor.UserAgent,
	}
	if err := s.repo.AppendSecretAudit(ctx, rec); err != nil {
		return GeneratedSecret{}, s.fail(ctx, op, actor, mappingID, s.storeErr(err))
	}
	s.succeed(ctx, op, audit.KindSecretGenerated, actor, m.ID, map[string]any{
		"party_id":        m.PartyID,
		"client_id":       m.ClientID,
		"record_id":       rec.ID,
		"expires_at":      rec.ExpiresAt.Format(time.RFC3339),
		"expires_in_days": expiresInDays,
	})
	return GeneratedSecret{
		MappingID: m.ID,
		ClientID:  m.ClientID,
		Secret:    secret,
		ExpiresAt: rec.ExpiresAt,
		RecordID:  rec.ID,
	}, nil
}

// UpdateScopes replaces the mapping's assigned scopes.
func (s *Service) UpdateScopes(ctx context.Context, actor Actor, mappingID string, scopes []string) (Mapping, error) {
	const op = "update_scopes"
	normalized, err := validateScopes(scopes)
	if err != nil {
		return Mapping{}, s.fail(ctx, op, actor, mappingID, err)
	}
	m, err := s.owned(ctx, actor, mappingID)
	if err != nil {
		return Mapping{}, s.fail(ctx, op, actor, mappingID, err)
	}
	now := s.now().UTC()
	before, err := s.repo.UpdateScopes(ctx, m.ID, normalized, now)
	if err != nil {
		return Mapping{}, s.fail(ctx, op, actor, mappingID, s.storeErr(err))
	}
	s.succeed(ctx, op, audit.KindScopesUpdated, actor, m.ID, map[string]any{
		"party_id": m.PartyID,
		"before":   strings.Join(before, " "),
		"after":    strings.Join(normalized, " "),
	})
	m.Scopes = slices.Clone(normalized)
	m.UpdatedAt = now
	return m, nil
}

// Deactivate stops the mapping from resolving. Repeating it is a no-op success.
func (s *Service) Deactivate(ctx context.Context, actor Actor, mappingID string) (Mapping, error) {
	return s.setActive(ctx, actor, mappingID, false)
}

// Reactivate makes a deactivated mapping usable again.
func (s *Service) Reactivate(ctx context.Context, actor Actor, mappingID string) (Mapping, error) {
	return s.setActive(ctx, actor, mappingID, true)
}

func (s *Service) setActive(ctx context.Context, actor Actor, mappingID string, active bool) (Mapping, error) {
	op, kind, flag := "deactivate", audit.KindClientDeactivated, "already_inactive"
	if active {
		op, kind, flag = "reactivate", audit.KindClientReactivated, "already_active"
	}
	m, err := s.owned(ctx, actor, mappingID)
	if err != nil {
		return Mapping{}, s.fail(ctx, op, actor, mappingID, err)
	}
	now := s.now().UTC()
	changed, err := s.repo.SetActive(ctx, m.ID, active, now)
	if err != nil {
		return Mapping{}, s.fail(ctx, op, actor, mappingID, s.storeErr(err))
	}
	s.succeed(ctx, op, kind, actor, m.ID, map[string]any{
		"party_id":  m.PartyID,
		"client_id": m.ClientID,
		flag:        !changed,
	})
	m.Active = active
	m.Usable = active
	if changed {
		m.UpdatedAt = now
	}
	return m, nil
}

// Delete soft-deletes the mapping. It disappears from every read path.
func (s *Service) Delete(ctx context.Context, actor Actor, mappingID string) error {
	const op = "delete"
	m, err := s.owned(ctx, actor, mappingID)
	if err != nil {
		return s.fail(ctx, op, actor, mappingID, err)
	}
	if err := s.repo.SoftDelete(ctx, m.ID, s.now().UTC()); err != nil {
		return s.fail(ctx, op, actor, mappingID, s.storeErr(err))
	}
	s.succeed(ctx, op, audit.KindClientDeleted, actor, m.ID, map[string]any{
		"party_id":  m.PartyID,
		"client_id": m.ClientID,
	})
	return nil
}

// Get returns a mapping the actor may manage.
func (s *Service) Get(ctx context.Context, actor Actor, mappingID string) (Mapping, error) {
	m, err := s.owned(ctx, actor, mappingID)
	if err != nil {
		return Mapping{}, s.readFail(ctx, "get", actor, mappingID, err)
	}
	return m, nil
}

// List returns the party's mappings.
func (s *Service) List(ctx context.Context, actor Actor, partyID string) ([]Mapping, error) {
	if !s.owners.CanManageParty(actor.Principal, partyID) {
		return nil, s.readFail(ctx, "list", actor, partyID, ErrOwnershipDenied)
	}
	out, err := s.repo.ListByParty(ctx, partyID)
	if err != nil {
		return nil, s.readFail(ctx, "list", actor, partyID, s.storeErr(err))
	}
	return out, nil
}

// ListSecretAudit returns secret generation metadata, newest first.
func (s *Service) ListSecretAudit(ctx context.Context, actor Actor, mappingID string) ([]SecretAuditRecord, error) {
	m, err := s.owned(ctx, actor, mappingID)
	if err != nil {
		return nil, s.readFail(ctx, "list_secret_audit", actor, mappingID, err)
	}
	out, err := s.repo.ListSecretAudit(ctx, m.ID)
	if err != nil {
		return nil, s.readFail(ctx, "list_secret_audit", actor, mappingID, s.storeErr(err))
	}
	return out, nil
}

// owned loads a mapping and checks the actor may manage its stored party.
func (s *Service) owned(ctx context.Context, actor Actor, mappingID string) (Mapping, error) {
	if !ids.Valid(mappingID) {
		return Mapping{}, ErrNotFound
	}
	m, err := s.repo.Get(ctx, mappingID)
	if err != nil {
		return Mapping{}, s.storeErr(err)
	}
	if !s.owners.CanManageParty(actor.Principal, m.PartyID) {
		return Mapping{}, ErrOwnershipDenied
	}
	return m, nil
}

func (s *Service) storeErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrPersistence):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

func (s *Service) succeed(ctx context.Context, op string, kind audit.Kind, actor Actor, target string, detail map[string]any) {
	obs.CredentialOps.WithLabelValues(op, "ok").Inc()
	s.audit.Record(ctx, audit.Event{
		Kind:     kind,
		Actor:    actor.Principal.ActorID(),
		Target:   target,
		SourceIP: actor.IP,
		Detail:   detail,
	})
}

// fail records one operation.error event for a state-changing call and returns err.
func (s *Service) fail(ctx context.Context, op string, actor Actor, target string, err error) error {
	obs.CredentialOps.WithLabelValues(op, resultLabel(err)).Inc()
	if errors.Is(err, ErrPersistence) {
		s.logger.Error("credential operation failed",
			zap.String("op", op), zap.String("target", target),
			zap.String("request_id", audit.RequestIDFromContext(ctx)), zap.Error(err))
	}
	s.audit.Record(ctx, audit.Event{
		Kind:     audit.KindOperationError,
		Actor:    actor.Principal.ActorID(),
		Target:   target,
		SourceIP: actor.IP,
		Detail: map[string]any{
			"operation": op,
			"error":     resultLabel(err),
		},
	})
	return err
}

// readFail only audits ownership denials; other read failures are counted.
func (s *Service) readFail(ctx context.Context, op string, actor Actor, target string, err error) error {
	if errors.Is(err, ErrOwnershipDenied) {
		return s.fail(ctx, op, actor, target, err)
	}
	obs.CredentialOps.WithLabelValues(op, resultLabel(err)).Inc()
	if errors.Is(err, ErrPersistence) {
		s.logger.Error("credential read failed", zap.String("op", op), zap.String("target", target), zap.Error(err))
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrOwnershipDenied):
		return "ownership_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "persistence"
	}
}
