package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

const mappingColumns = `id, issuer, client_id, party_id, name, description, scopes, active, deleted,
	(active and not deleted) as usable, last_used_at, request_count, last_seen_ip,
	created_at, updated_at, created_by`

// PGStore is the PostgreSQL Repository. All statements are parameterized.
type PGStore struct {
	db *sql.DB
}

var _ Repository = (*PGStore)(nil)

// OpenDB opens a pgx-backed pool with the service's pool settings.
func OpenDB(dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// NewPGStore wraps an open database.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, m Mapping) (Mapping, error) {
	scopes, err := json.Marshal(m.Scopes)
	if err != nil {
		return Mapping{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into credential_mappings
			(id, issuer, client_id, party_id, name, description, scopes, active, deleted,
			 request_count, last_seen_ip, created_at, updated_at, created_by)
		values ($1,$2,$3,$4,$5,$6,$7,$8,false,0,'',$9,$9,$10)
		returning `+mappingColumns,
		m.ID, m.Issuer, m.ClientID, m.PartyID, m.Name, m.Description, scopes, m.Active,
		m.CreatedAt, m.CreatedBy,
	)
	out, err := scanMapping(row)
	if err != nil {
		return Mapping{}, mapPGError(err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+mappingColumns+` from credential_mappings where id = $1 and deleted = false`, id)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	return m, err
}

func (s *PGStore) ListByParty(ctx context.Context, partyID string) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+mappingColumns+` from credential_mappings
		 where party_id = $1 and deleted = false
		 order by created_at, id`, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) FindUsable(ctx context.Context, issuer, clientID string) (Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+mappingColumns+` from credential_mappings
		 where issuer = $1 and client_id = $2 and active = true and deleted = false`,
		issuer, clientID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	return m, err
}

func (s *PGStore) UpdateScopes(ctx context.Context, id string, scopes []string, at time.Time) ([]string, error) {
	raw, err := json.Marshal(scopes)
	if err != nil {
		return nil, err
	}
	var before []byte
	err = s.db.QueryRowContext(ctx, `
		update credential_mappings m
		set scopes = $2, updated_at = $3
		from (select id, scopes from credential_mappings where id = $1 and deleted = false for update) old
		where m.id = old.id
		returning old.scopes`, id, raw, at).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var prev []string
	if err := json.Unmarshal(before, &prev); err != nil {
		return nil, fmt.Errorf("decode previous scopes: %w", err)
	}
	return prev, nil
}

func (s *PGStore) SetActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update credential_mappings set active = $2, updated_at = $3
		where id = $1 and deleted = false and active <> $2`, id, active, at)
	if err != nil {
		return false, mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from credential_mappings where id = $1 and deleted = false)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PGStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update credential_mappings set deleted = true, active = false, updated_at = $2
		where id = $1 and deleted = false`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RecordUsage(ctx context.Context, id string, at time.Time, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		update credential_mappings
		set request_count = request_count + 1, last_used_at = $2, last_seen_ip = $3
		where id = $1 and deleted = false`, id, at, ip)
	return err
}

func (s *PGStore) AppendSecretAudit(ctx context.Context, rec SecretAuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credential_secret_audit
			(id, mapping_id, generated_at, expires_at, actor_subject, actor_ip, actor_user_agent)
		values ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.MappingID, rec.GeneratedAt, rec.ExpiresAt, rec.ActorSubject, rec.ActorIP, rec.ActorUserAgent)
	return err
}

func (s *PGStore) ListSecretAudit(ctx context.Context, mappingID string) ([]SecretAuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, mapping_id, generated_at, expires_at, actor_subject, actor_ip, actor_user_agent
		from credential_secret_audit
		where mapping_id = $1
		order by generated_at desc, id desc`, mappingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SecretAuditRecord
	for rows.Next() {
		var r SecretAuditRecord
		if err := rows.Scan(&r.ID, &r.MappingID, &r.GeneratedAt, &r.ExpiresAt,
			&r.ActorSubject, &r.ActorIP, &r.ActorUserAgent); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (Mapping, error) {
	var (
		m        Mapping
		scopes   []byte
		lastUsed sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Issuer, &m.ClientID, &m.PartyID, &m.Name, &m.Description,
		&scopes, &m.Active, &m.Deleted, &m.Usable, &lastUsed, &m.RequestCount, &m.LastSeenIP,
		&m.CreatedAt, &m.UpdatedAt, &m.CreatedBy); err != nil {
		return Mapping{}, err
	}
	if err := json.Unmarshal(scopes, &m.Scopes); err != nil {
		return Mapping{}, fmt.Errorf("decode scopes: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		m.LastUsedAt = &t
	}
	return m, nil
}

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
