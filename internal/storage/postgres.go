package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/partnerlock/pkg/models"
)

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Requests ---

const requestColumns = `id, requester_id, requester_name, approver_id, resource, reason,
	duration_minutes, status, created_at, responded_at, expires_at, consumed_at`

func (p *PostgresBackend) CreateRequest(ctx context.Context, r *models.AccessRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if r.Status == models.StatusPending {
		if err := requesterClear(ctx, tx, r.RequesterID, r.CreatedAt); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO access_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RequesterID, r.RequesterName, r.ApproverID, r.Resource, r.Reason,
		r.DurationMinutes, string(r.Status), r.CreatedAt, r.RespondedAt, r.ExpiresAt, r.ConsumedAt,
	)
	if isUniqueViolation(err) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "access_requests_one_pending" {
			return ErrPendingExists
		}
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// requesterClear locks the requester's open requests. An approval racing the
// insert either committed first and is seen here as approved, or waits for
// this transaction and then finds the new request behind the pending index.
func requesterClear(ctx context.Context, tx pgx.Tx, requesterID string, now time.Time) error {
	rows, err := tx.Query(ctx,
		`SELECT r.status, g.id IS NOT NULL, COALESCE(NOT g.revoked AND g.expires_at > $2, FALSE)
		 FROM access_requests r LEFT JOIN access_grants g ON g.id = r.id
		 WHERE r.requester_id = $1 AND r.status IN ('pending', 'approved')
		 FOR UPDATE OF r`,
		requesterID, now,
	)
	if err != nil {
		return fmt.Errorf("locking open requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status         string
			hasGrant, live bool
		)
		if err := rows.Scan(&status, &hasGrant, &live); err != nil {
			return err
		}
		if models.RequestStatus(status) == models.StatusPending {
			return ErrPendingExists
		}
		if !hasGrant || live {
			return ErrGrantConflict
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var granted bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM access_grants
		 WHERE requester_id = $1 AND NOT revoked AND expires_at > $2)`,
		requesterID, now,
	).Scan(&granted)
	if err != nil {
		return fmt.Errorf("checking live grants: %w", err)
	}
	if granted {
		return ErrGrantConflict
	}
	return nil
}

func (p *PostgresBackend) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// TransitionRequest runs the compare-and-set as a single conditional UPDATE,
// so a concurrent responder and expiry sweep cannot both win.
func (p *PostgresBackend) TransitionRequest(ctx context.Context, id string, t RequestTransition) (*models.AccessRequest, error) {
	var window string
	switch t.Window {
	case WindowOpen:
		window = ` AND $4 <= expires_at`
	case WindowClosed:
		window = ` AND $4 > expires_at`
	default:
		window = ` AND $4::timestamptz IS NOT NULL`
	}

	var set string
	switch t.To {
	case models.StatusApproved, models.StatusDenied:
		set = `responded_at = $4`
	case models.StatusPending:
		set = `responded_at = NULL`
	case models.StatusConsumed:
		set = `responded_at = NULL, consumed_at = $4`
	default:
		set = `responded_at = responded_at`
	}

	row := p.pool.QueryRow(ctx,
		`UPDATE access_requests SET status = $2, `+set+`
		 WHERE id = $1 AND status = $3`+window+`
		 RETURNING `+requestColumns,
		id, string(t.To), string(t.From), t.At,
	)
	updated, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		current, getErr := p.GetRequest(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrStatusConflict
	}
	return updated, err
}

func (p *PostgresBackend) ListRequestsByApprover(ctx context.Context, approverID string, status models.RequestStatus, limit int) ([]*models.AccessRequest, error) {
	return p.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM access_requests
		 WHERE approver_id = $1 AND status = $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		approverID, string(status), limitOrAll(limit),
	)
}

func (p *PostgresBackend) ListRequestsByRequester(ctx context.Context, requesterID string, limit int) ([]*models.AccessRequest, error) {
	return p.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM access_requests
		 WHERE requester_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		requesterID, limitOrAll(limit),
	)
}

func (p *PostgresBackend) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*models.AccessRequest, error) {
	return p.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM access_requests
		 WHERE status = 'pending' AND expires_at < $1
		 ORDER BY expires_at LIMIT $2`,
		now, limitOrAll(limit),
	)
}

func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (p *PostgresBackend) queryRequests(ctx context.Context, sql string, args ...any) ([]*models.AccessRequest, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*models.AccessRequest, error) {
	var r models.AccessRequest
	var status string
	err := row.Scan(&r.ID, &r.RequesterID, &r.RequesterName, &r.ApproverID, &r.Resource, &r.Reason,
		&r.DurationMinutes, &status, &r.CreatedAt, &r.RespondedAt, &r.ExpiresAt, &r.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	if !r.Status.Valid() {
		return nil, fmt.Errorf("request %s has unknown status %q", r.ID, status)
	}
	return &r, nil
}

// --- Grants ---

const grantColumns = `id, requester_id, approver_id, resource, duration_minutes,
	activated_at, expires_at, revoked, revoked_at, revoke_reason`

// InsertGrant relies on the partial unique index over unrevoked grants per
// requester; the index turns a concurrent second activation into a
// unique violation.
func (p *PostgresBackend) InsertGrant(ctx context.Context, g *models.AccessGrant) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO access_grants (`+grantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.RequesterID, g.ApproverID, g.Resource, g.DurationMinutes,
		g.ActivatedAt, g.ExpiresAt, g.Revoked, g.RevokedAt, string(g.RevokeReason),
	)
	if isUniqueViolation(err) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "access_grants_pkey" {
			return ErrAlreadyExists
		}
		return ErrGrantConflict
	}
	return err
}

func (p *PostgresBackend) GetGrant(ctx context.Context, id string) (*models.AccessGrant, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE id = $1`, id)
	return scanGrant(row)
}

func (p *PostgresBackend) UnrevokedGrant(ctx context.Context, requesterID string) (*models.AccessGrant, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE requester_id = $1 AND NOT revoked`,
		requesterID,
	)
	return scanGrant(row)
}

func (p *PostgresBackend) RevokeGrant(ctx context.Context, id string, at time.Time, reason models.RevokeReason) (*models.AccessGrant, bool, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE access_grants SET revoked = TRUE, revoked_at = $2, revoke_reason = $3
		 WHERE id = $1 AND NOT revoked
		 RETURNING `+grantColumns,
		id, at, string(reason),
	)
	g, err := scanGrant(row)
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	// Either unknown or already revoked by someone else.
	g, err = p.GetGrant(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return g, false, nil
}

func (p *PostgresBackend) ListUnrevokedGrants(ctx context.Context) ([]*models.AccessGrant, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE NOT revoked ORDER BY expires_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row pgx.Row) (*models.AccessGrant, error) {
	var g models.AccessGrant
	var reason string
	err := row.Scan(&g.ID, &g.RequesterID, &g.ApproverID, &g.Resource, &g.DurationMinutes,
		&g.ActivatedAt, &g.ExpiresAt, &g.Revoked, &g.RevokedAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	g.RevokeReason = models.RevokeReason(reason)
	return &g, nil
}

// --- Partnerships ---

const partnershipColumns = `id, requester_id, requester_name, approver_id, approver_email,
	approver_name, status, invite_hash, password_hash, created_at, updated_at, accepted_at`

func (p *PostgresBackend) CreatePartnership(ctx context.Context, ps *models.Partnership) error {
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO partnerships (`+partnershipColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ps.ID, ps.RequesterID, ps.RequesterName, ps.ApproverID, ps.ApproverEmail,
		ps.ApproverName, string(ps.Status), nullableString(ps.InviteHash), ps.PasswordHash,
		ps.CreatedAt, ps.UpdatedAt, ps.AcceptedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *PostgresBackend) GetPartnership(ctx context.Context, id string) (*models.Partnership, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+partnershipColumns+` FROM partnerships WHERE id = $1`, id)
	return scanPartnership(row)
}

func (p *PostgresBackend) GetPartnershipByInvite(ctx context.Context, inviteHash string) (*models.Partnership, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+partnershipColumns+` FROM partnerships WHERE invite_hash = $1`, inviteHash)
	return scanPartnership(row)
}

func (p *PostgresBackend) ActivePartnershipForRequester(ctx context.Context, requesterID string) (*models.Partnership, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+partnershipColumns+` FROM partnerships WHERE requester_id = $1 AND status = 'active'`,
		requesterID,
	)
	return scanPartnership(row)
}

func (p *PostgresBackend) ListPartnershipsForPrincipal(ctx context.Context, principalID string) ([]*models.Partnership, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+partnershipColumns+` FROM partnerships
		 WHERE requester_id = $1 OR approver_id = $1
		 ORDER BY created_at DESC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Partnership
	for rows.Next() {
		ps, err := scanPartnership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) UpdatePartnership(ctx context.Context, ps *models.Partnership, from models.PartnershipStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE partnerships
		 SET approver_id = $2, approver_name = $3, status = $4, invite_hash = $5,
		     password_hash = $6, updated_at = $7, accepted_at = $8
		 WHERE id = $1 AND status = $9`,
		ps.ID, ps.ApproverID, ps.ApproverName, string(ps.Status), nullableString(ps.InviteHash),
		ps.PasswordHash, ps.UpdatedAt, ps.AcceptedAt, string(from),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetPartnership(ctx, ps.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func scanPartnership(row pgx.Row) (*models.Partnership, error) {
	var ps models.Partnership
	var status string
	var inviteHash *string
	err := row.Scan(&ps.ID, &ps.RequesterID, &ps.RequesterName, &ps.ApproverID, &ps.ApproverEmail,
		&ps.ApproverName, &status, &inviteHash, &ps.PasswordHash, &ps.CreatedAt, &ps.UpdatedAt, &ps.AcceptedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ps.Status = models.PartnershipStatus(status)
	if inviteHash != nil {
		ps.InviteHash = *inviteHash
	}
	return &ps, nil
}

// --- Channels ---

func (p *PostgresBackend) SetChannel(ctx context.Context, ch *models.NotificationChannel) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO notification_channels (principal_id, kind, address, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (principal_id) DO UPDATE
		 SET kind = EXCLUDED.kind, address = EXCLUDED.address, updated_at = EXCLUDED.updated_at`,
		ch.PrincipalID, string(ch.Kind), ch.Address, ch.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) GetChannel(ctx context.Context, principalID string) (*models.NotificationChannel, error) {
	var ch models.NotificationChannel
	var kind string
	err := p.pool.QueryRow(ctx,
		`SELECT principal_id, kind, address, updated_at FROM notification_channels WHERE principal_id = $1`,
		principalID,
	).Scan(&ch.PrincipalID, &kind, &ch.Address, &ch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ch.Kind = models.ChannelKind(kind)
	return &ch, nil
}

// --- Tokens ---

func (p *PostgresBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	ttlSec := int64(token.TTL.Seconds())
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tokens (id, token_hash, principal_id, display_name, admin, ttl_seconds, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     admin = EXCLUDED.admin,
		     ttl_seconds = EXCLUDED.ttl_seconds,
		     expires_at = EXCLUDED.expires_at`,
		token.ID, tokenHash, token.PrincipalID, token.DisplayName, token.Admin,
		ttlSec, token.CreatedAt, nullableTime(token.ExpiresAt),
	)
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	var t models.Token
	var ttlSec int64
	var expiresAt *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT id, principal_id, display_name, admin, ttl_seconds, created_at, expires_at, revoked_at
		 FROM tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&t.ID, &t.PrincipalID, &t.DisplayName, &t.Admin, &ttlSec, &t.CreatedAt, &expiresAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.TTL = time.Duration(ttlSec) * time.Second
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	return &t, nil
}

func (p *PostgresBackend) RevokeToken(ctx context.Context, tokenID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		tokenID, at,
	)
	return err
}

// --- Block lists ---

func (p *PostgresBackend) SetBlockList(ctx context.Context, bl *models.BlockList) error {
	patterns, err := json.Marshal(bl.Patterns)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO block_lists (requester_id, patterns, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (requester_id) DO UPDATE SET patterns = EXCLUDED.patterns, updated_at = EXCLUDED.updated_at`,
		bl.RequesterID, patterns, bl.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) GetBlockList(ctx context.Context, requesterID string) (*models.BlockList, error) {
	var bl models.BlockList
	var patterns []byte
	err := p.pool.QueryRow(ctx,
		`SELECT requester_id, patterns, updated_at FROM block_lists WHERE requester_id = $1`,
		requesterID,
	).Scan(&bl.RequesterID, &patterns, &bl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(patterns, &bl.Patterns); err != nil {
		return nil, fmt.Errorf("decoding block list patterns: %w", err)
	}
	return &bl, nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, principal_id, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.PrincipalID, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, principal_id, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.PrincipalID != "" {
		fmt.Fprintf(&query, ` AND principal_id = $%d`, n)
		args = append(args, filter.PrincipalID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.PrincipalID, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountPendingRequests(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM access_requests WHERE status = 'pending'`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountActiveGrants(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM access_grants WHERE NOT revoked AND expires_at > $1`,
		now,
	).Scan(&count)
	return count, err
}
