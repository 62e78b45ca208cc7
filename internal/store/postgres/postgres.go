// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/store"
)

//go:embed schema.sql
var schema string

const codeUniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, use_case, participant_role, participant_name, status, payment_status,
	share_code, parent_session_id, results, created_at, completed_at`

func (s *Store) InsertSession(ctx context.Context, ss *domain.AssessmentSession) error {
	results, err := marshalResults(ss.Results)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO assessment_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`

	_, err = s.db.Exec(ctx, stmt,
		ss.ID, nullable(ss.UserID), string(ss.UseCase), string(ss.ParticipantRole), ss.ParticipantName,
		string(ss.Status), string(ss.PaymentStatus), nullable(ss.ShareCode), nullable(ss.ParentSessionID),
		results, ss.CreatedAt, nullableTime(ss.CompletedAt),
	)
	return mapError("insert session", err)
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.AssessmentSession, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM assessment_sessions WHERE id = $1;`

	ss, err := scanSession(s.db.QueryRow(ctx, stmt, id))
	if err != nil {
		return nil, mapError("get session", err)
	}
	return ss, nil
}

func (s *Store) ListSessionsByParent(ctx context.Context, parentID string) ([]domain.AssessmentSession, error) {
	const stmt = `SELECT ` + sessionColumns + `
FROM assessment_sessions
WHERE parent_session_id = $1
ORDER BY created_at, id;`

	rows, err := s.db.Query(ctx, stmt, parentID)
	if err != nil {
		return nil, mapError("list sessions", err)
	}

	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.AssessmentSession, error) {
		ss, err := scanSession(r)
		if err != nil {
			return domain.AssessmentSession{}, err
		}
		return *ss, nil
	})
	if err != nil {
		return nil, mapError("list sessions", err)
	}
	return out, nil
}

func (s *Store) ClaimSession(ctx context.Context, id, userID string) (bool, error) {
	const stmt = `UPDATE assessment_sessions SET user_id = $2 WHERE id = $1 AND user_id IS NULL;`

	return s.exec(ctx, "claim session", stmt, id, userID)
}

func (s *Store) CompleteSession(ctx context.Context, id string, results map[domain.ToolID]domain.Result, at time.Time) (bool, error) {
	b, err := marshalResults(results)
	if err != nil {
		return false, err
	}

	const stmt = `UPDATE assessment_sessions
SET status = $2, results = $3, completed_at = $4
WHERE id = $1 AND status = $5;`

	return s.exec(ctx, "complete session", stmt, id, string(domain.SessionCompleted), b, at, string(domain.SessionInProgress))
}

func (s *Store) SetSessionPaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (bool, error) {
	const stmt = `UPDATE assessment_sessions SET payment_status = $2 WHERE id = $1 AND payment_status = $3;`

	return s.exec(ctx, "set payment status", stmt, id, string(status), string(domain.PaymentPending))
}

const coupleColumns = `id, share_code, initiator_session_id, partner_session_id, status, expires_at, created_at`

func (s *Store) InsertCouple(ctx context.Context, c *domain.CoupleSession, initiatorName string) error {
	const stmt = `INSERT INTO couple_sessions (` + coupleColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7);`

	stamp := shareCodeStamp{sessionID: c.InitiatorSessionID, code: c.ShareCode, role: domain.RoleInitiator, name: initiatorName}
	return s.withShareCode(ctx, stamp, "couple", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt,
			c.ID, c.ShareCode, c.InitiatorSessionID, nullable(c.PartnerSessionID),
			string(c.Status), c.ExpiresAt, c.CreatedAt,
		)
		return mapError("insert couple", err)
	})
}

func (s *Store) GetCoupleByCode(ctx context.Context, code string) (*domain.CoupleSession, error) {
	const stmt = `SELECT ` + coupleColumns + ` FROM couple_sessions WHERE share_code = $1;`

	return s.getCouple(ctx, stmt, code)
}

func (s *Store) GetCoupleBySession(ctx context.Context, sessionID string) (*domain.CoupleSession, error) {
	const stmt = `SELECT ` + coupleColumns + `
FROM couple_sessions
WHERE initiator_session_id = $1 OR partner_session_id = $1
LIMIT 1;`

	return s.getCouple(ctx, stmt, sessionID)
}

func (s *Store) getCouple(ctx context.Context, stmt string, arg string) (*domain.CoupleSession, error) {
	var (
		c       domain.CoupleSession
		partner *string
		status  string
	)

	err := s.db.QueryRow(ctx, stmt, arg).Scan(
		&c.ID, &c.ShareCode, &c.InitiatorSessionID, &partner, &status, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, mapError("get couple", err)
	}

	c.PartnerSessionID = deref(partner)
	c.Status = domain.CoupleStatus(status)
	return &c, nil
}

func (s *Store) SetCouplePartner(ctx context.Context, id, partnerSessionID string) (bool, error) {
	const stmt = `UPDATE couple_sessions SET partner_session_id = $2 WHERE id = $1 AND partner_session_id IS NULL;`

	return s.exec(ctx, "set couple partner", stmt, id, partnerSessionID)
}

func (s *Store) UpdateCoupleStatus(ctx context.Context, id string, from, to domain.CoupleStatus) (bool, error) {
	const stmt = `UPDATE couple_sessions SET status = $2 WHERE id = $1 AND status = $3;`

	return s.exec(ctx, "update couple status", stmt, id, string(to), string(from))
}

const teamColumns = `id, share_code, leader_session_id, team_name, status, expires_at, created_at`

func (s *Store) InsertTeam(ctx context.Context, t *domain.TeamSession, leaderName string) error {
	const stmt = `INSERT INTO team_sessions (` + teamColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7);`

	stamp := shareCodeStamp{sessionID: t.LeaderSessionID, code: t.ShareCode, role: domain.RoleLeader, name: leaderName}
	return s.withShareCode(ctx, stamp, "team", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt,
			t.ID, t.ShareCode, t.LeaderSessionID, t.TeamName, string(t.Status), t.ExpiresAt, t.CreatedAt,
		)
		return mapError("insert team", err)
	})
}

func (s *Store) GetTeamByCode(ctx context.Context, code string) (*domain.TeamSession, error) {
	const stmt = `SELECT ` + teamColumns + ` FROM team_sessions WHERE share_code = $1;`

	return s.getTeam(ctx, stmt, code)
}

func (s *Store) GetTeamByLeader(ctx context.Context, leaderSessionID string) (*domain.TeamSession, error) {
	const stmt = `SELECT ` + teamColumns + ` FROM team_sessions WHERE leader_session_id = $1;`

	return s.getTeam(ctx, stmt, leaderSessionID)
}

func (s *Store) getTeam(ctx context.Context, stmt string, arg string) (*domain.TeamSession, error) {
	var (
		t      domain.TeamSession
		status string
	)

	err := s.db.QueryRow(ctx, stmt, arg).Scan(
		&t.ID, &t.ShareCode, &t.LeaderSessionID, &t.TeamName, &status, &t.ExpiresAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, mapError("get team", err)
	}

	t.Status = domain.TeamStatus(status)
	return &t, nil
}

func (s *Store) UpdateTeamStatus(ctx context.Context, id string, from, to domain.TeamStatus) (bool, error) {
	const stmt = `UPDATE team_sessions SET status = $2 WHERE id = $1 AND status = $3;`

	return s.exec(ctx, "update team status", stmt, id, string(to), string(from))
}

const paymentColumns = `id, session_id, amount, currency, status, provider_reference_id, created_at, paid_at`

func (s *Store) InsertPayment(ctx context.Context, p *domain.Payment) error {
	const stmt = `INSERT INTO payments (` + paymentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err := s.db.Exec(ctx, stmt,
		p.ID, p.SessionID, p.Amount, p.Currency, string(p.Status), p.ProviderReferenceID,
		p.CreatedAt, nullableTime(p.PaidAt),
	)
	return mapError("insert payment", err)
}

func (s *Store) GetPaymentByReference(ctx context.Context, ref string) (*domain.Payment, error) {
	const stmt = `SELECT ` + paymentColumns + ` FROM payments WHERE provider_reference_id = $1;`

	return s.getPayment(ctx, stmt, ref)
}

func (s *Store) GetPendingPayment(ctx context.Context, sessionID string) (*domain.Payment, error) {
	const stmt = `SELECT ` + paymentColumns + `
FROM payments
WHERE session_id = $1 AND status = 'pending'
ORDER BY created_at DESC
LIMIT 1;`

	return s.getPayment(ctx, stmt, sessionID)
}

func (s *Store) getPayment(ctx context.Context, stmt string, arg string) (*domain.Payment, error) {
	var (
		p      domain.Payment
		status string
		paidAt *time.Time
	)

	err := s.db.QueryRow(ctx, stmt, arg).Scan(
		&p.ID, &p.SessionID, &p.Amount, &p.Currency, &status, &p.ProviderReferenceID, &p.CreatedAt, &paidAt,
	)
	if err != nil {
		return nil, mapError("get payment", err)
	}

	p.Status = domain.PaymentRecordStatus(status)
	if paidAt != nil {
		p.PaidAt = *paidAt
	}
	return &p, nil
}

func (s *Store) ConfirmPayment(ctx context.Context, paymentID string, paidAt time.Time) (ok bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			err = stderrors.Join(err, ignoreClosed(tx.Rollback(ctx)))
		}
	}()

	const (
		payStmt = `UPDATE payments SET status = 'paid', paid_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING session_id;`
		sessionStmt = `UPDATE assessment_sessions SET payment_status = $2 WHERE id = $1 AND payment_status = $3;`
	)

	var sessionID string
	err = tx.QueryRow(ctx, payStmt, paymentID, paidAt).Scan(&sessionID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirm payment: %w", err)
	}

	if _, err = tx.Exec(ctx, sessionStmt, sessionID, string(domain.PaymentPaid), string(domain.PaymentPending)); err != nil {
		return false, fmt.Errorf("confirm payment: session: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("confirm payment: commit: %w", err)
	}
	return true, nil
}

type shareCodeStamp struct {
	sessionID string
	code      string
	role      domain.ParticipantRole
	name      string
}

// withShareCode stamps the session, registers the code under kind and runs
// insert in one transaction. The session row is updated first so concurrent
// stamps of one session serialize on its row lock.
func (s *Store) withShareCode(ctx context.Context, st shareCodeStamp, kind string, insert func(pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, ignoreClosed(tx.Rollback(ctx)))
		}
	}()

	const (
		stampStmt = `UPDATE assessment_sessions
SET share_code = $2, participant_role = $3, participant_name = $4
WHERE id = $1 AND share_code IS NULL;`
		existsStmt = `SELECT EXISTS (SELECT 1 FROM assessment_sessions WHERE id = $1);`
		codeStmt   = `INSERT INTO share_codes (code, kind) VALUES ($1, $2);`
	)

	tag, err := tx.Exec(ctx, stampStmt, st.sessionID, st.code, string(st.role), st.name)
	if err != nil {
		return mapError("stamp session", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err = tx.QueryRow(ctx, existsStmt, st.sessionID).Scan(&exists); err != nil {
			return mapError("stamp session", err)
		}
		if !exists {
			err = store.ErrNotFound
			return err
		}
		err = store.ErrShareCodeSet
		return err
	}

	if _, err = tx.Exec(ctx, codeStmt, st.code, kind); err != nil {
		return mapError("reserve share code", err)
	}

	if err = insert(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) exec(ctx context.Context, op, stmt string, args ...any) (bool, error) {
	tag, err := s.db.Exec(ctx, stmt, args...)
	if err != nil {
		return false, mapError(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.AssessmentSession, error) {
	var (
		ss                                   domain.AssessmentSession
		useCase, role, status, paymentStatus string
		userID, shareCode, parentID          *string
		results                              []byte
		completedAt                          *time.Time
	)

	err := row.Scan(
		&ss.ID, &userID, &useCase, &role, &ss.ParticipantName, &status, &paymentStatus,
		&shareCode, &parentID, &results, &ss.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	ss.UserID = deref(userID)
	ss.UseCase = domain.UseCaseID(useCase)
	ss.ParticipantRole = domain.ParticipantRole(role)
	ss.Status = domain.SessionStatus(status)
	ss.PaymentStatus = domain.PaymentStatus(paymentStatus)
	ss.ShareCode = deref(shareCode)
	ss.ParentSessionID = deref(parentID)
	if completedAt != nil {
		ss.CompletedAt = *completedAt
	}

	if len(results) > 0 {
		if err := json.Unmarshal(results, &ss.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}

	return &ss, nil
}

func marshalResults(rs map[domain.ToolID]domain.Result) ([]byte, error) {
	if rs == nil {
		return []byte("{}"), nil
	}

	b, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return b, nil
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, store.ErrConflict, pgErr.ConstraintName)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func ignoreClosed(err error) error {
	if stderrors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
