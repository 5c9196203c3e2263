package episode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neuroclinic/clinic/internal/platform/db"
)

type episodeRepoPG struct{ pool *pgxpool.Pool }

func NewEpisodeRepoPG(pool *pgxpool.Pool) EpisodeRepository {
	return &episodeRepoPG{pool: pool}
}

func (r *episodeRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const episodeCols = `e.id, e.doctor_id, e.name, e.external_id, e.card_id, e.location,
	e.start_date, e.deadline, e.status, e.created_at, e.updated_at`

func scanEpisode(row pgx.Row) (*Episode, error) {
	var e Episode
	err := row.Scan(&e.ID, &e.DoctorID, &e.Name, &e.ExternalID, &e.CardID, &e.Location,
		&e.StartDate, &e.Deadline, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *episodeRepoPG) CreateEpisode(ctx context.Context, e *Episode) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO episode (id, doctor_id, name, external_id, card_id, location, start_date, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		e.ID, e.DoctorID, e.Name, e.ExternalID, e.CardID, e.Location, e.StartDate, e.Deadline, e.Status,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if db.IsUniqueViolation(err, "episode_external_id_key") {
		return ErrDuplicateExternalID
	}
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

func (r *episodeRepoPG) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM episode WHERE external_id = $1)`, externalID).Scan(&exists)
	return exists, err
}

func (r *episodeRepoPG) GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return scanEpisode(r.conn(ctx).QueryRow(ctx, `SELECT `+episodeCols+` FROM episode e WHERE e.id = $1`, id))
}

func (r *episodeRepoPG) LockEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, fmt.Errorf("lock episode %s: no transaction in context", id)
	}
	return scanEpisode(r.conn(ctx).QueryRow(ctx, `SELECT `+episodeCols+` FROM episode e WHERE e.id = $1 FOR UPDATE`, id))
}

func (r *episodeRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE episode SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update episode status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *episodeRepoPG) DoctorName(ctx context.Context, doctorID uuid.UUID) (string, error) {
	var name string
	err := r.conn(ctx).QueryRow(ctx, `SELECT name FROM doctor WHERE id = $1`, doctorID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

// -- Sessions --

func (r *episodeRepoPG) MaxSessionNumber(ctx context.Context, episodeID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(number), 0) FROM treatment_session WHERE episode_id = $1`, episodeID).Scan(&n)
	return n, err
}

func (r *episodeRepoPG) CountSessions(ctx context.Context, episodeID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM treatment_session WHERE episode_id = $1`, episodeID).Scan(&n)
	return n, err
}

func (r *episodeRepoPG) CreateSession(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment_session (id, episode_id, number, visit_date, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		s.ID, s.EpisodeID, s.Number, s.VisitDate, s.Notes,
	).Scan(&s.CreatedAt)
	if db.IsUniqueViolation(err, "session_episode_number_key") {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *episodeRepoPG) ListSessions(ctx context.Context, episodeID uuid.UUID) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, episode_id, number, visit_date, notes, created_at
		FROM treatment_session WHERE episode_id = $1 ORDER BY number`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.EpisodeID, &s.Number, &s.VisitDate, &s.Notes, &s.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

// -- Vouchers --

func (r *episodeRepoPG) VoucherTypeExists(ctx context.Context, episodeID uuid.UUID, voucherType string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM voucher WHERE episode_id = $1 AND type = $2)`,
		episodeID, voucherType).Scan(&exists)
	return exists, err
}

func (r *episodeRepoPG) CreateVoucher(ctx context.Context, v *Voucher) error {
	v.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO voucher (id, episode_id, type, code, price_cents, status, registered_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		v.ID, v.EpisodeID, v.Type, v.Code, v.PriceCents, v.Status, v.RegisteredOn,
	).Scan(&v.CreatedAt)
	if db.IsUniqueViolation(err, "voucher_episode_type_key") {
		return ErrDuplicateVoucherType
	}
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}
	return nil
}

func (r *episodeRepoPG) ListVouchers(ctx context.Context, episodeID uuid.UUID) ([]*Voucher, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, episode_id, type, code, price_cents, status, registered_on, created_at
		FROM voucher WHERE episode_id = $1 ORDER BY created_at`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Voucher
	for rows.Next() {
		var v Voucher
		if err := rows.Scan(&v.ID, &v.EpisodeID, &v.Type, &v.Code, &v.PriceCents, &v.Status,
			&v.RegisteredOn, &v.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}

// -- Reports --

const reportCols = `id, episode_id, storage_key, original_name, content_type, size_bytes, uploaded_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	err := row.Scan(&rep.ID, &rep.EpisodeID, &rep.StorageKey, &rep.OriginalName, &rep.ContentType,
		&rep.SizeBytes, &rep.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *episodeRepoPG) CreateReport(ctx context.Context, rep *Report) error {
	rep.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report (id, episode_id, storage_key, original_name, content_type, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rep.ID, rep.EpisodeID, rep.StorageKey, rep.OriginalName, rep.ContentType, rep.SizeBytes, rep.UploadedAt)
	if db.IsUniqueViolation(err, "report_storage_key_key") {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *episodeRepoPG) GetReport(ctx context.Context, episodeID, reportID uuid.UUID) (*Report, error) {
	return scanReport(r.conn(ctx).QueryRow(ctx, `
		SELECT `+reportCols+` FROM report WHERE id = $1 AND episode_id = $2`, reportID, episodeID))
}

func (r *episodeRepoPG) ListReports(ctx context.Context, episodeID uuid.UUID) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+reportCols+` FROM report WHERE episode_id = $1 ORDER BY uploaded_at DESC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rep)
	}
	return items, rows.Err()
}

// -- Summaries --

const summarySelect = `SELECT ` + episodeCols + `, d.name,
	(SELECT COUNT(*) FROM treatment_session s WHERE s.episode_id = e.id),
	(SELECT COUNT(*) FROM voucher v WHERE v.episode_id = e.id),
	(SELECT COALESCE(SUM(v.price_cents), 0) FROM voucher v WHERE v.episode_id = e.id),
	(SELECT COUNT(*) FROM report rp WHERE rp.episode_id = e.id),
	(SELECT MAX(rp.uploaded_at) FROM report rp WHERE rp.episode_id = e.id)
	FROM episode e
	JOIN doctor d ON d.id = e.doctor_id`

func scanSummary(rows pgx.Rows) (*SummaryRow, error) {
	var s SummaryRow
	err := rows.Scan(&s.ID, &s.DoctorID, &s.Name, &s.ExternalID, &s.CardID, &s.Location,
		&s.StartDate, &s.Deadline, &s.Status, &s.CreatedAt, &s.UpdatedAt, &s.DoctorName,
		&s.SessionCount, &s.VoucherCount, &s.VoucherTotalCents, &s.ReportCount, &s.LastReportAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const summaryFilter = `
	WHERE ($1::uuid IS NULL OR e.doctor_id = $1)
	AND ($2::text = '' OR e.status = $2)
	AND ($3::text = '' OR e.name ILIKE '%' || $4::text || '%' ESCAPE '\' OR e.external_id = $3)`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeEscape makes q match literally inside an ILIKE pattern.
func likeEscape(q string) string {
	return likeEscaper.Replace(q)
}

func (r *episodeRepoPG) ListSummaries(ctx context.Context, doctorID *uuid.UUID, f ListFilter, limit, offset int) ([]*SummaryRow, int, error) {
	var total int
	pattern := likeEscape(f.Query)
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM episode e`+summaryFilter,
		doctorID, f.Status, f.Query, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, summarySelect+summaryFilter+`
		ORDER BY e.created_at DESC
		LIMIT $5 OFFSET $6`, doctorID, f.Status, f.Query, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*SummaryRow
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *episodeRepoPG) ListDeadlinesBefore(ctx context.Context, doctorID *uuid.UUID, until time.Time) ([]*SummaryRow, error) {
	rows, err := r.conn(ctx).Query(ctx, summarySelect+`
		WHERE e.status = 'active'
		AND e.deadline <= $2
		AND ($1::uuid IS NULL OR e.doctor_id = $1)
		ORDER BY e.deadline, e.name`, doctorID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SummaryRow
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
