package episode

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neuroclinic/clinic/internal/platform/db"
)

type statsRepoPG struct{ pool *pgxpool.Pool }

func NewStatsRepoPG(pool *pgxpool.Pool) StatsRepository {
	return &statsRepoPG{pool: pool}
}

func (r *statsRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *statsRepoPG) Totals(ctx context.Context, doctorID *uuid.UUID) (*Totals, error) {
	var t Totals
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM doctor d
				WHERE d.active AND d.license_code <> 'ADMIN' AND ($1::uuid IS NULL OR d.id = $1)),
			(SELECT COUNT(*) FROM episode e
				WHERE e.status = 'active' AND ($1::uuid IS NULL OR e.doctor_id = $1)),
			(SELECT COUNT(*) FROM treatment_session s JOIN episode e ON e.id = s.episode_id
				WHERE $1::uuid IS NULL OR e.doctor_id = $1),
			(SELECT COUNT(*) FROM voucher v JOIN episode e ON e.id = v.episode_id
				WHERE $1::uuid IS NULL OR e.doctor_id = $1),
			(SELECT COALESCE(SUM(v.price_cents), 0) FROM voucher v JOIN episode e ON e.id = v.episode_id
				WHERE $1::uuid IS NULL OR e.doctor_id = $1)`,
		doctorID,
	).Scan(&t.ActiveDoctors, &t.ActiveEpisodes, &t.TotalSessions, &t.TotalVouchers, &t.RevenueCents)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *statsRepoPG) EpisodesByStatus(ctx context.Context, doctorID *uuid.UUID) ([]StatusCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT e.status, COUNT(*)
		FROM episode e
		WHERE $1::uuid IS NULL OR e.doctor_id = $1
		GROUP BY e.status
		ORDER BY e.status`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		items = append(items, sc)
	}
	return items, rows.Err()
}

func (r *statsRepoPG) MonthlyEvolution(ctx context.Context, doctorID *uuid.UUID, since time.Time) ([]MonthlyPoint, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT to_char(date_trunc('month', s.visit_date), 'YYYY-MM'), COUNT(*), COUNT(DISTINCT s.episode_id)
		FROM treatment_session s
		JOIN episode e ON e.id = s.episode_id
		WHERE s.visit_date >= $2 AND ($1::uuid IS NULL OR e.doctor_id = $1)
		GROUP BY 1
		ORDER BY 1`, doctorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []MonthlyPoint
	for rows.Next() {
		var p MonthlyPoint
		if err := rows.Scan(&p.Month, &p.Sessions, &p.Episodes); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *statsRepoPG) SessionTimeline(ctx context.Context, doctorID *uuid.UUID, since time.Time) ([]DailyPoint, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT to_char(s.visit_date, 'YYYY-MM-DD'), COUNT(*)
		FROM treatment_session s
		JOIN episode e ON e.id = s.episode_id
		WHERE s.visit_date >= $2 AND ($1::uuid IS NULL OR e.doctor_id = $1)
		GROUP BY 1
		ORDER BY 1`, doctorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DailyPoint
	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Day, &p.Sessions); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *statsRepoPG) DoctorStats(ctx context.Context, doctorID *uuid.UUID) ([]*DoctorStatsRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.id, d.name,
			COUNT(e.id),
			COUNT(e.id) FILTER (WHERE e.status = 'active'),
			(SELECT COUNT(*) FROM treatment_session s JOIN episode e2 ON e2.id = s.episode_id
				WHERE e2.doctor_id = d.id),
			(SELECT COUNT(*) FROM voucher v JOIN episode e2 ON e2.id = v.episode_id
				WHERE e2.doctor_id = d.id),
			(SELECT COALESCE(SUM(v.price_cents), 0) FROM voucher v JOIN episode e2 ON e2.id = v.episode_id
				WHERE e2.doctor_id = d.id)
		FROM doctor d
		LEFT JOIN episode e ON e.doctor_id = d.id
		WHERE d.license_code <> 'ADMIN' AND ($1::uuid IS NULL OR d.id = $1)
		GROUP BY d.id, d.name
		ORDER BY d.name`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DoctorStatsRow
	for rows.Next() {
		var s DoctorStatsRow
		if err := rows.Scan(&s.DoctorID, &s.Name, &s.EpisodesTotal, &s.EpisodesActive,
			&s.Sessions, &s.Vouchers, &s.RevenueCents); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

func (r *statsRepoPG) VoucherTypeStats(ctx context.Context, doctorID *uuid.UUID) ([]*VoucherTypeRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT v.type, COUNT(*), COALESCE(SUM(v.price_cents), 0)
		FROM voucher v
		JOIN episode e ON e.id = v.episode_id
		WHERE $1::uuid IS NULL OR e.doctor_id = $1
		GROUP BY v.type
		ORDER BY COUNT(*) DESC, v.type`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VoucherTypeRow
	for rows.Next() {
		var v VoucherTypeRow
		if err := rows.Scan(&v.Type, &v.Count, &v.TotalCents); err != nil {
			return nil, err
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}
