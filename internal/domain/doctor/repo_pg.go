package doctor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neuroclinic/clinic/internal/platform/db"
)

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{pool: pool}
}

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const doctorCols = `d.id, d.name, d.email, d.password_hash, d.license_code, d.active, d.created_at, d.updated_at`

func (r *doctorRepoPG) scanRow(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Email, &d.PasswordHash, &d.LicenseCode, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, name, email, password_hash, license_code, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.Email, d.PasswordHash, d.LicenseCode, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if db.IsUniqueViolation(err, "doctor_email_key") {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor d WHERE d.id = $1`, id))
}

func (r *doctorRepoPG) GetByEmail(ctx context.Context, email string) (*Doctor, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor d WHERE d.email = $1`, email))
}

func (r *doctorRepoPG) GetAdmin(ctx context.Context) (*Doctor, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+doctorCols+` FROM doctor d
		WHERE d.license_code = $1
		ORDER BY d.created_at LIMIT 1`, AdminLicenseCode))
}

func (r *doctorRepoPG) ListWithEpisodeCounts(ctx context.Context, limit, offset int) ([]*Summary, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor WHERE license_code <> $1`, AdminLicenseCode).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+doctorCols+`, COUNT(e.id)
		FROM doctor d
		LEFT JOIN episode e ON e.doctor_id = d.id
		WHERE d.license_code <> $1
		GROUP BY d.id
		ORDER BY d.name
		LIMIT $2 OFFSET $3`, AdminLicenseCode, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.PasswordHash, &s.LicenseCode, &s.Active,
			&s.CreatedAt, &s.UpdatedAt, &s.EpisodeCount); err != nil {
			return nil, 0, err
		}
		items = append(items, &s)
	}
	return items, total, rows.Err()
}

func (r *doctorRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE doctor SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *doctorRepoPG) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE doctor SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
