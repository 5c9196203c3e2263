package episode

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EpisodeRepository persists the episode aggregate. Lookups return
// ErrNotFound for missing rows.
type EpisodeRepository interface {
	CreateEpisode(ctx context.Context, e *Episode) error
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error)
	// LockEpisode reads the episode with a row lock held until the
	// surrounding transaction ends. Must be called inside a transaction.
	LockEpisode(ctx context.Context, id uuid.UUID) (*Episode, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	DoctorName(ctx context.Context, doctorID uuid.UUID) (string, error)

	MaxSessionNumber(ctx context.Context, episodeID uuid.UUID) (int, error)
	CountSessions(ctx context.Context, episodeID uuid.UUID) (int, error)
	CreateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, episodeID uuid.UUID) ([]*Session, error)

	VoucherTypeExists(ctx context.Context, episodeID uuid.UUID, voucherType string) (bool, error)
	CreateVoucher(ctx context.Context, v *Voucher) error
	ListVouchers(ctx context.Context, episodeID uuid.UUID) ([]*Voucher, error)

	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, episodeID, reportID uuid.UUID) (*Report, error)
	ListReports(ctx context.Context, episodeID uuid.UUID) ([]*Report, error)

	// ListSummaries pages episodes with child aggregates. A nil doctorID
	// lists every doctor's episodes.
	ListSummaries(ctx context.Context, doctorID *uuid.UUID, f ListFilter, limit, offset int) ([]*SummaryRow, int, error)
	// ListDeadlinesBefore returns active episodes whose deadline is on or
	// before the given date.
	ListDeadlinesBefore(ctx context.Context, doctorID *uuid.UUID, until time.Time) ([]*SummaryRow, error)
}

// StatsRepository runs the aggregate queries behind the statistics pages.
// A nil doctorID aggregates over the whole clinic.
type StatsRepository interface {
	Totals(ctx context.Context, doctorID *uuid.UUID) (*Totals, error)
	EpisodesByStatus(ctx context.Context, doctorID *uuid.UUID) ([]StatusCount, error)
	MonthlyEvolution(ctx context.Context, doctorID *uuid.UUID, since time.Time) ([]MonthlyPoint, error)
	SessionTimeline(ctx context.Context, doctorID *uuid.UUID, since time.Time) ([]DailyPoint, error)
	DoctorStats(ctx context.Context, doctorID *uuid.UUID) ([]*DoctorStatsRow, error)
	VoucherTypeStats(ctx context.Context, doctorID *uuid.UUID) ([]*VoucherTypeRow, error)
}
