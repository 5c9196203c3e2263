package episode

import (
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive    = "active"
	StatusFinalized = "finalized"
)

const (
	// MaxSessions is the hard cap on sessions per episode.
	MaxSessions = 8
	// VoucherCutoff is the last session count at which vouchers may still be
	// registered.
	VoucherCutoff = 4
	// DeadlineDays is the treatment window counted from the start date.
	DeadlineDays = 60

	VoucherStatusPending = "pending"
	ReportContentType    = "application/pdf"
)

// Episode maps to the episode table.
type Episode struct {
	ID         uuid.UUID `db:"id" json:"id"`
	DoctorID   uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Name       string    `db:"name" json:"name"`
	ExternalID string    `db:"external_id" json:"external_id"`
	CardID     *string   `db:"card_id" json:"card_id,omitempty"`
	Location   *string   `db:"location" json:"location,omitempty"`
	StartDate  time.Time `db:"start_date" json:"start_date"`
	Deadline   time.Time `db:"deadline" json:"deadline"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func (e *Episode) IsFinalized() bool {
	return e.Status == StatusFinalized
}

// Session maps to the treatment_session table.
type Session struct {
	ID        uuid.UUID `db:"id" json:"id"`
	EpisodeID uuid.UUID `db:"episode_id" json:"episode_id"`
	Number    int       `db:"number" json:"number"`
	VisitDate time.Time `db:"visit_date" json:"visit_date"`
	Notes     string    `db:"notes" json:"notes"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Voucher maps to the voucher table. It is never serialized directly; every
// read goes through VoucherView so the price passes the visibility policy.
type Voucher struct {
	ID           uuid.UUID `db:"id"`
	EpisodeID    uuid.UUID `db:"episode_id"`
	Type         string    `db:"type"`
	Code         string    `db:"code"`
	PriceCents   int64     `db:"price_cents"`
	Status       string    `db:"status"`
	RegisteredOn time.Time `db:"registered_on"`
	CreatedAt    time.Time `db:"created_at"`
}

// Report maps to the report table.
type Report struct {
	ID           uuid.UUID `db:"id" json:"id"`
	EpisodeID    uuid.UUID `db:"episode_id" json:"episode_id"`
	StorageKey   string    `db:"storage_key" json:"storage_key"`
	OriginalName string    `db:"original_name" json:"original_name"`
	ContentType  string    `db:"content_type" json:"content_type"`
	SizeBytes    int64     `db:"size_bytes" json:"size_bytes"`
	UploadedAt   time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// VoucherView is a voucher as shown to a particular actor.
type VoucherView struct {
	ID           uuid.UUID `json:"id"`
	EpisodeID    uuid.UUID `json:"episode_id"`
	Type         string    `json:"type"`
	Code         string    `json:"code"`
	Price        Price     `json:"price"`
	Status       string    `json:"status"`
	RegisteredOn time.Time `json:"registered_on"`
	CreatedAt    time.Time `json:"created_at"`
}

// EpisodeDetail is an episode with all of its children.
type EpisodeDetail struct {
	Episode
	DoctorName        string         `json:"doctor_name,omitempty"`
	DaysLeft          *int           `json:"days_left,omitempty"`
	Urgency           Urgency        `json:"urgency,omitempty"`
	Sessions          []*Session     `json:"sessions"`
	Vouchers          []*VoucherView `json:"vouchers"`
	Reports           []*Report      `json:"reports"`
	LatestReport      *Report        `json:"latest_report,omitempty"`
	VoucherTotal      Price          `json:"voucher_total"`
	NextSessionNumber int            `json:"next_session_number,omitempty"`
	CanAddVoucher     bool           `json:"can_add_voucher"`
	// CanUploadReport is whether a report may be uploaded without
	// finalize. CanFinalize is whether an upload with finalize may end
	// the treatment, at any session count.
	CanUploadReport bool `json:"can_upload_report"`
	CanFinalize     bool `json:"can_finalize"`
}

// SummaryRow is one episode with its child aggregates as read from storage.
type SummaryRow struct {
	Episode
	DoctorName        string
	SessionCount      int
	VoucherCount      int
	VoucherTotalCents int64
	ReportCount       int
	LastReportAt      *time.Time
}

// EpisodeSummary is a dashboard row.
type EpisodeSummary struct {
	Episode
	DoctorName   string     `json:"doctor_name"`
	SessionCount int        `json:"session_count"`
	VoucherCount int        `json:"voucher_count"`
	VoucherTotal Price      `json:"voucher_total"`
	ReportCount  int        `json:"report_count"`
	LastReportAt *time.Time `json:"last_report_at,omitempty"`
	DaysLeft     *int       `json:"days_left,omitempty"`
	Urgency      Urgency    `json:"urgency,omitempty"`
}

// Alert is an active episode whose deadline is near or past.
type Alert struct {
	EpisodeID    uuid.UUID `json:"episode_id"`
	Name         string    `json:"name"`
	ExternalID   string    `json:"external_id"`
	DoctorID     uuid.UUID `json:"doctor_id"`
	DoctorName   string    `json:"doctor_name"`
	Deadline     time.Time `json:"deadline"`
	DaysLeft     int       `json:"days_left"`
	Urgency      Urgency   `json:"urgency"`
	SessionCount int       `json:"session_count"`
}

type EnrollInput struct {
	Name       string
	ExternalID string
	CardID     string
	Location   string
	StartDate  time.Time
}

type SessionInput struct {
	VisitDate time.Time
	Notes     string
}

type VoucherInput struct {
	Type string
	Code string
}

// ReportUpload carries an uploaded file. Filename is kept for reference only;
// the storage key is always generated.
type ReportUpload struct {
	Filename    string
	ContentType string
	Content     io.Reader
	Finalize    bool
}

type ListFilter struct {
	Status string
	Query  string
}
