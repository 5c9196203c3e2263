package episode

import "github.com/google/uuid"

// Totals are headline counts for a dashboard scope.
type Totals struct {
	ActiveDoctors  int
	ActiveEpisodes int
	TotalSessions  int
	TotalVouchers  int
	RevenueCents   int64
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// MonthlyPoint counts sessions and distinct episodes seen in a month (YYYY-MM).
type MonthlyPoint struct {
	Month    string `json:"month"`
	Sessions int    `json:"sessions"`
	Episodes int    `json:"episodes"`
}

// DailyPoint counts sessions on a day (YYYY-MM-DD).
type DailyPoint struct {
	Day      string `json:"day"`
	Sessions int    `json:"sessions"`
}

type DoctorStatsRow struct {
	DoctorID       uuid.UUID
	Name           string
	EpisodesTotal  int
	EpisodesActive int
	Sessions       int
	Vouchers       int
	RevenueCents   int64
}

type DoctorStats struct {
	DoctorID       uuid.UUID `json:"doctor_id"`
	Name           string    `json:"name"`
	EpisodesTotal  int       `json:"episodes_total"`
	EpisodesActive int       `json:"episodes_active"`
	Sessions       int       `json:"sessions"`
	Vouchers       int       `json:"vouchers"`
	Revenue        Price     `json:"revenue"`
}

type VoucherTypeRow struct {
	Type       string
	Count      int
	TotalCents int64
}

type VoucherTypeStat struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
	Total Price  `json:"total"`
}

const (
	ScopeClinic = "clinic"
	ScopeDoctor = "doctor"

	clinicMonths = 12
	doctorMonths = 6
	timelineDays = 30
)

// Dashboard is the statistics page. Administrators get the clinic-wide
// scope; doctors get their own numbers with revenue redacted.
type Dashboard struct {
	Scope            string             `json:"scope"`
	ActiveDoctors    int                `json:"active_doctors,omitempty"`
	ActiveEpisodes   int                `json:"active_episodes"`
	TotalSessions    int                `json:"total_sessions"`
	TotalVouchers    int                `json:"total_vouchers"`
	Revenue          Price              `json:"revenue"`
	EpisodesByStatus []StatusCount      `json:"episodes_by_status"`
	Monthly          []MonthlyPoint     `json:"monthly"`
	Timeline         []DailyPoint       `json:"timeline"`
	Doctors          []*DoctorStats     `json:"doctors,omitempty"`
	VoucherTypes     []*VoucherTypeStat `json:"voucher_types"`
}
