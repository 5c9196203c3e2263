package episode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neuroclinic/clinic/internal/platform/auth"
	"github.com/neuroclinic/clinic/internal/platform/blobstore"
	"github.com/neuroclinic/clinic/internal/platform/events"
)

// TxRunner runs fn inside one database transaction. *db.TxManager
// satisfies it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service is the treatment lifecycle engine. Every mutation runs as one
// transaction holding a row lock on the episode, so concurrent requests for
// the same episode are serialized while different episodes proceed in
// parallel.
type Service struct {
	episodes EpisodeRepository
	stats    StatsRepository
	tx       TxRunner
	blobs    blobstore.Store
	events   events.Recorder
	now      func() time.Time
}

func NewService(episodes EpisodeRepository, stats StatsRepository, tx TxRunner, blobs blobstore.Store, recorder events.Recorder) *Service {
	return &Service{
		episodes: episodes,
		stats:    stats,
		tx:       tx,
		blobs:    blobs,
		events:   recorder,
		now:      time.Now,
	}
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (s *Service) record(ctx context.Context, episodeID uuid.UUID, eventType string, data any) error {
	if s.events == nil {
		return nil
	}
	return s.events.Record(ctx, episodeID, eventType, data)
}

// load reads an episode and applies the visibility policy.
func (s *Service) load(ctx context.Context, actor auth.Identity, id uuid.UUID) (*Episode, error) {
	ep, err := s.episodes.GetEpisode(ctx, id)
	return s.authorize(actor, ep, err)
}

// lock is load with a row lock, for use inside a transaction.
func (s *Service) lock(ctx context.Context, actor auth.Identity, id uuid.UUID) (*Episode, error) {
	ep, err := s.episodes.LockEpisode(ctx, id)
	return s.authorize(actor, ep, err)
}

func (s *Service) authorize(actor auth.Identity, ep *Episode, err error) (*Episode, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, notFoundFor(actor)
	}
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, ep.DoctorID) {
		return nil, ErrForbidden
	}
	return ep, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// Enroll creates an active episode owned by the calling doctor. Administrators
// cannot enroll since they never own episodes.
func (s *Service) Enroll(ctx context.Context, actor auth.Identity, in EnrollInput) (*Episode, error) {
	if actor.Role != auth.RoleDoctor || actor.DoctorID == uuid.Nil {
		return nil, ErrForbidden
	}
	ep := &Episode{
		DoctorID:   actor.DoctorID,
		Name:       strings.TrimSpace(in.Name),
		ExternalID: strings.TrimSpace(in.ExternalID),
		CardID:     optional(in.CardID),
		Location:   optional(in.Location),
		Status:     StatusActive,
	}
	if ep.Name == "" {
		return nil, validationError("name is required")
	}
	if ep.ExternalID == "" {
		return nil, validationError("external_id is required")
	}
	if in.StartDate.IsZero() {
		return nil, validationError("start_date is required")
	}
	ep.StartDate = civilDate(in.StartDate)
	ep.Deadline = DeadlineFor(ep.StartDate)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		exists, err := s.episodes.ExternalIDExists(ctx, ep.ExternalID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateExternalID
		}
		if err := s.episodes.CreateEpisode(ctx, ep); err != nil {
			return err
		}
		return s.record(ctx, ep.ID, events.EpisodeEnrolled, map[string]any{
			"doctor_id":  ep.DoctorID,
			"start_date": ep.StartDate.Format(time.DateOnly),
			"deadline":   ep.Deadline.Format(time.DateOnly),
		})
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("episode_id", ep.ID.String()).Msg("episode enrolled")
	return ep, nil
}

// AddSession records the next numbered session. Numbers are assigned here,
// never by the caller.
func (s *Service) AddSession(ctx context.Context, actor auth.Identity, episodeID uuid.UUID, in SessionInput) (*Session, error) {
	visit := in.VisitDate
	if visit.IsZero() {
		visit = s.now()
	}
	sess := &Session{
		EpisodeID: episodeID,
		VisitDate: civilDate(visit),
		Notes:     strings.TrimSpace(in.Notes),
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ep, err := s.lock(ctx, actor, episodeID)
		if err != nil {
			return err
		}
		if ep.IsFinalized() {
			return ErrEpisodeFinalized
		}
		last, err := s.episodes.MaxSessionNumber(ctx, episodeID)
		if err != nil {
			return err
		}
		if last+1 > MaxSessions {
			return ErrSessionLimitExceeded
		}
		sess.Number = last + 1
		if err := s.episodes.CreateSession(ctx, sess); err != nil {
			return err
		}
		return s.record(ctx, episodeID, events.SessionRecorded, map[string]any{
			"session_id": sess.ID,
			"number":     sess.Number,
			"visit_date": sess.VisitDate.Format(time.DateOnly),
		})
	})
	if err != nil {
		logRejection(ctx, "add session", episodeID, err)
		return nil, err
	}
	return sess, nil
}

// AddVoucher registers a voucher priced from the type alone. It is refused
// once the episode has moved past its fourth session.
func (s *Service) AddVoucher(ctx context.Context, actor auth.Identity, episodeID uuid.UUID, in VoucherInput) (*VoucherView, error) {
	v := &Voucher{
		EpisodeID:    episodeID,
		Type:         normalizeVoucherType(in.Type),
		Code:         strings.TrimSpace(in.Code),
		Status:       VoucherStatusPending,
		RegisteredOn: civilDate(s.now()),
	}
	if v.Type == "" {
		return nil, validationError("type is required")
	}
	if v.Code == "" {
		return nil, validationError("code is required")
	}
	v.PriceCents = PriceFor(v.Type)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ep, err := s.lock(ctx, actor, episodeID)
		if err != nil {
			return err
		}
		if ep.IsFinalized() {
			return ErrEpisodeFinalized
		}
		count, err := s.episodes.CountSessions(ctx, episodeID)
		if err != nil {
			return err
		}
		if count > VoucherCutoff {
			return ErrCutoffExceeded
		}
		exists, err := s.episodes.VoucherTypeExists(ctx, episodeID, v.Type)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateVoucherType
		}
		if err := s.episodes.CreateVoucher(ctx, v); err != nil {
			return err
		}
		return s.record(ctx, episodeID, events.VoucherRegistered, map[string]any{
			"voucher_id": v.ID,
			"type":       v.Type,
		})
	})
	if err != nil {
		logRejection(ctx, "add voucher", episodeID, err)
		return nil, err
	}
	return voucherView(actor, v), nil
}

// ReportKey is the storage key for a report uploaded at t.
func ReportKey(episodeID uuid.UUID, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("report_%s_%s_%09d.pdf", episodeID, t.Format("20060102_150405"), t.Nanosecond())
}

func isReportContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == ReportContentType
}

// UploadReport stores a report and, when requested, finalizes the episode.
// The blob is written before the transaction: a failed commit leaves an
// unreferenced blob, never a finalized episode without its report.
func (s *Service) UploadReport(ctx context.Context, actor auth.Identity, episodeID uuid.UUID, up ReportUpload) (*Report, error) {
	if !isReportContentType(up.ContentType) {
		return nil, ErrUnsupportedFileType
	}
	if up.Content == nil {
		return nil, validationError("file is required")
	}

	// Fail fast before touching storage. The checks are repeated under the
	// lock below.
	if _, err := s.load(ctx, actor, episodeID); err != nil {
		return nil, err
	}
	if err := s.checkReportGate(ctx, episodeID, up.Finalize); err != nil {
		logRejection(ctx, "upload report", episodeID, err)
		return nil, err
	}

	now := s.now()
	key := ReportKey(episodeID, now)
	obj, err := s.blobs.Put(ctx, key, ReportContentType, up.Content)
	if err != nil {
		return nil, fmt.Errorf("store report: %w", err)
	}

	rep := &Report{
		EpisodeID:    episodeID,
		StorageKey:   key,
		OriginalName: up.Filename,
		ContentType:  ReportContentType,
		SizeBytes:    obj.Size,
		UploadedAt:   now.UTC(),
	}
	var finalized bool
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ep, err := s.lock(ctx, actor, episodeID)
		if err != nil {
			return err
		}
		count, err := s.episodes.CountSessions(ctx, episodeID)
		if err != nil {
			return err
		}
		if count != MaxSessions && !up.Finalize {
			return ErrGateNotMet
		}
		if err := s.episodes.CreateReport(ctx, rep); err != nil {
			return err
		}
		if err := s.record(ctx, episodeID, events.ReportUploaded, map[string]any{
			"report_id":     rep.ID,
			"storage_key":   rep.StorageKey,
			"session_count": count,
			"finalize":      up.Finalize,
		}); err != nil {
			return err
		}
		if !up.Finalize || ep.IsFinalized() {
			return nil
		}
		if err := s.episodes.UpdateStatus(ctx, episodeID, StatusFinalized); err != nil {
			return err
		}
		finalized = true
		return s.record(ctx, episodeID, events.EpisodeFinalized, map[string]any{
			"report_id":     rep.ID,
			"session_count": count,
		})
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("episode_id", episodeID.String()).Str("storage_key", key).
			Msg("report not recorded, stored blob left unreferenced")
		return nil, err
	}

	ev := zerolog.Ctx(ctx).Info().Str("episode_id", episodeID.String()).Str("report_id", rep.ID.String())
	if finalized {
		ev.Msg("report stored, episode finalized")
	} else {
		ev.Msg("report stored")
	}
	return rep, nil
}

func (s *Service) checkReportGate(ctx context.Context, episodeID uuid.UUID, finalize bool) error {
	if finalize {
		return nil
	}
	count, err := s.episodes.CountSessions(ctx, episodeID)
	if err != nil {
		return err
	}
	if count != MaxSessions {
		return ErrGateNotMet
	}
	return nil
}

func logRejection(ctx context.Context, op string, episodeID uuid.UUID, err error) {
	switch {
	case errors.Is(err, ErrSessionLimitExceeded), errors.Is(err, ErrCutoffExceeded),
		errors.Is(err, ErrGateNotMet), errors.Is(err, ErrEpisodeFinalized),
		errors.Is(err, ErrDuplicateVoucherType), errors.Is(err, ErrForbidden):
		zerolog.Ctx(ctx).Debug().Str("episode_id", episodeID.String()).Str("op", op).Err(err).Msg("rejected by policy")
	}
}

// GetEpisode returns the episode with its sessions, vouchers and reports.
func (s *Service) GetEpisode(ctx context.Context, actor auth.Identity, id uuid.UUID) (*EpisodeDetail, error) {
	ep, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	sessions, err := s.episodes.ListSessions(ctx, id)
	if err != nil {
		return nil, err
	}
	vouchers, err := s.episodes.ListVouchers(ctx, id)
	if err != nil {
		return nil, err
	}
	reports, err := s.episodes.ListReports(ctx, id)
	if err != nil {
		return nil, err
	}
	doctorName, err := s.episodes.DoctorName(ctx, ep.DoctorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	d := &EpisodeDetail{
		Episode:    *ep,
		DoctorName: doctorName,
		Sessions:   sessions,
		Vouchers:   make([]*VoucherView, 0, len(vouchers)),
		Reports:    reports,
	}
	if d.Sessions == nil {
		d.Sessions = []*Session{}
	}
	if d.Reports == nil {
		d.Reports = []*Report{}
	}

	var total int64
	for _, v := range vouchers {
		total += v.PriceCents
		d.Vouchers = append(d.Vouchers, voucherView(actor, v))
	}
	d.VoucherTotal = priceFor(actor, total)

	sort.Slice(d.Reports, func(i, j int) bool { return d.Reports[i].UploadedAt.After(d.Reports[j].UploadedAt) })
	if len(d.Reports) > 0 {
		d.LatestReport = d.Reports[0]
	}

	if days, u, ok := ComputeUrgency(ep, s.now()); ok {
		d.DaysLeft = &days
		d.Urgency = u
	}
	count := len(sessions)
	if !ep.IsFinalized() {
		if count < MaxSessions {
			d.NextSessionNumber = count + 1
		}
		d.CanAddVoucher = count <= VoucherCutoff
	}
	d.CanUploadReport = count == MaxSessions
	d.CanFinalize = !ep.IsFinalized()
	return d, nil
}

func (s *Service) summarize(actor auth.Identity, row *SummaryRow, today time.Time) *EpisodeSummary {
	sum := &EpisodeSummary{
		Episode:      row.Episode,
		DoctorName:   row.DoctorName,
		SessionCount: row.SessionCount,
		VoucherCount: row.VoucherCount,
		VoucherTotal: priceFor(actor, row.VoucherTotalCents),
		ReportCount:  row.ReportCount,
		LastReportAt: row.LastReportAt,
	}
	if days, u, ok := ComputeUrgency(&row.Episode, today); ok {
		sum.DaysLeft = &days
		sum.Urgency = u
	}
	return sum
}

// ListEpisodes pages dashboard rows. Doctors only see their own episodes.
func (s *Service) ListEpisodes(ctx context.Context, actor auth.Identity, f ListFilter, limit, offset int) ([]*EpisodeSummary, int, error) {
	if !actor.Role.Valid() {
		return nil, 0, ErrForbidden
	}
	if f.Status != "" && f.Status != StatusActive && f.Status != StatusFinalized {
		return nil, 0, validationError("invalid status: %s", f.Status)
	}
	f.Query = strings.TrimSpace(f.Query)
	rows, total, err := s.episodes.ListSummaries(ctx, scopeFor(actor), f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	today := s.now()
	items := make([]*EpisodeSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.summarize(actor, row, today))
	}
	return items, total, nil
}

// Alerts lists active episodes that are overdue or within the urgent window,
// most pressing first.
func (s *Service) Alerts(ctx context.Context, actor auth.Identity) ([]*Alert, error) {
	if !actor.Role.Valid() {
		return nil, ErrForbidden
	}
	today := civilDate(s.now())
	rows, err := s.episodes.ListDeadlinesBefore(ctx, scopeFor(actor), today.AddDate(0, 0, UrgentWindowDays))
	if err != nil {
		return nil, err
	}
	alerts := make([]*Alert, 0, len(rows))
	for _, row := range rows {
		days, u, ok := ComputeUrgency(&row.Episode, today)
		if !ok || !u.alerting() {
			continue
		}
		alerts = append(alerts, &Alert{
			EpisodeID:    row.ID,
			Name:         row.Name,
			ExternalID:   row.ExternalID,
			DoctorID:     row.DoctorID,
			DoctorName:   row.DoctorName,
			Deadline:     row.Deadline,
			DaysLeft:     days,
			Urgency:      u,
			SessionCount: row.SessionCount,
		})
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].DaysLeft < alerts[j].DaysLeft })
	return alerts, nil
}

// DownloadReport opens a stored report. The caller must close the reader.
func (s *Service) DownloadReport(ctx context.Context, actor auth.Identity, episodeID, reportID uuid.UUID) (io.ReadCloser, *Report, error) {
	if _, err := s.load(ctx, actor, episodeID); err != nil {
		return nil, nil, err
	}
	rep, err := s.episodes.GetReport(ctx, episodeID, reportID)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Get(ctx, rep.StorageKey)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, rep, nil
}

// DoctorStats returns per-doctor totals: every doctor for administrators,
// only the caller for doctors.
func (s *Service) DoctorStats(ctx context.Context, actor auth.Identity) ([]*DoctorStats, error) {
	if !actor.Role.Valid() {
		return nil, ErrForbidden
	}
	rows, err := s.stats.DoctorStats(ctx, scopeFor(actor))
	if err != nil {
		return nil, err
	}
	out := make([]*DoctorStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, &DoctorStats{
			DoctorID:       r.DoctorID,
			Name:           r.Name,
			EpisodesTotal:  r.EpisodesTotal,
			EpisodesActive: r.EpisodesActive,
			Sessions:       r.Sessions,
			Vouchers:       r.Vouchers,
			Revenue:        priceFor(actor, r.RevenueCents),
		})
	}
	return out, nil
}

func (s *Service) VoucherTypeStats(ctx context.Context, actor auth.Identity) ([]*VoucherTypeStat, error) {
	if !actor.Role.Valid() {
		return nil, ErrForbidden
	}
	rows, err := s.stats.VoucherTypeStats(ctx, scopeFor(actor))
	if err != nil {
		return nil, err
	}
	out := make([]*VoucherTypeStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, &VoucherTypeStat{Type: r.Type, Count: r.Count, Total: priceFor(actor, r.TotalCents)})
	}
	return out, nil
}

// Dashboard assembles the statistics page for the actor's scope.
func (s *Service) Dashboard(ctx context.Context, actor auth.Identity) (*Dashboard, error) {
	if !actor.Role.Valid() {
		return nil, ErrForbidden
	}
	scope := scopeFor(actor)
	today := civilDate(s.now())
	firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)

	d := &Dashboard{Scope: ScopeClinic}
	months := clinicMonths
	if !actor.IsAdmin() {
		d.Scope = ScopeDoctor
		months = doctorMonths
	}

	totals, err := s.stats.Totals(ctx, scope)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		d.ActiveDoctors = totals.ActiveDoctors
	}
	d.ActiveEpisodes = totals.ActiveEpisodes
	d.TotalSessions = totals.TotalSessions
	d.TotalVouchers = totals.TotalVouchers
	d.Revenue = priceFor(actor, totals.RevenueCents)

	if d.EpisodesByStatus, err = s.stats.EpisodesByStatus(ctx, scope); err != nil {
		return nil, err
	}
	if d.Monthly, err = s.stats.MonthlyEvolution(ctx, scope, firstOfMonth.AddDate(0, -(months-1), 0)); err != nil {
		return nil, err
	}
	if d.Timeline, err = s.stats.SessionTimeline(ctx, scope, today.AddDate(0, 0, -(timelineDays-1))); err != nil {
		return nil, err
	}
	if d.VoucherTypes, err = s.VoucherTypeStats(ctx, actor); err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		if d.Doctors, err = s.DoctorStats(ctx, actor); err != nil {
			return nil, err
		}
	}
	if d.EpisodesByStatus == nil {
		d.EpisodesByStatus = []StatusCount{}
	}
	if d.Monthly == nil {
		d.Monthly = []MonthlyPoint{}
	}
	if d.Timeline == nil {
		d.Timeline = []DailyPoint{}
	}
	return d, nil
}
