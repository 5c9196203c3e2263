package episode

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordedEvent struct {
	AggregateID uuid.UUID
	Type        string
	Data        map[string]any
}

// memStore implements EpisodeRepository, StatsRepository and
// events.Recorder over maps. Writes made inside memTx are undone when the
// transaction function fails.
type memStore struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]string
	episodes map[uuid.UUID]*Episode
	sessions map[uuid.UUID][]*Session
	vouchers map[uuid.UUID][]*Voucher
	reports  map[uuid.UUID][]*Report
	events   []recordedEvent

	failEvent map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		doctors:   make(map[uuid.UUID]string),
		episodes:  make(map[uuid.UUID]*Episode),
		sessions:  make(map[uuid.UUID][]*Session),
		vouchers:  make(map[uuid.UUID][]*Voucher),
		reports:   make(map[uuid.UUID][]*Report),
		failEvent: make(map[string]error),
	}
}

type memSnapshot struct {
	episodes map[uuid.UUID]Episode
	sessions map[uuid.UUID][]*Session
	vouchers map[uuid.UUID][]*Voucher
	reports  map[uuid.UUID][]*Report
	events   []recordedEvent
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		episodes: make(map[uuid.UUID]Episode, len(m.episodes)),
		sessions: make(map[uuid.UUID][]*Session, len(m.sessions)),
		vouchers: make(map[uuid.UUID][]*Voucher, len(m.vouchers)),
		reports:  make(map[uuid.UUID][]*Report, len(m.reports)),
		events:   append([]recordedEvent(nil), m.events...),
	}
	for k, v := range m.episodes {
		s.episodes[k] = *v
	}
	for k, v := range m.sessions {
		s.sessions[k] = append([]*Session(nil), v...)
	}
	for k, v := range m.vouchers {
		s.vouchers[k] = append([]*Voucher(nil), v...)
	}
	for k, v := range m.reports {
		s.reports[k] = append([]*Report(nil), v...)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes = make(map[uuid.UUID]*Episode, len(s.episodes))
	for k, v := range s.episodes {
		ep := v
		m.episodes[k] = &ep
	}
	m.sessions = s.sessions
	m.vouchers = s.vouchers
	m.reports = s.reports
	m.events = s.events
}

// memTx serializes transactions, standing in for the row lock.
type memTx struct {
	mu    sync.Mutex
	store *memStore
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.store.snapshot()
	if err := fn(ctx); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// -- events.Recorder --

func (m *memStore) Record(_ context.Context, aggregateID uuid.UUID, eventType string, data any) error {
	if err := m.failEvent[eventType]; err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{AggregateID: aggregateID, Type: eventType, Data: decoded})
	return nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// -- EpisodeRepository --

func (m *memStore) CreateEpisode(_ context.Context, e *Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.episodes {
		if existing.ExternalID == e.ExternalID {
			return ErrDuplicateExternalID
		}
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.episodes[e.ID] = &cp
	return nil
}

func (m *memStore) ExternalIDExists(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.episodes {
		if e.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetEpisode(_ context.Context, id uuid.UUID) (*Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.episodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) LockEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return m.GetEpisode(ctx, id)
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.episodes[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	return nil
}

func (m *memStore) DoctorName(_ context.Context, doctorID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.doctors[doctorID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (m *memStore) MaxSessionNumber(_ context.Context, episodeID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, s := range m.sessions[episodeID] {
		if s.Number > highest {
			highest = s.Number
		}
	}
	return highest, nil
}

func (m *memStore) CountSessions(_ context.Context, episodeID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[episodeID]), nil
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions[s.EpisodeID] {
		if existing.Number == s.Number {
			return ErrConflict
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	cp := *s
	m.sessions[s.EpisodeID] = append(m.sessions[s.EpisodeID], &cp)
	return nil
}

func (m *memStore) ListSessions(_ context.Context, episodeID uuid.UUID) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*Session(nil), m.sessions[episodeID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *memStore) VoucherTypeExists(_ context.Context, episodeID uuid.UUID, voucherType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.vouchers[episodeID] {
		if v.Type == voucherType {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateVoucher(_ context.Context, v *Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.vouchers[v.EpisodeID] {
		if existing.Type == v.Type {
			return ErrDuplicateVoucherType
		}
	}
	v.ID = uuid.New()
	v.CreatedAt = time.Now()
	cp := *v
	m.vouchers[v.EpisodeID] = append(m.vouchers[v.EpisodeID], &cp)
	return nil
}

func (m *memStore) ListVouchers(_ context.Context, episodeID uuid.UUID) ([]*Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Voucher(nil), m.vouchers[episodeID]...), nil
}

func (m *memStore) CreateReport(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	cp := *r
	m.reports[r.EpisodeID] = append(m.reports[r.EpisodeID], &cp)
	return nil
}

func (m *memStore) GetReport(_ context.Context, episodeID, reportID uuid.UUID) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports[episodeID] {
		if r.ID == reportID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListReports(_ context.Context, episodeID uuid.UUID) ([]*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Report(nil), m.reports[episodeID]...), nil
}

func (m *memStore) summaryRow(e *Episode) *SummaryRow {
	row := &SummaryRow{
		Episode:      *e,
		DoctorName:   m.doctors[e.DoctorID],
		SessionCount: len(m.sessions[e.ID]),
		VoucherCount: len(m.vouchers[e.ID]),
		ReportCount:  len(m.reports[e.ID]),
	}
	for _, v := range m.vouchers[e.ID] {
		row.VoucherTotalCents += v.PriceCents
	}
	for _, r := range m.reports[e.ID] {
		at := r.UploadedAt
		if row.LastReportAt == nil || at.After(*row.LastReportAt) {
			row.LastReportAt = &at
		}
	}
	return row
}

func inScope(doctorID *uuid.UUID, owner uuid.UUID) bool {
	return doctorID == nil || *doctorID == owner
}

func (m *memStore) ListSummaries(_ context.Context, doctorID *uuid.UUID, f ListFilter, limit, offset int) ([]*SummaryRow, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*SummaryRow
	for _, e := range m.episodes {
		if !inScope(doctorID, e.DoctorID) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(f.Query)) && e.ExternalID != f.Query {
			continue
		}
		rows = append(rows, m.summaryRow(e))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	total := len(rows)
	if offset >= len(rows) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], total, nil
}

func (m *memStore) ListDeadlinesBefore(_ context.Context, doctorID *uuid.UUID, until time.Time) ([]*SummaryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*SummaryRow
	for _, e := range m.episodes {
		if e.Status != StatusActive || !inScope(doctorID, e.DoctorID) || e.Deadline.After(until) {
			continue
		}
		rows = append(rows, m.summaryRow(e))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Deadline.Before(rows[j].Deadline) })
	return rows, nil
}

// -- StatsRepository --

func (m *memStore) Totals(_ context.Context, doctorID *uuid.UUID) (*Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Totals{}
	for id := range m.doctors {
		if inScope(doctorID, id) {
			t.ActiveDoctors++
		}
	}
	for _, e := range m.episodes {
		if !inScope(doctorID, e.DoctorID) {
			continue
		}
		if e.Status == StatusActive {
			t.ActiveEpisodes++
		}
		t.TotalSessions += len(m.sessions[e.ID])
		t.TotalVouchers += len(m.vouchers[e.ID])
		for _, v := range m.vouchers[e.ID] {
			t.RevenueCents += v.PriceCents
		}
	}
	return t, nil
}

func (m *memStore) EpisodesByStatus(_ context.Context, doctorID *uuid.UUID) ([]StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, e := range m.episodes {
		if inScope(doctorID, e.DoctorID) {
			counts[e.Status]++
		}
	}
	var out []StatusCount
	for _, status := range []string{StatusActive, StatusFinalized} {
		if counts[status] > 0 {
			out = append(out, StatusCount{Status: status, Count: counts[status]})
		}
	}
	return out, nil
}

func (m *memStore) MonthlyEvolution(_ context.Context, doctorID *uuid.UUID, since time.Time) ([]MonthlyPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := map[string]int{}
	episodes := map[string]map[uuid.UUID]bool{}
	for _, e := range m.episodes {
		if !inScope(doctorID, e.DoctorID) {
			continue
		}
		for _, s := range m.sessions[e.ID] {
			if s.VisitDate.Before(since) {
				continue
			}
			month := s.VisitDate.Format("2006-01")
			sessions[month]++
			if episodes[month] == nil {
				episodes[month] = map[uuid.UUID]bool{}
			}
			episodes[month][e.ID] = true
		}
	}
	var out []MonthlyPoint
	for month, n := range sessions {
		out = append(out, MonthlyPoint{Month: month, Sessions: n, Episodes: len(episodes[month])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

func (m *memStore) SessionTimeline(_ context.Context, doctorID *uuid.UUID, since time.Time) ([]DailyPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	days := map[string]int{}
	for _, e := range m.episodes {
		if !inScope(doctorID, e.DoctorID) {
			continue
		}
		for _, s := range m.sessions[e.ID] {
			if !s.VisitDate.Before(since) {
				days[s.VisitDate.Format(time.DateOnly)]++
			}
		}
	}
	var out []DailyPoint
	for day, n := range days {
		out = append(out, DailyPoint{Day: day, Sessions: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func (m *memStore) DoctorStats(_ context.Context, doctorID *uuid.UUID) ([]*DoctorStatsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DoctorStatsRow
	for id, name := range m.doctors {
		if !inScope(doctorID, id) {
			continue
		}
		row := &DoctorStatsRow{DoctorID: id, Name: name}
		for _, e := range m.episodes {
			if e.DoctorID != id {
				continue
			}
			row.EpisodesTotal++
			if e.Status == StatusActive {
				row.EpisodesActive++
			}
			row.Sessions += len(m.sessions[e.ID])
			row.Vouchers += len(m.vouchers[e.ID])
			for _, v := range m.vouchers[e.ID] {
				row.RevenueCents += v.PriceCents
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) VoucherTypeStats(_ context.Context, doctorID *uuid.UUID) ([]*VoucherTypeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := map[string]*VoucherTypeRow{}
	for _, e := range m.episodes {
		if !inScope(doctorID, e.DoctorID) {
			continue
		}
		for _, v := range m.vouchers[e.ID] {
			row, ok := byType[v.Type]
			if !ok {
				row = &VoucherTypeRow{Type: v.Type}
				byType[v.Type] = row
			}
			row.Count++
			row.TotalCents += v.PriceCents
		}
	}
	var out []*VoucherTypeRow
	for _, row := range byType {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *memStore) addDoctor(name string) uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	m.doctors[id] = name
	m.mu.Unlock()
	return id
}
