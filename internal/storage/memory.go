package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"larsd/internal/scheduler"
)

// Memory keeps everything in maps. It backs tests and the
// zero-config dev setup.
type Memory struct {
	mu sync.Mutex

	patients map[string]*Patient // by code
	daily    map[string]map[string]DailyEntry
	weekly   map[string]map[string]WeeklyEntry
	monthly  map[string]map[string]MonthlyEntry
	eq5d5l   map[string]map[string]EQ5D5LEntry
	entryIDs map[string]string // patientID+kind+date -> id

	hospitals     []Hospital
	hospitalCodes map[string]string // code -> hospital id
	doctors       map[string]*Doctor
	audit         []AuditEntry
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		patients:      make(map[string]*Patient),
		daily:         make(map[string]map[string]DailyEntry),
		weekly:        make(map[string]map[string]WeeklyEntry),
		monthly:       make(map[string]map[string]MonthlyEntry),
		eq5d5l:        make(map[string]map[string]EQ5D5LEntry),
		entryIDs:      make(map[string]string),
		hospitalCodes: make(map[string]string),
		doctors:       make(map[string]*Doctor),
	}
}

func (m *Memory) Close() error                   { return nil }
func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) GetOrCreatePatient(ctx context.Context, code string) (Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patients[code]; ok {
		return *p, nil
	}
	p := &Patient{ID: uuid.NewString(), Code: code, CreatedAt: time.Now().UTC()}
	m.patients[code] = p
	return *p, nil
}

func (m *Memory) FindPatient(ctx context.Context, code string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[code]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) byID(patientID string) *Patient {
	for _, p := range m.patients {
		if p.ID == patientID {
			return p
		}
	}
	return nil
}

func (m *Memory) Timeline(ctx context.Context, patientID string) (scheduler.Timeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.byID(patientID)
	if p == nil {
		return scheduler.Timeline{}, ErrNotFound
	}
	tl := scheduler.Timeline{Enrolled: scheduler.DateOf(p.CreatedAt)}
	tl.LastDaily = maxDate(m.daily[patientID])
	tl.LastWeekly = maxDate(m.weekly[patientID])
	tl.LastMonthly = maxDate(m.monthly[patientID])
	tl.LastEQ5D5L = maxDate(m.eq5d5l[patientID])
	for day := range m.eq5d5l[patientID] {
		t, err := time.Parse(dateLayout, day)
		if err != nil {
			return tl, err
		}
		tl.EQ5D5L = append(tl.EQ5D5L, t)
	}
	sort.Slice(tl.EQ5D5L, func(i, j int) bool { return tl.EQ5D5L[i].Before(tl.EQ5D5L[j]) })
	return tl, nil
}

func maxDate[E any](entries map[string]E) *time.Time {
	var best string
	for day := range entries {
		if day > best {
			best = day
		}
	}
	if best == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, best)
	if err != nil {
		return nil
	}
	return &t
}

func (m *Memory) HasEntryOn(ctx context.Context, patientID string, kind scheduler.Kind, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scheduler.DateOf(day).Format(dateLayout)
	switch kind {
	case scheduler.KindDaily:
		_, ok := m.daily[patientID][key]
		return ok, nil
	case scheduler.KindWeekly:
		_, ok := m.weekly[patientID][key]
		return ok, nil
	case scheduler.KindMonthly:
		_, ok := m.monthly[patientID][key]
		return ok, nil
	case scheduler.KindEQ5D5L:
		_, ok := m.eq5d5l[patientID][key]
		return ok, nil
	}
	return false, nil
}

func (m *Memory) entryID(patientID string, kind scheduler.Kind, day string) string {
	key := patientID + "|" + string(kind) + "|" + day
	if id, ok := m.entryIDs[key]; ok {
		return id
	}
	id := uuid.NewString()
	m.entryIDs[key] = id
	return id
}

func (m *Memory) UpsertDaily(ctx context.Context, patientID string, e DailyEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := scheduler.DateOf(e.EntryDate).Format(dateLayout)
	if m.daily[patientID] == nil {
		m.daily[patientID] = make(map[string]DailyEntry)
	}
	m.daily[patientID][day] = e
	return m.entryID(patientID, scheduler.KindDaily, day), nil
}

func (m *Memory) UpsertWeekly(ctx context.Context, patientID string, e WeeklyEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := scheduler.DateOf(e.EntryDate).Format(dateLayout)
	if m.weekly[patientID] == nil {
		m.weekly[patientID] = make(map[string]WeeklyEntry)
	}
	m.weekly[patientID][day] = e
	return m.entryID(patientID, scheduler.KindWeekly, day), nil
}

func (m *Memory) UpsertMonthly(ctx context.Context, patientID string, e MonthlyEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := scheduler.DateOf(e.EntryDate).Format(dateLayout)
	if m.monthly[patientID] == nil {
		m.monthly[patientID] = make(map[string]MonthlyEntry)
	}
	m.monthly[patientID][day] = e
	return m.entryID(patientID, scheduler.KindMonthly, day), nil
}

func (m *Memory) UpsertEQ5D5L(ctx context.Context, patientID string, e EQ5D5LEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := scheduler.DateOf(e.EntryDate).Format(dateLayout)
	if m.eq5d5l[patientID] == nil {
		m.eq5d5l[patientID] = make(map[string]EQ5D5LEntry)
	}
	m.eq5d5l[patientID][day] = e
	return m.entryID(patientID, scheduler.KindEQ5D5L, day), nil
}

func (m *Memory) ListPatients(ctx context.Context) ([]PatientSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PatientSummary
	for _, p := range m.patients {
		ps := PatientSummary{
			Code:         p.Code,
			CreatedAt:    p.CreatedAt,
			DailyCount:   len(m.daily[p.ID]),
			WeeklyCount:  len(m.weekly[p.ID]),
			MonthlyCount: len(m.monthly[p.ID]),
		}
		for _, day := range sortedDays(m.weekly[p.ID], true) {
			if e := m.weekly[p.ID][day]; e.TotalScore != nil {
				ps.LastLarsScore = e.TotalScore
				t, _ := time.Parse(dateLayout, day)
				ps.LastLarsDate = &t
				break
			}
		}
		for _, day := range sortedDays(m.eq5d5l[p.ID], true) {
			if e := m.eq5d5l[p.ID][day]; e.HealthVAS != nil {
				ps.LastEQVAS = e.HealthVAS
				t, _ := time.Parse(dateLayout, day)
				ps.LastEQVASDate = &t
				break
			}
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func sortedDays[E any](entries map[string]E, desc bool) []string {
	days := make([]string, 0, len(entries))
	for day := range entries {
		days = append(days, day)
	}
	sort.Strings(days)
	if desc {
		for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
			days[i], days[j] = days[j], days[i]
		}
	}
	return days
}

func (m *Memory) PatientDetail(ctx context.Context, code string, dailySince time.Time) (*PatientDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patients[code]
	if !ok {
		return nil, ErrNotFound
	}
	det := &PatientDetail{Code: p.Code, CreatedAt: p.CreatedAt}

	for _, day := range sortedDays(m.weekly[p.ID], false) {
		if e := m.weekly[p.ID][day]; e.TotalScore != nil {
			t, _ := time.Parse(dateLayout, day)
			det.LarsScores = append(det.LarsScores, ScorePoint{Date: t, Score: *e.TotalScore})
		}
	}
	for _, day := range sortedDays(m.eq5d5l[p.ID], false) {
		if e := m.eq5d5l[p.ID][day]; e.HealthVAS != nil {
			t, _ := time.Parse(dateLayout, day)
			det.EQVASScores = append(det.EQVASScores, ScorePoint{Date: t, Score: *e.HealthVAS})
		}
	}
	since := scheduler.DateOf(dailySince).Format(dateLayout)
	for _, day := range sortedDays(m.daily[p.ID], false) {
		if day >= since {
			det.DailyEntries = append(det.DailyEntries, m.daily[p.ID][day])
		}
	}
	return det, nil
}

func (m *Memory) LarsSeries(ctx context.Context, code string, period Period, now time.Time) ([]ScorePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patients[code]
	if !ok {
		return nil, ErrNotFound
	}

	type bucket struct {
		first string
		sum   int
		n     int
	}
	buckets := make(map[string]*bucket)
	var cutoff string
	switch period {
	case PeriodMonthly:
		cutoff = scheduler.DateOf(now).AddDate(0, -6, 0).Format(dateLayout)
	case PeriodYearly:
		cutoff = scheduler.DateOf(now).AddDate(-5, 0, 0).Format(dateLayout)
	}
	for _, day := range sortedDays(m.weekly[p.ID], false) {
		e := m.weekly[p.ID][day]
		if e.TotalScore == nil || day < cutoff {
			continue
		}
		t, _ := time.Parse(dateLayout, day)
		var key string
		switch period {
		case PeriodWeekly:
			y, w := t.ISOWeek()
			key = fmt.Sprintf("%04d-%02d", y, w)
		case PeriodMonthly:
			key = t.Format("2006-01")
		case PeriodYearly:
			key = t.Format("2006")
		default:
			return nil, nil
		}
		b := buckets[key]
		if b == nil {
			b = &bucket{first: day}
			buckets[key] = b
		}
		if day < b.first {
			b.first = day
		}
		b.sum += *e.TotalScore
		b.n++
	}

	var out []ScorePoint
	for _, b := range buckets {
		t, _ := time.Parse(dateLayout, b.first)
		out = append(out, ScorePoint{Date: t, Score: (b.sum + b.n/2) / b.n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	if period == PeriodWeekly && len(out) > 5 {
		out = out[len(out)-5:]
	}
	return out, nil
}

// SeedHospital registers a hospital with an access code. Test and dev
// helper; the sqlite driver loads these via migrations or manually.
func (m *Memory) SeedHospital(name, code string) Hospital {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Hospital{ID: uuid.NewString(), Name: name}
	m.hospitals = append(m.hospitals, h)
	m.hospitalCodes[strings.ToUpper(code)] = h.ID
	return h
}

func (m *Memory) ListHospitals(ctx context.Context) ([]Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Hospital, len(m.hospitals))
	copy(out, m.hospitals)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ResolveHospitalCode(ctx context.Context, code string) (*Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.hospitalCodes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, ErrHospitalCode
	}
	for _, h := range m.hospitals {
		if h.ID == id {
			cp := h
			return &cp, nil
		}
	}
	return nil, ErrHospitalCode
}

func (m *Memory) DoctorByAuthUID(ctx context.Context, uid string) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[uid]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) CreateDoctor(ctx context.Context, uid, email string) (Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	d := &Doctor{
		ID:         uuid.NewString(),
		AuthUID:    uid,
		Email:      email,
		DoctorCode: newDoctorCode(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.doctors[uid] = d
	return *d, nil
}

func (m *Memory) UpdateDoctor(ctx context.Context, uid string, upd DoctorUpdate) (*Doctor, error) {
	m.mu.Lock()
	d, ok := m.doctors[uid]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if upd.Email != nil && strings.TrimSpace(*upd.Email) != "" {
		d.Email = *upd.Email
	}
	if upd.FirstName != nil {
		d.FirstName = upd.FirstName
	}
	if upd.LastName != nil {
		d.LastName = upd.LastName
	}
	if upd.DateOfBirth != nil {
		d.DateOfBirth = upd.DateOfBirth
	}
	d.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if upd.HospitalCode != nil {
		h, err := m.ResolveHospitalCode(ctx, *upd.HospitalCode)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		d.HospitalID = &h.ID
		d.HospitalName = &h.Name
		m.mu.Unlock()
	}

	m.mu.Lock()
	cp := *d
	m.mu.Unlock()
	return &cp, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}
