package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"larsd/internal/auth"
	"larsd/internal/scheduler"
	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, store storage.Store) *Server {
	t.Helper()
	v, err := auth.NewVerifier(auth.Config{TokenSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{}, store, v, logx.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func bearerToken(t *testing.T, uid, email string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid":   uid,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + raw
}

func TestNextQuestionnaire(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newTestServer(t, store)
	h := s.Handler()

	// No header.
	code, body := doJSON(t, h, http.MethodGet, "/getNextQuestionnaire", nil, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("missing header: got %d", code)
	}
	if body["detail"] != "Missing X-Patient-Code header" {
		t.Fatalf("detail: %v", body["detail"])
	}

	// Too-short code.
	code, _ = doJSON(t, h, http.MethodGet, "/getNextQuestionnaire",
		map[string]string{"X-Patient-Code": "AB"}, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("short code: got %d", code)
	}

	// Unknown patient: onboarding points at the weekly questionnaire
	// and must not enroll the patient.
	code, body = doJSON(t, h, http.MethodGet, "/getNextQuestionnaire",
		map[string]string{"X-Patient-Code": "abcd1234"}, nil)
	if code != http.StatusOK {
		t.Fatalf("unknown patient: got %d", code)
	}
	if body["questionnaire_type"] != "weekly" {
		t.Fatalf("questionnaire_type: %v", body["questionnaire_type"])
	}
	if body["reason"] != welcomeReason {
		t.Fatalf("reason: %v", body["reason"])
	}
	if p, err := store.FindPatient(context.Background(), "ABCD1234"); err != nil || p != nil {
		t.Fatalf("lookup must not enroll: %v, %v", p, err)
	}

	// Enrolled patient with no entries: first weekly, not filled.
	if _, err := store.GetOrCreatePatient(context.Background(), "ABCD1234"); err != nil {
		t.Fatal(err)
	}
	code, body = doJSON(t, h, http.MethodGet, "/getNextQuestionnaire",
		map[string]string{"X-Patient-Code": "ABCD1234"}, nil)
	if code != http.StatusOK {
		t.Fatalf("enrolled: got %d", code)
	}
	if body["questionnaire_type"] != "weekly" || body["is_today_filled"] != false {
		t.Fatalf("enrolled decision: %v", body)
	}
	if body["reason"] != "First weekly questionnaire" {
		t.Fatalf("reason: %v", body["reason"])
	}
}

func TestNextQuestionnaireFilledToday(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newTestServer(t, store)
	h := s.Handler()
	today := scheduler.DateOf(s.now())

	p, err := store.GetOrCreatePatient(context.Background(), "FILL0001")
	if err != nil {
		t.Fatal(err)
	}
	// Quiesce monthly and daily so weekly stays selected after the
	// same-day submission.
	if _, err := store.UpsertMonthly(context.Background(), p.ID, storage.MonthlyEntry{EntryDate: today}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertDaily(context.Background(), p.ID, storage.DailyEntry{EntryDate: today}); err != nil {
		t.Fatal(err)
	}

	score := 17
	body := map[string]any{"raw_data": map[string]any{"total_score": score}}
	code, resp := doJSON(t, h, http.MethodPost, "/sendWeekly",
		map[string]string{"X-Patient-Code": "FILL0001"}, body)
	if code != http.StatusOK || resp["id"] == "" {
		t.Fatalf("sendWeekly: %d %v", code, resp)
	}

	// The weekly watermark is now today, so weekly itself is not due
	// again for 7 days and the engine falls back to daily, which was
	// also filled today.
	code, resp = doJSON(t, h, http.MethodGet, "/getNextQuestionnaire",
		map[string]string{"X-Patient-Code": "FILL0001"}, nil)
	if code != http.StatusOK {
		t.Fatalf("getNext: %d", code)
	}
	if resp["questionnaire_type"] != "daily" || resp["is_today_filled"] != true {
		t.Fatalf("post-submit decision: %v", resp)
	}
}

func TestNextQuestionnaireDegradesOnStorageFailure(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, failingStore{})
	h := s.Handler()

	code, body := doJSON(t, h, http.MethodGet, "/getNextQuestionnaire",
		map[string]string{"X-Patient-Code": "ABCD1234"}, nil)
	if code != http.StatusOK {
		t.Fatalf("degraded response must be 200: got %d", code)
	}
	if body["questionnaire_type"] != "daily" || body["is_today_filled"] != false {
		t.Fatalf("degraded body: %v", body)
	}
}

func TestSendDailyMapsPayload(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newTestServer(t, store)
	h := s.Handler()

	payload := map[string]any{
		"entry_date":    "2024-05-18",
		"bristol_scale": 4,
		"raw_data": map[string]any{
			"stool_count": 3,
			"urgency":     "Yes",
			"leakage":     "Banana", // invalid, defaults to None
			"bloating":    2.5,
		},
		"food_consumption":  map[string]any{"berries_any": 2, "whole_grains": 1},
		"drink_consumption": map[string]any{"carbonated_drinks": 1, "water": 6},
	}
	code, resp := doJSON(t, h, http.MethodPost, "/sendDaily",
		map[string]string{"X-Patient-Code": "DAILY001"}, payload)
	if code != http.StatusOK {
		t.Fatalf("sendDaily: %d %v", code, resp)
	}

	det, err := store.PatientDetail(context.Background(),
		"DAILY001", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(det.DailyEntries) != 1 {
		t.Fatalf("want 1 daily entry, got %d", len(det.DailyEntries))
	}
	e := det.DailyEntries[0]
	if e.BristolScale == nil || *e.BristolScale != 4 {
		t.Fatalf("bristol: %v", e.BristolScale)
	}
	if e.StoolCount != 3 || e.Urgency != "Yes" || e.Bloating != 2.5 {
		t.Fatalf("raw data mapping: %+v", e)
	}
	if e.Leakage != "None" {
		t.Fatalf("invalid leakage must default to None, got %q", e.Leakage)
	}
	if e.NightStools != "No" || e.IncompleteEvacuation != "No" {
		t.Fatalf("string defaults: %+v", e)
	}
	if e.Food.Berries != 2 || e.Food.WholeGrains != 1 {
		t.Fatalf("food mapping: %+v", e.Food)
	}
	if e.Drink.Carbonated != 1 || e.Drink.Water != 6 {
		t.Fatalf("drink mapping: %+v", e.Drink)
	}
}

func TestSendRejectsBadEntryDate(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, storage.NewMemory())
	h := s.Handler()

	code, _ := doJSON(t, h, http.MethodPost, "/sendMonthly",
		map[string]string{"X-Patient-Code": "DATE0001"},
		map[string]any{"entry_date": "18-05-2024"})
	if code != http.StatusBadRequest {
		t.Fatalf("bad entry_date: got %d", code)
	}
}

func TestLarsData(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newTestServer(t, store)
	h := s.Handler()
	headers := map[string]string{"X-Patient-Code": "LARS0001"}

	code, _ := doJSON(t, h, http.MethodGet, "/getLarsData?period=hourly", headers, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("invalid period: got %d", code)
	}

	// Unknown patient yields an empty series, not an error.
	code, body := doJSON(t, h, http.MethodGet, "/getLarsData?period=monthly", headers, nil)
	if code != http.StatusOK {
		t.Fatalf("unknown patient: got %d", code)
	}
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("data: %v", body["data"])
	}

	p, err := store.GetOrCreatePatient(context.Background(), "LARS0001")
	if err != nil {
		t.Fatal(err)
	}
	score := 24
	entryDay := scheduler.DateOf(time.Now()).AddDate(0, 0, -7)
	if _, err := store.UpsertWeekly(context.Background(), p.ID, storage.WeeklyEntry{
		EntryDate:  entryDay,
		TotalScore: &score,
	}); err != nil {
		t.Fatal(err)
	}

	code, body = doJSON(t, h, http.MethodGet, "/getLarsData?period=monthly", headers, nil)
	if code != http.StatusOK {
		t.Fatalf("series: got %d", code)
	}
	data, _ := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("want 1 point, got %v", body["data"])
	}
	pt := data[0].(map[string]any)
	if pt["score"] != float64(24) || pt["date"] != entryDay.Format("2006-01-02") || pt["index"] != float64(1) {
		t.Fatalf("point: %v", pt)
	}
}

func TestDoctorRoutesRequireToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, storage.NewMemory())
	h := s.Handler()

	for _, path := range []string{"/getPatients", "/getPatientDetail?patient_code=ABCD1234", "/hospitals", "/doctors/me"} {
		code, _ := doJSON(t, h, http.MethodGet, path, nil, nil)
		if code != http.StatusUnauthorized {
			t.Fatalf("%s without token: got %d", path, code)
		}
	}
}

func TestDoctorProfileRoundTrip(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	hosp := store.SeedHospital("City Hospital", "CH-01")
	s := newTestServer(t, store)
	h := s.Handler()
	headers := map[string]string{"Authorization": bearerToken(t, "uid-7", "doc@example.com")}

	// First access auto-creates a bare profile.
	code, body := doJSON(t, h, http.MethodGet, "/doctors/me", headers, nil)
	if code != http.StatusOK {
		t.Fatalf("me: got %d", code)
	}
	if body["needs_profile"] != true {
		t.Fatalf("new profile should need hospital: %v", body)
	}
	profile := body["profile"].(map[string]any)
	if profile["email"] != "doc@example.com" || profile["doctor_code"] == "" {
		t.Fatalf("profile: %v", profile)
	}

	// Completing the profile with a valid hospital code.
	code, body = doJSON(t, h, http.MethodPost, "/doctors", headers, map[string]any{
		"first_name":    "Grace",
		"hospital_code": "ch-01",
		"date_of_birth": "1980-02-29",
	})
	if code != http.StatusOK {
		t.Fatalf("upsert: %d %v", code, body)
	}
	if body["needs_profile"] != false {
		t.Fatalf("completed profile still flagged: %v", body)
	}
	profile = body["profile"].(map[string]any)
	if profile["hospital_id"] != hosp.ID || profile["first_name"] != "Grace" {
		t.Fatalf("profile after update: %v", profile)
	}

	// Bad hospital code.
	code, _ = doJSON(t, h, http.MethodPost, "/doctors", headers,
		map[string]any{"hospital_code": "NOPE"})
	if code != http.StatusBadRequest {
		t.Fatalf("bad hospital code: got %d", code)
	}

	// Hospitals list.
	code, body = doJSON(t, h, http.MethodGet, "/hospitals", headers, nil)
	if code != http.StatusOK {
		t.Fatalf("hospitals: got %d", code)
	}
	if hs, _ := body["hospitals"].([]any); len(hs) != 1 {
		t.Fatalf("hospitals: %v", body["hospitals"])
	}
}

func TestGetPatientsAndDetail(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newTestServer(t, store)
	h := s.Handler()
	headers := map[string]string{"Authorization": bearerToken(t, "uid-1", "doc@example.com")}

	p, err := store.GetOrCreatePatient(context.Background(), "PATX0001")
	if err != nil {
		t.Fatal(err)
	}
	score := 12
	if _, err := store.UpsertWeekly(context.Background(), p.ID, storage.WeeklyEntry{
		EntryDate:  time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
		TotalScore: &score,
	}); err != nil {
		t.Fatal(err)
	}

	code, body := doJSON(t, h, http.MethodGet, "/getPatients", headers, nil)
	if code != http.StatusOK {
		t.Fatalf("getPatients: got %d", code)
	}
	patients, _ := body["patients"].([]any)
	if len(patients) != 1 {
		t.Fatalf("patients: %v", body["patients"])
	}
	first := patients[0].(map[string]any)
	if first["patient_code"] != "PATX0001" || first["weekly_count"] != float64(1) {
		t.Fatalf("summary: %v", first)
	}
	if first["last_lars_score"] != float64(12) {
		t.Fatalf("last lars score: %v", first["last_lars_score"])
	}

	code, body = doJSON(t, h, http.MethodGet, "/getPatientDetail?patient_code=PATX0001", headers, nil)
	if code != http.StatusOK {
		t.Fatalf("detail: got %d", code)
	}
	if body["patient_code"] != "PATX0001" {
		t.Fatalf("detail body: %v", body)
	}
	if scores, _ := body["lars_scores"].([]any); len(scores) != 1 {
		t.Fatalf("lars_scores: %v", body["lars_scores"])
	}

	code, _ = doJSON(t, h, http.MethodGet, "/getPatientDetail?patient_code=MISSING1", headers, nil)
	if code != http.StatusNotFound {
		t.Fatalf("missing patient: got %d", code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, storage.NewMemory())
	code, body := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
	if code != http.StatusOK || body["database"] != "ok" {
		t.Fatalf("healthz: %d %v", code, body)
	}

	s = newTestServer(t, failingStore{})
	code, body = doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
	if code != http.StatusOK || body["database"] != "unavailable" {
		t.Fatalf("healthz degraded: %d %v", code, body)
	}
}

func TestPatientRateLimit(t *testing.T) {
	t.Parallel()
	v, err := auth.NewVerifier(auth.Config{TokenSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{PatientRatePerMin: 1, PatientBurst: 1}, storage.NewMemory(), v, logx.Nop())
	h := s.Handler()
	headers := map[string]string{"X-Patient-Code": "RATE0001"}

	if code, _ := doJSON(t, h, http.MethodGet, "/getNextQuestionnaire", headers, nil); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code, _ := doJSON(t, h, http.MethodGet, "/getNextQuestionnaire", headers, nil); code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", code)
	}
	// A different patient is unaffected.
	if code, _ := doJSON(t, h, http.MethodGet, "/getNextQuestionnaire",
		map[string]string{"X-Patient-Code": "RATE0002"}, nil); code != http.StatusOK {
		t.Fatalf("other patient: got %d", code)
	}
}

// failingStore errors on every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) GetOrCreatePatient(context.Context, string) (storage.Patient, error) {
	return storage.Patient{}, errStoreDown
}
func (failingStore) FindPatient(context.Context, string) (*storage.Patient, error) {
	return nil, errStoreDown
}
func (failingStore) Timeline(context.Context, string) (scheduler.Timeline, error) {
	return scheduler.Timeline{}, errStoreDown
}
func (failingStore) HasEntryOn(context.Context, string, scheduler.Kind, time.Time) (bool, error) {
	return false, errStoreDown
}
func (failingStore) UpsertDaily(context.Context, string, storage.DailyEntry) (string, error) {
	return "", errStoreDown
}
func (failingStore) UpsertWeekly(context.Context, string, storage.WeeklyEntry) (string, error) {
	return "", errStoreDown
}
func (failingStore) UpsertMonthly(context.Context, string, storage.MonthlyEntry) (string, error) {
	return "", errStoreDown
}
func (failingStore) UpsertEQ5D5L(context.Context, string, storage.EQ5D5LEntry) (string, error) {
	return "", errStoreDown
}
func (failingStore) ListPatients(context.Context) ([]storage.PatientSummary, error) {
	return nil, errStoreDown
}
func (failingStore) PatientDetail(context.Context, string, time.Time) (*storage.PatientDetail, error) {
	return nil, errStoreDown
}
func (failingStore) LarsSeries(context.Context, string, storage.Period, time.Time) ([]storage.ScorePoint, error) {
	return nil, errStoreDown
}
func (failingStore) ListHospitals(context.Context) ([]storage.Hospital, error) {
	return nil, errStoreDown
}
func (failingStore) ResolveHospitalCode(context.Context, string) (*storage.Hospital, error) {
	return nil, errStoreDown
}
func (failingStore) DoctorByAuthUID(context.Context, string) (*storage.Doctor, error) {
	return nil, errStoreDown
}
func (failingStore) CreateDoctor(context.Context, string, string) (storage.Doctor, error) {
	return storage.Doctor{}, errStoreDown
}
func (failingStore) UpdateDoctor(context.Context, string, storage.DoctorUpdate) (*storage.Doctor, error) {
	return nil, errStoreDown
}
func (failingStore) AppendAudit(context.Context, storage.AuditEntry) error { return errStoreDown }
func (failingStore) Ping(context.Context) error                            { return errStoreDown }
func (failingStore) Close() error                                          { return nil }
