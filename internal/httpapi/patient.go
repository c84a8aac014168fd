package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"larsd/internal/scheduler"
	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

const welcomeReason = "Welcome! Please start with your first weekly questionnaire (LARS)"

// handleNextQuestionnaire decides which questionnaire the patient
// should fill today. It fails open: if the history cannot be read the
// patient is offered the daily questionnaire rather than an error.
func (s *Server) handleNextQuestionnaire(w http.ResponseWriter, r *http.Request, code string) {
	ctx := r.Context()
	today := scheduler.DateOf(s.now())

	p, err := s.store.FindPatient(ctx, code)
	if err != nil {
		s.log.Warn("next-questionnaire lookup failed", logx.String("patient", code), logx.Err(err))
		s.writeDegraded(w)
		return
	}
	if p == nil {
		// Unknown code: onboarding starts with the LARS weekly.
		writeOK(w, map[string]any{
			"questionnaire_type": scheduler.KindWeekly,
			"is_today_filled":    false,
			"reason":             welcomeReason,
		})
		return
	}

	tl, err := s.store.Timeline(ctx, p.ID)
	if err != nil {
		s.log.Warn("next-questionnaire timeline failed", logx.String("patient", code), logx.Err(err))
		s.writeDegraded(w)
		return
	}

	d := scheduler.Decide(tl, today)

	filled, err := s.store.HasEntryOn(ctx, p.ID, d.Kind, today)
	if err != nil {
		s.log.Warn("filled-today check failed", logx.String("patient", code), logx.Err(err))
		filled = false
	}

	writeOK(w, map[string]any{
		"questionnaire_type": d.Kind,
		"is_today_filled":    filled,
		"reason":             d.Reason,
	})
}

func (s *Server) writeDegraded(w http.ResponseWriter) {
	writeOK(w, map[string]any{
		"questionnaire_type": scheduler.KindDaily,
		"is_today_filled":    false,
		"reason":             "Unable to determine questionnaire (storage unavailable)",
	})
}

// entryDate parses an optional "YYYY-MM-DD" payload date; empty means
// today.
func (s *Server) entryDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return scheduler.DateOf(s.now()), nil
	}
	return time.Parse("2006-01-02", raw)
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(into)
}

// Audit writes use their own short deadline so a slow disk cannot
// block the response path.
func contextWithAuditTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func (s *Server) audit(code, action, target string, err error, start time.Time) {
	ctx, cancel := contextWithAuditTimeout()
	defer cancel()
	e := storage.AuditEntry{
		PatientCode: code,
		Action:      action,
		Target:      target,
		OK:          err == nil,
		TookMS:      time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

type dailyPayload struct {
	EntryDate    string `json:"entry_date"`
	BristolScale *int   `json:"bristol_scale"`

	RawData struct {
		StoolCount           int     `json:"stool_count"`
		PadsUsed             int     `json:"pads_used"`
		Urgency              string  `json:"urgency"`
		NightStools          string  `json:"night_stools"`
		Leakage              string  `json:"leakage"`
		IncompleteEvacuation string  `json:"incomplete_evacuation"`
		Bloating             float64 `json:"bloating"`
		ImpactScore          float64 `json:"impact_score"`
		ActivityInterfere    float64 `json:"activity_interfere"`
	} `json:"raw_data"`

	Food struct {
		VegetablesAll    int `json:"vegetables_all_types"`
		RootVegetables   int `json:"root_vegetables"`
		WholeGrains      int `json:"whole_grains"`
		WholeGrainBread  int `json:"whole_grain_bread"`
		NutsAndSeeds     int `json:"nuts_and_seeds"`
		Legumes          int `json:"legumes"`
		FruitsWithSkin   int `json:"fruits_with_skin"`
		Berries          int `json:"berries_any"`
		SoftFruitsNoSkin int `json:"soft_fruits_without_skin"`
		MuesliAndBran    int `json:"muesli_and_bran_cereals"`
	} `json:"food_consumption"`

	Drink struct {
		Water      int `json:"water"`
		Coffee     int `json:"coffee"`
		Tea        int `json:"tea"`
		Alcohol    int `json:"alcohol"`
		Carbonated int `json:"carbonated_drinks"`
		Juices     int `json:"juices"`
		Dairy      int `json:"dairy_drinks"`
		Energy     int `json:"energy_drinks"`
	} `json:"drink_consumption"`
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (s *Server) handleSendDaily(w http.ResponseWriter, r *http.Request, code string) {
	start := time.Now()
	var p dailyPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	day, err := s.entryDate(p.EntryDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry_date format (use YYYY-MM-DD)")
		return
	}

	leakage := orDefault(p.RawData.Leakage, "None")
	switch leakage {
	case "None", "Liquid", "Solid":
	default:
		s.log.Warn("invalid leakage value, defaulting", logx.String("value", leakage))
		leakage = "None"
	}

	entry := storage.DailyEntry{
		EntryDate:            day,
		BristolScale:         p.BristolScale,
		StoolCount:           p.RawData.StoolCount,
		PadsUsed:             p.RawData.PadsUsed,
		Urgency:              orDefault(p.RawData.Urgency, "No"),
		NightStools:          orDefault(p.RawData.NightStools, "No"),
		Leakage:              leakage,
		IncompleteEvacuation: orDefault(p.RawData.IncompleteEvacuation, "No"),
		Bloating:             p.RawData.Bloating,
		ImpactScore:          p.RawData.ImpactScore,
		ActivityInterfere:    p.RawData.ActivityInterfere,
		Food:                 storage.FoodCounts(p.Food),
		Drink:                storage.DrinkCounts(p.Drink),
	}

	s.saveEntry(w, r, code, "sendDaily", start, func(ctx context.Context, patientID string) (string, error) {
		return s.store.UpsertDaily(ctx, patientID, entry)
	})
}

type weeklyPayload struct {
	EntryDate          string `json:"entry_date"`
	FlatusControl      int    `json:"flatus_control"`
	LiquidStoolLeakage int    `json:"liquid_stool_leakage"`
	BowelFrequency     int    `json:"bowel_frequency"`
	RepeatBowelOpening int    `json:"repeat_bowel_opening"`
	UrgencyToToilet    int    `json:"urgency_to_toilet"`

	RawData struct {
		TotalScore *int `json:"total_score"`
	} `json:"raw_data"`
}

func (s *Server) handleSendWeekly(w http.ResponseWriter, r *http.Request, code string) {
	start := time.Now()
	var p weeklyPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	day, err := s.entryDate(p.EntryDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry_date format (use YYYY-MM-DD)")
		return
	}

	entry := storage.WeeklyEntry{
		EntryDate:          day,
		FlatusControl:      p.FlatusControl,
		LiquidStoolLeakage: p.LiquidStoolLeakage,
		BowelFrequency:     p.BowelFrequency,
		RepeatBowelOpening: p.RepeatBowelOpening,
		UrgencyToToilet:    p.UrgencyToToilet,
		TotalScore:         p.RawData.TotalScore,
	}

	s.saveEntry(w, r, code, "sendWeekly", start, func(ctx context.Context, patientID string) (string, error) {
		return s.store.UpsertWeekly(ctx, patientID, entry)
	})
}

type monthlyPayload struct {
	EntryDate string `json:"entry_date"`
	QolScore  *int   `json:"qol_score"`

	RawData struct {
		AvoidTravel  *float64 `json:"avoid_travel"`
		AvoidSocial  *float64 `json:"avoid_social"`
		Embarrassed  *float64 `json:"embarrassed"`
		WorryNotice  *float64 `json:"worry_notice"`
		Depressed    *float64 `json:"depressed"`
		Control      *float64 `json:"control"`
		Satisfaction *float64 `json:"satisfaction"`
	} `json:"raw_data"`
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func (s *Server) handleSendMonthly(w http.ResponseWriter, r *http.Request, code string) {
	start := time.Now()
	var p monthlyPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	day, err := s.entryDate(p.EntryDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry_date format (use YYYY-MM-DD)")
		return
	}

	entry := storage.MonthlyEntry{
		EntryDate:    day,
		QolScore:     p.QolScore,
		AvoidTravel:  floatOr(p.RawData.AvoidTravel, 1),
		AvoidSocial:  floatOr(p.RawData.AvoidSocial, 1),
		Embarrassed:  floatOr(p.RawData.Embarrassed, 1),
		WorryNotice:  floatOr(p.RawData.WorryNotice, 1),
		Depressed:    floatOr(p.RawData.Depressed, 1),
		Control:      floatOr(p.RawData.Control, 0),
		Satisfaction: floatOr(p.RawData.Satisfaction, 0),
	}

	s.saveEntry(w, r, code, "sendMonthly", start, func(ctx context.Context, patientID string) (string, error) {
		return s.store.UpsertMonthly(ctx, patientID, entry)
	})
}

type eq5d5lPayload struct {
	EntryDate         string `json:"entry_date"`
	Mobility          int    `json:"mobility"`
	SelfCare          int    `json:"self_care"`
	UsualActivities   int    `json:"usual_activities"`
	PainDiscomfort    int    `json:"pain_discomfort"`
	AnxietyDepression int    `json:"anxiety_depression"`
	HealthVAS         *int   `json:"health_vas"`

	RawData struct {
		HealthVAS *int `json:"health_vas"`
	} `json:"raw_data"`
}

func (s *Server) handleSendEQ5D5L(w http.ResponseWriter, r *http.Request, code string) {
	start := time.Now()
	var p eq5d5lPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	day, err := s.entryDate(p.EntryDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry_date format (use YYYY-MM-DD)")
		return
	}

	vas := p.HealthVAS
	if vas == nil {
		vas = p.RawData.HealthVAS
	}
	entry := storage.EQ5D5LEntry{
		EntryDate:         day,
		Mobility:          p.Mobility,
		SelfCare:          p.SelfCare,
		UsualActivities:   p.UsualActivities,
		PainDiscomfort:    p.PainDiscomfort,
		AnxietyDepression: p.AnxietyDepression,
		HealthVAS:         vas,
	}

	s.saveEntry(w, r, code, "sendEq5d5l", start, func(ctx context.Context, patientID string) (string, error) {
		return s.store.UpsertEQ5D5L(ctx, patientID, entry)
	})
}

// saveEntry runs the shared submit path: resolve (or enroll) the
// patient, upsert, audit, respond.
func (s *Server) saveEntry(w http.ResponseWriter, r *http.Request, code, action string, start time.Time, upsert func(ctx context.Context, patientID string) (string, error)) {
	ctx := r.Context()

	p, err := s.store.GetOrCreatePatient(ctx, code)
	if err != nil {
		s.audit(code, action, "", err, start)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	id, err := upsert(ctx, p.ID)
	s.audit(code, action, id, err, start)
	if err != nil {
		s.log.Error("entry save failed", logx.String("action", action), logx.String("patient", code), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to save entry")
		return
	}
	writeOK(w, map[string]any{"id": id})
}

func (s *Server) handleLarsData(w http.ResponseWriter, r *http.Request, code string) {
	period, err := storage.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pts, err := s.store.LarsSeries(r.Context(), code, period, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		writeOK(w, map[string]any{"data": []any{}})
		return
	}
	if err != nil {
		s.log.Warn("lars series failed", logx.String("patient", code), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load series")
		return
	}

	data := make([]map[string]any, 0, len(pts))
	for i, pt := range pts {
		data = append(data, map[string]any{
			"index": i + 1,
			"date":  pt.Date.Format("2006-01-02"),
			"score": pt.Score,
		})
	}
	writeOK(w, map[string]any{"data": data})
}
