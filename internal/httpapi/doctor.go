package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"larsd/internal/auth"
	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

func (s *Server) handleGetPatients(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	list, err := s.store.ListPatients(r.Context())
	if err != nil {
		s.log.Warn("list patients failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list patients")
		return
	}

	patients := make([]map[string]any, 0, len(list))
	for _, p := range list {
		patients = append(patients, map[string]any{
			"patient_code":      p.Code,
			"created_at":        p.CreatedAt.Format(time.RFC3339),
			"weekly_count":      p.WeeklyCount,
			"daily_count":       p.DailyCount,
			"monthly_count":     p.MonthlyCount,
			"last_lars_score":   p.LastLarsScore,
			"last_lars_date":    fmtDatePtr(p.LastLarsDate),
			"last_eq5d5l_score": p.LastEQVAS,
			"last_eq5d5l_date":  fmtDatePtr(p.LastEQVASDate),
		})
	}
	writeOK(w, map[string]any{"patients": patients})
}

func fmtDatePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func (s *Server) handleGetPatientDetail(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("patient_code")))
	if len(code) < 4 || len(code) > 64 {
		writeError(w, http.StatusBadRequest, "Invalid patient code format")
		return
	}

	// Charts show the last 30 days of daily entries.
	since := s.now().AddDate(0, 0, -30)
	det, err := s.store.PatientDetail(r.Context(), code, since)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Patient not found")
		return
	}
	if err != nil {
		s.log.Warn("patient detail failed", logx.String("patient", code), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load patient")
		return
	}

	daily := make([]map[string]any, 0, len(det.DailyEntries))
	for _, e := range det.DailyEntries {
		daily = append(daily, map[string]any{
			"date": e.EntryDate.Format("2006-01-02"),
			"food": map[string]any{
				"vegetables_all":      e.Food.VegetablesAll,
				"root_vegetables":     e.Food.RootVegetables,
				"whole_grains":        e.Food.WholeGrains,
				"whole_grain_bread":   e.Food.WholeGrainBread,
				"nuts_and_seeds":      e.Food.NutsAndSeeds,
				"legumes":             e.Food.Legumes,
				"fruits_with_skin":    e.Food.FruitsWithSkin,
				"berries":             e.Food.Berries,
				"soft_fruits_no_skin": e.Food.SoftFruitsNoSkin,
				"muesli_and_bran":     e.Food.MuesliAndBran,
			},
			"drink": map[string]any{
				"water":      e.Drink.Water,
				"coffee":     e.Drink.Coffee,
				"tea":        e.Drink.Tea,
				"alcohol":    e.Drink.Alcohol,
				"carbonated": e.Drink.Carbonated,
				"juices":     e.Drink.Juices,
				"dairy":      e.Drink.Dairy,
				"energy":     e.Drink.Energy,
			},
			"bristol_scale": e.BristolScale,
			"stool_count":   e.StoolCount,
			"bloating":      e.Bloating,
			"impact_score":  e.ImpactScore,
		})
	}

	writeOK(w, map[string]any{
		"patient_code":  det.Code,
		"created_at":    det.CreatedAt.Format(time.RFC3339),
		"lars_scores":   scorePoints(det.LarsScores),
		"eq5d5l_scores": scorePoints(det.EQVASScores),
		"daily_entries": daily,
	})
}

func scorePoints(pts []storage.ScorePoint) []map[string]any {
	out := make([]map[string]any, 0, len(pts))
	for _, pt := range pts {
		out = append(out, map[string]any{
			"date":  pt.Date.Format("2006-01-02"),
			"score": pt.Score,
		})
	}
	return out
}

func (s *Server) handleHospitals(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	list, err := s.store.ListHospitals(r.Context())
	if err != nil {
		s.log.Warn("list hospitals failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list hospitals")
		return
	}
	hospitals := make([]map[string]any, 0, len(list))
	for _, h := range list {
		hospitals = append(hospitals, map[string]any{"id": h.ID, "name": h.Name})
	}
	writeOK(w, map[string]any{"hospitals": hospitals})
}

func doctorProfile(d *storage.Doctor) map[string]any {
	return map[string]any{
		"id":            d.ID,
		"auth_uid":      d.AuthUID,
		"email":         d.Email,
		"first_name":    d.FirstName,
		"last_name":     d.LastName,
		"hospital_id":   d.HospitalID,
		"hospital_name": d.HospitalName,
		"doctor_code":   d.DoctorCode,
		"date_of_birth": fmtDatePtr(d.DateOfBirth),
		"created_at":    d.CreatedAt.Format(time.RFC3339),
		"updated_at":    d.UpdatedAt.Format(time.RFC3339),
	}
}

// handleDoctorMe returns the caller's profile, creating a bare one on
// first access. needs_profile flags a missing hospital assignment.
func (s *Server) handleDoctorMe(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	ctx := r.Context()

	d, err := s.store.DoctorByAuthUID(ctx, id.UID)
	if err != nil {
		s.log.Warn("doctor lookup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if d == nil {
		if id.Email == "" {
			writeOK(w, map[string]any{"profile": nil, "needs_profile": true})
			return
		}
		created, err := s.store.CreateDoctor(ctx, id.UID, id.Email)
		if err != nil {
			s.log.Warn("doctor auto-create failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "failed to create profile")
			return
		}
		d = &created
	}

	writeOK(w, map[string]any{
		"profile":       doctorProfile(d),
		"needs_profile": d.HospitalID == nil,
	})
}

type doctorPayload struct {
	Email        *string `json:"email"`
	FirstName    *string `json:"first_name"`
	LastName     *string `json:"last_name"`
	HospitalCode *string `json:"hospital_code"`
	DateOfBirth  *string `json:"date_of_birth"`
}

func (s *Server) handleDoctorUpsert(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	ctx := r.Context()
	start := time.Now()

	var p doctorPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	upd := storage.DoctorUpdate{
		Email:        p.Email,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		HospitalCode: p.HospitalCode,
	}
	if p.DateOfBirth != nil && strings.TrimSpace(*p.DateOfBirth) != "" {
		dob, err := time.Parse("2006-01-02", *p.DateOfBirth)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date_of_birth format (use YYYY-MM-DD)")
			return
		}
		upd.DateOfBirth = &dob
	}

	// First submit may arrive before /doctors/me created the row.
	d, err := s.store.DoctorByAuthUID(ctx, id.UID)
	if err == nil && d == nil {
		email := id.Email
		if p.Email != nil && strings.TrimSpace(*p.Email) != "" {
			email = *p.Email
		}
		if email == "" {
			writeError(w, http.StatusBadRequest, "email is required")
			return
		}
		_, err = s.store.CreateDoctor(ctx, id.UID, email)
	}
	if err != nil {
		s.log.Warn("doctor upsert failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	updated, err := s.store.UpdateDoctor(ctx, id.UID, upd)
	s.auditDoctor(id.UID, "updateDoctor", err, start)
	if errors.Is(err, storage.ErrHospitalCode) {
		writeError(w, http.StatusBadRequest, "Invalid or inactive hospital code")
		return
	}
	if err != nil {
		s.log.Warn("doctor update failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	writeOK(w, map[string]any{
		"profile":       doctorProfile(updated),
		"needs_profile": updated.HospitalID == nil,
	})
}

func (s *Server) auditDoctor(uid, action string, err error, start time.Time) {
	e := storage.AuditEntry{
		DoctorUID: uid,
		Action:    action,
		OK:        err == nil,
		TookMS:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := contextWithAuditTimeout()
	defer cancel()
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
