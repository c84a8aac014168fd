package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // pure Go sqlite driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"larsd/internal/scheduler"
	logx "larsd/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dateLayout = "2006-01-02"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// Schema first, so the connection the app uses always sees the
	// current shape.
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, log: log}, nil
}

func runMigrations(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Patients ----

func (s *sqliteStore) GetOrCreatePatient(ctx context.Context, code string) (Patient, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	var p Patient
	var created string
	// The no-op DO UPDATE makes RETURNING yield a row on conflict too.
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO patients(id, patient_code, created_at) VALUES(?,?,?)
		 ON CONFLICT(patient_code) DO UPDATE SET patient_code=excluded.patient_code
		 RETURNING id, patient_code, created_at`,
		id, code, now.Format(time.RFC3339),
	).Scan(&p.ID, &p.Code, &created)
	if err != nil {
		return Patient{}, err
	}
	p.CreatedAt, err = parseStamp(created)
	return p, err
}

func (s *sqliteStore) FindPatient(ctx context.Context, code string) (*Patient, error) {
	var p Patient
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, patient_code, created_at FROM patients WHERE patient_code = ?`, code,
	).Scan(&p.ID, &p.Code, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseStamp(created); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqliteStore) Timeline(ctx context.Context, patientID string) (scheduler.Timeline, error) {
	var tl scheduler.Timeline
	var created string
	var lastDaily, lastWeekly, lastMonthly, lastEQ sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT
			p.created_at,
			(SELECT MAX(entry_date) FROM daily_entries   WHERE patient_id = p.id),
			(SELECT MAX(entry_date) FROM weekly_entries  WHERE patient_id = p.id),
			(SELECT MAX(entry_date) FROM monthly_entries WHERE patient_id = p.id),
			(SELECT MAX(entry_date) FROM eq5d5l_entries  WHERE patient_id = p.id)
		FROM patients p WHERE p.id = ?`, patientID,
	).Scan(&created, &lastDaily, &lastWeekly, &lastMonthly, &lastEQ)
	if errors.Is(err, sql.ErrNoRows) {
		return tl, ErrNotFound
	}
	if err != nil {
		return tl, err
	}

	stamp, err := parseStamp(created)
	if err != nil {
		return tl, err
	}
	tl.Enrolled = scheduler.DateOf(stamp)
	if tl.LastDaily, err = nullDate(lastDaily); err != nil {
		return tl, err
	}
	if tl.LastWeekly, err = nullDate(lastWeekly); err != nil {
		return tl, err
	}
	if tl.LastMonthly, err = nullDate(lastMonthly); err != nil {
		return tl, err
	}
	if tl.LastEQ5D5L, err = nullDate(lastEQ); err != nil {
		return tl, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_date FROM eq5d5l_entries WHERE patient_id = ? ORDER BY entry_date`, patientID)
	if err != nil {
		return tl, err
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return tl, err
		}
		day, err := time.Parse(dateLayout, d)
		if err != nil {
			return tl, err
		}
		tl.EQ5D5L = append(tl.EQ5D5L, day)
	}
	return tl, rows.Err()
}

func (s *sqliteStore) HasEntryOn(ctx context.Context, patientID string, kind scheduler.Kind, day time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE patient_id = ? AND entry_date = ?`,
		patientID, scheduler.DateOf(day).Format(dateLayout),
	).Scan(&n)
	return n > 0, err
}

// ---- Entry upserts ----

func (s *sqliteStore) UpsertDaily(ctx context.Context, patientID string, e DailyEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_entries (
			id, patient_id, entry_date, bristol_scale,
			stool_count, pads_used, urgency, night_stools, leakage,
			incomplete_evacuation, bloating, impact_score, activity_interfere,
			food_vegetables_all, food_root_vegetables, food_whole_grains,
			food_whole_grain_bread, food_nuts_and_seeds, food_legumes,
			food_fruits_with_skin, food_berries, food_soft_fruits_no_skin,
			food_muesli_and_bran,
			drink_water, drink_coffee, drink_tea, drink_alcohol,
			drink_carbonated, drink_juices, drink_dairy, drink_energy
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(patient_id, entry_date) DO UPDATE SET
			bristol_scale = excluded.bristol_scale,
			stool_count = excluded.stool_count,
			pads_used = excluded.pads_used,
			urgency = excluded.urgency,
			night_stools = excluded.night_stools,
			leakage = excluded.leakage,
			incomplete_evacuation = excluded.incomplete_evacuation,
			bloating = excluded.bloating,
			impact_score = excluded.impact_score,
			activity_interfere = excluded.activity_interfere,
			food_vegetables_all = excluded.food_vegetables_all,
			food_root_vegetables = excluded.food_root_vegetables,
			food_whole_grains = excluded.food_whole_grains,
			food_whole_grain_bread = excluded.food_whole_grain_bread,
			food_nuts_and_seeds = excluded.food_nuts_and_seeds,
			food_legumes = excluded.food_legumes,
			food_fruits_with_skin = excluded.food_fruits_with_skin,
			food_berries = excluded.food_berries,
			food_soft_fruits_no_skin = excluded.food_soft_fruits_no_skin,
			food_muesli_and_bran = excluded.food_muesli_and_bran,
			drink_water = excluded.drink_water,
			drink_coffee = excluded.drink_coffee,
			drink_tea = excluded.drink_tea,
			drink_alcohol = excluded.drink_alcohol,
			drink_carbonated = excluded.drink_carbonated,
			drink_juices = excluded.drink_juices,
			drink_dairy = excluded.drink_dairy,
			drink_energy = excluded.drink_energy
		RETURNING id`,
		uuid.NewString(), patientID, scheduler.DateOf(e.EntryDate).Format(dateLayout), nullInt(e.BristolScale),
		e.StoolCount, e.PadsUsed, e.Urgency, e.NightStools, e.Leakage,
		e.IncompleteEvacuation, e.Bloating, e.ImpactScore, e.ActivityInterfere,
		e.Food.VegetablesAll, e.Food.RootVegetables, e.Food.WholeGrains,
		e.Food.WholeGrainBread, e.Food.NutsAndSeeds, e.Food.Legumes,
		e.Food.FruitsWithSkin, e.Food.Berries, e.Food.SoftFruitsNoSkin,
		e.Food.MuesliAndBran,
		e.Drink.Water, e.Drink.Coffee, e.Drink.Tea, e.Drink.Alcohol,
		e.Drink.Carbonated, e.Drink.Juices, e.Drink.Dairy, e.Drink.Energy,
	).Scan(&id)
	return id, err
}

func (s *sqliteStore) UpsertWeekly(ctx context.Context, patientID string, e WeeklyEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO weekly_entries (
			id, patient_id, entry_date,
			flatus_control, liquid_stool_leakage, bowel_frequency,
			repeat_bowel_opening, urgency_to_toilet, total_score
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(patient_id, entry_date) DO UPDATE SET
			flatus_control = excluded.flatus_control,
			liquid_stool_leakage = excluded.liquid_stool_leakage,
			bowel_frequency = excluded.bowel_frequency,
			repeat_bowel_opening = excluded.repeat_bowel_opening,
			urgency_to_toilet = excluded.urgency_to_toilet,
			total_score = excluded.total_score
		RETURNING id`,
		uuid.NewString(), patientID, scheduler.DateOf(e.EntryDate).Format(dateLayout),
		e.FlatusControl, e.LiquidStoolLeakage, e.BowelFrequency,
		e.RepeatBowelOpening, e.UrgencyToToilet, nullInt(e.TotalScore),
	).Scan(&id)
	return id, err
}

func (s *sqliteStore) UpsertMonthly(ctx context.Context, patientID string, e MonthlyEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO monthly_entries (
			id, patient_id, entry_date, qol_score,
			avoid_travel, avoid_social, embarrassed, worry_notice,
			depressed, control, satisfaction
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(patient_id, entry_date) DO UPDATE SET
			qol_score = excluded.qol_score,
			avoid_travel = excluded.avoid_travel,
			avoid_social = excluded.avoid_social,
			embarrassed = excluded.embarrassed,
			worry_notice = excluded.worry_notice,
			depressed = excluded.depressed,
			control = excluded.control,
			satisfaction = excluded.satisfaction
		RETURNING id`,
		uuid.NewString(), patientID, scheduler.DateOf(e.EntryDate).Format(dateLayout), nullInt(e.QolScore),
		e.AvoidTravel, e.AvoidSocial, e.Embarrassed, e.WorryNotice,
		e.Depressed, e.Control, e.Satisfaction,
	).Scan(&id)
	return id, err
}

func (s *sqliteStore) UpsertEQ5D5L(ctx context.Context, patientID string, e EQ5D5LEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO eq5d5l_entries (
			id, patient_id, entry_date,
			mobility, self_care, usual_activities,
			pain_discomfort, anxiety_depression, health_vas
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(patient_id, entry_date) DO UPDATE SET
			mobility = excluded.mobility,
			self_care = excluded.self_care,
			usual_activities = excluded.usual_activities,
			pain_discomfort = excluded.pain_discomfort,
			anxiety_depression = excluded.anxiety_depression,
			health_vas = excluded.health_vas
		RETURNING id`,
		uuid.NewString(), patientID, scheduler.DateOf(e.EntryDate).Format(dateLayout),
		e.Mobility, e.SelfCare, e.UsualActivities,
		e.PainDiscomfort, e.AnxietyDepression, nullInt(e.HealthVAS),
	).Scan(&id)
	return id, err
}

// ---- Clinician reads ----

func (s *sqliteStore) ListPatients(ctx context.Context) ([]PatientSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			p.patient_code,
			p.created_at,
			(SELECT COUNT(*) FROM weekly_entries  WHERE patient_id = p.id),
			(SELECT COUNT(*) FROM daily_entries   WHERE patient_id = p.id),
			(SELECT COUNT(*) FROM monthly_entries WHERE patient_id = p.id),
			(SELECT total_score FROM weekly_entries WHERE patient_id = p.id AND total_score IS NOT NULL ORDER BY entry_date DESC LIMIT 1),
			(SELECT entry_date  FROM weekly_entries WHERE patient_id = p.id AND total_score IS NOT NULL ORDER BY entry_date DESC LIMIT 1),
			(SELECT health_vas  FROM eq5d5l_entries WHERE patient_id = p.id AND health_vas IS NOT NULL ORDER BY entry_date DESC LIMIT 1),
			(SELECT entry_date  FROM eq5d5l_entries WHERE patient_id = p.id AND health_vas IS NOT NULL ORDER BY entry_date DESC LIMIT 1)
		FROM patients p
		ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatientSummary
	for rows.Next() {
		var ps PatientSummary
		var created string
		var lars, vas sql.NullInt64
		var larsDate, vasDate sql.NullString
		if err := rows.Scan(&ps.Code, &created,
			&ps.WeeklyCount, &ps.DailyCount, &ps.MonthlyCount,
			&lars, &larsDate, &vas, &vasDate); err != nil {
			return nil, err
		}
		if ps.CreatedAt, err = parseStamp(created); err != nil {
			return nil, err
		}
		ps.LastLarsScore = nullIntPtr(lars)
		ps.LastEQVAS = nullIntPtr(vas)
		if ps.LastLarsDate, err = nullDate(larsDate); err != nil {
			return nil, err
		}
		if ps.LastEQVASDate, err = nullDate(vasDate); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PatientDetail(ctx context.Context, code string, dailySince time.Time) (*PatientDetail, error) {
	p, err := s.FindPatient(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	det := &PatientDetail{Code: p.Code, CreatedAt: p.CreatedAt}

	det.LarsScores, err = s.scoreSeries(ctx,
		`SELECT entry_date, total_score FROM weekly_entries
		 WHERE patient_id = ? AND total_score IS NOT NULL ORDER BY entry_date`, p.ID)
	if err != nil {
		return nil, err
	}
	det.EQVASScores, err = s.scoreSeries(ctx,
		`SELECT entry_date, health_vas FROM eq5d5l_entries
		 WHERE patient_id = ? AND health_vas IS NOT NULL ORDER BY entry_date`, p.ID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			entry_date, bristol_scale, stool_count, bloating, impact_score,
			food_vegetables_all, food_root_vegetables, food_whole_grains,
			food_whole_grain_bread, food_nuts_and_seeds, food_legumes,
			food_fruits_with_skin, food_berries, food_soft_fruits_no_skin, food_muesli_and_bran,
			drink_water, drink_coffee, drink_tea, drink_alcohol,
			drink_carbonated, drink_juices, drink_dairy, drink_energy
		FROM daily_entries
		WHERE patient_id = ? AND entry_date >= ?
		ORDER BY entry_date`,
		p.ID, scheduler.DateOf(dailySince).Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e DailyEntry
		var day string
		var bristol sql.NullInt64
		if err := rows.Scan(&day, &bristol, &e.StoolCount, &e.Bloating, &e.ImpactScore,
			&e.Food.VegetablesAll, &e.Food.RootVegetables, &e.Food.WholeGrains,
			&e.Food.WholeGrainBread, &e.Food.NutsAndSeeds, &e.Food.Legumes,
			&e.Food.FruitsWithSkin, &e.Food.Berries, &e.Food.SoftFruitsNoSkin, &e.Food.MuesliAndBran,
			&e.Drink.Water, &e.Drink.Coffee, &e.Drink.Tea, &e.Drink.Alcohol,
			&e.Drink.Carbonated, &e.Drink.Juices, &e.Drink.Dairy, &e.Drink.Energy); err != nil {
			return nil, err
		}
		if e.EntryDate, err = time.Parse(dateLayout, day); err != nil {
			return nil, err
		}
		e.BristolScale = nullIntPtr(bristol)
		det.DailyEntries = append(det.DailyEntries, e)
	}
	return det, rows.Err()
}

func (s *sqliteStore) scoreSeries(ctx context.Context, query, patientID string) ([]ScorePoint, error) {
	rows, err := s.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScorePoint
	for rows.Next() {
		var day string
		var pt ScorePoint
		if err := rows.Scan(&day, &pt.Score); err != nil {
			return nil, err
		}
		if pt.Date, err = time.Parse(dateLayout, day); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LarsSeries(ctx context.Context, code string, period Period, now time.Time) ([]ScorePoint, error) {
	p, err := s.FindPatient(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	var (
		query string
		args  []any
	)
	switch period {
	case PeriodWeekly:
		// Latest 5 week-buckets, reversed to chronological below.
		query = `
			SELECT MIN(entry_date), CAST(ROUND(AVG(total_score)) AS INTEGER)
			FROM weekly_entries
			WHERE patient_id = ? AND total_score IS NOT NULL
			GROUP BY strftime('%Y-%W', entry_date)
			ORDER BY 1 DESC LIMIT 5`
		args = []any{p.ID}
	case PeriodMonthly:
		cutoff := scheduler.DateOf(now).AddDate(0, -6, 0)
		query = `
			SELECT MIN(entry_date), CAST(ROUND(AVG(total_score)) AS INTEGER)
			FROM weekly_entries
			WHERE patient_id = ? AND total_score IS NOT NULL AND entry_date >= ?
			GROUP BY strftime('%Y-%m', entry_date)
			ORDER BY 1`
		args = []any{p.ID, cutoff.Format(dateLayout)}
	case PeriodYearly:
		cutoff := scheduler.DateOf(now).AddDate(-5, 0, 0)
		query = `
			SELECT MIN(entry_date), CAST(ROUND(AVG(total_score)) AS INTEGER)
			FROM weekly_entries
			WHERE patient_id = ? AND total_score IS NOT NULL AND entry_date >= ?
			GROUP BY strftime('%Y', entry_date)
			ORDER BY 1`
		args = []any{p.ID, cutoff.Format(dateLayout)}
	default:
		return nil, fmt.Errorf("invalid period %q", period)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScorePoint
	for rows.Next() {
		var day string
		var pt ScorePoint
		if err := rows.Scan(&day, &pt.Score); err != nil {
			return nil, err
		}
		if pt.Date, err = time.Parse(dateLayout, day); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if period == PeriodWeekly {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// ---- Directory ----

func (s *sqliteStore) ListHospitals(ctx context.Context) ([]Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM hospitals ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hospital
	for rows.Next() {
		var h Hospital
		if err := rows.Scan(&h.ID, &h.Name); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResolveHospitalCode(ctx context.Context, code string) (*Hospital, error) {
	var h Hospital
	err := s.db.QueryRowContext(ctx, `
		SELECT h.id, h.name
		FROM hospitals h
		JOIN hospital_codes hc ON hc.hospital_id = h.id
		WHERE hc.code = ? AND hc.is_active = 1`,
		strings.ToUpper(strings.TrimSpace(code)),
	).Scan(&h.ID, &h.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHospitalCode
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *sqliteStore) DoctorByAuthUID(ctx context.Context, uid string) (*Doctor, error) {
	var d Doctor
	var firstName, lastName, hospitalID, hospitalName, doctorCode, dob sql.NullString
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.auth_uid, d.email, d.first_name, d.last_name,
		       d.hospital_id, h.name, d.doctor_code, d.date_of_birth,
		       d.created_at, d.updated_at
		FROM doctors d
		LEFT JOIN hospitals h ON h.id = d.hospital_id
		WHERE d.auth_uid = ?`, uid,
	).Scan(&d.ID, &d.AuthUID, &d.Email, &firstName, &lastName,
		&hospitalID, &hospitalName, &doctorCode, &dob, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.FirstName = nullStrPtr(firstName)
	d.LastName = nullStrPtr(lastName)
	d.HospitalID = nullStrPtr(hospitalID)
	d.HospitalName = nullStrPtr(hospitalName)
	if doctorCode.Valid {
		d.DoctorCode = doctorCode.String
	}
	if d.DateOfBirth, err = nullDate(dob); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseStamp(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseStamp(updated); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *sqliteStore) CreateDoctor(ctx context.Context, uid, email string) (Doctor, error) {
	now := time.Now().UTC()
	d := Doctor{
		ID:         uuid.NewString(),
		AuthUID:    uid,
		Email:      email,
		DoctorCode: newDoctorCode(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doctors (id, auth_uid, email, doctor_code, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		d.ID, d.AuthUID, d.Email, d.DoctorCode,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return Doctor{}, err
	}
	return d, nil
}

func (s *sqliteStore) UpdateDoctor(ctx context.Context, uid string, upd DoctorUpdate) (*Doctor, error) {
	existing, err := s.DoctorByAuthUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}

	if upd.Email != nil && strings.TrimSpace(*upd.Email) != "" {
		existing.Email = *upd.Email
	}
	if upd.FirstName != nil {
		existing.FirstName = upd.FirstName
	}
	if upd.LastName != nil {
		existing.LastName = upd.LastName
	}
	if upd.DateOfBirth != nil {
		existing.DateOfBirth = upd.DateOfBirth
	}
	if upd.HospitalCode != nil {
		h, err := s.ResolveHospitalCode(ctx, *upd.HospitalCode)
		if err != nil {
			return nil, err
		}
		existing.HospitalID = &h.ID
		existing.HospitalName = &h.Name
	}
	if existing.DoctorCode == "" {
		existing.DoctorCode = newDoctorCode()
	}
	existing.UpdatedAt = time.Now().UTC()

	var dob any
	if existing.DateOfBirth != nil {
		dob = existing.DateOfBirth.Format(dateLayout)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE doctors SET
			email = ?, first_name = ?, last_name = ?,
			hospital_id = ?, doctor_code = ?, date_of_birth = ?, updated_at = ?
		WHERE auth_uid = ?`,
		existing.Email, nullStr(ptrVal(existing.FirstName)), nullStr(ptrVal(existing.LastName)),
		nullStr(ptrVal(existing.HospitalID)), existing.DoctorCode, dob,
		existing.UpdatedAt.Format(time.RFC3339), uid)
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// ---- Audit / maintenance ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, patient_code, doctor_uid, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.PatientCode), nullStr(e.DoctorUID),
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE at < ?`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- helpers ----

func tableFor(kind scheduler.Kind) (string, error) {
	switch kind {
	case scheduler.KindDaily:
		return "daily_entries", nil
	case scheduler.KindWeekly:
		return "weekly_entries", nil
	case scheduler.KindMonthly:
		return "monthly_entries", nil
	case scheduler.KindEQ5D5L:
		return "eq5d5l_entries", nil
	default:
		return "", fmt.Errorf("unknown questionnaire kind %q", kind)
	}
}

func newDoctorCode() string {
	return "DR-" + strings.ToUpper(uuid.NewString()[:8])
}

// parseStamp accepts both RFC3339 stamps and bare dates.
func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}

func nullDate(v sql.NullString) (*time.Time, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ptrVal(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
