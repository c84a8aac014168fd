package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"larsd/internal/scheduler"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrHospitalCode is returned when a hospital access code does not
	// resolve to an active hospital.
	ErrHospitalCode = errors.New("hospital code not found or inactive")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (dev/tests)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the HTTP layer.
//
// Entry upserts are keyed on (patient, entry date): re-submitting the
// same day replaces that day's answers. Duplicate-prevention for a
// patient/date pair is owned here, not by the scheduling engine.
type Store interface {
	GetOrCreatePatient(ctx context.Context, code string) (Patient, error)
	FindPatient(ctx context.Context, code string) (*Patient, error)

	// Timeline resolves a patient's completion history for the
	/// scheduling engine: enrollment, the four per-kind watermarks and
	// every EQ-5D-5L entry date.
	Timeline(ctx context.Context, patientID string) (scheduler.Timeline, error)

	// HasEntryOn reports whether an entry of the given kind exists for
	// the given calendar day.
	HasEntryOn(ctx context.Context, patientID string, kind scheduler.Kind, day time.Time) (bool, error)

	UpsertDaily(ctx context.Context, patientID string, e DailyEntry) (string, error)
	UpsertWeekly(ctx context.Context, patientID string, e WeeklyEntry) (string, error)
	UpsertMonthly(ctx context.Context, patientID string, e MonthlyEntry) (string, error)
	UpsertEQ5D5L(ctx context.Context, patientID string, e EQ5D5LEntry) (string, error)

	ListPatients(ctx context.Context) ([]PatientSummary, error)
	PatientDetail(ctx context.Context, code string, dailySince time.Time) (*PatientDetail, error)
	LarsSeries(ctx context.Context, code string, period Period, now time.Time) ([]ScorePoint, error)

	ListHospitals(ctx context.Context) ([]Hospital, error)
	ResolveHospitalCode(ctx context.Context, code string) (*Hospital, error)
	DoctorByAuthUID(ctx context.Context, uid string) (*Doctor, error)
	CreateDoctor(ctx context.Context, uid, email string) (Doctor, error)
	UpdateDoctor(ctx context.Context, uid string, upd DoctorUpdate) (*Doctor, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}

// Maintainer is implemented by drivers that have housekeeping work
// (see internal/maintenance).
type Maintainer interface {
	Checkpoint(ctx context.Context) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)
}

// Patient is one enrolled patient. CreatedAt doubles as the
// enrollment date for scheduling.
type Patient struct {
	ID        string
	Code      string
	CreatedAt time.Time
}

// DailyEntry is one day's symptom check-in.
type DailyEntry struct {
	EntryDate time.Time

	BristolScale         *int
	StoolCount           int
	PadsUsed             int
	Urgency              string
	NightStools          string
	Leakage              string
	IncompleteEvacuation string
	Bloating             float64
	ImpactScore          float64
	ActivityInterfere    float64

	Food  FoodCounts
	Drink DrinkCounts
}

// FoodCounts mirrors the daily questionnaire's food-consumption items.
type FoodCounts struct {
	VegetablesAll    int
	RootVegetables   int
	WholeGrains      int
	WholeGrainBread  int
	NutsAndSeeds     int
	Legumes          int
	FruitsWithSkin   int
	Berries          int
	SoftFruitsNoSkin int
	MuesliAndBran    int
}

// DrinkCounts mirrors the daily questionnaire's drink-consumption items.
type DrinkCounts struct {
	Water      int
	Coffee     int
	Tea        int
	Alcohol    int
	Carbonated int
	Juices     int
	Dairy      int
	Energy     int
}

// WeeklyEntry is one LARS questionnaire submission.
type WeeklyEntry struct {
	EntryDate time.Time

	FlatusControl      int
	LiquidStoolLeakage int
	BowelFrequency     int
	RepeatBowelOpening int
	UrgencyToToilet    int
	TotalScore         *int
}

// MonthlyEntry is one quality-of-life questionnaire submission.
type MonthlyEntry struct {
	EntryDate time.Time

	QolScore     *int
	AvoidTravel  float64
	AvoidSocial  float64
	Embarrassed  float64
	WorryNotice  float64
	Depressed    float64
	Control      float64
	Satisfaction float64
}

// EQ5D5LEntry is one EQ-5D-5L instrument submission.
type EQ5D5LEntry struct {
	EntryDate time.Time

	Mobility          int
	SelfCare          int
	UsualActivities   int
	PainDiscomfort    int
	AnxietyDepression int
	HealthVAS         *int
}

// PatientSummary is the clinician list view: entry counts plus the
// latest LARS and EQ-VAS scores.
type PatientSummary struct {
	Code      string
	CreatedAt time.Time

	WeeklyCount  int
	DailyCount   int
	MonthlyCount int

	LastLarsScore *int
	LastLarsDate  *time.Time
	LastEQVAS     *int
	LastEQVASDate *time.Time
}

// PatientDetail feeds the clinician charts: score series plus recent
// daily entries.
type PatientDetail struct {
	Code      string
	CreatedAt time.Time

	LarsScores   []ScorePoint
	EQVASScores  []ScorePoint
	DailyEntries []DailyEntry
}

type ScorePoint struct {
	Date  time.Time
	Score int
}

// Period buckets the LARS score series.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodWeekly, PeriodMonthly, PeriodYearly:
		return p, nil
	default:
		return "", fmt.Errorf("invalid period %q (want weekly, monthly or yearly)", s)
	}
}

type Hospital struct {
	ID   string
	Name string
}

// Doctor is a clinician profile. Hospital assignment happens only via
// an active hospital access code.
type Doctor struct {
	ID           string
	AuthUID      string
	Email        string
	FirstName    *string
	LastName     *string
	HospitalID   *string
	HospitalName *string
	DoctorCode   string
	DateOfBirth  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DoctorUpdate carries the mutable profile fields; nil means "keep".
type DoctorUpdate struct {
	Email        *string
	FirstName    *string
	LastName     *string
	HospitalCode *string
	DateOfBirth  *time.Time
}

// AuditEntry records one mutating API action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At          time.Time
	PatientCode string
	DoctorUID   string
	Action      string
	Target      string
	OK          bool
	Error       string
	TookMS      int64
}
