// Package resultindex keeps a queryable copy of result records in a SQL database. The files
// under the report directory stay authoritative; the index can always be rebuilt from the
// global history log.
package resultindex

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

// SinkName identifies the index in reporting errors and logs.
const SinkName = "index"

var (
	// ErrUnsupportedDriver is returned by Open for unknown driver names.
	ErrUnsupportedDriver = errors.New("unsupported index driver")

	// ErrRunNotFound is returned when a run has no indexed results.
	ErrRunNotFound = errors.New("run not found in index")
)

// Result is the indexed form of a record.
type Result struct {
	ID              uuid.UUID         `json:"id" gorm:"type:char(36);primaryKey"`
	RunID           string            `json:"run_id" gorm:"type:varchar(96);not null;index:idx_run_id"`
	NodeID          string            `json:"nodeid" gorm:"type:varchar(512);not null;index:idx_nodeid"`
	Module          string            `json:"module" gorm:"type:varchar(255);not null"`
	TestName        string            `json:"test_name" gorm:"type:varchar(255);not null"`
	Status          testresult.Status `json:"status" gorm:"type:varchar(20);not null;index:idx_status"`
	StartedAt       time.Time         `json:"started_at" gorm:"index:idx_started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	DurationSeconds float64           `json:"duration_seconds"`
	ErrorMessage    string            `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt       time.Time         `json:"created_at"`
}

// TableName pins the table name regardless of naming strategy.
func (Result) TableName() string {
	return "test_results"
}

// BeforeCreate hook to generate UUID before creating a new result.
func (r *Result) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// FromRecord converts a record into its indexed form.
func FromRecord(rec *testresult.Record) *Result {
	return &Result{
		RunID:           rec.RunID,
		NodeID:          rec.NodeID,
		Module:          rec.Module,
		TestName:        rec.TestName,
		Status:          rec.Status,
		StartedAt:       rec.StartedAt,
		FinishedAt:      rec.FinishedAt,
		DurationSeconds: rec.DurationSeconds,
		ErrorMessage:    rec.ErrorMessage,
	}
}

// FlakyTest is a test that both passed and failed within the inspected results.
type FlakyTest struct {
	NodeID   string    `json:"nodeid"`
	Runs     int       `json:"runs"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	LastSeen time.Time `json:"last_seen"`
}

// FailureRate returns the share of non-passing runs.
func (f FlakyTest) FailureRate() float64 {
	if f.Runs == 0 {
		return 0
	}
	return float64(f.Failed) / float64(f.Runs)
}

// RunStats summarises one indexed run.
type RunStats struct {
	RunID  string                    `json:"run_id"`
	Total  int                       `json:"total"`
	Counts map[testresult.Status]int `json:"counts"`
}

// Open connects to the index database and migrates the schema. driver is "sqlite" or
// "mysql".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if err := db.AutoMigrate(&Result{}); err != nil {
		return nil, fmt.Errorf("failed to migrate index database: %w", err)
	}
	return db, nil
}
