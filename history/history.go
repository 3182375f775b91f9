// Package history persists dose outcomes, one row per finished step.
package history

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jt05610/doser"
)

// DoseRecord is one step's outcome as stored.
type DoseRecord struct {
	ID         uint   `gorm:"primarykey"`
	JobID      string `gorm:"index"`
	RecipeName string
	Pump       string
	Chemical   string
	TargetG    float64
	ActualG    float64
	ErrorG     float64
	Outcome    string
	DurationMS int64
	DosedAt    time.Time
	CreatedAt  time.Time
}

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the history database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

// NewStore wraps an existing database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&DoseRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Record stores one step outcome.
func (s *Store) Record(rec *DoseRecord) error {
	return s.db.Create(rec).Error
}

// RecordStep converts and stores a step event.
func (s *Store) RecordStep(ev *doser.StepComplete) error {
	return s.Record(&DoseRecord{
		JobID:      ev.JobID,
		RecipeName: ev.RecipeName,
		Pump:       ev.Pump.String(),
		Chemical:   ev.Chemical,
		TargetG:    ev.TargetG,
		ActualG:    ev.ActualG,
		ErrorG:     ev.ErrorG,
		Outcome:    ev.Outcome,
		DurationMS: ev.DurationMS,
		DosedAt:    ev.Timestamp,
	})
}

// Recent lists the newest n records, newest first.
func (s *Store) Recent(n int) ([]*DoseRecord, error) {
	var out []*DoseRecord
	err := s.db.Order("id desc").Limit(n).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForJob lists one run's records in step order.
func (s *Store) ForJob(jobID string) ([]*DoseRecord, error) {
	var out []*DoseRecord
	err := s.db.Where("job_id = ?", jobID).Order("id asc").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sink adapts the store to the dosing core's event sink. Store failures are
// logged, never escalated; history is best effort.
func (s *Store) Sink(logger *zap.Logger) func(doser.Event) {
	return func(ev doser.Event) {
		step, ok := ev.(*doser.StepComplete)
		if !ok {
			return
		}
		if err := s.RecordStep(step); err != nil {
			logger.Error("record dose", zap.Error(err))
		}
	}
}
