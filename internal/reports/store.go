// Package reports persists consultation reports built from call-ended events.
package reports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mossy-p/consult-signaling/internal/models"
)

// ConsultationReport is one finished call
type ConsultationReport struct {
	gorm.Model

	CallID      string `gorm:"uniqueIndex;size:128"`
	DoctorID    string `gorm:"index;size:128"`
	PatientID   string `gorm:"index;size:128"`
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
	Duration    time.Duration
	Reason      string `gorm:"size:32"`

	// StreamID is the Redis stream entry the report was built from
	StreamID string `gorm:"size:64"`
}

// Store reads and writes consultation reports
type Store struct {
	db *gorm.DB
}

// Open connects to dsn. "sqlite://<path>" opens a SQLite file (":memory:" for
// an in-memory database); "postgres://..." opens PostgreSQL.
func Open(dsn string) (*Store, error) {
	var (
		dialector gorm.Dialector
		memory    bool
	)
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		memory = path == ":memory:"
		if !memory {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported reports DSN %q", dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open reports database: %w", err)
	}
	if memory {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&ConsultationReport{}); err != nil {
		return nil, fmt.Errorf("migrate reports database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FromEvent converts a call-ended event into a report row
func FromEvent(streamID string, ev models.CallEnded) ConsultationReport {
	r := ConsultationReport{
		CallID:      ev.CallID,
		StartedAt:   ev.CreatedAt,
		ConnectedAt: ev.ConnectedAt,
		EndedAt:     ev.EndedAt,
		Duration:    ev.Duration,
		Reason:      ev.Reason,
		StreamID:    streamID,
	}
	for _, p := range ev.Participants {
		switch p.Role {
		case models.RoleDoctor:
			r.DoctorID = p.ParticipantID
		case models.RolePatient:
			r.PatientID = p.ParticipantID
		}
	}
	return r
}

// Save stores report. Redelivered events for a call already on record are
// ignored.
func (s *Store) Save(ctx context.Context, report ConsultationReport) error {
	if report.CallID == "" {
		return errors.New("report has no call id")
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "call_id"}}, DoNothing: true}).
		Create(&report).Error
}

// Get returns the report for callID, or gorm.ErrRecordNotFound
func (s *Store) Get(ctx context.Context, callID string) (*ConsultationReport, error) {
	var r ConsultationReport
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ForDoctor lists the doctor's reports, most recent first
func (s *Store) ForDoctor(ctx context.Context, doctorID string, limit int) ([]ConsultationReport, error) {
	var out []ConsultationReport
	err := s.db.WithContext(ctx).
		Where("doctor_id = ?", doctorID).
		Order("ended_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// LastStreamID returns the newest stream entry already stored, or "0"
func (s *Store) LastStreamID(ctx context.Context) (string, error) {
	var r ConsultationReport
	err := s.db.WithContext(ctx).Order("id desc").Limit(1).Find(&r).Error
	if err != nil {
		return "", err
	}
	if r.StreamID == "" {
		return "0", nil
	}
	return r.StreamID, nil
}
