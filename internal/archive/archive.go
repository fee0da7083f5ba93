// Package archive records every dissector run and the fingerprints it
// produced in a local sqlite database.
package archive

import (
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dissector/internal/fingerprint"
)

type Run struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Input        string    `gorm:"not null" json:"input"`
	FileType     string    `json:"file_type"`
	Rows         int       `json:"rows"`
	StartedAt    time.Time `json:"started_at"`
	Fingerprints []Entry   `gorm:"foreignKey:RunID" json:"fingerprints,omitempty"`
}

// Entry is one fingerprint produced by a run.
type Entry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RunID        string    `gorm:"index;not null" json:"run_id"`
	Key          string    `gorm:"index;not null" json:"key"`
	KeySHA256    string    `json:"key_sha256"`
	Target       string    `json:"target"`
	Protocol     string    `json:"protocol"`
	Tags         string    `json:"tags"`
	TrafficMatch int       `json:"traffic_match"`
	TotalIPs     int       `json:"total_ips"`
	Uploaded     bool      `gorm:"default:false" json:"uploaded"`
	CreatedAt    time.Time `json:"created_at"`
}

func (e Entry) TagList() []string {
	if e.Tags == "" {
		return nil
	}
	return strings.Split(e.Tags, ",")
}

// NewRun starts the record of a run over input.
func NewRun(input, fileType string, rows int) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Input:     input,
		FileType:  fileType,
		Rows:      rows,
		StartedAt: time.Now().UTC(),
	}
}

// Add appends the fingerprint built for target.
func (r *Run) Add(target, protocol string, trafficMatch int, fp *fingerprint.Fingerprint) {
	r.Fingerprints = append(r.Fingerprints, Entry{
		RunID:        r.ID,
		Key:          fp.Key,
		KeySHA256:    fp.KeySHA256,
		Target:       target,
		Protocol:     protocol,
		Tags:         strings.Join(fp.Tags, ","),
		TrafficMatch: trafficMatch,
		TotalIPs:     fp.TotalIPs,
	})
}

type Archive struct {
	db *gorm.DB
}

func Open(path string) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Run{}, &Entry{}); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save stores the run with its fingerprints.
func (a *Archive) Save(r *Run) error {
	if r.ID == "" {
		return errors.New("run has no id")
	}
	return a.db.Create(r).Error
}

// MarkUploaded flags every archived copy of key as accepted by a repository.
func (a *Archive) MarkUploaded(key string) error {
	return a.db.Model(&Entry{}).Where(&Entry{Key: key}).Update("uploaded", true).Error
}

// History returns the latest fingerprints, newest first. A non-positive
// limit returns everything.
func (a *Archive) History(limit int) ([]Entry, error) {
	var entries []Entry
	q := a.db.Order("created_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Run loads a run with its fingerprints.
func (a *Archive) Run(id string) (*Run, error) {
	var r Run
	if err := a.db.Preload("Fingerprints").First(&r, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}
