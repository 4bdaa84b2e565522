package models

import "time"

// JobRun records one execution of a scheduled sweep.
type JobRun struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Name       string    `gorm:"index" json:"name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Affected   int       `json:"affected"`
	Error      string    `json:"error,omitempty"`
}
