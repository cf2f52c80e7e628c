package database

import (
	"time"
)

type PerformanceRecord struct {
	ID               int64     `db:"id" json:"id"`
	SiteKey          string    `db:"site_key" json:"siteKey"`
	DifficultyFactor uint32    `db:"difficulty_factor" json:"difficultyFactor"`
	TimeTaken        uint32    `db:"time_taken" json:"timeTaken"`
	WorkerType       string    `db:"worker_type" json:"workerType"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}
