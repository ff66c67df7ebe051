package domain

import (
	"errors"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"
)

var (
	ErrJobNotFound       = errors.New("scan job not found")
	ErrInvalidTransition = errors.New("invalid scan job transition")
	ErrLeaseLost         = errors.New("chunk lease lost")
	ErrExhausted         = errors.New("chunk retries exhausted")
)

// JobStatus is the lifecycle state of a ScanJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Stage is the pipeline step a chunk is in.
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageRegex     Stage = "regex"
	StageAI        Stage = "ai"
)

// Next returns the stage after s, or "" when s is the last one.
func (s Stage) Next() Stage {
	switch s {
	case StageDiscovery:
		return StageRegex
	case StageRegex:
		return StageAI
	}
	return ""
}

// ChunkStatus is the queue state of a WorkChunk.
type ChunkStatus string

const (
	ChunkQueued    ChunkStatus = "queued"
	ChunkClaimed   ChunkStatus = "claimed"
	ChunkDone      ChunkStatus = "done"
	ChunkFailed    ChunkStatus = "failed"
	ChunkCancelled ChunkStatus = "cancelled"
)

// ScanJob is one deep-scan run over a mailbox's history.
type ScanJob struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	MailboxID      string     `json:"mailbox_id" gorm:"index;not null"`
	RangeStart     time.Time  `json:"range_start"`
	RangeEnd       time.Time  `json:"range_end"`
	Status         JobStatus  `json:"status" gorm:"index;not null"`
	PauseRequested bool       `json:"pause_requested" gorm:"not null;default:false"`
	ChunksTotal    int        `json:"chunks_total"`
	ChunksDone     int        `json:"chunks_done"`
	ChunksFailed   int        `json:"chunks_failed"`
	DocumentsFound int        `json:"documents_found"`
	FailureSummary string     `json:"failure_summary,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (ScanJob) TableName() string { return "scan_jobs" }

// Terminal reports whether no further transition is possible.
func (j *ScanJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobCancelled
}

// WorkChunk is one claimable time window of a job.
type WorkChunk struct {
	ID             string      `json:"id" gorm:"primaryKey"`
	JobID          string      `json:"job_id" gorm:"not null;index:idx_chunk_claim,priority:1;uniqueIndex:idx_chunk_seq,priority:1"`
	Seq            int         `json:"seq" gorm:"not null;uniqueIndex:idx_chunk_seq,priority:2"`
	WindowStart    time.Time   `json:"window_start" gorm:"not null"`
	WindowEnd      time.Time   `json:"window_end" gorm:"not null;index:idx_chunk_claim,priority:3,sort:desc"`
	Stage          Stage       `json:"stage" gorm:"not null"`
	Status         ChunkStatus `json:"status" gorm:"not null;index:idx_chunk_claim,priority:2"`
	Attempts       int         `json:"attempts" gorm:"not null;default:0"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	AvailableAt    *time.Time  `json:"available_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (WorkChunk) TableName() string { return "work_chunks" }

func (c *WorkChunk) Window() mailboxdomain.TimeWindow {
	return mailboxdomain.TimeWindow{Start: c.WindowStart, End: c.WindowEnd}
}

// ChunkCounts aggregates a job's chunks by status.
type ChunkCounts struct {
	Total     int
	Queued    int
	Claimed   int
	Done      int
	Failed    int
	Cancelled int
}

// Partition splits [start, end) into contiguous windows of windowDays,
// newest first. The oldest window is cut at start, so the union is exactly
// the requested range.
func Partition(start, end time.Time, windowDays int) []mailboxdomain.TimeWindow {
	if windowDays <= 0 || !start.Before(end) {
		return nil
	}
	var windows []mailboxdomain.TimeWindow
	hi := end
	for hi.After(start) {
		lo := hi.AddDate(0, 0, -windowDays)
		if lo.Before(start) {
			lo = start
		}
		windows = append(windows, mailboxdomain.TimeWindow{Start: lo, End: hi})
		hi = lo
	}
	return windows
}
