// Package store is the durable relational home for projects, spiders,
// schedules, tasks, and results, plus the append-only event log. It is the
// only component permitted to touch the database directly; every other
// component goes through the typed methods here.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Project is a logical grouping of spiders.
type Project struct {
	ID             uuid.UUID
	Name           string
	Path           string
	OwnerID        uuid.UUID
	PersistResults bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Spider is a named scraper belonging to a Project.
type Spider struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	Source    string
	Settings  map[string]string
	Framework string
}

// Schedule is a cron-driven request to run a Spider.
type Schedule struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	SpiderID       uuid.UUID
	OwnerID        uuid.UUID
	Name           string
	CronExpression string
	Active         bool
	LastRun        *time.Time
	NextRun        *time.Time
}

// TaskStatus is one state of the Task lifecycle state machine.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskFinished  TaskStatus = "finished"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one execution attempt of a Spider.
type Task struct {
	ID               uuid.UUID
	ProjectID        uuid.UUID
	SpiderID         uuid.UUID
	ScheduleID       *uuid.UUID
	OwnerID          uuid.UUID
	Status           TaskStatus
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ItemsCount       int
	RequestsCount    int
	ErrorCount       int
	ErrorMessage     string
	SettingsOverride map[string]string
	OutputFile       string
}

// Result is one scraped record.
type Result struct {
	ID                uuid.UUID
	TaskID            uuid.UUID
	Payload           Value
	URL               string
	CrawlStartAt      *time.Time
	ItemAcquiredAt    *time.Time
	Fingerprint       string
}

// EventKind enumerates the notification kinds defined in spec §3.
type EventKind string

const (
	EventTaskStarted    EventKind = "task_started"
	EventTaskProgress   EventKind = "task_progress"
	EventTaskFinished   EventKind = "task_finished"
	EventTaskFailed     EventKind = "task_failed"
	EventResultIngested EventKind = "result_ingested"
	EventScheduleFired  EventKind = "schedule_fired"
	EventTaskRepaired   EventKind = "task_repaired"
)

// Event is a notification published on the Bus. It is not a persisted
// first-class entity; the append-only log table stores it for audit/replay
// but components consume it via the Bus, not via Store queries.
type Event struct {
	TaskID     uuid.UUID
	Kind       EventKind
	Instant    time.Time
	Attributes map[string]string
}
