package models

import (
	"encoding/json"
	"time"
)

// Stage identifies one step of the enrichment pipeline. Stages are ordered;
// a job moves through them in sequence.
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageRegistry  Stage = "registry"
	StageGraph     Stage = "graph"
	StageScraped   Stage = "scraped"
)

// StageOrder is the canonical pipeline order.
var StageOrder = []Stage{StageDiscovery, StageRegistry, StageGraph, StageScraped}

// NextStage returns the stage following s, or empty string and false if s is
// the final stage.
func NextStage(s Stage) (Stage, bool) {
	for i, stage := range StageOrder {
		if stage == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// StageIndex returns the position of s in the pipeline order, or -1.
func StageIndex(s Stage) int {
	for i, stage := range StageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// IsValidStage reports whether s names a known pipeline stage.
func IsValidStage(s Stage) bool {
	return StageIndex(s) >= 0
}

// Status is the processing state of a job at its current stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Job is one organisation number moving through the pipeline. Exactly one
// row exists per orgnr; the stage pointer and status together describe where
// it sits.
type Job struct {
	OrgNr         OrgNumber `json:"orgnr"`
	Stage         Stage     `json:"stage"`
	Status        Status    `json:"status"`
	Priority      int       `json:"priority"`
	Attempts      int       `json:"attempts"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	Error         string    `json:"error,omitempty"`
	CoolDownUntil time.Time `json:"cool_down_until,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StagePayload is the opaque JSON blob a completed stage writes for the next
// stage to consume.
type StagePayload struct {
	OrgNr     OrgNumber       `json:"orgnr"`
	Stage     Stage           `json:"stage"`
	Payload   json.RawMessage `json:"payload"`
	WrittenAt time.Time       `json:"written_at"`
}

// StatsKey identifies one (stage, status) bucket in queue statistics.
type StatsKey struct {
	Stage  Stage
	Status Status
}
