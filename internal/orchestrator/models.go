package orchestrator

import "time"

// JobID uniquely identifies one print job seen by the orchestrator.
type JobID string

// FinalizeState tracks the timelapse of a job from capture to upload.
type FinalizeState string

const (
	FinalizeRunning    FinalizeState = "running"
	FinalizeFinalizing FinalizeState = "finalizing"
	FinalizeFinalized  FinalizeState = "finalized"
	FinalizeUploaded   FinalizeState = "uploaded"
	FinalizeFailed     FinalizeState = "failed"
)

// Terminal reports whether no further finalize work happens in this state.
func (f FinalizeState) Terminal() bool {
	return f == FinalizeFinalized || f == FinalizeUploaded || f == FinalizeFailed
}

// Job is the in-memory record of one print. It is created when printing
// starts and removed once the print has ended and its finalize completed.
type Job struct {
	ID       JobID  `json:"id"`
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`

	// Session is the timelapse session id; empty when the session could not
	// be started.
	Session string `json:"session,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Ended     bool      `json:"ended"`

	Finalize  FinalizeState `json:"finalize"`
	LastLayer bool          `json:"lastLayer"`

	// Broadcast is set once a broadcast was created and the relay started
	// for this job.
	Broadcast bool   `json:"broadcast"`
	Video     string `json:"video,omitempty"`
	VideoID   string `json:"videoId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}
