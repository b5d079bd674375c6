package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// State is the terminal state of one reconciliation.
type State string

const (
	StateAccepted  State = "accepted"
	StateExhausted State = "exhausted"
	StateErrored   State = "errored"
)

// Fault classifies an errored outcome.
type Fault string

const (
	FaultRetrieval Fault = "retrieval"
	FaultWrite     Fault = "write"
	FaultCancelled Fault = "cancelled"
)

// Outcome is the single report produced for each announce.
type Outcome struct {
	EventID       uuid.UUID     `json:"event_id"`
	State         State         `json:"state"`
	NoisyTitle    string        `json:"noisy_title"`
	Genre         string        `json:"genre"`
	MatchedTitle  string        `json:"matched_title,omitempty"`
	Score         float64       `json:"score,omitempty"`
	Attempts      int           `json:"attempts"`
	Passes        int           `json:"passes"`
	BestCandidate string        `json:"best_candidate,omitempty"`
	BestScore     float64       `json:"best_score,omitempty"`
	TotalBackoff  time.Duration `json:"total_backoff_ns"`
	Fault         Fault         `json:"fault,omitempty"`
	Error         string        `json:"error,omitempty"`

	Err error `json:"-"`
}

func (o *Outcome) fill(a Attempt) {
	o.Attempts = a.Number
	o.BestCandidate = a.BestCandidate
	o.BestScore = a.BestScore
}
