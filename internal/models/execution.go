package models

import "time"

// State is a node of the per-execution state machine.
type State string

const (
	StateStarted        State = "Started"
	StateRouting        State = "Routing"
	StateSplitting      State = "Splitting"
	StateGuardrailCheck State = "GuardrailCheck"
	StateIngesting      State = "Ingesting"
	StateSucceeded      State = "Succeeded"
	StateFailed         State = "Failed"
	StateQuarantined    State = "Quarantined"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateQuarantined
}

// Stage identifies one external stage handler.
type Stage string

const (
	StageRouter    Stage = "router"
	StageSplitter  Stage = "splitter"
	StageGuardrail Stage = "guardrail"
	StageIngest    Stage = "ingest"
)

// Stages lists the handlers in their fixed invocation order.
var Stages = []Stage{StageRouter, StageSplitter, StageGuardrail, StageIngest}

var stageStates = map[State]Stage{
	StateRouting:        StageRouter,
	StateSplitting:      StageSplitter,
	StateGuardrailCheck: StageGuardrail,
	StateIngesting:      StageIngest,
}

var nextStates = map[State]State{
	StateStarted:        StateRouting,
	StateRouting:        StateSplitting,
	StateSplitting:      StateGuardrailCheck,
	StateGuardrailCheck: StateIngesting,
	StateIngesting:      StateSucceeded,
}

// Stage returns the handler invoked on entering s. Started and the
// terminal states have none.
func (s State) Stage() (Stage, bool) {
	stage, ok := stageStates[s]
	return stage, ok
}

// Next returns the state entered after s completes with Accept.
func (s State) Next() (State, bool) {
	next, ok := nextStates[s]
	return next, ok
}

// ExecutionStatus is the overall status of a Pipeline Execution.
type ExecutionStatus string

const (
	StatusRunning     ExecutionStatus = "Running"
	StatusSucceeded   ExecutionStatus = "Succeeded"
	StatusFailed      ExecutionStatus = "Failed"
	StatusQuarantined ExecutionStatus = "Quarantined"
)

// Outcome is the result of one stage invocation. An empty Outcome marks an
// invocation that was dispatched but has not reported back.
type Outcome string

const (
	OutcomeAccepted       Outcome = "Accepted"
	OutcomeRejected       Outcome = "Rejected"
	OutcomeTransientError Outcome = "TransientError"
	OutcomePermanentError Outcome = "PermanentError"
)

// StageInvocation is one attempt at one stage. It belongs to exactly one execution.
type StageInvocation struct {
	Stage       Stage     `firestore:"stage" json:"stage"`
	Attempt     int       `firestore:"attempt" json:"attempt"`
	InputRef    string    `firestore:"inputRef" json:"inputRef"`
	OutputRef   string    `firestore:"outputRef,omitempty" json:"outputRef,omitempty"`
	Outcome     Outcome   `firestore:"outcome,omitempty" json:"outcome,omitempty"`
	Reason      string    `firestore:"reason,omitempty" json:"reason,omitempty"`
	StartedAt   time.Time `firestore:"startedAt" json:"startedAt"`
	CompletedAt time.Time `firestore:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// InFlight reports whether the invocation was dispatched without a recorded outcome.
func (i StageInvocation) InFlight() bool {
	return i.Outcome == ""
}

// Execution is the durable record of one pipeline run for one document.
// Version increases by one on every successful commit.
type Execution struct {
	ID          string            `firestore:"id" json:"id"`
	DocumentKey string            `firestore:"documentKey" json:"documentKey"`
	DocumentRef string            `firestore:"documentRef" json:"documentRef"`
	ContentHash string            `firestore:"contentHash" json:"contentHash"`
	Provenance  Provenance        `firestore:"provenance" json:"provenance"`
	State       State             `firestore:"state" json:"state"`
	Status      ExecutionStatus   `firestore:"status" json:"status"`
	InputRef    string            `firestore:"inputRef" json:"inputRef"`
	History     []StageInvocation `firestore:"history" json:"history"`
	FailedStage Stage             `firestore:"failedStage,omitempty" json:"failedStage,omitempty"`
	Reason      string            `firestore:"reason,omitempty" json:"reason,omitempty"`
	Version     int64             `firestore:"version" json:"version"`
	CreatedAt   time.Time         `firestore:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time         `firestore:"updatedAt" json:"updatedAt"`
}

// Attempts counts the recorded invocations of stage.
func (e *Execution) Attempts(stage Stage) int {
	n := 0
	for _, inv := range e.History {
		if inv.Stage == stage {
			n++
		}
	}
	return n
}

// Last returns a pointer to the most recent invocation, or nil.
func (e *Execution) Last() *StageInvocation {
	if len(e.History) == 0 {
		return nil
	}
	return &e.History[len(e.History)-1]
}

// Invocations returns the recorded invocations of stage in order.
func (e *Execution) Invocations(stage Stage) []StageInvocation {
	var out []StageInvocation
	for _, inv := range e.History {
		if inv.Stage == stage {
			out = append(out, inv)
		}
	}
	return out
}

// Clone returns a deep copy so callers never share History slices.
func (e *Execution) Clone() *Execution {
	c := *e
	c.History = append([]StageInvocation(nil), e.History...)
	return &c
}
