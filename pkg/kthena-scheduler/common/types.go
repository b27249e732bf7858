/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"fmt"
	"time"
)

// RequestState is the lifecycle state of a request envelope.
type RequestState string

const (
	StateQueued    RequestState = "Queued"
	StateAdmitted  RequestState = "Admitted"
	StateRunning   RequestState = "Running"
	StateCompleted RequestState = "Completed"
	StateCancelled RequestState = "Cancelled"
	StateFailed    RequestState = "Failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []RequestState{
	StateQueued,
	StateAdmitted,
	StateRunning,
	StateCompleted,
	StateCancelled,
	StateFailed,
}

// rank orders states for the monotonic transition rule. All terminal states share the top rank.
func (s RequestState) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateAdmitted:
		return 1
	case StateRunning:
		return 2
	case StateCompleted, StateCancelled, StateFailed:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known state.
func (s RequestState) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no further transition is possible from s.
func (s RequestState) IsTerminal() bool {
	return s.rank() == 3
}

// CanTransition reports whether a request in state s may move to next.
func (s RequestState) CanTransition(next RequestState) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ParseRequestState converts a string into a RequestState.
func ParseRequestState(s string) (RequestState, error) {
	for _, state := range AllStates {
		if string(state) == s {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown request state %q", s)
}

// GenerationParams holds the sampling configuration of a request.
type GenerationParams struct {
	// MaxNewTokens bounds the number of generated tokens. Zero means the scheduler default.
	MaxNewTokens int `json:"max_new_tokens,omitempty"`
	// MaxLength bounds prompt plus generated tokens. Zero means unbounded.
	MaxLength        int     `json:"max_length,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	TopK             int     `json:"top_k,omitempty"`
	Seed             int64   `json:"seed,omitempty"`
	StopTokens       []int32 `json:"stop_tokens,omitempty"`
	LogProbabilities int     `json:"log_probabilities,omitempty"`
}

// Request is the envelope of an inference request while it is owned by the scheduler.
type Request struct {
	ID          string           `json:"id"`
	Model       string           `json:"model"`
	ArrivalTime time.Time        `json:"arrival_time"`
	InputTokens []int32          `json:"input_tokens,omitempty"`
	Prompt      string           `json:"prompt,omitempty"`
	Params      GenerationParams `json:"params"`
	State       RequestState     `json:"state"`
	Output      []int32          `json:"output,omitempty"`
	Err         *Error           `json:"error,omitempty"`

	// CancelRequested is set when a caller cancels a request that was already dispatched.
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	Acknowledged    bool      `json:"acknowledged,omitempty"`
}

// DeepCopy returns a copy that shares no slices with r.
func (r *Request) DeepCopy() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.InputTokens = append([]int32(nil), r.InputTokens...)
	out.Output = append([]int32(nil), r.Output...)
	out.Params.StopTokens = append([]int32(nil), r.Params.StopTokens...)
	if r.Err != nil {
		e := *r.Err
		out.Err = &e
	}
	return &out
}

// BatchEntry is one request inside a batch. It carries what the backend needs to run the request.
type BatchEntry struct {
	RequestID   string           `json:"request_id"`
	InputTokens []int32          `json:"input_tokens,omitempty"`
	Prompt      string           `json:"prompt,omitempty"`
	Params      GenerationParams `json:"params"`
	Cost        float64          `json:"cost"`
}

// Batch is an ordered set of requests chosen for one execution step.
type Batch struct {
	Seq       uint64       `json:"seq"`
	Model     string       `json:"model"`
	Entries   []BatchEntry `json:"entries"`
	Cost      float64      `json:"cost"`
	Budget    float64      `json:"budget"`
	CreatedAt time.Time    `json:"created_at"`
}

// Len returns the number of requests in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}

// IsEmpty reports whether the batch holds no request.
func (b *Batch) IsEmpty() bool {
	return b.Len() == 0
}

// RequestIDs returns the identifiers of the batch in order.
func (b *Batch) RequestIDs() []string {
	ids := make([]string, 0, b.Len())
	for _, e := range b.Entries {
		ids = append(ids, e.RequestID)
	}
	return ids
}

// ResourceSnapshot is a point-in-time view of the resource budget.
type ResourceSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	TotalMemory      uint64    `json:"total_memory"`
	AvailableMemory  uint64    `json:"available_memory"`
	ComputeOccupancy float64   `json:"compute_occupancy"`
	// Capacity is the budget in tokens when the host is idle.
	Capacity float64 `json:"capacity"`
	// Headroom is the budget in tokens available for new batch work.
	Headroom float64 `json:"headroom"`
	// Reserved is the token budget already held by in-flight batches.
	Reserved float64 `json:"reserved"`
	Stale    bool    `json:"stale"`
	// Generation increases with every sample taken by the tracker, stale ones included.
	Generation uint64 `json:"generation"`
	// InFlightObserved is set when the reading already accounts for the memory held by
	// dispatched batches.
	InFlightObserved bool `json:"in_flight_observed"`
}

// Reserve returns a copy of the snapshot with n more tokens held by in-flight work.
func (s ResourceSnapshot) Reserve(n float64) ResourceSnapshot {
	if n <= 0 {
		return s
	}
	s.Reserved += n
	s.Headroom -= n
	if s.Headroom < 0 {
		s.Headroom = 0
	}
	return s
}

// MarkStale returns a copy of the snapshot flagged as stale.
func (s ResourceSnapshot) MarkStale() ResourceSnapshot {
	s.Stale = true
	return s
}

// EventKind is the kind of a result event produced by the executor gateway.
type EventKind string

const (
	// EventAccepted means the backend acknowledged the request.
	EventAccepted EventKind = "accepted"
	// EventTokens carries a token delta.
	EventTokens EventKind = "tokens"
	// EventTerminal carries a terminal status.
	EventTerminal EventKind = "terminal"
)

// Event is one element of the result stream of a dispatched batch.
type Event struct {
	BatchSeq  uint64       `json:"batch_seq"`
	RequestID string       `json:"request_id"`
	Kind      EventKind    `json:"kind"`
	Tokens    []int32      `json:"tokens,omitempty"`
	State     RequestState `json:"state,omitempty"`
	Err       *Error       `json:"error,omitempty"`
}

// TerminalEvent builds a terminal event for a request.
func TerminalEvent(seq uint64, id string, state RequestState, err *Error) Event {
	return Event{BatchSeq: seq, RequestID: id, Kind: EventTerminal, State: state, Err: err}
}
