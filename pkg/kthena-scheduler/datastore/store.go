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

package datastore

import (
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

const defaultMaxOutstanding = 1024

// Store holds the state of in-flight requests. It is the single source of truth
// shared by the scheduler loop, the executor result path and status readers.
type Store interface {
	// Admit stores a new request in Queued state and returns its identifier.
	Admit(req *common.Request) (string, error)
	// Get returns a copy of the request.
	Get(id string) (*common.Request, error)
	// Transition moves the request to a later state.
	Transition(id string, state common.RequestState) error
	// Remove drops the request from the store.
	Remove(id string)
	// Withdraw undoes the admission of a request that was never scheduled. The identifier
	// may be admitted again.
	Withdraw(id string) error
	// List returns the identifiers of requests in the given state, in arrival order.
	List(state common.RequestState) []string

	// AppendOutput appends generated tokens to a dispatched request.
	AppendOutput(id string, tokens []int32) error
	// Fail moves the request to Failed with the given error, or to Cancelled when a
	// cancellation is pending.
	Fail(id string, err *common.Error) error
	// Complete moves the request to the given terminal state, honoring a pending cancellation.
	Complete(id string, state common.RequestState, err *common.Error) error
	// Cancel cancels the request. It returns true when the request became Cancelled
	// immediately and false when the cancellation is advisory because the request is running.
	Cancel(id string) (bool, error)

	// Watch returns a channel signalled on every change of the request and closed
	// after the request reached a terminal state and was swept.
	Watch(id string) (<-chan struct{}, error)
	// Outstanding returns the output tokens not yet returned by a previous call, and the current state.
	Outstanding(id string) ([]int32, common.RequestState, error)
	// Acknowledge records that the caller observed the terminal status.
	Acknowledge(id string) error
	// Sweep closes watchers of terminal requests and removes the acknowledged or expired ones.
	Sweep(retention time.Duration) SweepResult

	// Counts returns the number of stored requests per state.
	Counts() map[common.RequestState]int
	// Outstanding requests which have not reached a terminal state.
	Pending() int
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Notified []string
	Removed  []string
}

// Option configures a store.
type Option func(*store)

// WithMaxOutstanding bounds the number of non-terminal requests.
func WithMaxOutstanding(n int) Option {
	return func(s *store) {
		if n > 0 {
			s.maxOutstanding = n
		}
	}
}

// WithClock sets the clock used to stamp arrival and finish times.
func WithClock(c clock.PassiveClock) Option {
	return func(s *store) {
		s.clock = c
	}
}

type envelope struct {
	req *common.Request
	// delivered is the number of output tokens already returned by Outstanding.
	delivered int
	watchers  []chan struct{}
	// closed is set once watchers were closed by a sweep.
	closed bool
}

type store struct {
	mutex sync.RWMutex

	clock          clock.PassiveClock
	maxOutstanding int

	requests map[string]*envelope
	// arrivals keeps identifiers in admission order. Removed identifiers are skipped and compacted lazily.
	arrivals deque.Deque[string]
	// seen holds every identifier ever admitted so that identifiers are never reused.
	seen   sets.Set[string]
	counts map[common.RequestState]int
	// active counts non-terminal requests.
	active int
}

var _ Store = &store{}

// New creates an in-memory store.
func New(opts ...Option) Store {
	s := &store{
		clock:          clock.RealClock{},
		maxOutstanding: defaultMaxOutstanding,
		requests:       make(map[string]*envelope),
		seen:           sets.New[string](),
		counts:         make(map[common.RequestState]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *store) Admit(req *common.Request) (string, error) {
	if req == nil {
		return "", common.NewError(common.CodeInvalidArgument, "request is nil")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.active >= s.maxOutstanding {
		return "", common.NewError(common.CodeCapacityExceeded, "%d requests outstanding", s.active)
	}

	r := req.DeepCopy()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if s.seen.Has(r.ID) {
		return "", common.NewError(common.CodeInvalidArgument, "request id %q already used", r.ID)
	}
	r.State = common.StateQueued
	r.ArrivalTime = s.clock.Now()
	r.Output = nil
	r.Err = nil
	r.CancelRequested = false
	r.Acknowledged = false
	r.FinishedAt = time.Time{}

	s.seen.Insert(r.ID)
	s.requests[r.ID] = &envelope{req: r}
	s.arrivals.PushBack(r.ID)
	s.counts[r.State]++
	s.active++

	klog.V(4).InfoS("Request admitted", "request", r.ID, "model", r.Model)
	return r.ID, nil
}

func (s *store) Get(id string) (*common.Request, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	env, ok := s.requests[id]
	if !ok {
		return nil, notFound(id)
	}
	return env.req.DeepCopy(), nil
}

func (s *store) Transition(id string, state common.RequestState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	return s.transitionLocked(env, state)
}

// Caller must hold the write lock
func (s *store) transitionLocked(env *envelope, state common.RequestState) error {
	from := env.req.State
	if !from.CanTransition(state) {
		return common.NewError(common.CodeInvalidTransition, "request %s: %s -> %s", env.req.ID, from, state)
	}
	env.req.State = state
	s.counts[from]--
	s.counts[state]++
	if state.IsTerminal() {
		env.req.FinishedAt = s.clock.Now()
		s.active--
	}
	notify(env)
	return nil
}

func (s *store) Remove(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.removeLocked(id)
}

// Caller must hold the write lock
func (s *store) removeLocked(id string) {
	env, ok := s.requests[id]
	if !ok {
		return
	}
	delete(s.requests, id)
	s.counts[env.req.State]--
	if !env.req.State.IsTerminal() {
		s.active--
	}
	if !env.closed {
		closeWatchers(env)
	}
	s.compactLocked()
}

func (s *store) Withdraw(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if env.req.State != common.StateQueued {
		return common.NewError(common.CodeInvalidTransition, "request %s is %s, only queued requests can be withdrawn", id, env.req.State)
	}
	s.removeLocked(id)
	s.seen.Delete(id)
	klog.V(4).InfoS("Request withdrawn", "request", id)
	return nil
}

// compactLocked drops removed identifiers from the arrival index.
// Caller must hold the write lock
func (s *store) compactLocked() {
	for s.arrivals.Len() > 0 {
		if _, ok := s.requests[s.arrivals.Front()]; ok {
			break
		}
		s.arrivals.PopFront()
	}
	// Rebuild when removed identifiers in the middle dominate the index.
	if s.arrivals.Len() > 64 && s.arrivals.Len() > 2*len(s.requests) {
		var rebuilt deque.Deque[string]
		for i := 0; i < s.arrivals.Len(); i++ {
			id := s.arrivals.At(i)
			if _, ok := s.requests[id]; ok {
				rebuilt.PushBack(id)
			}
		}
		s.arrivals = rebuilt
	}
}

func (s *store) List(state common.RequestState) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	matched := make([]*common.Request, 0, s.counts[state])
	for i := 0; i < s.arrivals.Len(); i++ {
		env, ok := s.requests[s.arrivals.At(i)]
		if !ok || env.req.State != state {
			continue
		}
		matched = append(matched, env.req)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return ArrivedBefore(matched[i], matched[j])
	})
	ids := make([]string, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r.ID)
	}
	return ids
}

func (s *store) AppendOutput(id string, tokens []int32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if env.req.State.IsTerminal() {
		return common.NewError(common.CodeInvalidTransition, "request %s is %s, output rejected", id, env.req.State)
	}
	// Output of a cancelled request is discarded until the backend reports a terminal status.
	if env.req.CancelRequested || len(tokens) == 0 {
		return nil
	}
	env.req.Output = append(env.req.Output, tokens...)
	notify(env)
	return nil
}

func (s *store) Fail(id string, err *common.Error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if err == nil {
		err = common.NewError(common.CodeBackendUnavailable, "request failed")
	}
	state := common.StateFailed
	if env.req.CancelRequested {
		state = common.StateCancelled
		err = common.NewError(common.CodeCancelled, "cancelled by caller")
	}
	if e := s.transitionLocked(env, state); e != nil {
		return e
	}
	env.req.Err = err
	return nil
}

func (s *store) Complete(id string, state common.RequestState, err *common.Error) error {
	if !state.IsTerminal() {
		return common.NewError(common.CodeInvalidTransition, "request %s: %s is not terminal", id, state)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if env.req.CancelRequested && state == common.StateCompleted {
		state = common.StateCancelled
		err = common.NewError(common.CodeCancelled, "cancelled by caller")
	}
	if e := s.transitionLocked(env, state); e != nil {
		return e
	}
	if state != common.StateCompleted {
		env.req.Err = err
	}
	return nil
}

func (s *store) Cancel(id string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return false, notFound(id)
	}
	switch env.req.State {
	case common.StateQueued, common.StateAdmitted:
		if err := s.transitionLocked(env, common.StateCancelled); err != nil {
			return false, err
		}
		env.req.Err = common.NewError(common.CodeCancelled, "cancelled by caller")
		return true, nil
	case common.StateRunning:
		env.req.CancelRequested = true
		notify(env)
		return false, nil
	default:
		return false, common.NewError(common.CodeInvalidTransition, "request %s is already %s", id, env.req.State)
	}
}

func (s *store) Watch(id string) (<-chan struct{}, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return nil, notFound(id)
	}
	ch := make(chan struct{}, 1)
	if env.closed {
		close(ch)
		return ch, nil
	}
	env.watchers = append(env.watchers, ch)
	// Fire once so that a late watcher reads the current state.
	ch <- struct{}{}
	return ch, nil
}

func (s *store) Outstanding(id string) ([]int32, common.RequestState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return nil, "", notFound(id)
	}
	out := env.req.Output[env.delivered:]
	env.delivered = len(env.req.Output)
	return append([]int32(nil), out...), env.req.State, nil
}

func (s *store) Acknowledge(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	env, ok := s.requests[id]
	if !ok {
		return notFound(id)
	}
	if !env.req.State.IsTerminal() {
		return common.NewError(common.CodeInvalidTransition, "request %s is %s, not terminal", id, env.req.State)
	}
	env.req.Acknowledged = true
	return nil
}

func (s *store) Sweep(retention time.Duration) SweepResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var result SweepResult
	now := s.clock.Now()
	for id, env := range s.requests {
		if !env.req.State.IsTerminal() {
			continue
		}
		if !env.closed {
			closeWatchers(env)
			result.Notified = append(result.Notified, id)
		}
		if env.req.Acknowledged || (retention > 0 && now.Sub(env.req.FinishedAt) >= retention) {
			result.Removed = append(result.Removed, id)
		}
	}
	for _, id := range result.Removed {
		s.removeLocked(id)
	}
	sort.Strings(result.Notified)
	sort.Strings(result.Removed)
	return result
}

func (s *store) Counts() map[common.RequestState]int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	counts := make(map[common.RequestState]int, len(common.AllStates))
	for _, state := range common.AllStates {
		counts[state] = s.counts[state]
	}
	return counts
}

func (s *store) Pending() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.active
}

// ArrivedBefore orders requests by arrival time, breaking ties by identifier.
func ArrivedBefore(a, b *common.Request) bool {
	if !a.ArrivalTime.Equal(b.ArrivalTime) {
		return a.ArrivalTime.Before(b.ArrivalTime)
	}
	return a.ID < b.ID
}

func notFound(id string) error {
	return common.NewError(common.CodeNotFound, "request %q not found", id)
}

// notify signals watchers without blocking; a pending signal already covers this change.
func notify(env *envelope) {
	for _, ch := range env.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func closeWatchers(env *envelope) {
	for _, ch := range env.watchers {
		close(ch)
	}
	env.watchers = nil
	env.closed = true
}
