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
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

func newTestStore(t *testing.T, opts ...Option) (Store, *testingclock.FakeClock) {
	t.Helper()
	fakeClock := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	opts = append([]Option{WithClock(fakeClock)}, opts...)
	return New(opts...), fakeClock
}

func admit(t *testing.T, s Store, id string) string {
	t.Helper()
	got, err := s.Admit(&common.Request{ID: id, Model: "m", InputTokens: []int32{1, 2, 3}})
	require.NoError(t, err)
	return got
}

func TestAdmit(t *testing.T) {
	s, fakeClock := newTestStore(t, WithMaxOutstanding(2))

	id := admit(t, s, "a")
	assert.Equal(t, "a", id)

	generated, err := s.Admit(&common.Request{Model: "m"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)

	_, err = s.Admit(&common.Request{ID: "c"})
	assert.True(t, errors.Is(err, common.ErrCapacityExceeded))

	req, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, common.StateQueued, req.State)
	assert.Equal(t, fakeClock.Now(), req.ArrivalTime)

	_, err = s.Admit(nil)
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
}

func TestAdmitRejectsReusedID(t *testing.T) {
	s, _ := newTestStore(t)
	admit(t, s, "a")
	require.NoError(t, s.Transition("a", common.StateCancelled))
	s.Remove("a")

	_, err := s.Admit(&common.Request{ID: "a"})
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
}

func TestAdmitCopiesRequest(t *testing.T) {
	s, _ := newTestStore(t)
	in := &common.Request{ID: "a", InputTokens: []int32{1, 2}, State: common.StateCompleted, Output: []int32{7}}
	_, err := s.Admit(in)
	require.NoError(t, err)
	in.InputTokens[0] = 99

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, got.InputTokens)
	assert.Empty(t, got.Output)
	assert.Equal(t, common.StateQueued, got.State)

	got.InputTokens[1] = 42
	again, _ := s.Get("a")
	assert.Equal(t, int32(2), again.InputTokens[1])
}

func TestWithdraw(t *testing.T) {
	s, _ := newTestStore(t, WithMaxOutstanding(1))
	admit(t, s, "a")

	require.NoError(t, s.Withdraw("a"))
	_, err := s.Get("a")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Equal(t, 0, s.Pending())
	assert.Empty(t, s.List(common.StateQueued))

	// The identifier and the capacity are both available again.
	admit(t, s, "a")
	require.NoError(t, s.Transition("a", common.StateAdmitted))
	assert.True(t, errors.Is(s.Withdraw("a"), common.ErrInvalidTransition))
	assert.True(t, errors.Is(s.Withdraw("missing"), common.ErrNotFound))
}

func TestCapacityReleasedOnTerminal(t *testing.T) {
	s, _ := newTestStore(t, WithMaxOutstanding(1))
	admit(t, s, "a")
	_, err := s.Admit(&common.Request{ID: "b"})
	require.Error(t, err)

	require.NoError(t, s.Fail("a", nil))
	assert.Equal(t, 0, s.Pending())
	admit(t, s, "b")
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		path    []common.RequestState
		next    common.RequestState
		wantErr bool
	}{
		{name: "queued to admitted", next: common.StateAdmitted},
		{name: "admitted to running", path: []common.RequestState{common.StateAdmitted}, next: common.StateRunning},
		{name: "running to completed", path: []common.RequestState{common.StateAdmitted, common.StateRunning}, next: common.StateCompleted},
		{name: "running back to admitted", path: []common.RequestState{common.StateAdmitted, common.StateRunning}, next: common.StateAdmitted, wantErr: true},
		{name: "completed to running", path: []common.RequestState{common.StateRunning, common.StateCompleted}, next: common.StateRunning, wantErr: true},
		{name: "same state", next: common.StateQueued, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			admit(t, s, "a")
			for _, st := range tt.path {
				require.NoError(t, s.Transition("a", st))
			}
			err := s.Transition("a", tt.next)
			if tt.wantErr {
				assert.True(t, errors.Is(err, common.ErrInvalidTransition), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}

	s, _ := newTestStore(t)
	assert.True(t, errors.Is(s.Transition("missing", common.StateRunning), common.ErrNotFound))
}

func TestListArrivalOrder(t *testing.T) {
	s, fakeClock := newTestStore(t)
	admit(t, s, "c")
	admit(t, s, "b") // same arrival time as c, ordered by id
	fakeClock.Step(time.Millisecond)
	admit(t, s, "a")
	admit(t, s, "d")
	require.NoError(t, s.Transition("d", common.StateAdmitted))

	if diff := cmp.Diff([]string{"b", "c", "a"}, s.List(common.StateQueued)); diff != "" {
		t.Errorf("List(Queued) mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"d"}, s.List(common.StateAdmitted))
	assert.Empty(t, s.List(common.StateRunning))

	s.Remove("b")
	assert.Equal(t, []string{"c", "a"}, s.List(common.StateQueued))
}

func TestCancel(t *testing.T) {
	s, _ := newTestStore(t)
	admit(t, s, "queued")
	admit(t, s, "running")
	require.NoError(t, s.Transition("running", common.StateRunning))

	now, err := s.Cancel("queued")
	require.NoError(t, err)
	assert.True(t, now)
	req, _ := s.Get("queued")
	assert.Equal(t, common.StateCancelled, req.State)
	assert.Equal(t, common.CodeCancelled, req.Err.Code)

	now, err = s.Cancel("running")
	require.NoError(t, err)
	assert.False(t, now)
	req, _ = s.Get("running")
	assert.Equal(t, common.StateRunning, req.State)
	assert.True(t, req.CancelRequested)

	// output after an advisory cancel is dropped, the terminal status becomes Cancelled
	require.NoError(t, s.AppendOutput("running", []int32{1, 2}))
	require.NoError(t, s.Complete("running", common.StateCompleted, nil))
	req, _ = s.Get("running")
	assert.Equal(t, common.StateCancelled, req.State)
	assert.Empty(t, req.Output)

	// a backend failure after an advisory cancel also ends Cancelled
	admit(t, s, "failing")
	require.NoError(t, s.Transition("failing", common.StateRunning))
	_, err = s.Cancel("failing")
	require.NoError(t, err)
	require.NoError(t, s.Fail("failing", common.NewError(common.CodeBackendUnavailable, "stream ended")))
	req, _ = s.Get("failing")
	assert.Equal(t, common.StateCancelled, req.State)
	assert.Equal(t, common.CodeCancelled, req.Err.Code)

	_, err = s.Cancel("queued")
	assert.True(t, errors.Is(err, common.ErrInvalidTransition))
	_, err = s.Cancel("missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestOutputAndOutstanding(t *testing.T) {
	s, _ := newTestStore(t)
	admit(t, s, "a")
	require.NoError(t, s.Transition("a", common.StateRunning))

	require.NoError(t, s.AppendOutput("a", []int32{1, 2}))
	out, state, err := s.Outstanding("a")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, out)
	assert.Equal(t, common.StateRunning, state)

	out, _, _ = s.Outstanding("a")
	assert.Empty(t, out, "tokens are returned once")

	require.NoError(t, s.AppendOutput("a", []int32{3}))
	require.NoError(t, s.Complete("a", common.StateCompleted, nil))
	out, state, _ = s.Outstanding("a")
	assert.Equal(t, []int32{3}, out)
	assert.Equal(t, common.StateCompleted, state)

	err = s.AppendOutput("a", []int32{4})
	assert.True(t, errors.Is(err, common.ErrInvalidTransition))

	req, _ := s.Get("a")
	assert.Equal(t, []int32{1, 2, 3}, req.Output)
}

func TestWatchAndSweep(t *testing.T) {
	s, fakeClock := newTestStore(t)
	admit(t, s, "acked")
	admit(t, s, "expired")
	admit(t, s, "live")

	ch, err := s.Watch("acked")
	require.NoError(t, err)
	<-ch // initial signal

	require.NoError(t, s.Transition("acked", common.StateRunning))
	select {
	case <-ch:
	default:
		t.Fatal("watcher should be signalled on transition")
	}

	require.NoError(t, s.Complete("acked", common.StateCompleted, nil))
	require.NoError(t, s.Fail("expired", common.NewError(common.CodeBackendUnavailable, "down")))

	assert.Error(t, s.Acknowledge("live"))
	require.NoError(t, s.Acknowledge("acked"))

	result := s.Sweep(time.Minute)
	assert.Equal(t, []string{"acked", "expired"}, result.Notified)
	assert.Equal(t, []string{"acked"}, result.Removed)

	// drain pending signal then expect closure
	for range ch {
	}

	_, err = s.Get("acked")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	late, err := s.Watch("expired")
	require.NoError(t, err)
	_, open := <-late
	assert.False(t, open, "watching a swept terminal request returns a closed channel")

	fakeClock.Step(time.Minute)
	result = s.Sweep(time.Minute)
	assert.Empty(t, result.Notified)
	assert.Equal(t, []string{"expired"}, result.Removed)

	counts := s.Counts()
	assert.Equal(t, 1, counts[common.StateQueued])
	assert.Equal(t, 0, counts[common.StateCompleted])
	assert.Equal(t, 1, s.Pending())
}

// TestRandomInterleavingsStayMonotonic drives random admissions and transitions from several
// goroutines and checks that every observed history is monotonic.
func TestRandomInterleavingsStayMonotonic(t *testing.T) {
	s, _ := newTestStore(t, WithMaxOutstanding(10000))
	const workers = 8
	const opsPerWorker = 500

	var mu sync.Mutex
	history := make(map[string][]common.RequestState)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []string
			for i := 0; i < opsPerWorker; i++ {
				if len(mine) == 0 || rng.Intn(4) == 0 {
					id := fmt.Sprintf("w%d-%d", seed, i)
					if _, err := s.Admit(&common.Request{ID: id}); err == nil {
						mine = append(mine, id)
						mu.Lock()
						history[id] = append(history[id], common.StateQueued)
						mu.Unlock()
					}
					continue
				}
				id := mine[rng.Intn(len(mine))]
				next := common.AllStates[rng.Intn(len(common.AllStates))]
				if err := s.Transition(id, next); err == nil {
					mu.Lock()
					history[id] = append(history[id], next)
					mu.Unlock()
				} else {
					assert.True(t, errors.Is(err, common.ErrInvalidTransition))
				}
			}
		}(int64(w))
	}
	wg.Wait()

	for id, states := range history {
		for i := 1; i < len(states); i++ {
			assert.True(t, states[i-1].CanTransition(states[i]), "request %s: %v", id, states)
		}
		req, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, states[len(states)-1], req.State)
	}
}
