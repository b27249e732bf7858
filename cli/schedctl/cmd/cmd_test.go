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

package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

type fakeScheduler struct {
	submitted   submitBody
	getFailures atomic.Int32
}

func (f *fakeScheduler) server(t *testing.T) *httptest.Server {
	t.Helper()
	completed := &common.Request{ID: "a", Model: "m", State: common.StateCompleted, Output: []int32{1, 2}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&f.submitted); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"id":"generated-id"}`)
	})
	mux.HandleFunc("GET /v1/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.getFailures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.PathValue("id") != "a" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(common.NewError(common.CodeNotFound, "request %q not found", r.PathValue("id")))
			return
		}
		body := statusBody{Request: completed}
		if r.URL.Query().Get("drain") == "true" {
			body.Tokens = completed.Output
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("DELETE /v1/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusBody{Request: &common.Request{ID: r.PathValue("id"), State: common.StateCancelled}})
	})
	mux.HandleFunc("GET /v1/requests", func(w http.ResponseWriter, r *http.Request) {
		out := map[common.RequestState][]string{
			common.StateQueued:  {"q2", "q1"},
			common.StateRunning: {"r1"},
		}
		if s := r.URL.Query().Get("state"); s != "" {
			out = map[common.RequestState][]string{common.RequestState(s): out[common.RequestState(s)]}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /v1/requests/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:tokens\ndata:{\"tokens\":[7,8]}\n\n")
		fmt.Fprint(w, "event:tokens\ndata:{\"tokens\":[9]}\n\n")
		data, _ := json.Marshal(completed)
		fmt.Fprintf(w, "event:status\ndata:%s\n\n", data)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	outputFormat = ""
	drain = false
	listState = ""
	submitID, submitPrompt, submitTokens = "", "", nil
	submitParams = common.GenerationParams{}

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--server", server}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestSubmit(t *testing.T) {
	f := &fakeScheduler{}
	srv := f.server(t)

	out, err := run(t, srv.URL, "submit", "--model", "m", "--tokens", "1,2,3", "--max-new-tokens", "16", "--stop-tokens", "2")
	require.NoError(t, err)
	assert.Equal(t, "generated-id\n", out)
	assert.Equal(t, "m", f.submitted.Model)
	assert.Equal(t, []int32{1, 2, 3}, f.submitted.InputTokens)
	assert.Equal(t, 16, f.submitted.Params.MaxNewTokens)
	assert.Equal(t, []int32{2}, f.submitted.Params.StopTokens)

	out, err = run(t, srv.URL, "submit", "--model", "m", "--prompt", "hello", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"generated-id"}`, out)
	assert.Equal(t, "hello", f.submitted.Prompt)
}

func TestGet(t *testing.T) {
	f := &fakeScheduler{}
	srv := f.server(t)

	out, err := run(t, srv.URL, "get", "a", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "state: Completed")

	out, err = run(t, srv.URL, "get", "a", "--drain")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, "TOKENS: [1 2]")

	_, err = run(t, srv.URL, "get", "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound), "got %v", err)
}

func TestGetRetriesUnavailable(t *testing.T) {
	f := &fakeScheduler{}
	f.getFailures.Store(1)
	srv := f.server(t)

	out, err := run(t, srv.URL, "get", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed")
}

func TestCancel(t *testing.T) {
	srv := (&fakeScheduler{}).server(t)

	out, err := run(t, srv.URL, "cancel", "a")
	require.NoError(t, err)
	assert.Equal(t, "request a: Cancelled\n", out)
}

func TestList(t *testing.T) {
	srv := (&fakeScheduler{}).server(t)

	out, err := run(t, srv.URL, "list")
	require.NoError(t, err)
	assert.Regexp(t, `(?s)STATE\s+ID\nQueued\s+q1\nQueued\s+q2\nRunning\s+r1\n`, out)

	out, err = run(t, srv.URL, "list", "--state", "Running", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Running":["r1"]}`, out)
}

func TestWatch(t *testing.T) {
	srv := (&fakeScheduler{}).server(t)

	out, err := run(t, srv.URL, "watch", "a")
	require.NoError(t, err)
	assert.Regexp(t, `(?s)^7\n8\n9\nID\s+MODEL.*\na\s+m\s+Completed\s+2`, out)
}
