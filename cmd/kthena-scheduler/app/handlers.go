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

package app

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/accesslog"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/resource"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/scheduler"
)

// SubmitRequest is the body of POST /v1/requests.
type SubmitRequest struct {
	ID          string                  `json:"id,omitempty"`
	Model       string                  `json:"model"`
	InputTokens []int32                 `json:"input_tokens,omitempty"`
	Prompt      string                  `json:"prompt,omitempty"`
	Params      common.GenerationParams `json:"params"`
}

// StatusResponse is the body of GET /v1/requests/:id.
type StatusResponse struct {
	Request *common.Request `json:"request"`
	// Tokens produced since the previous drain, only set with ?drain=true.
	Tokens []int32 `json:"tokens,omitempty"`
}

type handlers struct {
	scheduler *scheduler.Scheduler
	tracker   resource.Tracker
}

func (h *handlers) submit(c *gin.Context) {
	var body SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, common.NewError(common.CodeInvalidArgument, "decode request: %v", err))
		return
	}
	accesslog.SetRequest(c, body.Model, body.ID)
	accesslog.SetTokenCounts(c, len(body.InputTokens), 0)
	id, err := h.scheduler.Submit(&common.Request{
		ID:          body.ID,
		Model:       body.Model,
		InputTokens: body.InputTokens,
		Prompt:      body.Prompt,
		Params:      body.Params,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	accesslog.SetRequest(c, "", id)
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *handlers) get(c *gin.Context) {
	id := c.Param("id")
	req, err := h.scheduler.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := StatusResponse{Request: req}
	// Drained after reading the state, so a terminal state comes with every remaining token.
	drain := c.Query("drain") == "true"
	if drain {
		if resp.Tokens, _, err = h.scheduler.Outstanding(id); err != nil {
			writeError(c, err)
			return
		}
	}
	accesslog.SetRequest(c, req.Model, id)
	accesslog.SetTokenCounts(c, len(req.InputTokens), len(resp.Tokens))
	// Only a drain hands over the remaining output, a plain status read keeps the request.
	if drain && req.State.IsTerminal() {
		h.acknowledge(id)
	}
	c.JSON(http.StatusOK, resp)
}

// stream sends token deltas as they arrive and the request as the final event.
func (h *handlers) stream(c *gin.Context) {
	id := c.Param("id")
	accesslog.SetRequest(c, "", id)
	ch, err := h.scheduler.Watch(id)
	if err != nil {
		writeError(c, err)
		return
	}

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case _, open := <-ch:
			tokens, state, err := h.scheduler.Outstanding(id)
			if err != nil {
				c.SSEvent("error", common.AsError(err))
				return false
			}
			if len(tokens) > 0 {
				c.SSEvent("tokens", gin.H{"tokens": tokens})
			}
			if state.IsTerminal() {
				if req, err := h.scheduler.Get(id); err == nil {
					c.SSEvent("status", req)
				}
				h.acknowledge(id)
				return false
			}
			return open
		}
	})
}

func (h *handlers) cancel(c *gin.Context) {
	id := c.Param("id")
	accesslog.SetRequest(c, "", id)
	if err := h.scheduler.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	req, err := h.scheduler.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Request: req})
}

func (h *handlers) list(c *gin.Context) {
	states := common.AllStates
	if s := c.Query("state"); s != "" {
		state, err := common.ParseRequestState(s)
		if err != nil {
			writeError(c, common.NewError(common.CodeInvalidArgument, "%v", err))
			return
		}
		states = []common.RequestState{state}
	}
	out := make(map[common.RequestState][]string, len(states))
	for _, state := range states {
		out[state] = h.scheduler.List(state)
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) debug(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":    h.scheduler.Stats(),
		"snapshot": h.tracker.Latest(),
	})
}

func (h *handlers) acknowledge(id string) {
	if err := h.scheduler.Acknowledge(id); err != nil {
		klog.V(4).InfoS("Acknowledge failed", "request", id, "err", err)
	}
}

func statusOf(code common.ErrorCode) int {
	switch code {
	case common.CodeCapacityExceeded, common.CodeRateLimited:
		return http.StatusTooManyRequests
	case common.CodeNotFound:
		return http.StatusNotFound
	case common.CodeInvalidArgument:
		return http.StatusBadRequest
	case common.CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	e := common.AsError(err)
	accesslog.SetError(c, string(e.Code), e.Message)
	c.AbortWithStatusJSON(statusOf(e.Code), e)
}
