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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

var bearerToken string

// client calls the scheduler API. Reads are retried, writes are sent once.
type client struct {
	base  string
	token string
	reads *retryablehttp.Client
	plain *http.Client
}

func newClient() *client {
	reads := retryablehttp.NewClient()
	reads.RetryMax = 3
	reads.RetryWaitMax = 2 * time.Second
	reads.Logger = nil
	return &client{
		base:  strings.TrimRight(serverURL, "/"),
		token: bearerToken,
		reads: reads,
		plain: &http.Client{},
	}
}

type submitBody struct {
	ID          string                  `json:"id,omitempty"`
	Model       string                  `json:"model"`
	InputTokens []int32                 `json:"input_tokens,omitempty"`
	Prompt      string                  `json:"prompt,omitempty"`
	Params      common.GenerationParams `json:"params"`
}

type statusBody struct {
	Request *common.Request `json:"request"`
	Tokens  []int32         `json:"tokens,omitempty"`
}

func (c *client) submit(ctx context.Context, body submitBody) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/requests", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		ID string `json:"id"`
	}
	if err := c.send(c.plain.Do, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *client) get(ctx context.Context, id string, drain bool) (*statusBody, error) {
	u := c.base + "/v1/requests/" + url.PathEscape(id)
	if drain {
		u += "?drain=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	out := &statusBody{}
	return out, c.send(c.retrying, req, out)
}

func (c *client) cancel(ctx context.Context, id string) (*statusBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/requests/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	out := &statusBody{}
	return out, c.send(c.plain.Do, req, out)
}

func (c *client) list(ctx context.Context, state string) (map[common.RequestState][]string, error) {
	u := c.base + "/v1/requests"
	if state != "" {
		u += "?state=" + url.QueryEscape(state)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[common.RequestState][]string)
	return out, c.send(c.retrying, req, &out)
}

// streamEvent is one server-sent event of a request stream.
type streamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// watch follows the event stream of a request until the server closes it.
func (c *client) watch(ctx context.Context, id string, fn func(streamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/requests/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.plain.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var ev streamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Event != "" || len(ev.Data) > 0 {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = streamEvent{}
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data = json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (c *client) retrying(req *http.Request) (*http.Response, error) {
	r, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return c.reads.Do(r)
}

func (c *client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *client) send(do func(*http.Request) (*http.Response, error), req *http.Request, out interface{}) error {
	c.authorize(req)
	resp, err := do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e common.Error
	if json.Unmarshal(body, &e) == nil && e.Code != "" {
		return &e
	}
	return fmt.Errorf("scheduler returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
