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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

// HTTPBackend posts each batch to an execution server and reads the event stream of the response.
type HTTPBackend struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPBackend(name, baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (b *HTTPBackend) Name() string {
	return b.name
}

func (b *HTTPBackend) Execute(ctx context.Context, batch *common.Batch, emit func(common.Event)) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", ContentTypeNDJSON+", "+ContentTypeSSE)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch batch %d: %w", batch.Seq, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("dispatch batch %d failed with status %d: %s", batch.Seq, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if !isStreamingResponse(resp) {
		return fmt.Errorf("dispatch batch %d: unexpected content type %q", batch.Seq, resp.Header.Get("Content-Type"))
	}
	return DecodeStream(resp.Body, emit)
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
}

func (b *HTTPBackend) Cancel(ctx context.Context, batchSeq uint64, requestID string) error {
	body, err := json.Marshal(cancelRequest{RequestID: requestID})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/batches/%d/cancel", b.baseURL, batchSeq)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel request failed with status %d", resp.StatusCode)
	}
	return nil
}

// isStreamingResponse checks if the response is a streaming response
func isStreamingResponse(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType == ContentTypeSSE || contentType == ContentTypeNDJSON
}
