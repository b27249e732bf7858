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

package accesslog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const (
	// AccessLogContextKey is the key used to store the entry in gin.Context
	AccessLogContextKey = "access_log_context"
)

// AccessLogMiddleware returns a Gin middleware that logs one entry per call. Paths in skip are not logged.
func AccessLogMiddleware(logger AccessLogger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		// Generate request ID if not present
		requestID := c.Request.Header.Get("x-request-id")
		if requestID == "" {
			requestID = uuid.New().String()
			c.Request.Header.Set("x-request-id", requestID)
		}
		c.Header("x-request-id", requestID)

		start := time.Now()
		entry := &AccessLogEntry{
			Timestamp: start,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Protocol:  c.Request.Proto,
			RequestID: requestID,
		}
		c.Set(AccessLogContextKey, entry)

		c.Next()

		entry.StatusCode = c.Writer.Status()
		entry.Duration = time.Since(start).Milliseconds()
		if err := logger.Log(entry); err != nil {
			klog.Errorf("Failed to write access log: %v", err)
		}
	}
}

// GetAccessLogEntry retrieves the entry of the current call from gin.Context
func GetAccessLogEntry(c *gin.Context) *AccessLogEntry {
	if v, exists := c.Get(AccessLogContextKey); exists {
		if entry, ok := v.(*AccessLogEntry); ok {
			return entry
		}
	}
	return nil
}

// SetRequest records the model and identifier of the inference request the call is about.
func SetRequest(c *gin.Context, modelName, requestID string) {
	if entry := GetAccessLogEntry(c); entry != nil {
		if modelName != "" {
			entry.ModelName = modelName
		}
		entry.SchedulerRequest = requestID
	}
}

func SetTokenCounts(c *gin.Context, inputTokens, outputTokens int) {
	if entry := GetAccessLogEntry(c); entry != nil {
		entry.InputTokens = inputTokens
		entry.OutputTokens = outputTokens
	}
}

func SetError(c *gin.Context, errorType, message string) {
	if entry := GetAccessLogEntry(c); entry != nil {
		entry.Error = &ErrorInfo{Type: errorType, Message: message}
	}
}
