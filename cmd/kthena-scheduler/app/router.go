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
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/accesslog"
)

func newRouter(c *components) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	accessLogger := accesslog.NewAccessLogger(&accesslog.AccessLoggerConfig{
		Enabled: c.accessLog.Enabled,
		Format:  accesslog.Format(c.accessLog.Format),
	}, nil)
	engine.Use(accesslog.AccessLogMiddleware(accessLogger, "/healthz", "/readyz", "/metrics"), gin.Recovery())

	engine.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"message": "ok",
		})
	})

	engine.GET("/readyz", func(ctx *gin.Context) {
		if c.scheduler.Ready() {
			ctx.JSON(http.StatusOK, gin.H{
				"message": "scheduler is ready",
			})
		} else {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{
				"message": "scheduler is not ready",
			})
		}
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})))

	h := &handlers{scheduler: c.scheduler, tracker: c.tracker}
	engine.GET("/debug/scheduler", h.debug)

	v1 := engine.Group("/v1")
	if c.auth != nil {
		v1.Use(c.auth.Middleware())
	}
	v1.POST("/requests", h.submit)
	v1.GET("/requests", h.list)
	v1.GET("/requests/:id", h.get)
	v1.GET("/requests/:id/stream", h.stream)
	v1.DELETE("/requests/:id", h.cancel)
	return engine
}

// Starts router
func (s *Server) startRouter(ctx context.Context, engine *gin.Engine) {
	server := &http.Server{
		Addr:    ":" + s.Port,
		Handler: engine.Handler(),
	}
	go func() {
		// service connections
		var err error
		if s.EnableTLS {
			err = server.ListenAndServeTLS(s.TLSCertFile, s.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			klog.Fatalf("listen failed: %v", err)
		}
	}()
	klog.Infof("Scheduler API listening on :%s", s.Port)

	<-ctx.Done()
	// graceful shutdown
	klog.Info("Shutting down HTTP server ...")
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		klog.Errorf("Server shutdown failed: %v", err)
	}
	klog.Info("HTTP server exited")
}
