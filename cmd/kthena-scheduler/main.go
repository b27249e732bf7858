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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/cmd/kthena-scheduler/app"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/config"
)

func main() {
	var (
		port       string
		configFile string
		tlsCert    string
		tlsKey     string
		dev        bool
	)

	// Initialize klog flags
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.StringVar(&port, "port", "8080", "Server listen port")
	pflag.StringVar(&configFile, "config", "", "Path to the scheduler configuration file")
	pflag.StringVar(&tlsCert, "tls-cert", "", "TLS certificate file path")
	pflag.StringVar(&tlsKey, "tls-key", "", "TLS key file path")
	pflag.BoolVar(&dev, "dev", false, "Use a static resource probe and the simulated backend")
	defer klog.Flush()
	pflag.Parse()

	if (tlsCert != "" && tlsKey == "") || (tlsCert == "" && tlsKey != "") {
		klog.Fatal("tls-cert and tls-key must be specified together")
	}

	pflag.CommandLine.VisitAll(func(f *pflag.Flag) {
		klog.V(4).Infof("Flag: %s, Value: %s", f.Name, f.Value.String())
	})

	cfg, err := config.Load(configFile)
	if err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}
	if dev {
		app.ApplyDevMode(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		klog.Info("Received termination, signaling shutdown")
		cancel()
	}()

	server := app.NewServer(port, tlsCert != "" && tlsKey != "", tlsCert, tlsKey, cfg)
	if err := server.Run(ctx); err != nil {
		klog.Fatalf("Scheduler failed: %v", err)
	}
}
