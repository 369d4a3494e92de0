// Copyright 2025 The Nublado Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The nublado controller provisions per-user JupyterLab environments and
// prepulls their images across the cluster.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/gafaelfawr"
	"github.com/lsst-sqre/nublado/pkg/imageservice"
	"github.com/lsst-sqre/nublado/pkg/kube"
	"github.com/lsst-sqre/nublado/pkg/lab"
	"github.com/lsst-sqre/nublado/pkg/prepuller"
	"github.com/lsst-sqre/nublado/pkg/slackalert"
	"github.com/lsst-sqre/nublado/pkg/source"
	"github.com/lsst-sqre/nublado/pkg/web"
)

func main() {
	var (
		logVerbosity = flag.Int("v", 0, "Logging verbosity")
		configPath   = flag.String("config", "/etc/nublado/config.yaml",
			"Path to the controller configuration file.")
		listenAddr  = flag.String("listen-addr", ":8080", "Address to serve the API on.")
		metricsAddr = flag.String("metrics-addr", ":9090", "Address to emit metrics on.")
	)
	flag.Parse()

	logger := zap.New(zap.Level(zapcore.Level(-*logVerbosity)))
	ctrl.SetLogger(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error(err, "loading configuration failed")
		os.Exit(1)
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		logger.Error(err, "loading kubeconfig failed")
		os.Exit(1)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		logger.Error(err, "building Kubernetes client failed")
		os.Exit(1)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kubeClient := kube.New(clientset, logger)
	alerter := slackalert.New(cfg.Slack.WebhookURL, logger)
	gafaelfawrClient := gafaelfawr.New(cfg.Gafaelfawr.BaseURL, cfg.Gafaelfawr.RequestTimeout.Duration)

	src, err := source.New(cfg.Images.Source)
	if err != nil {
		logger.Error(err, "building image source failed")
		os.Exit(1)
	}
	images, err := imageservice.New(cfg, src, kubeClient, alerter, clock.RealClock{}, logger)
	if err != nil {
		logger.Error(err, "building image service failed")
		os.Exit(1)
	}
	manager := lab.NewManager(cfg, kubeClient, images, alerter, lab.NewMetrics(metrics), clock.RealClock{}, logger)
	prepull := prepuller.New(cfg, images, kubeClient, alerter, prepuller.NewMetrics(metrics), clock.RealClock{}, logger)
	server := web.New(cfg, manager, images, prepull, gafaelfawrClient, logger)

	router := chi.NewRouter()
	router.Mount(cfg.PathPrefix, server.Handler())

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					logger.Info("received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(err error) {
				close(cancel)
			},
		)
	}
	// Controller monitoring.
	{
		server := &http.Server{Addr: *metricsAddr}
		http.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			server.Shutdown(ctx)
			cancel()
		})
	}
	// API server.
	{
		server := &http.Server{Addr: *listenAddr, Handler: router}
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			server.Shutdown(ctx)
			cancel()
		})
	}
	// Image refresh loop.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return images.Run(ctx)
		}, func(err error) {
			cancel()
		})
	}
	// Lab reconciler.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return manager.Run(ctx)
		}, func(err error) {
			cancel()
		})
	}
	// Prepuller.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return prepull.Run(ctx)
		}, func(err error) {
			cancel()
		})
	}
	if err := g.Run(); err != nil {
		logger.Error(err, "exit with error")
		os.Exit(1)
	}
	alerter.Flush()
}
