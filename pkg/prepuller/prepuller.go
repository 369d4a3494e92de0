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

// Package prepuller pulls selected images onto eligible nodes ahead of
// user demand by running short-lived pods that reference them.
package prepuller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/lsst-sqre/nublado/pkg/builder"
	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/imageservice"
	"github.com/lsst-sqre/nublado/pkg/kube"
	"github.com/lsst-sqre/nublado/pkg/rspimage"
	"github.com/lsst-sqre/nublado/pkg/slackalert"
)

// Prepuller drives prepull pods. Sweeps run periodically; within a sweep
// prepulls run in parallel up to the configured bound.
type Prepuller struct {
	cfg     *config.Config
	images  *imageservice.Service
	kube    *kube.Client
	builder *builder.Builder
	alerter *slackalert.Alerter
	metrics *Metrics
	clock   clock.WithTicker
	logger  logr.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool
}

// New wires the prepuller.
func New(cfg *config.Config, images *imageservice.Service, kubeClient *kube.Client, alerter *slackalert.Alerter, metrics *Metrics, clk clock.WithTicker, logger logr.Logger) *Prepuller {
	return &Prepuller{
		cfg:      cfg,
		images:   images,
		kube:     kubeClient,
		builder:  builder.New(cfg),
		alerter:  alerter,
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Prepuller.MaxConcurrency)),
		inFlight: map[string]bool{},
	}
}

// Run sweeps on the image refresh cadence until the context is done.
func (p *Prepuller) Run(ctx context.Context) error {
	p.sweepOnce(ctx)
	ticker := p.clock.NewTicker(p.cfg.Images.RefreshInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			p.sweepOnce(ctx)
		}
	}
}

func (p *Prepuller) sweepOnce(ctx context.Context) {
	if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error(err, "prepull sweep failed")
		p.alerter.Error(err)
	}
}

// Sweep dispatches a prepull for every (image, eligible node) pair where
// the digest is missing, and waits for the batch to finish.
func (p *Prepuller) Sweep(ctx context.Context) error {
	nodes, err := p.kube.ListNodes(ctx)
	if err != nil {
		return err
	}
	var eligible []string
	for _, node := range nodes {
		if ok, _ := kube.NodeEligible(&node, p.cfg.Prepuller.Tolerations); ok {
			eligible = append(eligible, node.Name)
		}
	}

	var wg sync.WaitGroup
	for _, img := range p.images.PrepullImages() {
		for _, node := range eligible {
			if p.images.ImageOnNode(img, node) {
				continue
			}
			podName := builder.PrepullPodName(img.Tag, node)
			p.mu.Lock()
			busy := p.inFlight[podName]
			if !busy {
				p.inFlight[podName] = true
			}
			p.mu.Unlock()
			if busy {
				continue
			}

			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.clearInFlight(podName)
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func(img *rspimage.Image, node, podName string) {
				defer wg.Done()
				defer p.sem.Release(1)
				defer p.clearInFlight(podName)
				p.prepullOne(ctx, img, node)
			}(img, node, podName)
		}
	}
	wg.Wait()
	return nil
}

func (p *Prepuller) clearInFlight(podName string) {
	p.mu.Lock()
	delete(p.inFlight, podName)
	p.mu.Unlock()
}

// prepullOne runs a single prepull pod on one node to completion.
func (p *Prepuller) prepullOne(ctx context.Context, img *rspimage.Image, node string) {
	namespace := p.cfg.Prepuller.Namespace
	pod := p.builder.BuildPrepullPod(img, node)

	podCtx, cancel := context.WithTimeout(ctx, p.cfg.Prepuller.PodTimeout.Duration)
	defer cancel()

	// A pod left over from a crashed sweep blocks creation; clear it.
	if err := p.kube.DeletePod(podCtx, namespace, pod.Name); err != nil {
		p.fail(podCtx, node, fmt.Errorf("clear stale prepull pod %s: %w", pod.Name, err))
		return
	}
	if err := p.kube.CreateObject(podCtx, pod); err != nil {
		p.fail(podCtx, node, fmt.Errorf("create prepull pod %s: %w", pod.Name, err))
		return
	}

	err := p.kube.WaitForPod(podCtx, namespace, pod.Name, func(pod *corev1.Pod) (bool, error) {
		if pod == nil {
			return false, fmt.Errorf("prepull pod deleted while running")
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			return true, nil
		case corev1.PodFailed:
			return false, fmt.Errorf("prepull pod failed")
		default:
			return false, nil
		}
	})
	if deleteErr := p.kube.DeletePod(context.WithoutCancel(ctx), namespace, pod.Name); deleteErr != nil {
		p.logger.Error(deleteErr, "failed to delete prepull pod", "pod", pod.Name)
	}
	if err != nil {
		p.fail(podCtx, node, fmt.Errorf("prepull %s onto %s: %w", img.Tag, node, err))
		return
	}

	p.images.MarkPrepulled(img.Digest, node)
	p.metrics.Prepulls.WithLabelValues("success").Inc()
	p.logger.Info("prepulled image", "tag", img.Tag, "node", node)
}

// fail records a prepull failure, except when the node has disappeared,
// which is routine during scale-down.
func (p *Prepuller) fail(ctx context.Context, node string, err error) {
	if ctx.Err() != nil {
		return
	}
	if gone, checkErr := p.nodeGone(node); checkErr == nil && gone {
		p.logger.Info("prepull abandoned, node gone", "node", node)
		return
	}
	p.metrics.Prepulls.WithLabelValues("failure").Inc()
	p.logger.Error(err, "prepull failed", "node", node)
	p.alerter.Error(err)
}

func (p *Prepuller) nodeGone(node string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nodes, err := p.kube.ListNodes(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.Name == node {
			return false, nil
		}
	}
	return true, nil
}
