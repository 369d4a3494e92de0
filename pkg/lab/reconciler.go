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

package lab

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Run reconciles immediately and then on every tick until the context is
// done. Reconcile failures are logged and alerted, never fatal.
func (m *Manager) Run(ctx context.Context) error {
	m.reconcileOnce(ctx)
	ticker := m.clock.NewTicker(m.cfg.Lab.ReconcileInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			m.reconcileOnce(ctx)
		}
	}
}

func (m *Manager) reconcileOnce(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error(err, "lab reconciliation failed")
		m.alerter.Error(err)
	}
}

// Reconcile walks the cluster's lab namespaces and brings the in-memory
// view into agreement: dead pods are reaped, unknown running labs are
// adopted, and records whose namespace vanished are dropped. Labs still
// inside the in-flight grace period are left alone so a half-built lab
// is not torn down under its spawn task.
func (m *Manager) Reconcile(ctx context.Context) error {
	prefix := m.cfg.Lab.NamespacePrefix + "-"
	namespaces, err := m.kube.ListNamespaces(ctx, prefix)
	if err != nil {
		return err
	}
	now := m.clock.Now()

	seen := map[string]bool{}
	for _, ns := range namespaces {
		if ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		username, ok := m.builder.UsernameForNamespace(ns.Name)
		if !ok {
			continue
		}
		seen[username] = true

		pod, err := m.kube.GetPod(ctx, ns.Name, m.builder.PodName(username))
		if err != nil {
			return err
		}

		if rec := m.lookup(username); rec != nil {
			m.reconcileKnown(ctx, rec, username, pod, now)
		} else {
			m.reconcileUnknown(ctx, username, pod)
		}
	}

	m.dropVanished(seen, now)
	return nil
}

// reconcileKnown compares a recorded lab against its pod.
func (m *Manager) reconcileKnown(ctx context.Context, rec *userLab, username string, pod *corev1.Pod, now time.Time) {
	rec.mu.Lock()
	state := rec.state
	var status Status
	var createdAt time.Time
	if state != nil {
		status = state.Status
		createdAt = state.CreatedAt
	}
	rec.mu.Unlock()
	if state == nil {
		return
	}

	// The spawn and delete tasks own these phases.
	if status == StatusTerminating {
		return
	}
	if status == StatusPending && now.Sub(createdAt) < m.cfg.Lab.InFlightGracePeriod.Duration {
		return
	}

	podGone := pod == nil
	podDead := pod != nil && (pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed)
	if !podGone && !podDead {
		return
	}

	m.logger.Info("reaping lab", "user", username, "status", status, "podGone", podGone)
	if err := m.kube.DeleteNamespace(ctx, m.builder.Namespace(username)); err != nil {
		m.logger.Error(err, "failed to delete lab namespace", "user", username)
		return
	}
	// Stop the pod monitor and re-read the status under the lock so the
	// gauge is decremented exactly once between us and the monitor.
	rec.mu.Lock()
	if rec.monitorCancel != nil {
		rec.monitorCancel()
	}
	if rec.state != nil {
		status = rec.state.Status
	}
	rec.mu.Unlock()
	m.remove(username, rec)
	if status == StatusRunning {
		m.metrics.ActiveLabs.Dec()
	}
}

// reconcileUnknown adopts or reaps a lab namespace with no in-memory
// record, as after a controller restart.
func (m *Manager) reconcileUnknown(ctx context.Context, username string, pod *corev1.Pod) {
	if pod != nil && (pod.Status.Phase == corev1.PodPending || pod.Status.Phase == corev1.PodRunning) {
		m.adopt(username, pod)
		return
	}
	m.logger.Info("deleting lab namespace with no viable pod", "user", username)
	if err := m.kube.DeleteNamespace(ctx, m.builder.Namespace(username)); err != nil {
		m.logger.Error(err, "failed to delete lab namespace", "user", username)
	}
}

// adopt synthesizes state for a lab found running in the cluster.
func (m *Manager) adopt(username string, pod *corev1.Pod) {
	status := StatusRunning
	if pod.Status.Phase == corev1.PodPending {
		status = StatusPending
	}
	imageRef := ""
	if len(pod.Spec.Containers) > 0 {
		imageRef = pod.Spec.Containers[0].Image
	}

	rec := m.record(username)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != nil {
		return
	}
	rec.state = &State{
		Username:    username,
		Status:      status,
		ImageRef:    imageRef,
		InternalURL: m.builder.InternalURL(username),
		CreatedAt:   pod.CreationTimestamp.Time,
	}
	rec.log = NewEventLog()
	rec.log.Publish(Event{Kind: EventInfo, Message: "Lab discovered by reconciliation", Progress: 75})
	if status == StatusRunning {
		rec.log.Publish(Event{Kind: EventComplete, Message: "Lab is running", Progress: 100})
		m.metrics.ActiveLabs.Inc()
		m.watchRunning(rec, username)
	} else {
		go m.resumeMonitor(rec, username)
	}
	m.logger.Info("adopted lab from cluster state", "user", username, "status", status)
}

// resumeMonitor finishes watching a pod that was mid-spawn when the
// controller restarted.
func (m *Manager) resumeMonitor(rec *userLab, username string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Lab.SpawnTimeout.Duration)
	defer cancel()

	namespace := m.builder.Namespace(username)
	progress := &progressTracker{val: 45}
	err := m.waitForRunning(ctx, rec.log, progress, namespace, m.builder.PodName(username))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == nil || rec.state.Status != StatusPending {
		return
	}
	if err != nil {
		rec.state.Status = StatusFailed
		rec.log.Publish(Event{Kind: EventFailed, Message: "Lab creation failed", Progress: progress.current()})
		m.logger.Error(err, "adopted lab never became ready", "user", username)
		return
	}
	rec.state.Status = StatusRunning
	rec.log.Publish(Event{Kind: EventComplete, Message: "Lab is running", Progress: 100})
	m.metrics.ActiveLabs.Inc()
	m.watchRunning(rec, username)
}

// dropVanished removes records whose namespace no longer exists, leaving
// fresh spawns that may not have created theirs yet.
func (m *Manager) dropVanished(seen map[string]bool, now time.Time) {
	m.mu.Lock()
	records := make(map[string]*userLab, len(m.users))
	for username, rec := range m.users {
		records[username] = rec
	}
	m.mu.Unlock()

	for username, rec := range records {
		if seen[username] {
			continue
		}
		rec.mu.Lock()
		state := rec.state
		skip := state == nil || rec.deleting ||
			(state.Status == StatusPending && now.Sub(state.CreatedAt) < m.cfg.Lab.InFlightGracePeriod.Duration)
		var status Status
		if state != nil {
			status = state.Status
		}
		if !skip && rec.monitorCancel != nil {
			rec.monitorCancel()
		}
		rec.mu.Unlock()
		if skip {
			continue
		}
		m.logger.Info("dropping lab state for vanished namespace", "user", username)
		m.remove(username, rec)
		if status == StatusRunning {
			m.metrics.ActiveLabs.Dec()
		}
	}
}
