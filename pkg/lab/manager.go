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

// Package lab is the per-user lab lifecycle manager: creation, progress
// multicast, deletion, and reconciliation against the cluster.
package lab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/builder"
	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/gafaelfawr"
	"github.com/lsst-sqre/nublado/pkg/kube"
	"github.com/lsst-sqre/nublado/pkg/rspimage"
	"github.com/lsst-sqre/nublado/pkg/slackalert"
)

// ImageResolver resolves a spawn request's image selector against the
// current collection.
type ImageResolver interface {
	// ResolveReference resolves a full Docker reference.
	ResolveReference(reference string) (*rspimage.Image, error)
	// ResolveTagName resolves a bare tag name.
	ResolveTagName(tag string) (*rspimage.Image, error)
	// ResolveClass resolves one of the image classes (recommended,
	// latest-release, latest-weekly, latest-daily).
	ResolveClass(class string) (*rspimage.Image, error)
}

// CreateRequest is a validated spawn request.
type CreateRequest struct {
	User    *gafaelfawr.UserInfo
	Token   string
	Options Options
	Env     map[string]string
}

// Manager owns every user's lab state. All mutation of one user's state
// happens under that user's lock; the manager-level lock guards only the
// user table.
type Manager struct {
	cfg     *config.Config
	builder *builder.Builder
	kube    *kube.Client
	images  ImageResolver
	alerter *slackalert.Alerter
	metrics *Metrics
	clock   clock.WithTicker
	logger  logr.Logger

	mu    sync.Mutex
	users map[string]*userLab
}

type userLab struct {
	mu    sync.Mutex
	state *State
	log   *EventLog

	// cancel aborts an in-flight spawn; done closes when the spawn task
	// has unwound.
	cancel            context.CancelFunc
	done              chan struct{}
	cancelledByDelete bool

	// monitorCancel stops the pod watch of a running lab.
	monitorCancel context.CancelFunc

	deleting bool
	deleted  chan struct{}
}

// NewManager wires the lab manager.
func NewManager(cfg *config.Config, kubeClient *kube.Client, images ImageResolver, alerter *slackalert.Alerter, metrics *Metrics, clk clock.WithTicker, logger logr.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		builder: builder.New(cfg),
		kube:    kubeClient,
		images:  images,
		alerter: alerter,
		metrics: metrics,
		clock:   clk,
		logger:  logger,
		users:   map[string]*userLab{},
	}
}

// Builder exposes naming helpers to the HTTP layer.
func (m *Manager) Builder() *builder.Builder {
	return m.builder
}

func (m *Manager) record(username string) *userLab {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.users[username]
	if rec == nil {
		rec = &userLab{}
		m.users[username] = rec
	}
	return rec
}

func (m *Manager) lookup(username string) *userLab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[username]
}

func (m *Manager) remove(username string, rec *userLab) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[username] == rec {
		delete(m.users, username)
	}
}

func (m *Manager) resolveImage(opts Options) (*rspimage.Image, error) {
	switch {
	case opts.Reference != "":
		return m.images.ResolveReference(opts.Reference)
	case opts.Tag != "":
		return m.images.ResolveTagName(opts.Tag)
	case opts.Class != "":
		return m.images.ResolveClass(opts.Class)
	default:
		return nil, apierror.NewInvalidOptions("no image selected")
	}
}

// Create validates a spawn request and starts the spawn task. It returns
// once the lab is Pending; progress is delivered on the event stream.
func (m *Manager) Create(ctx context.Context, req CreateRequest) error {
	user := req.User
	username := user.Username

	var quota *gafaelfawr.NotebookQuota
	if user.Quota != nil && user.Quota.Notebook != nil {
		quota = user.Quota.Notebook
		if !quota.Spawn {
			return apierror.NewInsufficientQuota(username)
		}
	}
	size, ok := m.cfg.Lab.SizeNamed(req.Options.Size)
	if !ok {
		return apierror.NewInvalidLabSize(req.Options.Size)
	}
	image, err := m.resolveImage(req.Options)
	if err != nil {
		return err
	}

	rec := m.record(username)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	orphaned := false
	if rec.state != nil {
		switch rec.state.Status {
		case StatusFailed, StatusTerminated:
			orphaned = true
		default:
			return apierror.NewLabExists(username)
		}
	}

	if rec.monitorCancel != nil {
		rec.monitorCancel()
		rec.monitorCancel = nil
	}
	resources := m.builder.LabResources(size, quota)
	rec.state = &State{
		Username: username,
		Status:   StatusPending,
		Options:  req.Options,
		ImageRef: image.ReferenceWithDigest(),
		Resources: ResourcesSpec{
			CPULimit:      resources.CPULimit.String(),
			CPURequest:    resources.CPURequest.String(),
			MemoryLimit:   resources.MemoryLimit.String(),
			MemoryRequest: resources.MemoryRequest.String(),
		},
		Quota:       quota,
		InternalURL: m.builder.InternalURL(username),
		CreatedAt:   m.clock.Now(),
	}
	rec.log = NewEventLog()
	rec.cancelledByDelete = false

	spawnCtx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	rec.done = make(chan struct{})

	m.metrics.SpawnsStarted.Inc()
	go m.spawn(spawnCtx, rec, req, builder.Input{
		User:      user,
		Token:     req.Token,
		Image:     image,
		Size:      size,
		Resources: resources,
		Env:       req.Env,

		EnableDebug:  req.Options.EnableDebug,
		ResetUserEnv: req.Options.ResetUserEnv,
	}, orphaned)
	return nil
}

// spawn is the per-user creation task. It runs until the lab is Running
// or a terminal failure, publishing progress along the way.
func (m *Manager) spawn(ctx context.Context, rec *userLab, req CreateRequest, in builder.Input, orphaned bool) {
	defer close(rec.done)
	defer rec.cancel()

	username := req.User.Username
	log := rec.log
	progress := &progressTracker{}
	startedAt := m.clock.Now()

	log.Publish(Event{Kind: EventInfo, Message: "Lab creation initiated", Progress: progress.set(2)})

	spawnCtx, cancel := context.WithTimeout(ctx, m.cfg.Lab.SpawnTimeout.Duration)
	defer cancel()

	err := m.doSpawn(spawnCtx, log, progress, in, orphaned)
	if err == nil {
		rec.mu.Lock()
		rec.state.Status = StatusRunning
		m.watchRunning(rec, username)
		rec.mu.Unlock()
		log.Publish(Event{
			Kind:     EventInfo,
			Message:  fmt.Sprintf("Pod successfully spawned for %s", username),
			Progress: progress.set(75),
		})
		log.Publish(Event{Kind: EventComplete, Message: "Lab is running", Progress: progress.set(100)})
		m.metrics.SpawnsSucceeded.Inc()
		m.metrics.ActiveLabs.Inc()
		return
	}

	rec.mu.Lock()
	cancelled := rec.cancelledByDelete
	if !cancelled {
		rec.state.Status = StatusFailed
	}
	rec.mu.Unlock()

	if cancelled {
		// Deletion owns cleanup; a cancelled spawn is not a failure.
		log.Publish(Event{Kind: EventFailed, Message: "Lab creation cancelled", Progress: progress.current()})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = apierror.NewTimeout("lab spawn", username, startedAt, m.clock.Now())
	}
	m.logger.Error(err, "lab spawn failed", "user", username)
	log.Publish(Event{Kind: EventError, Message: err.Error(), Progress: progress.current()})
	log.Publish(Event{Kind: EventFailed, Message: "Lab creation failed", Progress: progress.current()})
	m.metrics.SpawnsFailed.Inc()
	m.alerter.Error(err)

	// Reap the residue; the in-memory record stays Failed so a fresh
	// create can proceed.
	reapCtx, cancelReap := context.WithTimeout(context.Background(), m.cfg.Lab.DeleteTimeout.Duration)
	defer cancelReap()
	if reapErr := m.kube.DeleteNamespace(reapCtx, m.builder.Namespace(username)); reapErr != nil {
		m.logger.Error(reapErr, "failed to reap lab namespace", "user", username)
	}
}

func (m *Manager) doSpawn(ctx context.Context, log *EventLog, progress *progressTracker, in builder.Input, orphaned bool) error {
	username := in.User.Username
	namespace := m.builder.Namespace(username)

	if !orphaned {
		// A namespace left over from a previous controller is residue
		// even without an in-memory record.
		existing, err := m.kube.GetNamespace(ctx, namespace)
		if err != nil {
			return err
		}
		orphaned = existing != nil
	}
	if orphaned {
		log.Publish(Event{Kind: EventInfo, Message: "Deleting existing orphaned lab", Progress: 1})
		if err := m.kube.DeleteNamespace(ctx, namespace); err != nil {
			return err
		}
		if err := m.kube.WaitForNamespaceGone(ctx, namespace); err != nil {
			return err
		}
	}

	extra, err := m.gatherSecretData(ctx)
	if err != nil {
		return err
	}
	in.ExtraSecretData = extra

	for _, obj := range m.builder.BuildObjects(in) {
		if err := m.kube.CreateObject(ctx, obj); err != nil {
			return err
		}
	}
	log.Publish(Event{Kind: EventInfo, Message: "Pod requested", Progress: progress.set(45)})

	return m.waitForRunning(ctx, log, progress, namespace, m.builder.PodName(username))
}

// gatherSecretData reads the configured controller-namespace secrets that
// are projected into the lab secret.
func (m *Manager) gatherSecretData(ctx context.Context) (map[string][]byte, error) {
	if len(m.cfg.Lab.Secrets) == 0 {
		return nil, nil
	}
	data := map[string][]byte{}
	for _, ref := range m.cfg.Lab.Secrets {
		secret, err := m.kube.GetSecret(ctx, m.cfg.Namespace, ref.SecretName)
		if err != nil {
			return nil, err
		}
		value, ok := secret.Data[ref.SecretKey]
		if !ok {
			return nil, apierror.NewMissingObject("Secret key "+ref.SecretKey, m.cfg.Namespace, ref.SecretName)
		}
		data[ref.SecretKey] = value
	}
	return data, nil
}

// waitForRunning watches the pod until it is Running, forwarding cluster
// events into the progress stream with interpolated percentages.
func (m *Manager) waitForRunning(ctx context.Context, log *EventLog, progress *progressTracker, namespace, podName string) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := m.kube.WatchPodEvents(watchCtx, namespace, podName)
	if err != nil {
		// Event delivery is best-effort; the phase watch decides the
		// outcome.
		m.logger.Error(err, "cannot watch pod events", "namespace", namespace, "pod", podName)
	} else {
		go func() {
			for event := range events {
				if event.Message == "" {
					continue
				}
				log.Publish(Event{Kind: EventInfo, Message: event.Message, Progress: progress.bump(75)})
			}
		}()
	}

	return m.kube.WaitForPod(ctx, namespace, podName, func(pod *corev1.Pod) (bool, error) {
		if pod == nil {
			return false, fmt.Errorf("lab pod %s/%s deleted while starting", namespace, podName)
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodSucceeded, corev1.PodFailed:
			return false, fmt.Errorf("lab pod %s/%s entered phase %s before running", namespace, podName, pod.Status.Phase)
		default:
			return false, nil
		}
	})
}

// watchRunning follows a running lab's pod until it exits. Pod death
// moves the lab to Terminated: the record stays inspectable and the
// next create treats the namespace as residue. Callers hold rec.mu.
func (m *Manager) watchRunning(rec *userLab, username string) {
	ctx, cancel := context.WithCancel(context.Background())
	rec.monitorCancel = cancel
	namespace := m.builder.Namespace(username)
	podName := m.builder.PodName(username)

	go func() {
		defer cancel()
		err := m.kube.WaitForPod(ctx, namespace, podName, func(pod *corev1.Pod) (bool, error) {
			if pod == nil {
				return true, nil
			}
			phase := pod.Status.Phase
			return phase == corev1.PodSucceeded || phase == corev1.PodFailed, nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Error(err, "lab pod watch failed", "user", username)
			return
		}
		rec.mu.Lock()
		// Re-check the cancellation under the lock: deletion and
		// reconciliation cancel the monitor before they account for the
		// lab themselves.
		if ctx.Err() != nil || rec.deleting || rec.state == nil || rec.state.Status != StatusRunning {
			rec.mu.Unlock()
			return
		}
		rec.state.Status = StatusTerminated
		m.metrics.ActiveLabs.Dec()
		m.logger.Info("lab pod exited", "user", username)
		rec.mu.Unlock()
	}()
}

// Delete tears a lab down. It is idempotent: concurrent deletes share one
// cleanup, and deleting an absent lab reports not-found.
func (m *Manager) Delete(ctx context.Context, username string) error {
	rec := m.lookup(username)
	if rec == nil {
		return apierror.NewLabNotFound(username)
	}

	rec.mu.Lock()
	if rec.state == nil {
		rec.mu.Unlock()
		return apierror.NewLabNotFound(username)
	}
	if rec.deleting {
		ch := rec.deleted
		rec.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	rec.deleting = true
	rec.deleted = make(chan struct{})
	wasRunning := rec.state.Status == StatusRunning
	rec.state.Status = StatusTerminating
	if rec.cancel != nil {
		rec.cancelledByDelete = true
		rec.cancel()
	}
	if rec.monitorCancel != nil {
		rec.monitorCancel()
	}
	done := rec.done
	deleted := rec.deleted
	rec.mu.Unlock()

	if done != nil {
		<-done
	}

	namespace := m.builder.Namespace(username)
	delCtx, cancel := context.WithTimeout(ctx, m.cfg.Lab.DeleteTimeout.Duration)
	defer cancel()
	err := m.kube.DeleteNamespace(delCtx, namespace)
	if err == nil {
		err = m.kube.WaitForNamespaceGone(delCtx, namespace)
	}

	m.remove(username, rec)
	if wasRunning {
		m.metrics.ActiveLabs.Dec()
	}
	close(deleted)
	return err
}

// GetState returns a copy of the user's lab state.
func (m *Manager) GetState(username string) (*State, error) {
	rec := m.lookup(username)
	if rec == nil {
		return nil, apierror.NewLabNotFound(username)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == nil {
		return nil, apierror.NewLabNotFound(username)
	}
	state := *rec.state
	return &state, nil
}

// ListUsers returns the usernames with lab state, sorted.
func (m *Manager) ListUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.users))
	for username, rec := range m.users {
		rec.mu.Lock()
		present := rec.state != nil
		rec.mu.Unlock()
		if present {
			users = append(users, username)
		}
	}
	sort.Strings(users)
	return users
}

// Events returns a fresh cursor over the user's progress log, replaying
// from the beginning.
func (m *Manager) Events(username string) (*Cursor, error) {
	rec := m.lookup(username)
	if rec == nil {
		return nil, apierror.NewLabNotFound(username)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == nil || rec.log == nil {
		return nil, apierror.NewLabNotFound(username)
	}
	return rec.log.Subscribe(), nil
}

// progressTracker is the shared progress percentage of one spawn. The
// event watcher bumps it between milestones.
type progressTracker struct {
	mu  sync.Mutex
	val int
}

func (p *progressTracker) set(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > p.val {
		p.val = v
	}
	return p.val
}

func (p *progressTracker) current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val
}

// bump moves 20% of the way toward limit, matching what hub progress
// bars expect.
func (p *progressTracker) bump(limit int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.val < limit {
		p.val += (limit - p.val) / 5
	}
	return p.val
}
