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

package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/lsst-sqre/nublado/pkg/apierror"
)

func testClient(t *testing.T, objs ...runtime.Object) *Client {
	t.Helper()
	return New(fake.NewSimpleClientset(objs...), testr.New(t))
}

func TestCreateObjectKinds(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	for _, obj := range []runtime.Object{
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "nublado-rachel"}},
		&corev1.ResourceQuota{ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "nb-rachel"}},
		&networkingv1.NetworkPolicy{ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "nb-rachel"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "lab"}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "nb-rachel"}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "nb-rachel-env"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "rachel-nb"}},
	} {
		if err := client.CreateObject(ctx, obj); err != nil {
			t.Fatalf("create %T: %v", obj, err)
		}
	}

	pod, err := client.GetPod(ctx, "nublado-rachel", "rachel-nb")
	if err != nil {
		t.Fatal(err)
	}
	if pod == nil {
		t.Fatal("pod not created")
	}
}

func TestCreateObjectUnsupported(t *testing.T) {
	client := testClient(t)
	err := client.CreateObject(context.Background(), &corev1.Endpoints{})
	if err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestCreateObjectConflict(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "nublado-rachel"}}
	client := testClient(t, ns)

	err := client.CreateObject(context.Background(), ns.DeepCopy())
	if err == nil {
		t.Fatal("expected conflict")
	}
	var kerr *apierror.KubernetesError
	if !errors.As(err, &kerr) {
		t.Fatalf("error type: %T", err)
	}
	if kerr.Status != 409 {
		t.Errorf("status: got %d, want 409", kerr.Status)
	}
}

func TestGetNamespaceAbsent(t *testing.T) {
	client := testClient(t)
	ns, err := client.GetNamespace(context.Background(), "nublado-nobody")
	if err != nil {
		t.Fatal(err)
	}
	if ns != nil {
		t.Errorf("expected nil, got %v", ns)
	}
}

func TestListNamespacesPrefix(t *testing.T) {
	client := testClient(t,
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "nublado-rachel"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "nublado-deckard"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}},
	)
	matched, err := client.ListNamespaces(context.Background(), "nublado-")
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 2 {
		t.Errorf("matched %d namespaces, want 2", len(matched))
	}
}

func TestDeleteNamespaceIdempotent(t *testing.T) {
	client := testClient(t, &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "nublado-rachel"}})
	ctx := context.Background()

	if err := client.DeleteNamespace(ctx, "nublado-rachel"); err != nil {
		t.Fatal(err)
	}
	if err := client.DeleteNamespace(ctx, "nublado-rachel"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := client.WaitForNamespaceGone(ctx, "nublado-rachel"); err != nil {
		t.Fatal(err)
	}
}

func TestGetSecretMissing(t *testing.T) {
	client := testClient(t)
	_, err := client.GetSecret(context.Background(), "nublado", "pull-secret")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := apierror.StatusOf(err); got != 404 {
		t.Errorf("status: got %d, want 404", got)
	}
}

func TestWaitForPod(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "rachel-nb"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}
	client := testClient(t, pod)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		running := pod.DeepCopy()
		running.Status.Phase = corev1.PodRunning
		client.Clientset().CoreV1().Pods("nublado-rachel").Update(ctx, running, metav1.UpdateOptions{})
	}()

	var last corev1.PodPhase
	err := client.WaitForPod(ctx, "nublado-rachel", "rachel-nb", func(pod *corev1.Pod) (bool, error) {
		if pod == nil {
			t.Fatal("pod deleted")
		}
		last = pod.Status.Phase
		return pod.Status.Phase == corev1.PodRunning, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if last != corev1.PodRunning {
		t.Errorf("phase: %s", last)
	}
}

func TestWaitForPodDeleted(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "rachel-nb"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}
	client := testClient(t, pod)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		client.DeletePod(ctx, "nublado-rachel", "rachel-nb")
	}()

	sawDeleted := false
	err := client.WaitForPod(ctx, "nublado-rachel", "rachel-nb", func(pod *corev1.Pod) (bool, error) {
		if pod == nil {
			sawDeleted = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sawDeleted {
		t.Error("condition never saw the deletion")
	}
}

func TestWatchPodEvents(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := client.WatchPodEvents(ctx, "nublado-rachel", "rachel-nb")
	if err != nil {
		t.Fatal(err)
	}

	event := &corev1.Event{
		ObjectMeta:     metav1.ObjectMeta{Namespace: "nublado-rachel", Name: "rachel-nb.1"},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "rachel-nb"},
		Message:        "Pulling image",
	}
	if _, err := client.Clientset().CoreV1().Events("nublado-rachel").Create(ctx, event, metav1.CreateOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.Message != "Pulling image" {
			t.Errorf("message: %q", got.Message)
		}
	case <-ctx.Done():
		t.Fatal("no event delivered")
	}
	cancel()
}
