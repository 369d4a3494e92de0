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

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
	watchtools "k8s.io/client-go/tools/watch"
)

// WaitForPod watches a pod until condition reports done, listing first so
// that events missed before the watch started cannot wedge the wait. The
// condition receives nil when the pod is absent or deleted.
func (c *Client) WaitForPod(ctx context.Context, namespace, name string, condition func(pod *corev1.Pod) (bool, error)) error {
	lw := &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			return c.clientset.CoreV1().Pods(namespace).List(ctx, options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			return c.clientset.CoreV1().Pods(namespace).Watch(ctx, options)
		},
	}

	_, err := watchtools.UntilWithSync(ctx, lw, &corev1.Pod{}, nil, func(event watch.Event) (bool, error) {
		switch event.Type {
		case watch.Deleted:
			if pod, ok := event.Object.(*corev1.Pod); ok && pod.Name == name {
				return condition(nil)
			}
			return false, nil
		case watch.Added, watch.Modified:
			pod, ok := event.Object.(*corev1.Pod)
			if !ok || pod.Name != name {
				return false, nil
			}
			return condition(pod)
		default:
			return false, nil
		}
	})
	if err != nil {
		return wrap("Pod", namespace, name, err)
	}
	return nil
}

// WatchPodEvents streams the Kubernetes events pertaining to a pod until
// the context is done or the server closes the watch. The returned
// channel is closed when the stream ends.
func (c *Client) WatchPodEvents(ctx context.Context, namespace, podName string) (<-chan *corev1.Event, error) {
	w, err := c.clientset.CoreV1().Events(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "involvedObject.kind=Pod,involvedObject.name=" + podName,
	})
	if err != nil {
		return nil, wrap("Event", namespace, podName, err)
	}

	ch := make(chan *corev1.Event)
	go func() {
		defer close(ch)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.ResultChan():
				if !ok {
					return
				}
				if event.Type != watch.Added && event.Type != watch.Modified {
					continue
				}
				k8sEvent, ok := event.Object.(*corev1.Event)
				if !ok || k8sEvent.InvolvedObject.Name != podName {
					continue
				}
				select {
				case ch <- k8sEvent:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
