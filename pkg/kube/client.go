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

// Package kube wraps the cluster API for the rest of the controller:
// object submission with typed errors, namespace lifecycle, pod phase
// and event watches, and the node inventory.
package kube

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"

	"github.com/lsst-sqre/nublado/pkg/apierror"
)

// Client is the storage adapter over a Kubernetes clientset.
type Client struct {
	clientset kubernetes.Interface
	logger    logr.Logger
}

// New wraps a clientset.
func New(clientset kubernetes.Interface, logger logr.Logger) *Client {
	return &Client{clientset: clientset, logger: logger}
}

// Clientset exposes the underlying interface for watch plumbing.
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

// wrap converts a cluster error into the typed taxonomy, keeping the API
// status code and response message.
func wrap(kind, namespace, name string, err error) error {
	if err == nil {
		return nil
	}
	status := 500
	body := ""
	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		status = int(statusErr.ErrStatus.Code)
		body = statusErr.ErrStatus.Message
	}
	return apierror.NewKubernetes(kind, namespace, name, status, body, err)
}

// CreateObject submits one of the lab object kinds. Unknown kinds are a
// programming error.
func (c *Client) CreateObject(ctx context.Context, obj runtime.Object) error {
	switch o := obj.(type) {
	case *corev1.Namespace:
		_, err := c.clientset.CoreV1().Namespaces().Create(ctx, o, metav1.CreateOptions{})
		return wrap("Namespace", "", o.Name, err)
	case *corev1.ResourceQuota:
		_, err := c.clientset.CoreV1().ResourceQuotas(o.Namespace).Create(ctx, o, metav1.CreateOptions{})
		return wrap("ResourceQuota", o.Namespace, o.Name, err)
	case *networkingv1.NetworkPolicy:
		_, err := c.clientset.NetworkingV1().NetworkPolicies(o.Namespace).Create(ctx, o, metav1.CreateOptions{})
		return wrap("NetworkPolicy", o.Namespace, o.Name, err)
	case *corev1.Service:
		_, err := c.clientset.CoreV1().Services(o.Namespace).Create(ctx, o, metav1.CreateOptions{})
		return wrap("Service", o.Namespace, o.Name, err)
	case *corev1.Secret:
		_, err := c.clientset.CoreV1().Secrets(o.Namespace).Create(ctx, o, metav1.CreateOptions{})
		return wrap("Secret", o.Namespace, o.Name, err)
	case *corev1.ConfigMap:
		_, err := c.clientset.CoreV1().ConfigMaps(o.Namespace).Create(ctx, o, metav1.CreateOptions{})
		return wrap("ConfigMap", o.Namespace, o.Name, err)
	case *corev1.Pod:
		_, err := c.clientset.CoreV1().Pods(o.Namespace).Create(ctx, o, metav1.CreateOptions{})
		return wrap("Pod", o.Namespace, o.Name, err)
	default:
		return fmt.Errorf("unsupported object type %T", obj)
	}
}

// GetNamespace fetches a namespace, nil when absent.
func (c *Client) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ns, err := c.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("Namespace", "", name, err)
	}
	return ns, nil
}

// ListNamespaces returns the namespaces whose names carry the prefix.
func (c *Client) ListNamespaces(ctx context.Context, prefix string) ([]corev1.Namespace, error) {
	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("Namespace", "", "", err)
	}
	var matched []corev1.Namespace
	for _, ns := range list.Items {
		if strings.HasPrefix(ns.Name, prefix) {
			matched = append(matched, ns)
		}
	}
	return matched, nil
}

// DeleteNamespace requests namespace deletion. Deleting an absent
// namespace is not an error.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return wrap("Namespace", "", name, err)
}

// WaitForNamespaceGone polls until the namespace no longer exists or the
// context is done.
func (c *Client) WaitForNamespaceGone(ctx context.Context, name string) error {
	for {
		ns, err := c.GetNamespace(ctx, name)
		if err != nil {
			return err
		}
		if ns == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// GetSecret fetches a secret, mapping absence to a missing-object error.
func (c *Client) GetSecret(ctx context.Context, namespace, name string) (*corev1.Secret, error) {
	secret, err := c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, apierror.NewMissingObject("Secret", namespace, name)
	}
	if err != nil {
		return nil, wrap("Secret", namespace, name, err)
	}
	return secret, nil
}

// GetPod fetches a pod, nil when absent.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("Pod", namespace, name, err)
	}
	return pod, nil
}

// ListPods lists the pods in a namespace with the label selector.
func (c *Client) ListPods(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, wrap("Pod", namespace, "", err)
	}
	return list.Items, nil
}

// DeletePod deletes a pod, tolerating absence.
func (c *Client) DeletePod(ctx context.Context, namespace, name string) error {
	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return wrap("Pod", namespace, name, err)
}

// ListNodes returns the cluster's nodes, including their cached images.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("Node", "", "", err)
	}
	return list.Items, nil
}
