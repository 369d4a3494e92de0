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

// Package apierror defines the controller's error taxonomy. Every error
// carries an HTTP status, a machine-readable type for response bodies,
// and a Slack Block Kit rendering for alerting.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Error is the common shape of controller errors.
type Error struct {
	// Code is the machine-readable error type, e.g. "lab_exists".
	Code string

	// Status is the HTTP status the error maps to.
	Status int

	// Message is the human-readable description.
	Message string

	// User is the affected username, when the error pertains to one.
	User string
}

func (e *Error) Error() string {
	return e.Message
}

// SlackBlocks renders the error for a webhook alert.
func (e *Error) SlackBlocks() []slack.Block {
	return slackBlocks("Error in Nublado controller", e.Message, map[string]string{
		"Type": e.Code,
		"User": e.User,
	})
}

// StatusOf extracts the HTTP status for an error, defaulting to 500 for
// untyped errors.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var k8sErr *KubernetesError
	if errors.As(err, &k8sErr) {
		return http.StatusInternalServerError
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the machine-readable type, defaulting to
// "internal_error".
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var k8sErr *KubernetesError
	if errors.As(err, &k8sErr) {
		return "kubernetes_error"
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timeout"
	}
	return "internal_error"
}

// Input errors (422).

func NewUnknownUser(username string) *Error {
	return &Error{
		Code:    "unknown_user",
		Status:  http.StatusUnprocessableEntity,
		Message: fmt.Sprintf("Unknown user %s", username),
		User:    username,
	}
}

func NewInvalidDockerReference(reference string) *Error {
	return &Error{
		Code:    "invalid_docker_reference",
		Status:  http.StatusUnprocessableEntity,
		Message: fmt.Sprintf("Invalid Docker reference %q", reference),
	}
}

func NewUnknownImage(reference string) *Error {
	return &Error{
		Code:    "unknown_image",
		Status:  http.StatusUnprocessableEntity,
		Message: fmt.Sprintf("Unknown image %q", reference),
	}
}

func NewInvalidLabSize(size string) *Error {
	return &Error{
		Code:    "invalid_lab_size",
		Status:  http.StatusUnprocessableEntity,
		Message: fmt.Sprintf("Invalid lab size %q", size),
	}
}

func NewInvalidOptions(msg string) *Error {
	return &Error{
		Code:    "invalid_options",
		Status:  http.StatusUnprocessableEntity,
		Message: msg,
	}
}

// Authorization errors (401/403).

func NewInvalidToken() *Error {
	return &Error{
		Code:    "invalid_token",
		Status:  http.StatusUnauthorized,
		Message: "Token is invalid",
	}
}

func NewPermissionDenied(username string) *Error {
	return &Error{
		Code:    "permission_denied",
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("Permission denied for %s", username),
		User:    username,
	}
}

func NewInsufficientQuota(username string) *Error {
	return &Error{
		Code:    "insufficient_quota",
		Status:  http.StatusForbidden,
		Message: "Insufficient quota",
		User:    username,
	}
}

// Conflict (409).

func NewLabExists(username string) *Error {
	return &Error{
		Code:    "lab_exists",
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("Lab already exists for %s", username),
		User:    username,
	}
}

// Not found (404).

func NewLabNotFound(username string) *Error {
	return &Error{
		Code:    "unknown_user_lab",
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("No lab for %s", username),
		User:    username,
	}
}

func NewMissingObject(kind, namespace, name string) *Error {
	return &Error{
		Code:    "missing_object",
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s %s/%s not found", kind, namespace, name),
	}
}

// Upstream failures (502).

func NewUpstream(service string, err error) *Error {
	return &Error{
		Code:    "upstream_error",
		Status:  http.StatusBadGateway,
		Message: fmt.Sprintf("Upstream %s failed: %v", service, err),
	}
}

// Duplicate object (500).

func NewDuplicateObject(kind, namespace, name string) *Error {
	return &Error{
		Code:    "duplicate_object",
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("Multiple %s objects named %s/%s", kind, namespace, name),
	}
}

// KubernetesError reports a failed cluster operation, naming the object
// and carrying the API response.
type KubernetesError struct {
	Kind      string
	Namespace string
	Name      string
	Status    int
	Body      string
	Err       error
}

func NewKubernetes(kind, namespace, name string, status int, body string, err error) *KubernetesError {
	return &KubernetesError{
		Kind:      kind,
		Namespace: namespace,
		Name:      name,
		Status:    status,
		Body:      body,
		Err:       err,
	}
}

func (e *KubernetesError) Error() string {
	return fmt.Sprintf("kubernetes error on %s %s/%s (status %d): %v",
		e.Kind, e.Namespace, e.Name, e.Status, e.Err)
}

func (e *KubernetesError) Unwrap() error {
	return e.Err
}

func (e *KubernetesError) SlackBlocks() []slack.Block {
	return slackBlocks("Kubernetes API error", e.Error(), map[string]string{
		"Object": fmt.Sprintf("%s %s/%s", e.Kind, e.Namespace, e.Name),
		"Status": fmt.Sprintf("%d", e.Status),
		"Body":   e.Body,
	})
}

// TimeoutError reports an operation exceeding its deadline.
type TimeoutError struct {
	Operation string
	User      string
	StartedAt time.Time
	FailedAt  time.Time
}

func NewTimeout(operation, user string, startedAt, failedAt time.Time) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		User:      user,
		StartedAt: startedAt,
		FailedAt:  failedAt,
	}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s for %s timed out after %s",
		e.Operation, e.User, e.FailedAt.Sub(e.StartedAt).Round(time.Second))
}

func (e *TimeoutError) SlackBlocks() []slack.Block {
	return slackBlocks("Operation timed out", e.Error(), map[string]string{
		"Operation": e.Operation,
		"User":      e.User,
		"Started":   e.StartedAt.UTC().Format(time.RFC3339),
		"Failed":    e.FailedAt.UTC().Format(time.RFC3339),
	})
}

// SlackReporter is implemented by every error in the taxonomy.
type SlackReporter interface {
	SlackBlocks() []slack.Block
}

func slackBlocks(title, message string, fields map[string]string) []slack.Block {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, title, false, false))
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, message, false, false), nil, nil)

	var fieldObjects []*slack.TextBlockObject
	for _, key := range []string{"Type", "User", "Object", "Status", "Body", "Operation", "Started", "Failed"} {
		if v, ok := fields[key]; ok && v != "" {
			fieldObjects = append(fieldObjects,
				slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", key, v), false, false))
		}
	}
	blocks := []slack.Block{header, body}
	if len(fieldObjects) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(nil, fieldObjects, nil))
	}
	return blocks
}
