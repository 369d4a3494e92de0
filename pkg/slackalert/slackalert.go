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

// Package slackalert posts failure alerts to a Slack incoming webhook.
// Posting is fire-and-forget so that alerting can never block or fail a
// control-plane operation.
package slackalert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/lsst-sqre/nublado/pkg/apierror"
)

const postTimeout = 10 * time.Second

// Alerter posts error alerts. The zero value and a nil *Alerter are
// disabled alerters that discard everything.
type Alerter struct {
	webhookURL string
	logger     logr.Logger

	// post is swappable for tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error

	wg sync.WaitGroup
}

// New builds an alerter for the webhook. An empty URL disables alerting.
func New(webhookURL string, logger logr.Logger) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		logger:     logger,
		post:       slack.PostWebhookContext,
	}
}

// Error posts an alert for err asynchronously. Errors implementing
// apierror.SlackReporter render as blocks; anything else posts its
// message text.
func (a *Alerter) Error(err error) {
	if a == nil || a.webhookURL == "" || err == nil {
		return
	}
	msg := &slack.WebhookMessage{}
	var reporter apierror.SlackReporter
	if errors.As(err, &reporter) {
		msg.Blocks = &slack.Blocks{BlockSet: reporter.SlackBlocks()}
	} else {
		msg.Text = "Error in Nublado controller: " + err.Error()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if postErr := a.post(ctx, a.webhookURL, msg); postErr != nil {
			a.logger.Error(postErr, "posting Slack alert failed")
		}
	}()
}

// Flush waits for in-flight posts, for orderly shutdown and tests.
func (a *Alerter) Flush() {
	if a != nil {
		a.wg.Wait()
	}
}
