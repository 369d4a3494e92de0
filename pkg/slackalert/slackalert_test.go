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

package slackalert

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/nublado/pkg/apierror"
)

func TestErrorPostsBlocks(t *testing.T) {
	var mu sync.Mutex
	var posted []*slack.WebhookMessage

	a := New("https://hooks.example.com/services/x", testr.New(t))
	a.post = func(_ context.Context, _ string, msg *slack.WebhookMessage) error {
		mu.Lock()
		defer mu.Unlock()
		posted = append(posted, msg)
		return nil
	}

	a.Error(apierror.NewKubernetes("Pod", "nublado-rachel", "rachel-nb", 500, "boom", fmt.Errorf("boom")))
	a.Error(fmt.Errorf("plain failure"))
	a.Flush()

	// Posts run concurrently, so match messages by shape rather than
	// arrival order.
	require.Len(t, posted, 2)
	var structured, plain *slack.WebhookMessage
	for _, msg := range posted {
		if msg.Blocks != nil {
			structured = msg
		} else {
			plain = msg
		}
	}
	require.NotNil(t, structured)
	require.Empty(t, structured.Text)
	require.NotNil(t, plain)
	require.Contains(t, plain.Text, "plain failure")
}

func TestDisabledAlerter(t *testing.T) {
	var a *Alerter
	a.Error(fmt.Errorf("ignored")) // nil alerter must not panic
	a.Flush()

	empty := New("", testr.New(t))
	called := false
	empty.post = func(context.Context, string, *slack.WebhookMessage) error {
		called = true
		return nil
	}
	empty.Error(apierror.NewTimeout("lab spawn", "rachel", time.Now().Add(-time.Minute), time.Now()))
	empty.Flush()
	require.False(t, called)
}
