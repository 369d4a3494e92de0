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

package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/clock"

	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/gafaelfawr"
	"github.com/lsst-sqre/nublado/pkg/imageservice"
	"github.com/lsst-sqre/nublado/pkg/kube"
	"github.com/lsst-sqre/nublado/pkg/lab"
	"github.com/lsst-sqre/nublado/pkg/prepuller"
	"github.com/lsst-sqre/nublado/pkg/slackalert"
	"github.com/lsst-sqre/nublado/pkg/source"
)

const (
	userToken  = "token-of-affection"
	adminToken = "token-of-authority"
)

// fakeGafaelfawr answers user-info and token-info for the two test
// tokens.
func fakeGafaelfawr(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api/v1/user-info", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+userToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(gafaelfawr.UserInfo{
			Username: "rachel",
			UID:      1101,
			GID:      1101,
			Groups:   []gafaelfawr.Group{{Name: "rachel", ID: 1101}},
		})
	})
	mux.HandleFunc("/auth/api/v1/token-info", func(w http.ResponseWriter, r *http.Request) {
		info := gafaelfawr.TokenInfo{Token: "t"}
		switch r.Header.Get("Authorization") {
		case "Bearer " + adminToken:
			info.Scopes = []string{"admin:jupyterlab"}
		case "Bearer " + userToken:
			info.Scopes = []string{"exec:notebook"}
		default:
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(info)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type stubSource struct{}

func (stubSource) Enumerate(context.Context) ([]source.Listing, error) {
	return []source.Listing{
		{Digest: "sha256:aaaa", Tags: []string{"w_2077_43", "recommended"}},
		{Digest: "sha256:bbbb", Tags: []string{"w_2077_42"}},
	}, nil
}
func (stubSource) Registry() string   { return "registry.hub.docker.com" }
func (stubSource) Repository() string { return "lsstsqre/sciplat-lab" }

type fixture struct {
	server    *httptest.Server
	clientset *fake.Clientset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testr.New(t)
	clientset := fake.NewSimpleClientset()
	kubeClient := kube.New(clientset, logger)
	alerter := slackalert.New("", logger)

	cfg := &config.Config{
		BaseURL:    "https://data.example.org",
		PathPrefix: "/nublado",
		Namespace:  "nublado",
		Lab: config.LabConfig{
			NamespacePrefix:     "nublado",
			RequestFraction:     0.25,
			HomedirSchema:       config.HomedirUsername,
			HomedirPrefix:       "/home",
			SecretsPath:         "/opt/lsst/software/jupyterlab/secrets",
			SpawnTimeout:        metav1.Duration{Duration: 30 * time.Second},
			ReconcileInterval:   metav1.Duration{Duration: 5 * time.Minute},
			InFlightGracePeriod: metav1.Duration{Duration: time.Minute},
			DeleteTimeout:       metav1.Duration{Duration: 10 * time.Second},
			Sizes: []config.LabSize{
				{Name: "Small", CPU: resource.MustParse("1"), Memory: resource.MustParse("4Gi")},
				{Name: "Medium", CPU: resource.MustParse("2"), Memory: resource.MustParse("8Gi")},
			},
		},
		Images: config.ImagesConfig{
			RecommendedTag:  "recommended",
			NumReleases:     1,
			NumWeeklies:     2,
			NumDailies:      3,
			RefreshInterval: metav1.Duration{Duration: 5 * time.Minute},
		},
		Prepuller: config.PrepullerConfig{
			Namespace:      "nublado",
			MaxConcurrency: 2,
			PodTimeout:     metav1.Duration{Duration: 30 * time.Second},
		},
	}

	gServer := fakeGafaelfawr(t)
	gClient := gafaelfawr.New(gServer.URL, 5*time.Second)

	images, err := imageservice.New(cfg, stubSource{}, kubeClient, alerter, clock.RealClock{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := images.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	manager := lab.NewManager(cfg, kubeClient, images, alerter, lab.NewMetrics(prometheus.NewRegistry()), clock.RealClock{}, logger)
	prepull := prepuller.New(cfg, images, kubeClient, alerter, prepuller.NewMetrics(prometheus.NewRegistry()), clock.RealClock{}, logger)

	server := httptest.NewServer(New(cfg, manager, images, prepull, gClient, logger).Handler())
	t.Cleanup(server.Close)
	return &fixture{server: server, clientset: clientset}
}

func (f *fixture) request(t *testing.T, method, path, user, token, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-Auth-Request-User", user)
	}
	if token != "" {
		req.Header.Set("X-Auth-Request-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// runPod flips the lab pod to Running once it appears.
func (f *fixture) runPod(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		pod, err := f.clientset.CoreV1().Pods("nublado-rachel").Get(ctx, "rachel-nb", metav1.GetOptions{})
		if err == nil {
			pod.Status.Phase = corev1.PodRunning
			if _, err := f.clientset.CoreV1().Pods("nublado-rachel").Update(ctx, pod, metav1.UpdateOptions{}); err == nil {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lab pod never appeared")
}

const createBody = `{"options":{"image_class":["recommended"],"size":["Medium"]},"env":{"X":"1"}}`

func TestSpawnHappyPath(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/spawner/v1/labs/rachel/create", "rachel", userToken, createBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://data.example.org/nublado/spawner/v1/labs/rachel" {
		t.Errorf("location: %q", loc)
	}
	resp.Body.Close()
	f.runPod(t)

	// The SSE stream replays the milestones and ends at the terminal
	// event.
	resp = f.request(t, http.MethodGet, "/spawner/v1/labs/rachel/events", "rachel", userToken, "")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: %q", ct)
	}
	var kinds []string
	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != "complete" {
		t.Fatalf("event kinds: %v", kinds)
	}
	if !strings.Contains(strings.Join(payloads, "\n"), `"message":"Pod requested","progress":45`) {
		t.Errorf("missing milestone in payloads: %v", payloads)
	}

	// Admin view of the lab.
	resp = f.request(t, http.MethodGet, "/spawner/v1/labs/rachel", "admin", adminToken, "")
	defer resp.Body.Close()
	var state lab.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if state.Status != lab.StatusRunning {
		t.Errorf("status: %s", state.Status)
	}

	// And the user's own view.
	resp = f.request(t, http.MethodGet, "/spawner/v1/user-status", "rachel", userToken, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("user-status: %d", resp.StatusCode)
	}
}

func TestDuplicateCreate(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/spawner/v1/labs/rachel/create", "rachel", userToken, createBody)
	resp.Body.Close()
	f.runPod(t)

	resp = f.request(t, http.MethodPost, "/spawner/v1/labs/rachel/create", "rachel", userToken, createBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var body struct {
		Detail []struct {
			Msg  string `json:"msg"`
			Type string `json:"type"`
		} `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Detail) != 1 || body.Detail[0].Type != "lab_exists" ||
		body.Detail[0].Msg != "Lab already exists for rachel" {
		t.Errorf("body: %+v", body)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/spawner/v1/labs/rachel/create", "rachel", userToken, createBody)
	resp.Body.Close()
	f.runPod(t)
	// Wait for the spawn to finish before deleting.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp = f.request(t, http.MethodGet, "/spawner/v1/labs/rachel", "admin", adminToken, "")
		var state lab.State
		_ = json.NewDecoder(resp.Body).Decode(&state)
		resp.Body.Close()
		if state.Status == lab.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = f.request(t, http.MethodDelete, "/spawner/v1/labs/rachel", "admin", adminToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}

	resp = f.request(t, http.MethodGet, "/spawner/v1/labs/rachel", "admin", adminToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete: %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	// No headers.
	resp := f.request(t, http.MethodGet, "/spawner/v1/user-status", "", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing headers: %d", resp.StatusCode)
	}

	// Path user differs from header user.
	resp = f.request(t, http.MethodGet, "/spawner/v1/labs/other/events", "rachel", userToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("user mismatch: %d", resp.StatusCode)
	}

	// Non-admin token on an admin route.
	resp = f.request(t, http.MethodGet, "/spawner/v1/labs", "rachel", userToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin: %d", resp.StatusCode)
	}

	// Invalid token on create.
	resp = f.request(t, http.MethodPost, "/spawner/v1/labs/rachel/create", "rachel", "bogus", createBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("invalid token: %d", resp.StatusCode)
	}
}

func TestFormRenders(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/spawner/v1/lab-form/rachel", "rachel", userToken, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	html := sb.String()
	for _, want := range []string{
		"use_image_from_dropdown",
		"Weekly 2077_43",
		`name="size" value="Medium"`,
		"enable_debug",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("form missing %q", want)
		}
	}
}

func TestImagesAndPrepullsRoutes(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/spawner/v1/images", "admin", adminToken, "")
	defer resp.Body.Close()
	var entries []imageservice.MenuEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("images: got %d entries", len(entries))
	}

	resp = f.request(t, http.MethodGet, "/spawner/v1/prepulls", "admin", adminToken, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("prepulls status: %d", resp.StatusCode)
	}
	var status prepuller.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
}
