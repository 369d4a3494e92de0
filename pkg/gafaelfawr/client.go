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

// Package gafaelfawr is a client for the identity service's user and
// token metadata routes.
package gafaelfawr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lsst-sqre/nublado/pkg/apierror"
)

// Group is one group membership with its GID.
type Group struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// NotebookQuota caps notebook spawning for a user.
type NotebookQuota struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory_bytes"`
	Spawn  bool    `json:"spawn"`
}

// Quota is the user's quota document. Absent sections mean unlimited.
type Quota struct {
	API      map[string]int `json:"api,omitempty"`
	Notebook *NotebookQuota `json:"notebook,omitempty"`
}

// UserInfo is the identity metadata for a token.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	UID      int64   `json:"uid"`
	GID      int64   `json:"gid"`
	Groups   []Group `json:"groups"`
	Quota    *Quota  `json:"quota,omitempty"`
}

// TokenInfo describes the token itself.
type TokenInfo struct {
	Token  string   `json:"token"`
	Scopes []string `json:"scopes"`
}

// Client talks to Gafaelfawr with a caller-supplied bearer token.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a client for the service at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// UserInfo fetches the identity metadata the token delegates.
func (c *Client) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	var info UserInfo
	if err := c.get(ctx, "/auth/api/v1/user-info", token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// TokenInfo fetches the token's own metadata, including its scopes.
func (c *Client) TokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	var info TokenInfo
	if err := c.get(ctx, "/auth/api/v1/token-info", token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) get(ctx context.Context, route, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+route, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", route, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return apierror.NewUpstream("gafaelfawr", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apierror.NewInvalidToken()
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierror.NewUpstream("gafaelfawr",
			fmt.Errorf("%s returned %d: %s", route, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierror.NewUpstream("gafaelfawr", fmt.Errorf("decode %s response: %w", route, err))
	}
	return nil
}
