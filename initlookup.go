// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package confsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	DefaultInitEndpoint = "https://prod-init.confkit.live/init"

	defaultInitCacheTTL = 10 * time.Second
	maxInitErrorBody    = 1024
)

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type RTCConfig struct {
	ICEServers []ICEServer `json:"ice_servers"`
}

// InitConfig is the init lookup response: where to signal and how to reach the media server.
type InitConfig struct {
	Endpoint  string    `json:"endpoint"`
	RTCConfig RTCConfig `json:"rtc_config"`
}

func (c *InitConfig) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.RTCConfig.ICEServers))
	for _, s := range c.RTCConfig.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return webrtc.Configuration{ICEServers: servers}
}

type initCacheItem struct {
	config    *InitConfig
	updatedAt time.Time
}

// initLookup resolves the signal endpoint for a token, caching responses briefly so a reconnect
// cycle does not hit the init service on every attempt.
type initLookup struct {
	ttl        time.Duration
	httpClient *http.Client

	mutex sync.Mutex
	cache map[string]*initCacheItem
}

func newInitLookup(ttl time.Duration) *initLookup {
	if ttl <= 0 {
		ttl = defaultInitCacheTTL
	}
	return &initLookup{
		ttl:   ttl,
		cache: make(map[string]*initCacheItem),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Resolve returns the init config for token at endpoint. Errors are InitFailure.
func (l *initLookup) Resolve(ctx context.Context, endpoint, token, peerID string) (*InitConfig, error) {
	if endpoint == "" {
		endpoint = DefaultInitEndpoint
	}
	key := endpoint + "|" + token

	l.mutex.Lock()
	item := l.cache[key]
	l.mutex.Unlock()
	if item != nil && time.Since(item.updatedAt) <= l.ttl {
		return item.config, nil
	}

	config, err := l.fetch(ctx, endpoint, token, peerID)
	if err != nil {
		return nil, newError(CodeInitFailure, "init", endpoint, err)
	}

	l.mutex.Lock()
	l.cache[key] = &initCacheItem{config: config, updatedAt: time.Now()}
	l.mutex.Unlock()
	return config, nil
}

func (l *initLookup) invalidate(endpoint, token string) {
	if endpoint == "" {
		endpoint = DefaultInitEndpoint
	}
	l.mutex.Lock()
	delete(l.cache, endpoint+"|"+token)
	l.mutex.Unlock()
}

func (l *initLookup) fetch(ctx context.Context, endpoint, token, peerID string) (*InitConfig, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid init endpoint: %w", err)
	}
	q := u.Query()
	if peerID != "" {
		q.Set("peer_id", peerID)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = http.Header{
		"Authorization": []string{"Bearer " + token},
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxInitErrorBody))
		return nil, fmt.Errorf("init failed with status %s: %s", resp.Status, body)
	}

	config := &InitConfig{}
	if err := json.NewDecoder(resp.Body).Decode(config); err != nil {
		return nil, fmt.Errorf("could not decode init response: %w", err)
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("init response has no endpoint")
	}
	return config, nil
}
