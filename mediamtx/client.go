// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package mediamtx is a small typed client for the MediaMTX v3 HTTP API.
// It only covers the calls the broadcaster needs: path configuration,
// path/readers listing, global config and kicking of connected sessions.
package mediamtx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBadResponse is returned when the server answered with success but
// the body could not be parsed into the expected shape. It usually means
// the server is running an incompatible API version.
var ErrBadResponse = fmt.Errorf("mediamtx: unexpected response")

// APIError is a non-success answer from the server. Message is taken from
// the JSON error body when one is present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mediamtx: server returned %d", e.Status)
	}
	return fmt.Sprintf("mediamtx: server returned %d: %s", e.Status, e.Message)
}

// SessionKind selects the kick endpoint for a connected reader.
type SessionKind string

const (
	SessionRTSP   SessionKind = "rtspSession"
	SessionRTMP   SessionKind = "rtmpConn"
	SessionWebRTC SessionKind = "webrtcSession"
	SessionSRT    SessionKind = "srtConn"
)

// kickEndpoints maps a reader type to its API collection.
var kickEndpoints = map[SessionKind]string{
	SessionRTSP:   "rtspsessions",
	SessionRTMP:   "rtmpconns",
	SessionWebRTC: "webrtcsessions",
	SessionSRT:    "srtconns",
}

// PathConfig is the subset of MediaMTX path configuration we manage.
type PathConfig struct {
	SourceOnDemand bool `json:"sourceOnDemand"`
	MaxReaders     int  `json:"maxReaders"`
}

// GlobalConfig carries the listen address prefixes of every transport the
// server distributes over. Addresses come back in ":port" form.
type GlobalConfig struct {
	RTSPAddress   string `json:"rtspAddress"`
	RTMPAddress   string `json:"rtmpAddress"`
	HLSAddress    string `json:"hlsAddress"`
	WebRTCAddress string `json:"webrtcAddress"`
	SRTAddress    string `json:"srtAddress"`
}

// PathReader is one connected reader of a path.
type PathReader struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// PathInfo is one entry of the paths listing.
type PathInfo struct {
	Name    string       `json:"name"`
	Readers []PathReader `json:"readers"`
}

type pathList struct {
	Items []PathInfo `json:"items"`
}

// Client issues requests against one MediaMTX control API. It keeps no
// state between calls and is safe for concurrent use.
type Client struct {
	baseURL string
	host    string
	hc      *http.Client
}

// NewClient creates a client for the API at apiURL, e.g. "http://localhost:9997".
func NewClient(apiURL string) (*Client, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("mediamtx: parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mediamtx: unsupported api url scheme %q", u.Scheme)
	}

	return &Client{
		baseURL: strings.TrimSuffix(apiURL, "/"),
		host:    u.Hostname(),
		hc:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Host returns the hostname of the API endpoint. Transport URLs for rooms
// are derived from it.
func (c *Client) Host() string {
	return c.host
}

// AddPath registers a path on the server. A 400 answer normally means the
// path already exists; callers that want create-if-absent semantics should
// treat that status as success.
func (c *Client) AddPath(ctx context.Context, name string, conf PathConfig) error {
	body, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("mediamtx: encode path config: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/v3/config/paths/add/"+name, body, nil)
}

// DeletePath removes a path from the server configuration.
func (c *Client) DeletePath(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v3/config/paths/delete/"+name, nil, nil)
}

// GlobalConfig fetches the server wide configuration.
func (c *Client) GlobalConfig(ctx context.Context) (GlobalConfig, error) {
	var conf GlobalConfig
	err := c.do(ctx, http.MethodGet, "/v3/config/global/get", nil, &conf)
	return conf, err
}

// ListPaths returns every active path together with its connected readers.
func (c *Client) ListPaths(ctx context.Context) ([]PathInfo, error) {
	var list pathList
	if err := c.do(ctx, http.MethodGet, "/v3/paths/list", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Kick disconnects one session. The endpoint differs per transport kind.
func (c *Client) Kick(ctx context.Context, kind SessionKind, id string) error {
	endpoint, ok := kickEndpoints[kind]
	if !ok {
		return fmt.Errorf("mediamtx: unknown session kind %q", kind)
	}
	return c.do(ctx, http.MethodPost, "/v3/"+endpoint+"/kick/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mediamtx: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("mediamtx: request %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("mediamtx: read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{Status: res.StatusCode, Message: errorMessage(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrBadResponse, method, path, err)
		}
	}
	return nil
}

// errorMessage pulls the "error" field out of an error body, if it is JSON at all.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.Error
}
