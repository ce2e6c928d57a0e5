// Package jenkins is the client for the upstream CI server: artifact
// downloads, console logs, build metadata and build scheduling.
package jenkins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/types"
)

// NotFoundError reports an HTTP 404 from the CI server. Workers treat it as
// terminal: the build is gone upstream and will not appear on retry.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found on CI server: %s", e.URL)
}

// TransportError reports any other failure talking to the CI server.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("CI server error for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("CI server returned %d for %s", e.Status, e.URL)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Metadata is the CI-side build metadata.
type Metadata struct {
	Duration  int64 // build duration in seconds
	Timestamp int64 // build start, unix milliseconds
}

// Client talks to a Jenkins-compatible CI server.
type Client struct {
	base         *url.URL
	http         *http.Client
	user         string
	apiKey       string
	artifactName string
	chunkSize    int
}

// New creates a client from settings.
func New(s *settings.Settings) (*Client, error) {
	base, err := url.Parse(s.JenkinsBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse CI base URL: %w", err)
	}
	return &Client{
		base:         base,
		http:         &http.Client{Timeout: 10 * time.Minute},
		user:         s.JenkinsUser,
		apiKey:       s.JenkinsAPIKey,
		artifactName: s.JenkinsArtifactName,
		chunkSize:    s.JenkinsDownloadChunkSize,
	}, nil
}

func (c *Client) jobURL(b types.Build, parts ...string) string {
	segments := append([]string{"job", b.Machine, b.BuildID}, parts...)
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	return u.String()
}

// get issues an authenticated GET, retrying connection-level failures with
// bounded exponential backoff. HTTP status errors are not retried here; that
// policy belongs to the worker layer.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		if c.user != "" {
			req.SetBasicAuth(c.user, c.apiKey)
		}
		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &TransportError{URL: rawURL, Err: err}
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, &NotFoundError{URL: rawURL}
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode}
	}
	return resp, nil
}

// DownloadArtifact streams the build artifact. The caller owns the returned
// reader; reads observe ctx cancellation between chunks.
func (c *Client) DownloadArtifact(ctx context.Context, b types.Build) (io.ReadCloser, error) {
	resp, err := c.get(ctx, c.jobURL(b, "artifact", c.artifactName))
	if err != nil {
		return nil, err
	}
	return &chunkedBody{
		Reader: bufio.NewReaderSize(resp.Body, c.chunkSize),
		body:   resp.Body,
		ctx:    ctx,
	}, nil
}

type chunkedBody struct {
	*bufio.Reader
	body io.Closer
	ctx  context.Context
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.Reader.Read(p)
}

func (c *chunkedBody) Close() error { return c.body.Close() }

// GetLogs fetches the build's console log.
func (c *Client) GetLogs(ctx context.Context, b types.Build) (string, error) {
	resp, err := c.get(ctx, c.jobURL(b, "consoleText"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	logs, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{URL: c.jobURL(b, "consoleText"), Err: err}
	}
	return string(logs), nil
}

// GetMetadata fetches the build's start timestamp and duration.
func (c *Client) GetMetadata(ctx context.Context, b types.Build) (Metadata, error) {
	resp, err := c.get(ctx, c.jobURL(b, "api", "json"))
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Duration  int64 `json:"duration"`  // milliseconds
		Timestamp int64 `json:"timestamp"` // milliseconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Metadata{}, fmt.Errorf("decode CI metadata for %s: %w", b, err)
	}
	return Metadata{
		Duration:  payload.Duration / 1000,
		Timestamp: payload.Timestamp,
	}, nil
}

// ScheduleBuild asks the CI server to build the machine. The returned string
// is the queue item URL when the server provides one.
func (c *Client) ScheduleBuild(ctx context.Context, machine string, params map[string]string) (string, error) {
	u := *c.base
	endpoint := "build"
	if len(params) > 0 {
		endpoint = "buildWithParameters"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/job/" + machine + "/" + endpoint

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", &NotFoundError{URL: u.String()}
	case resp.StatusCode >= 400:
		return "", &TransportError{URL: u.String(), Status: resp.StatusCode}
	}
	return resp.Header.Get("Location"), nil
}
