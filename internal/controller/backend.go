package controller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CantinaDigital/claudetini/internal/job"
	"github.com/CantinaDigital/claudetini/internal/stream"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/CantinaDigital/claudetini/internal/controller Backend

// StartRequest is the dispatch payload sent to the backend.
type StartRequest struct {
	Prompt      string   `json:"prompt"`
	Mode        string   `json:"mode,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	ProjectPath string   `json:"project_path,omitempty"`
	RoadmapItem string   `json:"roadmap_item,omitempty"`
}

// FallbackStart is the fallback payload sent to the backend.
type FallbackStart struct {
	Prompt      string `json:"prompt"`
	Provider    string `json:"provider,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
}

// Backend is the controller's view of the dispatch service. HTTPBackend is
// the production implementation; tests substitute a generated mock.
type Backend interface {
	Healthy(ctx context.Context) error
	StartDispatch(ctx context.Context, req StartRequest) (string, error)
	DispatchStatus(ctx context.Context, jobID string) (job.Job, error)
	CancelDispatch(ctx context.Context, jobID string) error
	// OpenStream attaches to a job's event feed, replaying from lastSeq.
	// The channel closes when the transport closes, with or without a
	// complete event; the caller disambiguates.
	OpenStream(ctx context.Context, jobID string, lastSeq int64) (<-chan stream.Event, error)
	ReadTranscript(ctx context.Context, jobID string) (bool, []string, error)
	StartFallback(ctx context.Context, req FallbackStart) (string, error)
	FallbackStatus(ctx context.Context, jobID string) (job.Job, error)
	CancelFallback(ctx context.Context, jobID string) error
}

// HTTPBackend talks to the claudetini API server. Safe for concurrent use.
type HTTPBackend struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPBackend returns a backend for the given base URL. The request
// timeout covers lightweight control-plane calls; streams use a separate
// client without a deadline.
func NewHTTPBackend(baseURL, apiKey string, requestTimeout time.Duration) *HTTPBackend {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &HTTPBackend{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	return b.HTTPClient.Do(req)
}

func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := b.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Healthy probes /healthz.
func (b *HTTPBackend) Healthy(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("backend unhealthy: %s", out.Status)
	}
	return nil
}

// StartDispatch posts a dispatch and returns the allocated job id.
func (b *HTTPBackend) StartDispatch(ctx context.Context, req StartRequest) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/dispatch", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// DispatchStatus fetches a job snapshot.
func (b *HTTPBackend) DispatchStatus(ctx context.Context, jobID string) (job.Job, error) {
	var out job.Job
	err := b.doJSON(ctx, http.MethodGet, "/dispatch/"+jobID, nil, &out)
	return out, err
}

// CancelDispatch requests termination of a job.
func (b *HTTPBackend) CancelDispatch(ctx context.Context, jobID string) error {
	return b.doJSON(ctx, http.MethodPost, "/dispatch/"+jobID+"/cancel", nil, nil)
}

// ReadTranscript fetches the durable transcript for a job.
func (b *HTTPBackend) ReadTranscript(ctx context.Context, jobID string) (bool, []string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	resp, err := b.do(ctx, http.MethodGet, "/transcript/"+jobID, nil)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil, fmt.Errorf("api GET /transcript/%s: status %d", jobID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, nil, err
	}
	return true, out.Lines, nil
}

// StartFallback posts a fallback run and returns its namespaced job id.
func (b *HTTPBackend) StartFallback(ctx context.Context, req FallbackStart) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/fallback", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// FallbackStatus fetches a fallback job snapshot.
func (b *HTTPBackend) FallbackStatus(ctx context.Context, jobID string) (job.Job, error) {
	var out job.Job
	err := b.doJSON(ctx, http.MethodGet, "/fallback/"+jobID, nil, &out)
	return out, err
}

// CancelFallback requests termination of a fallback job.
func (b *HTTPBackend) CancelFallback(ctx context.Context, jobID string) error {
	return b.doJSON(ctx, http.MethodPost, "/fallback/"+jobID+"/cancel", nil, nil)
}

// OpenStream connects to the SSE feed for a job. Events arrive on the
// returned channel until the server ends the stream or ctx is cancelled.
func (b *HTTPBackend) OpenStream(ctx context.Context, jobID string, lastSeq int64) (<-chan stream.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/dispatch/"+jobID+"/stream", nil)
	if err != nil {
		return nil, err
	}
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	if lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
	}

	// No client timeout: the stream lives as long as the job.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream for %s: status %d", jobID, resp.StatusCode)
	}

	ch := make(chan stream.Event, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanSSE(resp.Body, ch)
	}()
	return ch, nil
}

// scanSSE parses SSE framing into events. Comment lines (keep-alives) are
// skipped; an event is emitted on each blank-line frame boundary.
func scanSSE(r io.Reader, ch chan<- stream.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current struct {
		seq  int64
		typ  string
		data string
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.data != "" || current.typ != "" {
				ch <- stream.Event{
					Seq:  current.seq,
					Type: stream.EventType(current.typ),
					At:   time.Now(),
					Data: []byte(current.data),
				}
				current.seq, current.typ, current.data = 0, "", ""
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.seq = n
			}
		case strings.HasPrefix(line, "event: "):
			current.typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.data = line[6:]
		}
	}
}
