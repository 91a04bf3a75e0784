package backend

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/adapter"
	"crm-enrichment/internal/infra/logging"
)

var _ adapter.WorkflowBackend = (*WorkflowClient)(nil)

const (
	jobIDPlaceholder = "{job_id}"
	maxBodyBytes     = 1 << 20
)

// jobIDPaths are tried in order on a submit response.
var jobIDPaths = []string{"jobId", "job_id", "id", "data.jobId"}

// Client talks to the enrichment backend. It is shared by every workflow.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg config.BackendConfig, log *zerolog.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: backend base url is required", domain.ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: backend url must include scheme and host (got %q)", domain.ErrInvalidArgument, cfg.BaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "backend").Logger()
	}
	return &Client{
		baseURL: u,
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: timeout},
		log:     l,
	}, nil
}

// Workflow binds the client to one workflow's endpoints.
func (c *Client) Workflow(name string, wf config.WorkflowConfig) *WorkflowClient {
	return &WorkflowClient{c: c, name: name, submitPath: wf.SubmitPath, statusPath: wf.StatusPath}
}

type WorkflowClient struct {
	c          *Client
	name       string
	submitPath string
	statusPath string
}

// Submit posts request to the workflow's submit endpoint and returns the job id.
// 4xx answers wrap domain.ErrSubmissionRejected; network failures and 5xx wrap
// domain.ErrTransport.
func (w *WorkflowClient) Submit(ctx context.Context, request json.RawMessage) (string, error) {
	if len(request) == 0 {
		request = json.RawMessage(`{}`)
	}
	if !json.Valid(request) {
		return "", fmt.Errorf("%w: request body is not valid JSON", domain.ErrSubmissionRejected)
	}

	status, body, err := w.c.do(ctx, http.MethodPost, w.submitPath, request)
	if err != nil {
		return "", err
	}
	switch {
	case status/100 == 2:
	case status/100 == 4:
		return "", fmt.Errorf("%w: %s", domain.ErrSubmissionRejected, describe(status, body))
	default:
		return "", fmt.Errorf("%w: submit %s: %s", domain.ErrTransport, w.name, describe(status, body))
	}

	for _, p := range jobIDPaths {
		if id := gjson.GetBytes(body, p); id.Exists() && strings.TrimSpace(id.String()) != "" {
			return strings.TrimSpace(id.String()), nil
		}
	}
	return "", fmt.Errorf("%w: response carries no job id", domain.ErrSubmissionRejected)
}

// FetchStatus reads the job's status. Anything that prevents reading a JSON
// answer is a transport error; a JSON answer with an odd status is returned
// as is and left to the resolver.
func (w *WorkflowClient) FetchStatus(ctx context.Context, jobID string) (adapter.StatusResponse, error) {
	p := strings.ReplaceAll(w.statusPath, jobIDPlaceholder, url.PathEscape(jobID))
	status, body, err := w.c.do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return adapter.StatusResponse{}, err
	}
	if status/100 != 2 {
		return adapter.StatusResponse{}, fmt.Errorf("%w: status %s: %s", domain.ErrTransport, w.name, describe(status, body))
	}
	if !gjson.ValidBytes(body) {
		return adapter.StatusResponse{}, fmt.Errorf("%w: status %s: malformed JSON body", domain.ErrTransport, w.name)
	}
	st := strings.ToLower(strings.TrimSpace(gjson.GetBytes(body, "status").String()))
	return adapter.StatusResponse{Status: model.JobStatus(st), Payload: json.RawMessage(body)}, nil
}

func (c *Client) do(ctx context.Context, method, p string, body []byte) (int, []byte, error) {
	ref, err := url.Parse(c.baseURL.EscapedPath() + p)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad path %q: %v", domain.ErrTransport, p, err)
	}
	u := c.baseURL.ResolveReference(ref)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build request: %v", domain.ErrTransport, err)
	}
	reqID := logging.TraceID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, method, p, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	rb, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s %s: %v", domain.ErrTransport, method, p, err)
	}
	c.log.Debug().
		Str("method", method).Str("path", p).Str("request_id", reqID).
		Int("status", resp.StatusCode).Dur("took", time.Since(start)).
		Msg("backend call")
	return resp.StatusCode, rb, nil
}

const maxDescribeRunes = 200

// truncate cuts s to at most n runes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

func describe(status int, body []byte) string {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		msg = truncate(msg, maxDescribeRunes)
	}
	if msg == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	return fmt.Sprintf("HTTP %d: %s", status, msg)
}
