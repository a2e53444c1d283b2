package rpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mdalboni/reportportal-manager/pkg/models"
	"github.com/mdalboni/reportportal-manager/pkg/tracing"
)

// DefaultTimeout bounds every API call
const DefaultTimeout = 30 * time.Second

// Operation names used for spans, metrics and errors
const (
	OpStartLaunch  = "start_launch"
	OpFinishLaunch = "finish_launch"
	OpGetLaunch    = "get_launch"
	OpStartItem    = "start_item"
	OpFinishItem   = "finish_item"
	OpSaveLog      = "save_log"
)

// RequestObserver is notified after every API call
type RequestObserver interface {
	ObserveRequest(op string, elapsed time.Duration, err error)
}

// Client talks to the ReportPortal v1 REST API of a single project
type Client struct {
	endpoint   string
	project    string
	token      string
	httpClient *http.Client
	tracer     trace.Tracer
	observer   RequestObserver
}

// NewClient creates a new ReportPortal client
func NewClient(endpoint, project, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		project:  project,
		token:    token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		tracer: otel.Tracer(tracing.InstrumentationName),
	}
}

// NewClientWithTLS creates a new ReportPortal client with TLS support
func NewClientWithTLS(endpoint, project, token string, tlsConfig *tls.Config) *Client {
	c := NewClient(endpoint, project, token)
	c.httpClient.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
	return c
}

// SetTimeout overrides the per-request timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// SetTracer sets the tracer used for API spans
func (c *Client) SetTracer(t trace.Tracer) {
	c.tracer = t
}

// SetObserver sets the observer notified after each request
func (c *Client) SetObserver(o RequestObserver) {
	c.observer = o
}

// Endpoint returns the server base URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Project returns the project name
func (c *Client) Project() string {
	return c.project
}

// StartLaunch starts a new launch
func (c *Client) StartLaunch(ctx context.Context, rq *models.StartLaunchRQ) (*models.EntryCreatedRS, error) {
	var rs models.EntryCreatedRS
	if err := c.doJSON(ctx, OpStartLaunch, http.MethodPost, c.projectPath("launch"), rq, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// FinishLaunch finishes the launch identified by uuid
func (c *Client) FinishLaunch(ctx context.Context, uuid string, rq *models.FinishExecutionRQ) (*models.MessageRS, error) {
	if uuid == "" {
		return nil, fmt.Errorf("launch uuid is required")
	}
	var rs models.MessageRS
	if err := c.doJSON(ctx, OpFinishLaunch, http.MethodPut, c.projectPath("launch", uuid, "finish"), rq, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// GetLaunch fetches a launch by uuid
func (c *Client) GetLaunch(ctx context.Context, uuid string) (*models.Launch, error) {
	if uuid == "" {
		return nil, fmt.Errorf("launch uuid is required")
	}
	var launch models.Launch
	if err := c.doJSON(ctx, OpGetLaunch, http.MethodGet, c.projectPath("launch", "uuid", uuid), nil, &launch); err != nil {
		return nil, err
	}
	return &launch, nil
}

// StartItem starts a test item. An empty parentUUID starts a root item.
func (c *Client) StartItem(ctx context.Context, parentUUID string, rq *models.StartItemRQ) (*models.EntryCreatedRS, error) {
	path := c.projectPath("item")
	if parentUUID != "" {
		path = c.projectPath("item", parentUUID)
	}
	var rs models.EntryCreatedRS
	if err := c.doJSON(ctx, OpStartItem, http.MethodPost, path, rq, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// FinishItem finishes the test item identified by uuid
func (c *Client) FinishItem(ctx context.Context, uuid string, rq *models.FinishExecutionRQ) (*models.MessageRS, error) {
	if uuid == "" {
		return nil, fmt.Errorf("item uuid is required")
	}
	var rs models.MessageRS
	if err := c.doJSON(ctx, OpFinishItem, http.MethodPut, c.projectPath("item", uuid), rq, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveLog saves a log entry. With a non-nil attachment the entry is sent as
// a multipart request carrying the file.
func (c *Client) SaveLog(ctx context.Context, rq *models.SaveLogRQ, attachment *models.Attachment) (*models.EntryCreatedRS, error) {
	if attachment == nil {
		var rs models.EntryCreatedRS
		if err := c.doJSON(ctx, OpSaveLog, http.MethodPost, c.projectPath("log"), rq, &rs); err != nil {
			return nil, err
		}
		return &rs, nil
	}

	body, contentType, err := multipartLog(rq, attachment)
	if err != nil {
		return nil, err
	}
	var rs struct {
		Responses []models.EntryCreatedRS `json:"responses"`
	}
	if err := c.do(ctx, OpSaveLog, http.MethodPost, c.projectPath("log"), body, contentType, &rs); err != nil {
		return nil, err
	}
	if len(rs.Responses) == 0 {
		return &models.EntryCreatedRS{}, nil
	}
	return &rs.Responses[0], nil
}

func multipartLog(rq *models.SaveLogRQ, attachment *models.Attachment) (io.Reader, string, error) {
	name := attachment.Name
	if name == "" {
		name = "attachment"
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(attachment.Data)
	}

	withFile := *rq
	withFile.File = &models.FileRef{Name: name}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	jsonHeader := make(textproto.MIMEHeader)
	jsonHeader.Set("Content-Disposition", `form-data; name="json_request_part"`)
	jsonHeader.Set("Content-Type", "application/json")
	jsonPart, err := mw.CreatePart(jsonHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create json part: %w", err)
	}
	if err := json.NewEncoder(jsonPart).Encode([]*models.SaveLogRQ{&withFile}); err != nil {
		return nil, "", fmt.Errorf("failed to marshal log: %w", err)
	}

	fileHeader := make(textproto.MIMEHeader)
	fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	fileHeader.Set("Content-Type", contentType)
	filePart, err := mw.CreatePart(fileHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := filePart.Write(attachment.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write attachment: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) projectPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, c.endpoint, "api/v1", url.PathEscape(c.project))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, "/")
}

func (c *Client) doJSON(ctx context.Context, op, method, target string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, target, body, contentType, out)
}

func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader, contentType string, out interface{}) (err error) {
	ctx, span := c.tracer.Start(ctx, "reportportal."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("rp.project", c.project),
		),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
		if c.observer != nil {
			c.observer.ObserveRequest(op, time.Since(start), err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// addAuthHeader adds authentication header to request
func (c *Client) addAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
