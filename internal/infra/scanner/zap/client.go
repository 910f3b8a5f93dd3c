// Package zap drives an OWASP ZAP daemon through its JSON API. Work for a
// scan is isolated in a named ZAP context that is removed when the scan ends.
package zap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/pkg/common"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

const toolName = "zap"

// ErrContextNotFound is returned when ZAP has no context with the given name.
var ErrContextNotFound = errors.New("zap context does not exist")

// ClientConfig configures the ZAP API client.
type ClientConfig struct {
	BaseURL string
	APIKey  string

	Timeout    time.Duration
	RetryCount int

	// RequestsPerSecond and Burst throttle calls to the daemon. Zero disables
	// throttling.
	RequestsPerSecond float64
	Burst             int
}

// Client is a thin typed wrapper over the ZAP JSON API.
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a ZAP API client. Requests are traced through an
// otelhttp transport and retried on transport errors and 5xx responses.
func NewClient(cfg ClientConfig, log *logger.Logger, tracer trace.Tracer) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log = log.With("component", "zap_client")

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Accept", "application/json").
		SetLogger(newRestyLogger(log)).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		})
	if cfg.APIKey != "" {
		httpc.SetHeader("X-ZAP-API-Key", cfg.APIKey)
	}

	return &Client{
		http:    httpc,
		apiKey:  cfg.APIKey,
		limiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  log,
		tracer:  tracer,
	}
}

// apiError is the body ZAP returns with non-2xx responses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// call issues GET /JSON/<component>/<kind>/<method>/ and decodes the result.
func (c *Client) call(
	ctx context.Context,
	component, kind, method string,
	params map[string]string,
	result any,
) error {
	path := fmt.Sprintf("/JSON/%s/%s/%s/", component, kind, method)
	ctx, span := c.tracer.Start(ctx, "zap_client."+component+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("zap.path", path)),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetError(&apiError{})
	if c.apiKey != "" {
		req.SetQueryParam("apikey", c.apiKey)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Get(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return &domain.ExecutionError{Tool: toolName, Err: fmt.Errorf("%s: %w", path, err)}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))

	if resp.IsError() {
		apiErr, _ := resp.Error().(*apiError)
		if apiErr != nil && isNotFoundCode(apiErr.Code) {
			return ErrContextNotFound
		}
		var cause error = fmt.Errorf("%s returned %d", path, resp.StatusCode())
		if apiErr != nil && (apiErr.Code != "" || apiErr.Message != "") {
			cause = fmt.Errorf("%s returned %d: %w", path, resp.StatusCode(), apiErr)
		}
		span.RecordError(cause)
		span.SetStatus(codes.Error, "api error")
		return &domain.ExecutionError{Tool: toolName, Err: cause, Output: resp.String()}
	}

	return nil
}

// isNotFoundCode reports whether an API error code means the named context
// is unknown. The context component answers context_not_found; older
// daemons and some views answer does_not_exist.
func isNotFoundCode(code string) bool {
	switch code {
	case "context_not_found", "does_not_exist":
		return true
	}
	return false
}

// Version returns the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var r struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "core", "view", "version", nil, &r); err != nil {
		return "", err
	}
	return r.Version, nil
}

// WaitReady polls the version endpoint with exponential backoff until the
// daemon answers or maxElapsed passes, in which case it returns
// domain.ErrToolNotAvailable.
func (c *Client) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.MaxElapsedTime = maxElapsed

	var version string
	operation := func() error {
		v, err := c.Version(ctx)
		if err != nil {
			c.logger.Debug(ctx, "ZAP not ready yet", "error", err)
			return err
		}
		version = v
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("%w: zap api unreachable: %v", domain.ErrToolNotAvailable, err)
	}

	c.logger.Info(ctx, "ZAP daemon ready", "version", version)
	return nil
}

// NewContext creates a context and returns its id.
func (c *Client) NewContext(ctx context.Context, name string) (string, error) {
	var r struct {
		ContextID string `json:"contextId"`
	}
	err := c.call(ctx, "context", "action", "newContext", map[string]string{"contextName": name}, &r)
	if err != nil {
		return "", err
	}
	return r.ContextID, nil
}

// RemoveContext deletes a context. It returns ErrContextNotFound when the
// name is unknown.
func (c *Client) RemoveContext(ctx context.Context, name string) error {
	return c.call(ctx, "context", "action", "removeContext", map[string]string{"contextName": name}, nil)
}

// IncludeInContext adds a URL regex to the context's scope.
func (c *Client) IncludeInContext(ctx context.Context, name, regex string) error {
	return c.call(ctx, "context", "action", "includeInContext",
		map[string]string{"contextName": name, "regex": regex}, nil)
}

type scanResponse struct {
	Scan string `json:"scan"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// SpiderScan starts the traditional spider on url within the named context
// and returns the spider's scan id.
func (c *Client) SpiderScan(ctx context.Context, url, contextName string) (string, error) {
	var r scanResponse
	err := c.call(ctx, "spider", "action", "scan", map[string]string{
		"url":         url,
		"contextName": contextName,
		"recurse":     "true",
	}, &r)
	if err != nil {
		return "", err
	}
	return r.Scan, nil
}

// SpiderStatus returns the spider's progress percentage.
func (c *Client) SpiderStatus(ctx context.Context, scanID string) (int, error) {
	var r statusResponse
	if err := c.call(ctx, "spider", "view", "status", map[string]string{"scanId": scanID}, &r); err != nil {
		return 0, err
	}
	return parseProgress(r.Status)
}

// StopSpider stops a running spider.
func (c *Client) StopSpider(ctx context.Context, scanID string) error {
	return c.call(ctx, "spider", "action", "stop", map[string]string{"scanId": scanID}, nil)
}

// ActiveScan starts an active scan of url restricted to contextID and returns
// the scan id.
func (c *Client) ActiveScan(ctx context.Context, url, contextID string) (string, error) {
	var r scanResponse
	err := c.call(ctx, "ascan", "action", "scan", map[string]string{
		"url":       url,
		"contextId": contextID,
		"recurse":   "true",
	}, &r)
	if err != nil {
		return "", err
	}
	return r.Scan, nil
}

// ActiveScanStatus returns the active scan's progress percentage.
func (c *Client) ActiveScanStatus(ctx context.Context, scanID string) (int, error) {
	var r statusResponse
	if err := c.call(ctx, "ascan", "view", "status", map[string]string{"scanId": scanID}, &r); err != nil {
		return 0, err
	}
	return parseProgress(r.Status)
}

// StopActiveScan stops a running active scan.
func (c *Client) StopActiveScan(ctx context.Context, scanID string) error {
	return c.call(ctx, "ascan", "action", "stop", map[string]string{"scanId": scanID}, nil)
}

// alert mirrors the alert object returned by core/view/alerts.
type alert struct {
	ID          string            `json:"id"`
	PluginID    string            `json:"pluginId"`
	AlertRef    string            `json:"alertRef"`
	Alert       string            `json:"alert"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Risk        string            `json:"risk"`
	Confidence  string            `json:"confidence"`
	CWEID       string            `json:"cweid"`
	WASCID      string            `json:"wascid"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Param       string            `json:"param"`
	Attack      string            `json:"attack"`
	Evidence    string            `json:"evidence"`
	Other       string            `json:"other"`
	Solution    string            `json:"solution"`
	Reference   string            `json:"reference"`
	InputVector string            `json:"inputVector"`
	MessageID   string            `json:"messageId"`
	SourceID    string            `json:"sourceid"`
	Tags        map[string]string `json:"tags"`
}

// alertPage is one page of core/view/alerts. Fetched counts every record the
// daemon returned, including the malformed ones, so callers can tell when
// the last page has been read.
type alertPage struct {
	Alerts    []alert
	Malformed []*domain.ParseError
	Fetched   int
}

// Alerts returns one page of alerts whose URL starts with baseURL. Each
// record is decoded on its own; a record that does not decode is reported
// in Malformed and left out of Alerts.
func (c *Client) Alerts(ctx context.Context, baseURL string, start, count int) (alertPage, error) {
	var r struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	err := c.call(ctx, "core", "view", "alerts", map[string]string{
		"baseurl": baseURL,
		"start":   strconv.Itoa(start),
		"count":   strconv.Itoa(count),
	}, &r)
	if err != nil {
		return alertPage{}, err
	}

	page := alertPage{Alerts: make([]alert, 0, len(r.Alerts)), Fetched: len(r.Alerts)}
	for i, raw := range r.Alerts {
		var a alert
		if err := json.Unmarshal(raw, &a); err != nil {
			page.Malformed = append(page.Malformed, &domain.ParseError{
				Tool:   toolName,
				Line:   start + i + 1,
				Err:    err,
				Record: string(raw),
			})
			continue
		}
		page.Alerts = append(page.Alerts, a)
	}
	return page, nil
}

func parseProgress(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &domain.ExecutionError{Tool: toolName, Err: fmt.Errorf("unexpected progress value %q", s)}
	}
	return n, nil
}

// restyLogger forwards resty's internal messages to the service logger.
type restyLogger struct {
	logger *logger.Logger
}

func newRestyLogger(log *logger.Logger) resty.Logger { return &restyLogger{logger: log} }

func (l *restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(format, v...))
}

func (l *restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(context.Background(), fmt.Sprintf(format, v...))
}

func (l *restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(format, v...))
}
