// Package supervisor is the HTTP client for the service that serves filters
// and stores stats, results and outliers.
package supervisor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept for the message
const maxErrorBody = 512

// StatusError is returned for responses with status >= 400
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client talks to the supervisor. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	routes  config.RoutesConfig
	client  *http.Client
	auth    AuthProvider
	limiter *rate.Limiter
	group   singleflight.Group
	log     *logrus.Entry
}

// NewClient creates a client for cfg
func NewClient(cfg config.SupervisorConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("supervisor host is empty")
	}
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid supervisor host %q: %w", cfg.Host, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		base:   base,
		routes: cfg.Routes,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: time.Second,
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		auth:    NewAuthProvider(cfg.Username, cfg.Password),
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.WithComponent("supervisor"),
	}, nil
}

func (c *Client) endpoint(route, filterID string, query url.Values) string {
	path := strings.ReplaceAll(route, "{id}", url.PathEscape(filterID))
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request and returns the response body
func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := c.auth.AddAuth(req); err != nil {
		return nil, fmt.Errorf("failed to add auth: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading body: %w", method, target, err)
	}
	if resp.StatusCode >= 400 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// FetchFilters returns the full filter list
func (c *Client) FetchFilters(ctx context.Context) ([]models.FilterSpec, error) {
	body, err := c.do(ctx, http.MethodGet, c.endpoint(c.routes.Filters, "", nil), nil, nil)
	if err != nil {
		return nil, err
	}
	var list models.FilterList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode filter list: %w", err)
	}
	return list.Filters, nil
}

// FetchStats returns the metric history of one filter. Outlier scans and
// dashboard viewers asking for the same filter share one request; the
// shared request is bounded by the client timeout, not by the first
// caller's context.
func (c *Client) FetchStats(ctx context.Context, filterID string) (*models.StatsHistory, error) {
	v, err, _ := c.group.Do("stats/"+filterID, func() (interface{}, error) {
		body, err := c.do(context.WithoutCancel(ctx), http.MethodGet, c.endpoint(c.routes.Stats, filterID, nil), nil, nil)
		if err != nil {
			return nil, err
		}
		var history models.StatsHistory
		if err := json.Unmarshal(body, &history); err != nil {
			return nil, fmt.Errorf("failed to decode stats of %s: %w", filterID, err)
		}
		if history.Stats == nil {
			return nil, fmt.Errorf("stats of %s: missing stats object", filterID)
		}
		return &history, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.StatsHistory), nil
}

// PutStats sends counters keyed by their wire key as one gzipped JSON body
func (c *Client) PutStats(ctx context.Context, counts map[string]int64) error {
	payload, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	body, err := gzipBytes(payload)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, c.endpoint(c.routes.PutStat, "", nil), body, map[string]string{
		"Content-Type":     "application/json",
		"Content-Encoding": "gzip",
	})
	return err
}

// PutResults sends matched lines of one filter as a gzipped newline-delimited body
func (c *Client) PutResults(ctx context.Context, filterID string, lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	body, err := gzipBytes(buf.Bytes())
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, c.endpoint(c.routes.Result, filterID, nil), body, map[string]string{
		"Content-Type":     "text/plain",
		"Content-Encoding": "gzip",
	})
	return err
}

// PostOutlier reports one validated outlier
func (c *Client) PostOutlier(ctx context.Context, o models.Outlier) error {
	query := url.Values{}
	query.Set("timestamp", strconv.FormatInt(o.Timestamp, 10))
	query.Set("score", strconv.FormatFloat(o.Score, 'f', -1, 64))

	_, err := c.do(ctx, http.MethodPost, c.endpoint(c.routes.Outlier, o.FilterID, query), []byte(o.Details), map[string]string{
		"Content-Type": "application/json",
	})
	if err == nil {
		c.log.WithFields(logrus.Fields{"filter_id": o.FilterID, "timestamp": o.Timestamp}).Debug("Reported outlier")
	}
	return err
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}
