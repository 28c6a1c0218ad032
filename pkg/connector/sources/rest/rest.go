// Package rest catalogs the endpoints of a JSON HTTP API. Every configured
// endpoint is one "api_endpoint" asset whose sample is the records of a GET
// response.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/connector/base"
	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// Connector catalogs a fixed list of endpoints below a base URL.
type Connector struct {
	*base.BaseConnector

	baseURL     *url.URL
	endpoints   []string
	recordsPath []string
	healthPath  string
	apiKey      string
	apiKeyHdr   string
	httpClient  *http.Client
	// limiter paces requests; nil means unlimited
	limiter *rate.Limiter
}

// New creates a REST connector.
func New(cfg *config.SourceConfig) (core.Connector, error) {
	raw, err := cfg.RequiredSetting("base_url")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid rest source")
	}
	baseURL, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "base_url must be an absolute URL").WithDetail("base_url", raw)
	}
	endpoints := cfg.ListSetting("endpoints")
	if len(endpoints) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "settings.endpoints is required").WithDetail("source_id", cfg.ID)
	}

	var recordsPath []string
	if p := cfg.Setting("records_path", ""); p != "" {
		recordsPath = strings.Split(p, ".")
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector("rest", cfg,
			core.NewCapabilitySet(core.CapabilitySampling, core.CapabilitySize)),
		baseURL:     baseURL,
		endpoints:   endpoints,
		recordsPath: recordsPath,
		healthPath:  cfg.Setting("health_path", ""),
		apiKey:      cfg.Credential("api_key"),
		apiKeyHdr:   cfg.Setting("api_key_header", "X-API-Key"),
	}
	rps, err := cfg.IntSetting("requests_per_second", 0)
	if err != nil || rps < 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "requests_per_second must be a non-negative integer").
			WithDetail("source_id", cfg.ID)
	}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	c.httpClient, err = newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newHTTPClient builds the client: a pooled HTTP/2-capable transport,
// wrapped by an oauth2 transport when a bearer token or client credentials
// are configured.
func newHTTPClient(cfg *config.SourceConfig) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.Timeouts.Connection,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to configure http2 transport")
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	switch {
	case cfg.Credential("client_id") != "":
		tokenURL := cfg.Credential("token_url")
		if tokenURL == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "token_url is required with client_id").WithDetail("source_id", cfg.ID)
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.Credential("client_id"),
			ClientSecret: cfg.Credential("client_secret"),
			TokenURL:     tokenURL,
			Scopes:       cfg.ListSetting("scopes"),
		}
		client := cc.Client(ctx)
		client.Timeout = httpClient.Timeout
		return client, nil
	case cfg.Credential("token") != "":
		client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Credential("token"),
			TokenType:   "Bearer",
		}))
		client.Timeout = httpClient.Timeout
		return client, nil
	}
	return httpClient, nil
}

func (c *Connector) endpointURL(endpoint string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	return u.String()
}

type response struct {
	status      int
	contentType string
	body        []byte
	latency     time.Duration
}

func (c *Connector) get(ctx context.Context, target string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "atlas-discovery/1.0")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, base.ClassifyError(err, "rate limiter")
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, base.ClassifyError(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, base.ClassifyError(err, "failed to read response")
	}
	return &response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
		latency:     time.Since(start),
	}, nil
}

// TestConnection issues a GET against health_path, or the base URL.
// Authentication failures and server errors fail the check.
func (c *Connector) TestConnection(ctx context.Context) core.ConnectionStatus {
	start := time.Now()
	target := c.baseURL.String()
	if c.healthPath != "" {
		target = c.endpointURL(c.healthPath)
	}
	details := map[string]string{"url": target}

	var resp *response
	err := c.Connect(ctx, "rest api", func(ctx context.Context) error {
		r, err := c.get(ctx, target)
		if err != nil {
			return err
		}
		resp = r
		return statusError(r.status, target)
	})
	if resp != nil {
		details["status_code"] = strconv.Itoa(resp.status)
	}
	return c.Status(start, err, details)
}

// statusError maps HTTP statuses that make the whole source unusable onto
// connection errors. 404 and other client errors are not fatal for a probe.
func statusError(status int, target string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrorTypeConnection, "authentication rejected").
			WithDetail("status", status).WithDetail("url", target)
	case status >= 500:
		return errors.New(errors.ErrorTypeConnection, fmt.Sprintf("server error %d", status)).
			WithDetail("url", target)
	}
	return nil
}

// Discover fetches every endpoint once. Endpoints answering 404 are
// skipped; an authentication failure aborts discovery.
func (c *Connector) Discover(ctx context.Context) (*core.AssetStream, error) {
	limit := c.SampleRows()
	return base.NewAssetStream(ctx, 0, func(ctx context.Context, emit base.EmitFunc) error {
		for _, ep := range c.endpoints {
			target := c.endpointURL(ep)
			resp, err := c.get(ctx, target)
			if err != nil {
				return err
			}
			if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
				return statusError(resp.status, target)
			}
			if resp.status == http.StatusNotFound {
				c.Logger().Warn("endpoint not found", zap.String("url", target))
				continue
			}
			if err := emit(c.endpointAsset(ep, target, resp, limit)); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Connector) endpointAsset(endpoint, target string, resp *response, limit int) *core.RawAsset {
	name := strings.Trim(endpoint, "/")
	if name == "" {
		name = "/"
	}
	a := c.NewAsset(name, "api_endpoint", target)
	a.Size = int64(len(resp.body))
	a.Metadata["method"] = http.MethodGet
	a.Metadata["status_code"] = strconv.Itoa(resp.status)
	a.Metadata["latency_ms"] = strconv.FormatInt(resp.latency.Milliseconds(), 10)
	if resp.contentType != "" {
		a.Metadata["content_type"] = resp.contentType
	}
	a.Tags = append(a.Tags, "protocol:http")

	if limit <= 0 {
		return a
	}
	if resp.status >= 300 {
		a.Sample = &core.Sample{Err: fmt.Errorf("GET %s returned %d", target, resp.status)}
		return a
	}
	rows, err := Records(resp.body, c.recordsPath, limit)
	a.Sample = &core.Sample{Rows: rows, Err: err}
	if err == nil {
		a.Tags = append(a.Tags, "format:json")
	}
	return a
}

// Records decodes a JSON document and returns up to limit records found at
// path. Without a path, a top-level array is used, or the first of "data",
// "items", "results" or "records" holding an array. Scalars are wrapped as
// {"value": v}.
func Records(body []byte, path []string, limit int) ([]map[string]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "response is not JSON")
	}

	node := doc
	if len(path) > 0 {
		for _, key := range path {
			m, ok := node.(map[string]any)
			if !ok {
				return nil, errors.New(errors.ErrorTypeData, "records_path does not resolve").WithDetail("key", key)
			}
			node = m[key]
		}
	} else if m, ok := doc.(map[string]any); ok {
		for _, key := range []string{"data", "items", "results", "records"} {
			if arr, ok := m[key].([]any); ok {
				node = arr
				break
			}
		}
	}

	var items []any
	switch x := node.(type) {
	case []any:
		items = x
	case nil:
		return nil, nil
	default:
		items = []any{x}
	}

	rows := make([]map[string]any, 0, min(limit, len(items)))
	for _, it := range items {
		if len(rows) >= limit {
			break
		}
		if m, ok := it.(map[string]any); ok {
			rows = append(rows, m)
		} else {
			rows = append(rows, map[string]any{"value": it})
		}
	}
	return rows, nil
}

// Close releases idle connections.
func (c *Connector) Close(context.Context) error {
	c.httpClient.CloseIdleConnections()
	return nil
}
