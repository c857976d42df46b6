// Package proxy is the reader-side gateway to a writer.
//
// The gateway holds the writer's base URL and credential, forwards read-only
// requests (list cell ids, fetch one cell) and relays the writer's reply.
// The credential is attached server side and never appears in a response,
// an error message or a log line; callers only ever learn has_token.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/logging"
	"github.com/hpungsan/codestream/internal/metrics"
	"github.com/hpungsan/codestream/internal/session"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 15 * time.Second

	maxReplyBytes = 16 << 20
)

// Options configures a Gateway.
type Options struct {
	Store          *ConfigStore
	User           string
	Policy         Policy
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         *zerolog.Logger
}

// Gateway forwards reader requests to the configured writer.
type Gateway struct {
	store          *ConfigStore
	user           string
	policy         Policy
	dialer         *net.Dialer
	client         *http.Client
	requestTimeout time.Duration
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewGateway returns a gateway. Outbound connections are checked against
// opts.Policy after DNS resolution and never use environment proxies.
func NewGateway(opts Options) *Gateway {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	dialer := &net.Dialer{
		Timeout: opts.ConnectTimeout,
		Control: opts.Policy.control,
	}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Gateway{
		store:  opts.Store,
		user:   opts.User,
		policy: opts.Policy,
		dialer: dialer,
		client: &http.Client{
			Transport: transport,
			// a redirect could carry the credential elsewhere
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestTimeout: opts.RequestTimeout,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger,
	}
}

// Settings is the caller-visible view of the upstream configuration.
type Settings struct {
	Configured     bool   `json:"configured"`
	TeacherBaseURL string `json:"teacher_base_url,omitempty"`
	HasToken       bool   `json:"has_token"`
	UpdatedAt      int64  `json:"updated_at,omitempty"`
}

func mask(u Upstream, ok bool) Settings {
	if !ok {
		return Settings{}
	}
	return Settings{
		Configured:     true,
		TeacherBaseURL: u.BaseURL,
		HasToken:       u.Token != "",
		UpdatedAt:      u.UpdatedAt,
	}
}

// Configure validates and stores the writer URL and optional token.
func (g *Gateway) Configure(baseURL, token string) (Settings, error) {
	normalized, err := ValidateURL(baseURL, g.policy)
	if err != nil {
		return Settings{}, err
	}
	u := Upstream{BaseURL: normalized, Token: strings.TrimSpace(token)}
	if err := g.store.Set(g.user, u); err != nil {
		return Settings{}, errors.NewInternal(err)
	}
	g.logger.Info().
		Str("writer", logging.RedactURL(normalized)).
		Bool("has_token", u.Token != "").
		Msg("upstream configured")
	return g.Settings()
}

// Settings returns the stored configuration with the token masked.
func (g *Gateway) Settings() (Settings, error) {
	u, ok, err := g.store.Get(g.user)
	if err != nil {
		return Settings{}, errors.NewInternal(err)
	}
	return mask(u, ok), nil
}

// Reset removes the stored configuration.
func (g *Gateway) Reset() error {
	if err := g.store.Delete(g.user); err != nil {
		return errors.NewInternal(err)
	}
	g.logger.Info().Msg("upstream configuration removed")
	return nil
}

func (g *Gateway) upstream() (Upstream, error) {
	u, ok, err := g.store.Get(g.user)
	if err != nil {
		return Upstream{}, errors.NewInternal(err)
	}
	if !ok {
		return Upstream{}, errors.NewNotConfigured("Writer server not configured. Configure the writer server URL first.")
	}
	return u, nil
}

// Reply is a successful writer response, relayed verbatim.
type Reply struct {
	Body json.RawMessage
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// CellIDs decodes a list-cell-ids reply.
func (r *Reply) CellIDs() ([]string, error) {
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return nil, errors.NewUpstreamInvalid("Invalid response from writer server")
	}
	ids := []string{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			return nil, errors.NewUpstreamInvalid("Invalid response from writer server")
		}
	}
	return ids, nil
}

// Content decodes a get-cell reply.
func (r *Reply) Content() (string, error) {
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return "", errors.NewUpstreamInvalid("Invalid response from writer server")
	}
	var content string
	if err := json.Unmarshal(env.Data, &content); err != nil {
		return "", errors.NewUpstreamInvalid("Invalid response from writer server")
	}
	return content, nil
}

// ListCellIDs fetches the ids published under code. An empty code asks the
// writer for its active session.
func (g *Gateway) ListCellIDs(ctx context.Context, code string) (*Reply, error) {
	q := url.Values{}
	if code != "" {
		if err := session.ValidateCode(code); err != nil {
			return nil, err
		}
		q.Set("session", code)
	}
	return g.get(ctx, "list", "/get-all-cell-ids/", q, "Writer server endpoint not found. Please verify the configuration.")
}

// GetCell fetches one cell. Both cellID and timestamp are required; the
// timestamp is informational.
func (g *Gateway) GetCell(ctx context.Context, code, cellID, timestamp string) (*Reply, error) {
	if err := session.ValidateCode(code); err != nil {
		return nil, err
	}
	if err := cells.ValidateID(cellID); err != nil {
		return nil, err
	}
	if timestamp == "" {
		return nil, errors.NewMissingField("cell_timestamp")
	}
	q := url.Values{}
	q.Set("cell_id", cellID)
	q.Set("cell_timestamp", timestamp)
	return g.get(ctx, "get_cell", "/"+code+"/get-cell/", q, "Cell not found on writer server.")
}

// TestResult reports a connection test. It never contains the credential.
type TestResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Test checks that the writer is reachable and accepts the credential. Only
// a missing configuration is returned as an error; every other outcome is
// described in the result.
func (g *Gateway) Test(ctx context.Context) (TestResult, error) {
	if _, err := g.upstream(); err != nil {
		return TestResult{}, err
	}
	_, err := g.ListCellIDs(ctx, "")
	if err == nil {
		return TestResult{Status: "success", Message: "Connection to writer server successful"}, nil
	}
	se := errors.From(err)
	var msg string
	switch {
	case se.Code == errors.ErrUpstreamRejected && se.Status == http.StatusUnauthorized:
		msg = "Authentication failed. Please check your token."
	case se.Code == errors.ErrUpstreamRejected && se.Status == http.StatusForbidden:
		msg = "Access forbidden. Please check your token permissions."
	case se.Code == errors.ErrNotFound:
		msg = "Writer server endpoint not found. Please verify the URL."
	case se.Code == errors.ErrUpstreamUnreachable && se.Status == http.StatusGatewayTimeout:
		msg = "Connection timeout. Please check if the writer server is accessible."
	case se.Code == errors.ErrUpstreamUnreachable || se.Code == errors.ErrUpstreamRejected ||
		se.Code == errors.ErrUpstreamInvalid || se.Code == errors.ErrNotConfigured:
		msg = se.Message
	default:
		msg = "Connection test failed."
	}
	return TestResult{Status: "error", Message: msg}, nil
}

func (g *Gateway) get(ctx context.Context, endpoint, path string, q url.Values, notFound string) (*Reply, error) {
	up, err := g.upstream()
	if err != nil {
		g.observe(endpoint, "not_configured")
		return nil, err
	}

	target := up.BaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	req.Header.Set("Accept", "application/json")
	if up.Token != "" {
		req.Header.Set("Authorization", "token "+up.Token)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		se := networkError(err)
		g.observe(endpoint, outcomeOf(se))
		g.logger.Warn().
			Str("endpoint", endpoint).
			Str("writer", logging.RedactURL(up.BaseURL)).
			Int("status", se.Status).
			Msg("writer unreachable")
		return nil, se
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		se := networkError(err)
		g.observe(endpoint, outcomeOf(se))
		return nil, se
	}

	if se := statusError(resp.StatusCode, notFound); se != nil {
		g.observe(endpoint, outcomeOf(se))
		g.logger.Debug().
			Str("endpoint", endpoint).
			Int("upstream_status", resp.StatusCode).
			Dur("elapsed", time.Since(start)).
			Msg("writer refused request")
		return nil, se
	}
	if !json.Valid(bytes.TrimSpace(body)) {
		g.observe(endpoint, "invalid")
		return nil, errors.NewUpstreamInvalid("Invalid response from writer server")
	}

	g.observe(endpoint, "ok")
	g.logger.Debug().Str("endpoint", endpoint).Dur("elapsed", time.Since(start)).Msg("proxied")
	return &Reply{Body: json.RawMessage(body)}, nil
}

func (g *Gateway) observe(endpoint, outcome string) {
	metrics.ProxyRequests.WithLabelValues(endpoint, outcome).Inc()
}

func outcomeOf(se *errors.StreamError) string {
	switch se.Code {
	case errors.ErrUpstreamUnreachable:
		if se.Status == http.StatusGatewayTimeout {
			return "timeout"
		}
		return "unreachable"
	case errors.ErrUpstreamRejected:
		return "rejected"
	case errors.ErrNotFound:
		return "not_found"
	case errors.ErrNotConfigured:
		return "not_configured"
	}
	return "error"
}

// statusError maps a writer status code to the caller-facing error, or nil
// for success.
func statusError(code int, notFound string) *errors.StreamError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return errors.NewUpstreamRejected(code, "Authentication failed with writer server. Please check your token.")
	case code == http.StatusForbidden:
		return errors.NewUpstreamRejected(code, "Access forbidden by writer server. Please check your permissions.")
	case code == http.StatusNotFound:
		return errors.NewNotFound(notFound)
	case code == http.StatusPreconditionRequired:
		return errors.NewNotConfigured("Writer server requires configuration. Please contact the writer.")
	default:
		// the writer answered
		se := errors.NewUpstreamRejected(http.StatusBadGateway, fmt.Sprintf("Writer server error (HTTP %d)", code))
		se.Details["upstream_status"] = code
		return se
	}
}

// networkError classifies a transport failure without echoing it, since
// the underlying message can include the request URL.
func networkError(err error) *errors.StreamError {
	var ne net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.As(err, &ne) && ne.Timeout():
		return errors.NewUpstreamUnreachable("Connection to writer server timed out. Please try again later.", true, err)
	case stderrors.Is(err, errBlockedAddress):
		return errors.NewUpstreamUnreachable("Writer server address is blocked by network policy.", false, err)
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return errors.NewUpstreamUnreachable("Cannot connect to writer server. Please check if it is running.", false, err)
	default:
		return errors.NewUpstreamUnreachable("Network error while contacting writer server.", false, err)
	}
}

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}
