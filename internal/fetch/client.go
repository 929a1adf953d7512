// Package fetch is the polling client for the weathermap HTTP API.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/weathermap/internal/logging"
	"github.com/signalsfoundry/weathermap/internal/observability"
	"github.com/signalsfoundry/weathermap/model"
)

// MaxNodes is the largest node list the API accepts in one request.
const MaxNodes = 60

// Request kinds, used as metric labels.
const (
	KindLink     = "link"
	KindRemote   = "remote"
	KindTimeline = "timeline"
)

var (
	// ErrTimelineUnsupported is returned for datatypes the timeline endpoint
	// does not serve.
	ErrTimelineUnsupported = errors.New("timeline not available for datatype")
	// ErrTooManyNodes is returned when a node list exceeds MaxNodes.
	ErrTooManyNodes = errors.New("too many nodes requested")
	// ErrInvalidNode is returned for empty lists or names the API rejects.
	ErrInvalidNode = errors.New("invalid node")
	// ErrStatus wraps non-2xx API responses.
	ErrStatus = errors.New("unexpected API status")
)

// Recorder receives per-request latency and failures.
type Recorder interface {
	ObserveFetch(kind string, d time.Duration, err error)
}

// Client talks to one weathermap API instance.
type Client struct {
	base    *url.URL
	http    *http.Client
	log     logging.Logger
	tracer  trace.Tracer
	metrics Recorder
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRecorder reports request metrics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// New builds a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api url %q must be absolute", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    logging.Noop(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NodeList validates names the way the API does and joins them for a path
// segment. Empty names are ignored.
func NodeList(names []string) (string, error) {
	kept := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if !validNodeName(n) {
			return "", fmt.Errorf("%w: %q", ErrInvalidNode, n)
		}
		kept = append(kept, n)
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: empty node list", ErrInvalidNode)
	}
	if len(kept) > MaxNodes {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyNodes, len(kept), MaxNodes)
	}
	return strings.Join(kept, ","), nil
}

func validNodeName(name string) bool {
	alnum := false
	for _, r := range name {
		switch {
		case r == '-' || r == '_' || r == ' ':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			alnum = true
		default:
			return false
		}
	}
	return alnum
}

// Links fetches the link records of nodes for dt.
func (c *Client) Links(ctx context.Context, nodes []string, dt model.Datatype) ([]*model.Measurement, error) {
	list, err := NodeList(nodes)
	if err != nil {
		return nil, err
	}
	u := c.base.JoinPath("api", "node", list, "link", dt.String())
	var out []*model.Measurement
	if err := c.do(ctx, KindLink, http.MethodGet, u, nil, &out, dt, len(nodes)); err != nil {
		return nil, err
	}
	return out, nil
}

// Remotes fetches the records of links from nodes to the given remotes.
func (c *Client) Remotes(ctx context.Context, nodes, remotes []string, dt model.Datatype) ([]*model.Measurement, error) {
	list, err := NodeList(nodes)
	if err != nil {
		return nil, err
	}
	remoteList, err := NodeList(remotes)
	if err != nil {
		return nil, fmt.Errorf("remotes: %w", err)
	}
	u := c.base.JoinPath("api", "node", list, "remote", remoteList, dt.String())
	var out []*model.Measurement
	if err := c.do(ctx, KindRemote, http.MethodGet, u, nil, &out, dt, len(nodes)+len(remotes)); err != nil {
		return nil, err
	}
	return out, nil
}

// Poll fetches node links and, when remotes are given, remote links
// concurrently and returns one batch with the link records first.
func (c *Client) Poll(ctx context.Context, nodes, remotes []string, dt model.Datatype) ([]*model.Measurement, error) {
	ctx, span := c.tracer.Start(ctx, "fetch.poll", trace.WithAttributes(
		attribute.String("weathermap.datatype", dt.String()),
		attribute.Int("weathermap.nodes", len(nodes)),
		attribute.Int("weathermap.remotes", len(remotes)),
	))
	defer span.End()

	var links, remoteLinks []*model.Measurement
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		links, err = c.Links(gctx, nodes, dt)
		return err
	})
	if len(remotes) > 0 {
		g.Go(func() error {
			var err error
			remoteLinks, err = c.Remotes(gctx, nodes, remotes, dt)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	batch := make([]*model.Measurement, 0, len(links)+len(remoteLinks))
	batch = append(batch, links...)
	batch = append(batch, remoteLinks...)
	span.SetAttributes(attribute.Int("weathermap.records", len(batch)))
	return batch, nil
}

// TimelineRequest selects the day, and optionally the hour, to replay.
// Without an hour the API returns the day at a coarser interval.
type TimelineRequest struct {
	Date    time.Time
	Hour    *int
	Remotes []string
}

type timelineBody struct {
	Date    string `json:"date"`
	Hour    string `json:"hour,omitempty"`
	Remotes string `json:"remotes,omitempty"`
}

// Timeline fetches historical series for nodes, one series per link.
// Only utilization and optic are served.
func (c *Client) Timeline(ctx context.Context, nodes []string, dt model.Datatype, req TimelineRequest) ([][]*model.Measurement, error) {
	if dt != model.Utilization && dt != model.Optical {
		return nil, fmt.Errorf("%w: %s", ErrTimelineUnsupported, dt)
	}
	if req.Hour != nil && (*req.Hour < 0 || *req.Hour > 23) {
		return nil, fmt.Errorf("timeline hour %d out of range", *req.Hour)
	}
	list, err := NodeList(nodes)
	if err != nil {
		return nil, err
	}
	body := timelineBody{Date: req.Date.Format("01/02/2006")}
	if req.Hour != nil {
		body.Hour = strconv.Itoa(*req.Hour)
	}
	if len(req.Remotes) > 0 {
		remoteList, err := NodeList(req.Remotes)
		if err != nil {
			return nil, fmt.Errorf("remotes: %w", err)
		}
		body.Remotes = remoteList
	}

	u := c.base.JoinPath("api", "timeline", list, dt.String())
	var out [][]*model.Measurement
	if err := c.do(ctx, KindTimeline, http.MethodPost, u, body, &out, dt, len(nodes)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, kind, method string, u *url.URL, in, out any, dt model.Datatype, nodes int) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "fetch."+kind, trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", u.Path),
		attribute.String("weathermap.datatype", dt.String()),
		attribute.Int("weathermap.nodes", nodes),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log.Warn(ctx, "api fetch failed",
				logging.String("kind", kind),
				logging.String("url", u.Redacted()),
				logging.Err(err),
			)
		}
		if c.metrics != nil {
			c.metrics.ObserveFetch(kind, time.Since(start), err)
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", kind, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %d %s", ErrStatus, method, u.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", kind, err)
	}
	c.log.Debug(ctx, "api fetch",
		logging.String("kind", kind),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}
