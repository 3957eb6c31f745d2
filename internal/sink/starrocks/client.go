package starrocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/metrics"
)

// LoadResult is StarRocks's Stream Load response body.
type LoadResult struct {
	Status             string `json:"Status"`
	Message            string `json:"Message"`
	ErrorURL           string `json:"ErrorURL"`
	TxnID              int64  `json:"TxnId"`
	NumberLoadedRows   int64  `json:"NumberLoadedRows"`
	NumberFilteredRows int64  `json:"NumberFilteredRows"`
}

func (r LoadResult) ok() bool {
	return r.Status == "Success" || r.Status == "Publish Timeout"
}

// ClientConfig addresses and credentials the client needs to reach a
// StarRocks FE's Stream Load HTTP endpoint.
type ClientConfig struct {
	BaseURL        string // e.g. "http://fe-host:8040"
	Database       string
	User           string
	Password       string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Client loads NDJSON batches into StarRocks tables via Stream Load.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	counters *metrics.Counters
}

// NewClient returns a Stream Load client. counters may be nil.
func NewClient(cfg ClientConfig, counters *metrics.Counters) *Client {
	cfg = cfg.withDefaults()
	if counters == nil {
		counters = metrics.NewCounters()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			// Stream Load's first hop (the FE) answers with a 307 pointing at
			// the BE node that will actually absorb the data. The client must
			// not let net/http auto-follow that redirect: doing so would drop
			// the Expect: 100-continue semantics that make the FE's initial
			// response fast (no body bytes sent until the redirect target
			// accepts the PUT). CheckRedirect stops the chase after the
			// first hop so loadOnce can reissue the request by hand.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		counters: counters,
	}
}

// Load pushes one table's NDJSON body into StarRocks via Stream Load.
// columns lists every column the body's JSON records may carry, becoming
// the columns header; partialUpdate is set only when the batch actually
// needs it (an upsert row with an unchanged-toast column somewhere in the
// batch). merge_condition is always keyed on ColCDCVer so a late-arriving,
// already-superseded row can never clobber a newer one.
func (c *Client) Load(ctx context.Context, table string, body []byte, label string, columns []string, partialUpdate bool) error {
	op := func() error {
		result, err := c.loadOnce(ctx, table, body, label, columns, partialUpdate)
		if err != nil {
			c.counters.RecordSinkRetry("transient")
			return errs.Wrap(errs.KindTransient, err, "stream load request failed").WithTable(table)
		}
		if !result.ok() {
			c.counters.RecordSinkRetry("rejected")
			return backoff.Permanent(errs.New(errs.KindSchemaMismatch,
				fmt.Sprintf("stream load rejected: %s (%s)", result.Message, result.ErrorURL)).WithTable(table))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = time.Duration(c.cfg.MaxRetries) * c.cfg.MaxBackoff

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		c.counters.RecordSinkRetry("exhausted")
		return err
	}
	c.counters.RecordSinkRetry("ok")
	return nil
}

// loadOnce performs a single Stream Load attempt, including the manual
// 307-redirect replay to the BE node StarRocks actually wants the bytes
// delivered to.
func (c *Client) loadOnce(ctx context.Context, table string, body []byte, label string, columns []string, partialUpdate bool) (LoadResult, error) {
	url := fmt.Sprintf("%s/api/%s/%s/_stream_load", c.cfg.BaseURL, c.cfg.Database, table)

	resp, err := c.doPut(ctx, url, body, label, columns, partialUpdate)
	if err != nil {
		return LoadResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusFound {
		location := resp.Header.Get("Location")
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		if location == "" {
			return LoadResult{}, fmt.Errorf("streamload: redirect with no Location header")
		}
		resp, err = c.doPut(ctx, location, body, label, columns, partialUpdate)
		if err != nil {
			return LoadResult{}, err
		}
		defer resp.Body.Close()
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return LoadResult{}, fmt.Errorf("streamload: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LoadResult{}, fmt.Errorf("streamload: unexpected status %d: %s", resp.StatusCode, raw)
	}

	var result LoadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return LoadResult{}, fmt.Errorf("streamload: decoding response: %w", err)
	}
	return result, nil
}

func (c *Client) doPut(ctx context.Context, url string, body []byte, label string, columns []string, partialUpdate bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("streamload: building request: %w", err)
	}
	// GetBody is set automatically by NewRequest for a *bytes.Reader body, so
	// the Transport can replay it if it needs to retry at the TCP layer.
	req.ContentLength = int64(len(body))
	req.Header.Set("Expect", "100-continue")
	req.Header.Set("format", "json")
	req.Header.Set("strip_outer_array", "false")
	req.Header.Set("read_json_by_line", "true")
	req.Header.Set("columns", strings.Join(columns, ","))
	if partialUpdate {
		req.Header.Set("partial_update", "true")
	}
	req.Header.Set("merge_condition", ColCDCVer)
	req.Header.Set("label", label)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	return c.http.Do(req)
}
