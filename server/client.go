package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guseggert/headless/observer"
	"github.com/guseggert/headless/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNotFound is returned for runs the server doesn't know about.
var ErrNotFound = errors.New("run not found")

// Client talks to a Server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientTLS dials the server over TLS with cfg, e.g. from ClientTLSConfig.
func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at addr, a host:port or a URL.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("server_client"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	baseURL := addr
	if !strings.Contains(addr, "://") {
		scheme := "http"
		if c.tlsClientConfig != nil {
			scheme = "https"
		}
		baseURL = scheme + "://" + addr
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server address: %w", err)
	}
	c.baseURL = strings.TrimSuffix(u.String(), "/")

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

// do sends a request and decodes a JSON response into v, treating any status other than expStatus as an error.
func (c *Client) do(ctx context.Context, method, urlPath string, body any, expStatus int, v any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expStatus {
		var msg string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			msg = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			msg = strings.TrimSpace(string(b))
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("unexpected HTTP status code %d for %s %s: %s", resp.StatusCode, method, urlPath, msg)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/heartbeat", nil, http.StatusOK, nil)
}

// WaitForServer blocks until a heartbeat succeeds.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends a heartbeat every interval until ctx is done.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := c.SendHeartbeat(ctx); err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	}()
}

func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/runs", req, http.StatusCreated, &st)
	return st, err
}

func (c *Client) Runs(ctx context.Context) ([]Status, error) {
	var statuses []Status
	err := c.do(ctx, http.MethodGet, "/runs", nil, http.StatusOK, &statuses)
	return statuses, err
}

func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, http.StatusOK, &st)
	return st, err
}

// Kill asks the live worker of a run to terminate.
func (c *Client) Kill(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/kill", nil, http.StatusAccepted, &st)
	return st, err
}

// Stop ends a run and returns its final status.
func (c *Client) Stop(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodDelete, "/runs/"+url.PathEscape(id), nil, http.StatusOK, &st)
	return st, err
}

func (c *Client) dial(ctx context.Context, urlPath string) (*websocket.Conn, error) {
	u := c.baseURL + urlPath
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(32 << 20)
	return conn, nil
}

// Observe calls f with every event of a run until the run exits or ctx is done.
// The name identifies the session in the events. An empty name lets the server pick one.
func (c *Client) Observe(ctx context.Context, id, name string, f func(observer.Event)) error {
	urlPath := "/runs/" + url.PathEscape(id) + "/observe"
	if name != "" {
		urlPath += "?name=" + url.QueryEscape(name)
	}
	conn, err := c.dial(ctx, urlPath)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	return readAll(ctx, conn, f)
}

// AwaitOutput waits for the next output of a run's live worker and calls f with it.
// For a stream f is called with every marker, from start to end.
func (c *Client) AwaitOutput(ctx context.Context, id string, f func(protocol.Args)) error {
	conn, err := c.dial(ctx, "/runs/"+url.PathEscape(id)+"/output")
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	return readAll(ctx, conn, f)
}

func readAll[T any](ctx context.Context, conn *websocket.Conn, f func(T)) error {
	for {
		var v T
		err := wsjson.Read(ctx, conn, &v)
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure:
			return nil
		case -1:
		default:
			return fmt.Errorf("connection closed: %w", err)
		}
		if err != nil {
			return err
		}
		f(v)
	}
}
