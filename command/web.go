package command

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/guseggert/headless/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewHTTPClient builds the client used by the web handlers.
// Requests are attempted exactly once, and transport errors keep their original message.
func NewHTTPClient(log *zap.SugaredLogger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: log.Named("http")}
	return retryClient.StandardClient()
}

// Web implements the get, post and download commands.
type Web struct {
	Client *http.Client
	Log    *zap.SugaredLogger
}

// Get fetches args.url. Results: error (null, status code or message), body and headers.
func (w *Web) Get(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	w.fetch(ctx, http.MethodGet, args, nil, respond)
}

// Post posts args.data to args.url, with the same result shape as Get.
func (w *Web) Post(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	w.fetch(ctx, http.MethodPost, args, strings.NewReader(args.String("data")), respond)
}

func (w *Web) fetch(ctx context.Context, method string, args protocol.Args, body io.Reader, respond Responder) {
	res := args.Clone()
	resp, err := w.do(ctx, method, args, body)
	if err != nil {
		res["error"] = err.Error()
		res["body"] = nil
		res["headers"] = nil
		respond(res)
		return
	}
	defer resp.Body.Close()

	res["headers"] = flattenHeader(resp.Header)
	if resp.StatusCode != http.StatusOK {
		res["error"] = resp.StatusCode
		res["body"] = nil
		respond(res)
		return
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		res["error"] = err.Error()
	} else {
		res["error"] = nil
	}
	res["body"] = string(b)
	respond(res)
}

// Download saves args.url into the directory args.dest.
// Results: error and dest, the path of the file. An existing file is never overwritten.
func (w *Web) Download(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	res := args.Clone()
	resp, err := w.do(ctx, http.MethodGet, args, nil)
	if err != nil {
		res["error"] = err.Error()
		res["dest"] = nil
		respond(res)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		res["error"] = resp.StatusCode
		res["dest"] = nil
		respond(res)
		return
	}

	var u *url.URL
	if resp.Request != nil {
		u = resp.Request.URL
	} else {
		u, _ = url.Parse(args.String("url"))
	}
	name := downloadName(resp.Header.Get("Content-Disposition"), u)
	if name == "" {
		res["error"] = "could not determine file name"
		res["dest"] = nil
		respond(res)
		return
	}
	dest := filepath.Join(args.String("dest"), name)
	res["dest"] = dest

	if _, err := os.Stat(dest); err == nil {
		host.Forward(protocol.NewNotice(nil, protocol.NoticeFileExists, -1))
		res["error"] = nil
		respond(res)
		return
	}

	f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0755)
	if err != nil {
		res["error"] = err.Error()
		respond(res)
		return
	}
	_, err = io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		w.Log.Debugf("error writing %s: %s", dest, err)
		res["error"] = err.Error()
	} else {
		res["error"] = nil
	}
	respond(res)
}

func (w *Web) do(ctx context.Context, method string, args protocol.Args, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, args.String("url"), body)
	if err != nil {
		return nil, err
	}
	for k, v := range args.Headers("headers") {
		req.Header.Set(k, v)
	}
	w.Log.Debugw("sending request", "Method", method, "URL", req.URL.String())
	resp, err := w.Client.Do(req)
	if err != nil {
		// Report the underlying failure, not the request it happened on.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, urlErr.Err
		}
		return nil, err
	}
	return resp, nil
}

// downloadName picks the file name from a content-disposition header, falling back to the last URL path element.
func downloadName(disposition string, u *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return filepath.Base(params["filename"])
		}
		if parts := strings.Split(disposition, `"`); len(parts) > 1 && parts[1] != "" {
			return filepath.Base(parts[1])
		}
	}
	if u == nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// flattenHeader lower-cases header names and joins repeated values, as the worker expects a flat object.
func flattenHeader(h http.Header) map[string]any {
	m := make(map[string]any, len(h))
	for k, v := range h {
		m[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return m
}
