package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Placeholder marks where the command is injected in replayed requests and
// wrapper templates.
const Placeholder = "||cmd||"

// BurpFile replays a request saved from Burp Suite (right-click, "Save
// item"), substituting the command into a placeholder somewhere in the
// request line, headers, or body.
type BurpFile struct {
	logger *zap.SugaredLogger
	client *http.Client

	baseURL string
	method  string
	path    string
	headers http.Header
	body    string
}

type burpItems struct {
	Items []burpItem `xml:"item"`
}

type burpItem struct {
	URL      string      `xml:"url"`
	Host     string      `xml:"host"`
	Port     string      `xml:"port"`
	Protocol string      `xml:"protocol"`
	Method   string      `xml:"method"`
	Request  burpRequest `xml:"request"`
}

type burpRequest struct {
	Base64 string `xml:"base64,attr"`
	Body   string `xml:",chardata"`
}

// NewBurpFile parses a Burp saved-request XML file. The file must contain at
// least one item whose raw request carries the ||cmd|| placeholder.
func NewBurpFile(log *zap.SugaredLogger, path string, opts ...BurpOption) (*BurpFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file: %w", err)
	}

	var items burpItems
	if err := xml.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parsing request file: %w", err)
	}
	if len(items.Items) == 0 {
		return nil, fmt.Errorf("no saved request found in %s", path)
	}
	item := items.Items[0]

	reqText := strings.TrimSpace(item.Request.Body)
	if item.Request.Base64 == "true" {
		decoded, err := base64.StdEncoding.DecodeString(reqText)
		if err != nil {
			return nil, fmt.Errorf("decoding saved request: %w", err)
		}
		reqText = string(decoded)
	}
	if !strings.Contains(reqText, Placeholder) {
		return nil, fmt.Errorf("saved request has no %s placeholder", Placeholder)
	}

	method, reqPath, headers, body, err := splitRawRequest(reqText)
	if err != nil {
		return nil, err
	}
	if item.Method != "" {
		method = item.Method
	}

	host := item.Host
	if port := item.Port; port != "" && port != "80" && port != "443" {
		host += ":" + port
	}
	protocol := item.Protocol
	if protocol == "" {
		protocol = "http"
	}

	b := &BurpFile{
		logger:  log.Named("burp"),
		baseURL: fmt.Sprintf("%s://%s", protocol, host),
		method:  method,
		path:    reqPath,
		headers: headers,
		body:    body,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type BurpOption func(b *BurpFile)

func WithBurpProxy(proxyURL string) BurpOption {
	return func(b *BurpFile) {
		u, err := url.Parse(proxyURL)
		if err != nil {
			b.logger.Warnf("ignoring unparseable proxy URL %q: %s", proxyURL, err)
			return
		}
		b.client.Transport.(*http.Transport).Proxy = http.ProxyURL(u)
	}
}

func (b *BurpFile) Describe() string {
	return fmt.Sprintf("burp replay %s %s%s", b.method, b.baseURL, b.path)
}

func (b *BurpFile) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(timeout))
	defer cancel()

	// The request line needs URL encoding; header and body placeholders get
	// the raw command.
	reqPath := strings.ReplaceAll(b.path, Placeholder, url.QueryEscape(command))
	body := strings.ReplaceAll(b.body, Placeholder, command)

	req, err := http.NewRequestWithContext(ctx, b.method, b.baseURL+reqPath, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	for key, values := range b.headers {
		for _, v := range values {
			req.Header.Add(key, strings.ReplaceAll(v, Placeholder, command))
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", classifyErr(err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrTransport, resp.StatusCode)
	}
	return string(out), nil
}

// splitRawRequest parses the request text Burp stores: a request line,
// header lines, a blank line, then the body.
func splitRawRequest(raw string) (method, path string, headers http.Header, body string, err error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	headerPart, bodyPart, _ := strings.Cut(raw, "\n\n")

	lines := strings.Split(headerPart, "\n")
	if len(lines) == 0 {
		return "", "", nil, "", fmt.Errorf("empty saved request")
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return "", "", nil, "", fmt.Errorf("malformed request line %q", lines[0])
	}
	method, path = fields[0], fields[1]

	headers = http.Header{}
	for _, line := range lines[1:] {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		switch strings.ToLower(key) {
		// The client recomputes these per request.
		case "content-length", "host", "connection", "accept-encoding":
			continue
		}
		headers.Add(key, strings.TrimSpace(value))
	}
	return method, path, headers, bodyPart, nil
}
