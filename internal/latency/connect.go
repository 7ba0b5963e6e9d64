package latency

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TCPConnector times a TCP handshake and closes the connection immediately.
// The target may be host:port or a URL.
type TCPConnector struct{}

func (TCPConnector) Connect(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	addr, err := dialTarget(target)
	if err != nil {
		return 0, err
	}
	dialer := &net.Dialer{Timeout: timeout, Control: probeSocketControl}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, nil
}

// HTTPConnector times a GET of the target URL up to the response headers.
// Connections are kept alive so repeated probes measure request RTT.
type HTTPConnector struct {
	Client *http.Client
}

func NewHTTPConnector() *HTTPConnector {
	return &HTTPConnector{Client: &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Control: probeSocketControl}).DialContext,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		},
	}}
}

func (c *HTTPConnector) Connect(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !strings.Contains(target, "://") {
		target = "http://" + strings.TrimPrefix(target, "//")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cacheBust(target), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("ping %s: status %d", target, resp.StatusCode)
	}
	return rtt, nil
}

func cacheBust(raw string) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "r=" + strconv.FormatUint(rand.Uint64(), 36)
}

func dialTarget(target string) (string, error) {
	if !strings.Contains(target, "/") {
		if _, _, err := net.SplitHostPort(target); err == nil {
			return target, nil
		}
	}
	return TargetFromURL(target)
}

// TargetFromURL converts a server URL into a host:port dial target, using the
// scheme's default port when none is given. Scheme-relative and bare host
// forms are accepted.
func TargetFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty target")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	} else if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("target %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}
