// Package transport moves test payloads over HTTP and reports byte progress.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	readBufferSize = 64 << 10
	payloadBlock   = 1 << 20
	ckSizeUnit     = 1 << 20
)

// ErrStatus marks a non-success HTTP response.
var ErrStatus = errors.New("unexpected http status")

// ProgressFunc receives the bytes moved since the previous call and the time
// elapsed since the transfer started.
type ProgressFunc func(delta int64, elapsed time.Duration)

// Transferer streams test payloads. Both calls block until the payload has
// been moved, the context ends, or the transfer fails.
type Transferer interface {
	Download(ctx context.Context, rawURL string, size int64, fn ProgressFunc) error
	Upload(ctx context.Context, rawURL string, size int64, fn ProgressFunc) error
}

type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			DialContext:        (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			DisableCompression: true,
			ForceAttemptHTTP2:  true,
		}}
	}
	return &HTTP{client: client}
}

// Download GETs rawURL and reads until size bytes arrived or the body ends.
func (h *HTTP) Download(ctx context.Context, rawURL string, size int64, fn ProgressFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	target, err := withQuery(rawURL, map[string]string{
		"ckSize": strconv.FormatInt((size+ckSizeUnit-1)/ckSizeUnit, 10),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	// Bytes are counted as they arrive on the wire.
	req.Header.Set("Accept-Encoding", "identity")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	buf := make([]byte, readBufferSize)
	var total int64
	for size <= 0 || total < size {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if fn != nil {
				fn(int64(n), time.Since(start))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
	return nil
}

// Upload POSTs size bytes of generated data to rawURL. Progress follows the
// bytes handed to the connection.
func (h *HTTP) Upload(ctx context.Context, rawURL string, size int64, fn ProgressFunc) error {
	target, err := withQuery(rawURL, nil)
	if err != nil {
		return err
	}
	body := &payloadReader{remaining: size, start: time.Now(), fn: fn}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return nil
}

var (
	payloadOnce sync.Once
	payload     []byte
)

// randomBlock is generated once and shared by every upload.
func randomBlock() []byte {
	payloadOnce.Do(func() {
		payload = make([]byte, payloadBlock)
		for i := 0; i+8 <= len(payload); i += 8 {
			v := rand.Uint64()
			for j := 0; j < 8; j++ {
				payload[i+j] = byte(v >> (8 * j))
			}
		}
	})
	return payload
}

type payloadReader struct {
	remaining int64
	offset    int
	start     time.Time
	fn        ProgressFunc
}

func (r *payloadReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	block := randomBlock()
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n := copy(p, block[r.offset:])
	r.offset = (r.offset + n) % len(block)
	r.remaining -= int64(n)
	if r.fn != nil {
		r.fn(int64(n), time.Since(r.start))
	}
	return n, nil
}

func withQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("r", strconv.FormatUint(rand.Uint64(), 36))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
