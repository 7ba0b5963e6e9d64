// Package hosts holds speed-test server definitions, their validation, and
// the registry of candidate test points.
package hosts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInvalidDefinition is returned for malformed server definitions.
var ErrInvalidDefinition = errors.New("invalid server definition")

// Server is a test point. JSON field names follow the LibreSpeed server-list
// format so lists can be loaded as-is.
type Server struct {
	Name         string `json:"name"`
	BaseURL      string `json:"server"`
	DownloadPath string `json:"dlURL"`
	UploadPath   string `json:"ulURL"`
	PingPath     string `json:"pingURL"`
	IPPath       string `json:"getIpURL,omitempty"`

	ID       string  `json:"id,omitempty"`
	Sponsor  string  `json:"sponsorName,omitempty"`
	Country  string  `json:"country,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// Validate returns a normalized copy of s. Name, base URL and the download,
// upload and ping paths are required; the IP path is optional. A
// scheme-relative base URL ("//host/") is promoted to https and a trailing
// slash is appended when missing.
func Validate(s Server) (Server, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.BaseURL = strings.TrimSpace(s.BaseURL)
	s.DownloadPath = strings.TrimSpace(s.DownloadPath)
	s.UploadPath = strings.TrimSpace(s.UploadPath)
	s.PingPath = strings.TrimSpace(s.PingPath)
	s.IPPath = strings.TrimSpace(s.IPPath)

	if s.Name == "" {
		return Server{}, fmt.Errorf("%w: name missing", ErrInvalidDefinition)
	}
	if s.BaseURL == "" {
		return Server{}, fmt.Errorf("%w: server %q: address missing", ErrInvalidDefinition, s.Name)
	}
	if strings.HasPrefix(s.BaseURL, "//") {
		s.BaseURL = "https:" + s.BaseURL
	}
	if !strings.HasSuffix(s.BaseURL, "/") {
		s.BaseURL += "/"
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return Server{}, fmt.Errorf("%w: server %q: %v", ErrInvalidDefinition, s.Name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Server{}, fmt.Errorf("%w: server %q: address must be an http(s) URL", ErrInvalidDefinition, s.Name)
	}
	if s.DownloadPath == "" {
		return Server{}, fmt.Errorf("%w: server %q: download path missing", ErrInvalidDefinition, s.Name)
	}
	if s.UploadPath == "" {
		return Server{}, fmt.Errorf("%w: server %q: upload path missing", ErrInvalidDefinition, s.Name)
	}
	if s.PingPath == "" {
		return Server{}, fmt.Errorf("%w: server %q: ping path missing", ErrInvalidDefinition, s.Name)
	}
	return s, nil
}

func (s Server) DownloadURL() string { return s.resolve(s.DownloadPath) }
func (s Server) UploadURL() string   { return s.resolve(s.UploadPath) }
func (s Server) PingURL() string     { return s.resolve(s.PingPath) }

// IPURL is empty when the server has no IP lookup endpoint.
func (s Server) IPURL() string {
	if s.IPPath == "" {
		return ""
	}
	return s.resolve(s.IPPath)
}

func (s Server) resolve(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	base := s.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(path, "/")
}

// Candidate is a server taking part in a selection round together with its
// measured ping. The ping is written at most once per round.
type Candidate struct {
	Index  int
	Server Server

	mu     sync.Mutex
	ping   time.Duration
	pinged bool
}

func NewCandidates(servers []Server) []*Candidate {
	out := make([]*Candidate, len(servers))
	for i, s := range servers {
		out[i] = &Candidate{Index: i, Server: s}
	}
	return out
}

// SetPing records the measured ping. It reports false when a ping was already
// recorded in this round.
func (c *Candidate) SetPing(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinged {
		return false
	}
	c.ping = d
	c.pinged = true
	return true
}

func (c *Candidate) Ping() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ping, c.pinged
}

func (c *Candidate) PingMillis() (float64, bool) {
	d, ok := c.Ping()
	return float64(d.Microseconds()) / 1000.0, ok
}

// ResetPing clears the annotation before a new selection round.
func (c *Candidate) ResetPing() {
	c.mu.Lock()
	c.ping = 0
	c.pinged = false
	c.mu.Unlock()
}
