package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/NodePath81/fbspeed/internal/config"
)

// ErrNoServerSelected is returned by Selected before a server was chosen.
var ErrNoServerSelected = errors.New("no server selected")

const maxListBytes = 4 << 20

// Registry keeps the test points known to the process and the currently
// selected one.
type Registry struct {
	mu       sync.RWMutex
	servers  []Server
	byName   map[string]int
	selected *Server
	client   *http.Client
}

func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{byName: make(map[string]int), client: client}
}

// FromConfig converts a configured server into a Server.
func FromConfig(cfg config.ServerConfig) Server {
	return Server{
		Name:         cfg.Name,
		BaseURL:      cfg.Server,
		DownloadPath: cfg.DLURL,
		UploadPath:   cfg.ULURL,
		PingPath:     cfg.PingURL,
		IPPath:       cfg.GetIPURL,
	}
}

// Add validates and registers a server. A server with the same name replaces
// the earlier entry.
func (r *Registry) Add(s Server) error {
	valid, err := Validate(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(valid)
	return nil
}

// AddAll registers every server or none of them.
func (r *Registry) AddAll(list []Server) error {
	_, err := r.addAll(list)
	return err
}

func (r *Registry) addAll(list []Server) ([]Server, error) {
	valid := make([]Server, 0, len(list))
	for i, s := range list {
		v, err := Validate(s)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		valid = append(valid, v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range valid {
		r.addLocked(v)
	}
	return valid, nil
}

func (r *Registry) addLocked(s Server) {
	if idx, ok := r.byName[s.Name]; ok {
		r.servers[idx] = s
		return
	}
	r.byName[s.Name] = len(r.servers)
	r.servers = append(r.servers, s)
}

// List returns a copy in registration order.
func (r *Registry) List() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}

func (r *Registry) Find(name string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return Server{}, false
	}
	return r.servers[idx], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// SetSelected validates s and marks it as the server used for tests.
func (r *Registry) SetSelected(s Server) error {
	valid, err := Validate(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.selected = &valid
	r.mu.Unlock()
	return nil
}

func (r *Registry) Selected() (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == nil {
		return Server{}, ErrNoServerSelected
	}
	return *r.selected, nil
}

// Reset drops every server and the selection.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.servers = nil
	r.byName = make(map[string]int)
	r.selected = nil
	r.mu.Unlock()
}

// LoadList fetches a JSON array of server definitions and registers them.
// The list is rejected as a whole if any entry is invalid.
func (r *Registry) LoadList(ctx context.Context, url string) ([]Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch server list: status %d", resp.StatusCode)
	}
	list, err := DecodeList(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, err
	}
	return r.addAll(list)
}

// DecodeList parses a LibreSpeed-style server list.
func DecodeList(rd io.Reader) ([]Server, error) {
	var list []Server
	if err := json.NewDecoder(rd).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode server list: %w", err)
	}
	return list, nil
}
