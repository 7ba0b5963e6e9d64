package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/clientinfo"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/selector"
	"github.com/NodePath81/fbspeed/internal/session"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	selectTimeout     = 30 * time.Second
	clientInfoTimeout = 10 * time.Second
	wsTokenPrefix     = "fbspeed-token."
	wsPrimaryProtocol = "fbspeed"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// SessionController is the part of session.Manager the control API drives.
type SessionController interface {
	Start(id int, kind session.Kind, server hosts.Server, params session.Params) error
	Cancel(id int) error
	CancelAll(ids []int) bool
	SetLogging(enabled bool)
	Active() []session.Snapshot
}

// ServerSelector runs a selection round in the background and delivers
// exactly one result. *selector.Selector satisfies it.
type ServerSelector interface {
	SelectAsync(ctx context.Context, candidates []*hosts.Candidate) <-chan selector.Selection
}

type ClientInfoLookup interface {
	Lookup(ctx context.Context, server hosts.Server) (clientinfo.Info, error)
}

type Deps struct {
	Sessions   SessionController
	Registry   *hosts.Registry
	Selector   ServerSelector
	ClientInfo ClientInfoLookup
	Metrics    *metrics.Metrics
	Hub        *EventHub
	Restart    func() error
	Logger     util.Logger
}

type ControlServer struct {
	cfg        config.ControlConfig
	hostname   string
	sessions   SessionController
	registry   *hosts.Registry
	selector   ServerSelector
	clientInfo ClientInfoLookup
	metrics    *metrics.Metrics
	hub        *EventHub
	restartFn  func() error
	logger     util.Logger
	server     *http.Server
	limiter    *rateLimiter
}

func NewControlServer(cfg config.Config, deps Deps) *ControlServer {
	logger := deps.Logger
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &ControlServer{
		cfg:        cfg.Control,
		hostname:   cfg.Hostname,
		sessions:   deps.Sessions,
		registry:   deps.Registry,
		selector:   deps.Selector,
		clientInfo: deps.ClientInfo,
		metrics:    deps.Metrics,
		hub:        deps.Hub,
		restartFn:  deps.Restart,
		logger:     logger,
		limiter:    newRateLimiter(rpcRatePerSecond, rpcRateBurst, 5*time.Minute),
	}
}

func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/events", c.handleEvents)
	mux.HandleFunc("/identity", c.handleIdentity)
	return mux
}

func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Addr:    addr,
		Handler: c.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool              `json:"ok"`
	Error  string            `json:"error,omitempty"`
	Code   session.ErrorCode `json:"code,omitempty"`
	Result interface{}       `json:"result,omitempty"`
}

type startTestParams struct {
	ID     *int          `json:"id"`
	Kind   string        `json:"kind"`
	Server string        `json:"server,omitempty"`
	Host   *hosts.Server `json:"host,omitempty"`

	FileSize       string `json:"file_size,omitempty"`
	TestTimeout    string `json:"test_timeout,omitempty"`
	ReportInterval string `json:"report_interval,omitempty"`
	Warmup         string `json:"warmup,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Samples        int    `json:"samples,omitempty"`
	SampleDelay    string `json:"sample_delay,omitempty"`
	SampleTimeout  string `json:"sample_timeout,omitempty"`
}

type cancelTestParams struct {
	ID *int `json:"id"`
}

type cancelTestsParams struct {
	IDs []int `json:"ids"`
}

type toggleLogParams struct {
	Enabled bool `json:"enabled"`
}

type serverParams struct {
	Server string `json:"server,omitempty"`
}

type serverEntry struct {
	hosts.Server
	Selected bool `json:"selected"`
}

type selectResult struct {
	Server hosts.Server `json:"server"`
	PingMs float64      `json:"ping_ms"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "StartTest":
		var params startTestParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		c.startTest(w, params)
	case "CancelTest":
		var params cancelTestParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		if params.ID == nil {
			writeError(w, errors.Join(session.ErrInvalidArgument, errors.New("id is required")))
			return
		}
		if err := c.sessions.Cancel(*params.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "CancelTests":
		var params cancelTestsParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		ok := c.sessions.CancelAll(params.IDs)
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: map[string]bool{"all_cancelled": ok}})
	case "ToggleLog":
		var params toggleLogParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		c.sessions.SetLogging(params.Enabled)
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: map[string]bool{"diagnostics": util.DiagnosticsEnabled()}})
	case "ListSessions":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.sessions.Active()})
	case "ListServers":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.listServers()})
	case "SelectServer":
		c.selectServer(w, r.Context())
	case "GetClientInfo":
		var params serverParams
		if len(req.Params) > 0 && !decodeParams(w, req.Params, &params) {
			return
		}
		c.getClientInfo(w, r.Context(), params.Server)
	case "Restart":
		if c.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart not available"})
			return
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func decodeParams(w http.ResponseWriter, raw json.RawMessage, dst interface{}) bool {
	if len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "missing params", Code: session.CodeInvalidArgument})
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params", Code: session.CodeInvalidArgument})
		return false
	}
	return true
}

func (c *ControlServer) startTest(w http.ResponseWriter, params startTestParams) {
	if params.ID == nil {
		writeError(w, errors.Join(session.ErrInvalidArgument, errors.New("id is required")))
		return
	}
	id := *params.ID
	kind, err := session.ParseKind(params.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := params.toParams()
	if err != nil {
		writeError(w, err)
		return
	}
	server, err := c.resolveServer(params.Server, params.Host)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.sessions.Start(id, kind, server, p); err != nil {
		writeError(w, err)
		return
	}
	c.logger.Info("test started", "id", id, "kind", kind.String(), "server", server.Name)
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: map[string]interface{}{"id": id, "server": server.Name}})
}

func (p startTestParams) toParams() (session.Params, error) {
	out := session.Params{Mode: p.Mode, Samples: p.Samples}
	if p.FileSize != "" {
		size, err := config.ParseSize(p.FileSize)
		if err != nil {
			return session.Params{}, errors.Join(session.ErrInvalidArgument, err)
		}
		out.FileSize = size
	}
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{p.TestTimeout, &out.TestTimeout},
		{p.ReportInterval, &out.ReportInterval},
		{p.Warmup, &out.Warmup},
		{p.SampleDelay, &out.SampleDelay},
		{p.SampleTimeout, &out.SampleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return session.Params{}, errors.Join(session.ErrInvalidArgument, err)
		}
		*d.dst = parsed
	}
	return out, nil
}

// resolveServer prefers an inline definition, then a registry name, then
// the currently selected server.
func (c *ControlServer) resolveServer(name string, inline *hosts.Server) (hosts.Server, error) {
	if inline != nil {
		return hosts.Validate(*inline)
	}
	if c.registry == nil {
		return hosts.Server{}, hosts.ErrNoServerSelected
	}
	if name != "" {
		server, ok := c.registry.Find(name)
		if !ok {
			return hosts.Server{}, errUnknownServer
		}
		return server, nil
	}
	return c.registry.Selected()
}

var errUnknownServer = errors.New("unknown server")

func (c *ControlServer) listServers() []serverEntry {
	if c.registry == nil {
		return []serverEntry{}
	}
	selected, _ := c.registry.Selected()
	list := c.registry.List()
	entries := make([]serverEntry, 0, len(list))
	for _, s := range list {
		entries = append(entries, serverEntry{Server: s, Selected: selected.Name != "" && s.Name == selected.Name})
	}
	return entries
}

func (c *ControlServer) selectServer(w http.ResponseWriter, parent context.Context) {
	if c.selector == nil || c.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "selector not ready"})
		return
	}
	ctx, cancel := context.WithTimeout(parent, selectTimeout)
	defer cancel()
	candidates := hosts.NewCandidates(c.registry.List())
	sel := <-c.selector.SelectAsync(ctx, candidates)
	best, err := sel.Best, sel.Err
	if c.metrics != nil {
		c.metrics.RecordSelection(candidates, best)
	}
	if err != nil {
		c.logger.Warn("server selection failed", "error", err)
		writeError(w, err)
		return
	}
	if err := c.registry.SetSelected(best.Server); err != nil {
		writeError(w, err)
		return
	}
	ms, _ := best.PingMillis()
	c.logger.Info("server selected", "server", best.Server.Name, "ping_ms", ms)
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: selectResult{Server: best.Server, PingMs: ms}})
}

func (c *ControlServer) getClientInfo(w http.ResponseWriter, parent context.Context, name string) {
	if c.clientInfo == nil {
		writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "client info not available"})
		return
	}
	server, err := c.resolveServer(name, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(parent, clientInfoTimeout)
	defer cancel()
	info, err := c.clientInfo.Lookup(ctx, server)
	if err != nil {
		if errors.Is(err, clientinfo.ErrNoIPEndpoint) {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: err.Error(), Code: session.CodeInvalidServer})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: info})
}

// writeError maps an error onto an HTTP status and the session error code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var code session.ErrorCode
	switch {
	case errors.Is(err, errUnknownServer):
		status, code = http.StatusNotFound, session.CodeInvalidServer
	case errors.Is(err, hosts.ErrNoServerSelected):
		status, code = http.StatusConflict, session.CodeInvalidServer
	default:
		code = session.CodeOf(err)
		switch code {
		case session.CodeInvalidArgument, session.CodeInvalidServer:
			status = http.StatusBadRequest
		case session.CodeNoReachableHost:
			status = http.StatusServiceUnavailable
		case session.CodeTimeout:
			status = http.StatusGatewayTimeout
		case session.CodeCancelled:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, rpcResponse{Ok: false, Error: err.Error(), Code: code})
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      listActiveIPs(),
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func listActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	ips := make([]string, 0)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrList, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrList {
			if v, ok := addr.(*net.IPNet); ok && v.IP != nil {
				ips = append(ips, v.IP.String())
			}
		}
	}
	return ips
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler(w, r)
}

// checkAuth accepts every request when no token is configured; config
// validation only allows that on loopback binds.
func (c *ControlServer) checkAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkEventsAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rateLimiter keeps one token bucket per client address and forgets
// clients idle for longer than ttl.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time

	lastSweep time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) > r.ttl {
		r.sweepLocked(now)
	}
	cl := r.clients[key]
	if cl != nil && now.Sub(cl.last) > r.ttl {
		delete(r.clients, key)
		cl = nil
	}
	if cl == nil {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.last = now
	return cl.limiter.AllowN(now, 1)
}

// sweepLocked drops clients idle for longer than ttl.
func (r *rateLimiter) sweepLocked(now time.Time) {
	for key, cl := range r.clients {
		if now.Sub(cl.last) > r.ttl {
			delete(r.clients, key)
		}
	}
	r.lastSweep = now
}

func (r *rateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
