package proxyHelpers

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/websocket"
)

// ProxyConfig is the fixed capability set a proxy target must provide.
type ProxyConfig interface {
	ResolveUpstream() *url.URL
	RewriteHeaders(out *http.Request)
}

// UpstreamConfig is a plain ProxyConfig record pointing at a single upstream.
type UpstreamConfig struct {
	Upstream   *url.URL
	HostHeader string
}

// NewUpstreamConfig parses baseURL (e.g. "http://127.0.0.1:8188") and rewrites
// the Host header to hostHeader on every forwarded request.
func NewUpstreamConfig(baseURL, hostHeader string) (*UpstreamConfig, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &UpstreamConfig{Upstream: u, HostHeader: hostHeader}, nil
}

func (c *UpstreamConfig) ResolveUpstream() *url.URL {
	return c.Upstream
}

func (c *UpstreamConfig) RewriteHeaders(out *http.Request) {
	if c.HostHeader != "" {
		out.Host = c.HostHeader
	}
}

var upgrader = websocket.Upgrader{
	// Ignore Origin header
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler forwards plain HTTP through a ReverseProxy and hands WebSocket
// upgrades through a frame-copying passthrough, so the ComfyUI frontend and
// its progress events both work behind the gateway.
type Handler struct {
	cfg       ProxyConfig
	httpProxy *httputil.ReverseProxy
}

func NewHandler(cfg ProxyConfig) *Handler {
	upstream := cfg.ResolveUpstream()
	return &Handler{
		cfg: cfg,
		httpProxy: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(upstream)
				pr.Out.Host = pr.In.Host
				cfg.RewriteHeaders(pr.Out)
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// If this is a WebSocket upgrade, hand it to the frame passthrough
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}
	h.httpProxy.ServeHTTP(w, r)
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	upstream := h.cfg.ResolveUpstream()

	target := *r.URL
	target.Scheme = "ws"
	if upstream.Scheme == "https" || upstream.Scheme == "wss" {
		target.Scheme = "wss"
	}
	target.Host = upstream.Host

	// Forward the headers the upstream cares about; the Dialer supplies the
	// handshake headers itself and rejects duplicates.
	reqHeader := http.Header{}
	for _, k := range []string{"Cookie", "Origin", "User-Agent"} {
		if v := r.Header.Get(k); v != "" {
			reqHeader.Set(k, v)
		}
	}

	upConn, resp, err := websocket.DefaultDialer.Dial(target.String(), reqHeader)
	if err != nil {
		slog.Error("Error dialing upstream websocket", "target", target.String(), "error", err)
		http.Error(w, "upstream websocket unavailable", http.StatusBadGateway)
		return
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = upConn.Close() }()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading client websocket", "error", err)
		return
	}
	defer func() { _ = clientConn.Close() }()

	errc := make(chan error, 2)
	copyFrames := func(dst, src *websocket.Conn) {
		for {
			mt, msg, err := src.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if err := dst.WriteMessage(mt, msg); err != nil {
				errc <- err
				return
			}
		}
	}
	go copyFrames(upConn, clientConn)
	go copyFrames(clientConn, upConn)

	// First error from either direction tears down both ends via the defers.
	<-errc
}
