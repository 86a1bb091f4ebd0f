package utils

import (
	"context"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

type HTTPClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // bound on each blocking read
	KATimeout      time.Duration
	UserAgent      string
	Headers        map[string]string
	BearerToken    string
	TokenSource    oauth2.TokenSource
	HighThreadMode bool // advanced socket options for high concurrency
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HaulHTTPClient issues requests without following redirects so the engine
// can account for each hop itself.
type HaulHTTPClient struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPClientConfig
}

func NewHaulHTTPClient(cfg HTTPClientConfig) *HaulHTTPClient {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	readTimeout := cfg.ReadTimeout
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, timeout: readTimeout}, nil
		},
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
	}
	var rt http.RoundTripper = transport
	source := cfg.TokenSource
	if source == nil && cfg.BearerToken != "" {
		source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"})
	}
	if source != nil {
		rt = &oauth2.Transport{Source: source, Base: transport}
	}
	return &HaulHTTPClient{
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		config:    cfg,
	}
}

func (h *HaulHTTPClient) Config() HTTPClientConfig {
	return h.config
}

func (h *HaulHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		if h.config.UserAgent != "" {
			req.Header.Set("User-Agent", h.config.UserAgent)
		} else {
			req.Header.Set("User-Agent", ToolUserAgent)
		}
	}
	for k, v := range h.config.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return h.client.Do(req)
}

// CloseIdleConnections goes to the base transport directly since the bearer
// wrapper does not forward it.
func (h *HaulHTTPClient) CloseIdleConnections() {
	h.transport.CloseIdleConnections()
}

// deadlineConn extends the read deadline before every read, turning the
// read timeout into a per-read block bound rather than a whole-body bound.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}
