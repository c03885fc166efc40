package websocket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/gorilla/websocket"
	"github.com/norootfw/norootfw/logger"
)

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type MessageHandler func(message WSMessage)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	ClientCertFile string
	ClientKeyFile  string
	CAFiles        []string

	// PKCS12 bundle, used when no PEM pair is configured
	PKCS12File string
}

func (t TLSConfig) empty() bool {
	return t.ClientCertFile == "" && t.ClientKeyFile == "" && len(t.CAFiles) == 0 && t.PKCS12File == ""
}

type Client struct {
	endpoint          string
	conn              *websocket.Conn
	connMux           sync.RWMutex
	writeMux          sync.Mutex
	handlers          map[string]MessageHandler
	handlersMux       sync.RWMutex
	done              chan struct{}
	closeOnce         sync.Once
	reconnectInterval time.Duration
	writeTimeout      time.Duration
	tlsConfig         TLSConfig
	onConnect         func() error
	dialAddrs         []netip.Addr
}

type ClientOption func(*Client)

// WithTLSConfig sets the TLS configuration for the client
func WithTLSConfig(config TLSConfig) ClientOption {
	return func(c *Client) {
		c.tlsConfig = config
	}
}

// WithReconnectInterval sets the delay between connection attempts
func WithReconnectInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectInterval = d
	}
}

// WithWriteTimeout bounds how long a single SendMessage may block
func WithWriteTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = d
	}
}

// WithDialAddrs makes the client dial addrs in order instead of resolving
// the endpoint host on every connect. TLS still verifies the host name.
func WithDialAddrs(addrs []netip.Addr) ClientOption {
	return func(c *Client) {
		c.dialAddrs = append([]netip.Addr(nil), addrs...)
	}
}

// NewClient creates a new websocket client for endpoint. Plain http(s)
// endpoints are mapped to ws(s).
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	wsURL, err := websocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	client := &Client{
		endpoint:          wsURL,
		handlers:          make(map[string]MessageHandler),
		done:              make(chan struct{}),
		reconnectInterval: 3 * time.Second,
		writeTimeout:      time.Second,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(client)
	}

	return client, nil
}

func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.String(), nil
}

func (c *Client) OnConnect(callback func() error) {
	c.onConnect = callback
}

// Endpoint returns the websocket URL the client dials
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Connect starts connecting in the background and keeps retrying until
// the connection succeeds or the client is closed
func (c *Client) Connect() error {
	go c.connectWithRetry()
	return nil
}

// IsConnected reports whether a connection is currently established
func (c *Client) IsConnected() bool {
	c.connMux.RLock()
	defer c.connMux.RUnlock()
	return c.conn != nil
}

// Close closes the WebSocket connection gracefully
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.connMux.Lock()
		conn := c.conn
		c.conn = nil
		c.connMux.Unlock()

		if conn != nil {
			c.writeMux.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMux.Unlock()
			err = conn.Close()
		}
	})
	return err
}

// SendMessage sends a message through the WebSocket connection
func (c *Client) SendMessage(messageType string, data interface{}) error {
	c.connMux.RLock()
	conn := c.conn
	c.connMux.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	msg := WSMessage{
		Type: messageType,
		Data: data,
	}

	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	if c.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return conn.WriteJSON(msg)
}

// RegisterHandler registers a handler for a specific message type
func (c *Client) RegisterHandler(messageType string, handler MessageHandler) {
	c.handlersMux.Lock()
	defer c.handlersMux.Unlock()
	c.handlers[messageType] = handler
}

func (c *Client) connectWithRetry() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		err := c.establishConnection()
		if err == nil {
			return
		}
		logger.Error("websocket: Failed to connect: %v. Retrying in %v...", err, c.reconnectInterval)

		select {
		case <-c.done:
			return
		case <-time.After(c.reconnectInterval):
		}
	}
}

func (c *Client) establishConnection() error {
	dialer := *websocket.DefaultDialer

	if !c.tlsConfig.empty() {
		logger.Info("websocket: Setting up TLS configuration for WebSocket connection")
		tlsConfig, err := c.setupTLS()
		if err != nil {
			return fmt.Errorf("failed to setup TLS configuration: %w", err)
		}
		dialer.TLSClientConfig = tlsConfig
	}

	if os.Getenv("SKIP_TLS_VERIFY") == "true" {
		if dialer.TLSClientConfig == nil {
			dialer.TLSClientConfig = &tls.Config{}
		}
		dialer.TLSClientConfig.InsecureSkipVerify = true
		logger.Debug("websocket: TLS certificate verification disabled via SKIP_TLS_VERIFY environment variable")
	}

	if len(c.dialAddrs) > 0 {
		dialer.NetDialContext = c.dialPinned
	}

	conn, _, err := dialer.Dial(c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c.connMux.Lock()
	select {
	case <-c.done:
		c.connMux.Unlock()
		conn.Close()
		return nil
	default:
	}
	c.conn = conn
	c.connMux.Unlock()

	logger.Info("websocket: Connected to %s", c.endpoint)
	go c.readPump(conn)

	if c.onConnect != nil {
		if err := c.onConnect(); err != nil {
			logger.Error("websocket: OnConnect callback failed: %v", err)
		}
	}

	return nil
}

// readPump dispatches incoming messages and reconnects when conn drops
func (c *Client) dialPinned(ctx context.Context, network, address string) (net.Conn, error) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	var errs []error
	for _, addr := range c.dialAddrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()

		c.connMux.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMux.Unlock()

		select {
		case <-c.done:
		default:
			go c.connectWithRetry()
		}
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				logger.Debug("websocket: connection closed during shutdown")
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					logger.Error("websocket: read error: %v", err)
				} else {
					logger.Debug("websocket: connection closed: %v", err)
				}
			}
			return
		}

		c.handlersMux.RLock()
		handler, ok := c.handlers[msg.Type]
		c.handlersMux.RUnlock()
		if ok {
			handler(msg)
		}
	}
}

// setupTLS configures TLS based on the TLS configuration
func (c *Client) setupTLS() (*tls.Config, error) {
	if c.tlsConfig.ClientCertFile != "" && c.tlsConfig.ClientKeyFile != "" {
		logger.Info("websocket: Loading separate certificate files for mTLS")
		logger.Debug("websocket: Client cert: %s", c.tlsConfig.ClientCertFile)

		cert, err := tls.LoadX509KeyPair(c.tlsConfig.ClientCertFile, c.tlsConfig.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

		if len(c.tlsConfig.CAFiles) > 0 {
			pool, err := loadCAFiles(c.tlsConfig.CAFiles)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}
		return tlsConfig, nil
	}

	if c.tlsConfig.PKCS12File != "" {
		logger.Info("websocket: Loading PKCS12 certificate for mTLS")
		return loadClientCertificate(c.tlsConfig.PKCS12File)
	}

	if len(c.tlsConfig.CAFiles) > 0 {
		pool, err := loadCAFiles(c.tlsConfig.CAFiles)
		if err != nil {
			return nil, err
		}
		return &tls.Config{RootCAs: pool}, nil
	}

	return nil, nil
}

func loadCAFiles(files []string) (*x509.CertPool, error) {
	logger.Debug("websocket: Loading CA certificates: %v", files)
	pool := x509.NewCertPool()
	for _, caFile := range files {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
		}

		// Try to parse as PEM first, then DER
		if !pool.AppendCertsFromPEM(caCert) {
			cert, err := x509.ParseCertificate(caCert)
			if err != nil {
				return nil, fmt.Errorf("failed to parse CA certificate from %s: %w", caFile, err)
			}
			pool.AddCert(cert)
		}
	}
	return pool, nil
}

// loadClientCertificate loads a client certificate chain in PKCS12 format
func loadClientCertificate(p12Path string) (*tls.Config, error) {
	logger.Info("websocket: Loading tls-client-cert %s", p12Path)
	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCS12 file: %w", err)
	}

	// Parse PKCS12 with empty password for non-encrypted files
	privateKey, certificate, caCerts, err := pkcs12.DecodeChain(p12Data, "")
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS12: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certificate.Raw},
		PrivateKey:  privateKey,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system cert pool: %w", err)
	}
	for _, caCert := range caCerts {
		rootCAs.AddCert(caCert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
	}, nil
}
