package driver

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// 隧道帧标志位
const (
	wsFlagExtended = 1 << iota
	wsFlagFD
	wsFlagBRS
)

// wsFrame 是隧道中每条二进制消息的 CBOR 格式: [id, flags, data]
type wsFrame struct {
	_     struct{} `cbor:",toarray"`
	ID    uint32
	Flags uint8
	Data  []byte
}

// EncodeTunnelFrame 把一帧编码为隧道消息
func EncodeTunnelFrame(msg UnifiedCANMessage) ([]byte, error) {
	f := wsFrame{ID: msg.ID, Data: msg.Payload()}
	if msg.IsExtended {
		f.Flags |= wsFlagExtended
	}
	if msg.IsFD {
		f.Flags |= wsFlagFD
	}
	if msg.BRS {
		f.Flags |= wsFlagBRS
	}
	return cbor.Marshal(f)
}

// DecodeTunnelFrame 解析隧道消息
func DecodeTunnelFrame(data []byte) (UnifiedCANMessage, error) {
	if len(data) == 0 {
		return UnifiedCANMessage{}, fmt.Errorf("empty CBOR payload")
	}
	var f wsFrame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return UnifiedCANMessage{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	msg := UnifiedCANMessage{
		ID:         f.ID,
		IsExtended: f.Flags&wsFlagExtended != 0,
		IsFD:       f.Flags&wsFlagFD != 0,
		BRS:        f.Flags&wsFlagBRS != 0,
	}
	limit := 8
	if msg.IsFD {
		limit = 64
	}
	if len(f.Data) > limit {
		return UnifiedCANMessage{}, fmt.Errorf("tunnel frame carries %d bytes, limit %d", len(f.Data), limit)
	}
	if (!msg.IsExtended && msg.ID > 0x7FF) || msg.ID > 0x1FFFFFFF {
		return UnifiedCANMessage{}, fmt.Errorf("tunnel frame ID 0x%X out of range", msg.ID)
	}
	msg.DLC = byte(copy(msg.Data[:], f.Data))
	return msg, nil
}

// WebSocket 通过 WebSocket 隧道连接远程总线网关的 CANDriver
type WebSocket struct {
	url           string
	username      string
	password      string
	skipSSLVerify bool

	mu      sync.Mutex
	conn    *websocket.Conn
	rxChan  chan UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	logger  *log.Logger
}

func NewWebSocket(wsURL, username, password string, skipSSLVerify bool) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		url:           wsURL,
		username:      username,
		password:      password,
		skipSSLVerify: skipSSLVerify,
		rxChan:        make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.Default(),
	}
}

// Init 建立 WebSocket 连接 (HTTP Basic 认证可选)
func (w *WebSocket) Init() error {
	u, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: w.skipSSLVerify,
		}
	}

	headers := http.Header{}
	if w.username != "" && w.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(w.username + ":" + w.password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(w.ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, w.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("WebSocket connection failed (HTTP %d): %v", resp.StatusCode, err)
		}
		return fmt.Errorf("WebSocket connection failed: %v", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.logger.Printf("[WebSocket] 已连接 %s", w.url)
	return nil
}

func (w *WebSocket) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.conn == nil {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.readLoop(w.conn)
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil {
				w.logger.Printf("[WebSocket] 连接断开: %v", err)
			}
			return
		}
		// 只处理二进制消息
		if messageType != websocket.BinaryMessage {
			continue
		}
		msg, err := DecodeTunnelFrame(data)
		if err != nil {
			w.logger.Printf("[WebSocket] 忽略无法解析的消息: %v", err)
			continue
		}
		select {
		case w.rxChan <- msg:
		case <-w.ctx.Done():
			return
		default:
			w.logger.Printf("[WebSocket] 接收缓冲区已满，丢弃 ID=0x%03X", msg.ID)
		}
	}
}

func (w *WebSocket) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	conn := w.conn
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.mu.Unlock()

	w.cancel()
	conn.Close()
	w.wg.Wait()
	close(w.rxChan)
}

func (w *WebSocket) Write(msg UnifiedCANMessage) error {
	data, err := EncodeTunnelFrame(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrNotStarted
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WebSocket) RxChan() <-chan UnifiedCANMessage { return w.rxChan }

func (w *WebSocket) Context() context.Context { return w.ctx }

// Gateway 是隧道的服务端：每个连接的客户端写出的帧都会转发给其他客户端，
// 相当于一条跨网络的虚拟总线。
type Gateway struct {
	upgrader websocket.Upgrader
	username string
	password string
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*gatewayClient]struct{}
}

type gatewayClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewGateway 创建网关，username 为空时不做认证
func NewGateway(username, password string, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		username: username,
		password: password,
		logger:   logger,
		clients:  make(map[*gatewayClient]struct{}),
	}
}

// Clients 返回当前连接数
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(g.username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(g.password)) == 1
}

func (g *Gateway) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		rw.Header().Set("WWW-Authenticate", `Basic realm="can gateway"`)
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		g.logger.Printf("[Gateway] upgrade failed: %v", err)
		return
	}

	c := &gatewayClient{conn: conn, send: make(chan []byte, RxChannelBufferSize)}
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	g.logger.Printf("[Gateway] client %s connected", conn.RemoteAddr())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range c.send {
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if _, err := DecodeTunnelFrame(data); err != nil {
			g.logger.Printf("[Gateway] dropping invalid frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		g.broadcast(c, data)
	}

	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	close(c.send)
	<-done
	conn.Close()
	g.logger.Printf("[Gateway] client %s disconnected", conn.RemoteAddr())
}

func (g *Gateway) broadcast(from *gatewayClient, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			g.logger.Printf("[Gateway] client %s too slow, frame dropped", c.conn.RemoteAddr())
		}
	}
}

// ListenAndServe 在 addr 上运行网关，直到 ctx 结束
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: g}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	g.logger.Printf("[Gateway] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
