package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tunnelctl/internal/protocol"
	"github.com/1ureka/tunnelctl/internal/util"
)

// Path is where the controller accepts peers.
const Path = "/ws"

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a Carrier over a WebSocket. Each binary message is one packet.
type Conn struct {
	ws   *websocket.Conn
	name string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		name: "ws " + ws.RemoteAddr().String(),
		done: make(chan struct{}),
	}
}

func (c *Conn) String() string { return c.name }

// Send writes pkt as a single binary message.
func (c *Conn) Send(pkt *protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%s: write: %w", c.name, err)
	}
	return nil
}

// Serve reads messages until the socket closes. A message that fails to
// decode ends the connection since the stream can no longer be trusted.
func (c *Conn) Serve(handle Handler) error {
	defer c.Close()
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%s: read: %w", c.name, err)
		}
		if typ != websocket.BinaryMessage {
			util.LogDebug("%s: ignoring non-binary message", c.name)
			continue
		}

		pkt, err := protocol.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		if err := handle(pkt); err != nil {
			return err
		}
	}
}

// Close sends a close frame and shuts the socket. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// AcceptFunc is given every authenticated peer. It owns the carrier.
type AcceptFunc func(c Carrier, r *http.Request)

// Server accepts peers over WebSocket. A peer asking for the webrtc carrier
// is moved onto a DataChannel negotiated over the same socket.
type Server struct {
	token  string
	stun   []string
	accept AcceptFunc

	listener net.Listener
	http     *http.Server
}

// NewServer creates a server admitting peers that present token. An empty
// token admits anyone.
func NewServer(token string, stun []string, accept AcceptFunc) *Server {
	return &Server{token: token, stun: stun, accept: accept}
}

// Handler returns the HTTP handler serving Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("WS server stopped: %v", err)
		}
	}()
	return listener.Addr(), nil
}

// Close stops accepting peers. Established carriers are unaffected.
func (s *Server) Close() error {
	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(s.token)) != 1 {
		util.LogWarning("Rejected peer %s: bad token", r.RemoteAddr)
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("WS upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	if r.URL.Query().Get("carrier") == "webrtc" {
		dc, err := Offer(r.Context(), ws, s.stun)
		ws.Close()
		if err != nil {
			util.LogWarning("WebRTC negotiation with %s failed: %v", r.RemoteAddr, err)
			return
		}
		s.accept(dc, r)
		return
	}
	s.accept(NewConn(ws), r)
}

// DialURL builds the peer's URL for a controller at base (ws:// or wss://).
func DialURL(base, token string, webrtc bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if webrtc {
		q.Set("carrier", "webrtc")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the controller's WebSocket at rawURL.
func Dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to connect to WS server: unauthorized")
		}
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return ws, nil
}
