// Package forward bridges local endpoints to tunnels: TCP port forwards, a
// SOCKS5 front end and one-shot HTTP fetches.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/tunnelctl/internal/socket"
	"github.com/1ureka/tunnelctl/internal/tunnel"
	"github.com/1ureka/tunnelctl/internal/util"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrAddressInUse      = errors.New("address already in use")
	ErrInvalidURL        = errors.New("invalid url")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// Tunnels is the part of the tunnel table the forwarder drives.
type Tunnels interface {
	OpenTunnel(host string, port uint16, onOpen tunnel.OpenFunc) error
	Dial(ctx context.Context, host string, port uint16) (net.Conn, uint32, error)
	CloseTunnel(tunnelID uint32, notifyRemote bool) error
}

// Kind tells port forwards and SOCKS listeners apart.
type Kind string

const (
	KindForward Kind = "forward"
	KindSOCKS   Kind = "socks"
)

// Forwarder owns the local listeners of one session.
type Forwarder struct {
	tunnels   Tunnels
	userAgent string

	mu        sync.Mutex
	listeners map[int]*Listener
	nextID    int
}

// New creates a forwarder opening tunnels through t. name and version build
// the User-Agent sent by Fetch.
func New(t Tunnels, name, version string) *Forwarder {
	return &Forwarder{
		tunnels:   t,
		userAgent: fmt.Sprintf("%s v%s", name, version),
		listeners: make(map[int]*Listener),
	}
}

// Listener is a bound local port that turns accepted connections into tunnels.
type Listener struct {
	ID     int
	Kind   Kind
	Remote string // host:port for forwards, empty for SOCKS

	ln     net.Listener
	owner  *Forwarder
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Addr is the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Connections already forwarded keep running.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.owner.forget(l.ID)
	})
	return err
}

// Done is closed once the accept loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Listen binds localHost:localPort and forwards every accepted connection to
// remoteHost:remotePort through a fresh tunnel.
func (f *Forwarder) Listen(ctx context.Context, localHost string, localPort uint16, remoteHost string, remotePort uint16) (*Listener, error) {
	ln, err := bind(localHost, localPort)
	if err != nil {
		return nil, err
	}
	l := f.track(ctx, ln, KindForward, net.JoinHostPort(remoteHost, strconv.Itoa(int(remotePort))))

	util.LogInfo("Listening on %s, forwarding to %s", ln.Addr(), l.Remote)
	go f.acceptLoop(l, func(conn net.Conn) {
		f.forward(conn, remoteHost, remotePort)
	})
	return l, nil
}

// Listeners returns the active listeners ordered by id.
func (f *Forwarder) Listeners() []*Listener {
	f.mu.Lock()
	out := make([]*Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		out = append(out, l)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every listener.
func (f *Forwarder) Close() {
	for _, l := range f.Listeners() {
		l.Close()
	}
}

func (f *Forwarder) track(ctx context.Context, ln net.Listener, kind Kind, remote string) *Listener {
	lctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.nextID++
	l := &Listener{
		ID:     f.nextID,
		Kind:   kind,
		Remote: remote,
		ln:     ln,
		owner:  f,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	f.listeners[l.ID] = l
	f.mu.Unlock()

	// Close the listener when the context is done so Accept() returns.
	go func() {
		<-lctx.Done()
		l.Close()
	}()
	return l
}

func (f *Forwarder) forget(id int) {
	f.mu.Lock()
	delete(f.listeners, id)
	f.mu.Unlock()
}

// acceptLoop hands each accepted connection to handle. Temporary accept
// errors are retried with backoff; anything else ends the loop.
func (f *Forwarder) acceptLoop(l *Listener, handle func(net.Conn)) {
	defer close(l.done)
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
				d := b.Duration()
				util.LogWarning("Accept on %s failed: %v; retrying in %s", l.Addr(), err, d)
				time.Sleep(d)
				continue
			}
			util.LogError("Accept on %s failed: %v", l.Addr(), err)
			l.Close()
			return
		}
		b.Reset()
		util.LogDebug("New connection from %s on %s", conn.RemoteAddr(), l.Addr())
		handle(conn)
	}
}

// forward opens a tunnel for an accepted connection and, once the peer has
// connected, bridges the two with a forwarding pair.
func (f *Forwarder) forward(conn net.Conn, host string, port uint16) {
	err := f.tunnels.OpenTunnel(host, port, func(tconn net.Conn, id uint32, err error) {
		if err != nil {
			util.LogWarning("Forward from %s to %s:%d failed: %v", conn.RemoteAddr(), host, port, err)
			conn.Close()
			return
		}
		f.pair(conn, tconn, id)
	})
	if err != nil {
		util.LogError("Couldn't open tunnel to %s:%d: %v", host, port, err)
		conn.Close()
	}
}

// pair cross-wires the tunnel half and the application connection. The
// tunnel side is activated first and activates the application side from its
// OnReady, so no application bytes are read before the tunnel can carry them.
// Whichever side ends first closes the other and the tunnel.
func (f *Forwarder) pair(app, tconn net.Conn, id uint32) {
	var tun, local *socket.Manager
	var ended atomic.Bool
	teardown := func() {
		if !ended.CompareAndSwap(false, true) {
			return
		}
		tun.Close()
		local.Close()
		f.tunnels.CloseTunnel(id, true)
	}

	tun = socket.New(tconn, fmt.Sprintf("tunnel %d", id), socket.Handlers{
		OnReady: func(*socket.Manager) {
			if err := local.Ready(); err != nil {
				util.LogWarning("[tunnel %d] couldn't activate local socket: %v", id, err)
			}
		},
		OnData: func(_ *socket.Manager, data []byte) {
			local.Write(data)
		},
		OnError: func(_ *socket.Manager, msg string, err error) {
			util.LogWarning("[tunnel %d] %s: %v", id, msg, err)
			teardown()
		},
		OnClose: func(*socket.Manager) { teardown() },
	})

	local = socket.New(app, fmt.Sprintf("local %s", app.RemoteAddr()), socket.Handlers{
		OnData: func(_ *socket.Manager, data []byte) {
			tun.Write(data)
		},
		OnError: func(_ *socket.Manager, msg string, err error) {
			util.LogWarning("[tunnel %d] %s: %v", id, msg, err)
			teardown()
		},
		OnClose: func(*socket.Manager) { teardown() },
	})

	if err := tun.Ready(); err != nil {
		util.LogWarning("[tunnel %d] couldn't activate tunnel socket: %v", id, err)
		teardown()
	}
}

// bind listens on host:port and classifies the common failures.
func bind(host string, port uint16) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ln, err := net.Listen("tcp", addr)
	switch {
	case err == nil:
		return ln, nil
	case errors.Is(err, syscall.EACCES):
		return nil, fmt.Errorf("listen on %s: %w", addr, ErrPermissionDenied)
	case errors.Is(err, syscall.EADDRINUSE):
		return nil, fmt.Errorf("listen on %s: %w", addr, ErrAddressInUse)
	default:
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
}
