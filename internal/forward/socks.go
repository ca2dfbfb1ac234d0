package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"

	"github.com/things-go/go-socks5"
	"github.com/things-go/go-socks5/statute"

	"github.com/1ureka/tunnelctl/internal/tunnel"
	"github.com/1ureka/tunnelctl/internal/util"
)

// ServeSOCKS runs a SOCKS5 server on localHost:localPort whose CONNECT
// requests each open a tunnel. Names are passed through unresolved so the
// peer resolves them.
func (f *Forwarder) ServeSOCKS(ctx context.Context, localHost string, localPort uint16) (*Listener, error) {
	ln, err := bind(localHost, localPort)
	if err != nil {
		return nil, err
	}
	l := f.track(ctx, ln, KindSOCKS, "")

	server := socks5.NewServer(
		socks5.WithLogger(socks5.NewLogger(log.New(io.Discard, "", 0))),
		socks5.WithResolver(nopResolver{}),
		socks5.WithConnectHandle(f.socksConnect),
	)

	util.LogInfo("SOCKS5 proxy listening on %s", ln.Addr())
	go func() {
		defer close(l.done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			util.LogError("SOCKS5 proxy on %s stopped: %v", ln.Addr(), err)
		}
		l.Close()
	}()
	return l, nil
}

func (f *Forwarder) socksConnect(ctx context.Context, w io.Writer, req *socks5.Request) error {
	host := req.DstAddr.FQDN
	if host == "" {
		host = req.DstAddr.IP.String()
	}
	if req.DstAddr.Port <= 0 || req.DstAddr.Port > 65535 {
		socks5.SendReply(w, statute.RepAddrTypeNotSupported, nil)
		return fmt.Errorf("socks: bad port %d", req.DstAddr.Port)
	}

	conn, id, err := f.tunnels.Dial(ctx, host, uint16(req.DstAddr.Port))
	if err != nil {
		util.LogWarning("SOCKS5 connect to %s failed: %v", req.DstAddr.String(), err)
		socks5.SendReply(w, socksReply(err), nil)
		return err
	}
	defer f.tunnels.CloseTunnel(id, true)
	defer conn.Close()

	// Only TCP addresses are encodable in the reply.
	if err := socks5.SendReply(w, statute.RepSuccess, &net.TCPAddr{IP: net.IPv4zero}); err != nil {
		return fmt.Errorf("socks: reply: %w", err)
	}
	util.LogDebug("[tunnel %d] SOCKS5 %s -> %s", id, req.RemoteAddr, req.DstAddr.String())

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, req.Reader)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(w, conn)
		errc <- err
	}()
	// One direction finishing ends the exchange; the deferred closes unblock the other.
	return <-errc
}

func socksReply(err error) uint8 {
	var remote *tunnel.RemoteError
	if errors.As(err, &remote) {
		reason := strings.ToLower(remote.Reason)
		switch {
		case strings.Contains(reason, "refused"):
			return statute.RepConnectionRefused
		case strings.Contains(reason, "network is unreachable"):
			return statute.RepNetworkUnreachable
		}
	}
	return statute.RepHostUnreachable
}

// nopResolver leaves names for the peer to resolve.
type nopResolver struct{}

func (nopResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, net.IP{}, nil
}
