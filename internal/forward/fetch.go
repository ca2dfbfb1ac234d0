package forward

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/1ureka/tunnelctl/internal/socket"
	"github.com/1ureka/tunnelctl/internal/util"
)

// Page is the raw result of a Fetch: status line, headers and body exactly as
// the server sent them.
type Page struct {
	URL  string
	Body []byte
}

// StatusLine returns the first line of the response, if any.
func (p *Page) StatusLine() string {
	line, _, _ := bytes.Cut(p.Body, []byte("\r\n"))
	return string(line)
}

type target struct {
	host string
	port uint16
	path string
}

// parseURL accepts only plain http URLs with a host.
func parseURL(rawURL string) (*target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" {
		if u.Scheme == "" {
			return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidURL, rawURL)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, rawURL)
	}

	t := &target{host: u.Hostname(), port: 80, path: u.RequestURI()}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
		t.port = uint16(n)
	}
	return t, nil
}

// request renders the HTTP/1.0 request sent through the tunnel.
func (f *Forwarder) request(t *target) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.0\r\n", t.path)
	fmt.Fprintf(&b, "Host: %s\r\n", net.JoinHostPort(t.host, strconv.Itoa(int(t.port))))
	b.WriteString("Connection: close\r\n")
	b.WriteString("Cache-Control: max-age=0\r\n")
	fmt.Fprintf(&b, "User-Agent: %s\r\n", f.userAgent)
	b.WriteString("DNT: 1\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Fetch retrieves rawURL through a tunnel and returns everything the server
// sent before closing the connection. Only http is supported; the URL is
// validated before any tunnel is opened. A peer refusal is returned as a
// *tunnel.RemoteError.
func (f *Forwarder) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	t, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, id, err := f.tunnels.Dial(ctx, t.host, t.port)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	util.LogDebug("[tunnel %d] fetching %s", id, rawURL)

	var (
		mu      sync.Mutex
		body    bytes.Buffer
		failure error
	)
	m := socket.New(conn, fmt.Sprintf("fetch %d", id), socket.Handlers{
		OnReady: func(m *socket.Manager) {
			if _, err := m.Write(f.request(t)); err != nil {
				util.LogWarning("[tunnel %d] couldn't send request: %v", id, err)
			}
		},
		OnData: func(_ *socket.Manager, data []byte) {
			mu.Lock()
			body.Write(data)
			mu.Unlock()
		},
		OnError: func(_ *socket.Manager, msg string, err error) {
			mu.Lock()
			failure = fmt.Errorf("%s: %w", msg, err)
			mu.Unlock()
		},
	})
	if err := m.Ready(); err != nil {
		conn.Close()
		f.tunnels.CloseTunnel(id, true)
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	select {
	case <-m.Done():
	case <-ctx.Done():
		m.Close()
		<-m.Done()
		f.tunnels.CloseTunnel(id, true)
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	}
	// Usually the peer closed the tunnel already.
	f.tunnels.CloseTunnel(id, true)

	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, failure)
	}
	return &Page{URL: rawURL, Body: body.Bytes()}, nil
}
