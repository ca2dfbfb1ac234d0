package forward

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/tunnelctl/internal/command"
	"github.com/1ureka/tunnelctl/internal/protocol"
	"github.com/1ureka/tunnelctl/internal/tunnel"
)

// directTunnels stands in for a tunnel table whose peer dials targets from
// this process.
type directTunnels struct {
	mu     sync.Mutex
	nextID uint32
	dials  []string
	closed []uint32
}

func (d *directTunnels) connect(host string, port uint16) (net.Conn, uint32, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.dials = append(d.dials, addr)
	d.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, 0, &tunnel.RemoteError{Status: protocol.StatusConnectFailed, Reason: err.Error()}
	}
	return conn, id, nil
}

func (d *directTunnels) OpenTunnel(host string, port uint16, onOpen tunnel.OpenFunc) error {
	go func() {
		conn, id, err := d.connect(host, port)
		onOpen(conn, id, err)
	}()
	return nil
}

func (d *directTunnels) Dial(ctx context.Context, host string, port uint16) (net.Conn, uint32, error) {
	return d.connect(host, port)
}

func (d *directTunnels) CloseTunnel(id uint32, notify bool) error {
	d.mu.Lock()
	d.closed = append(d.closed, id)
	d.mu.Unlock()
	return nil
}

func (d *directTunnels) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *directTunnels) waitClosed(t *testing.T, id uint32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		for _, c := range d.closed {
			if c == id {
				d.mu.Unlock()
				return
			}
		}
		d.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tunnel %d never closed", id)
}

// echoServer accepts connections on loopback and echoes them.
func echoServer(t *testing.T) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

func TestParseHostPorts(t *testing.T) {
	tests := []struct {
		in      string
		want    Spec
		wantErr bool
	}{
		{"8080 example.com:80", Spec{"0.0.0.0", 8080, "example.com", 80}, false},
		{"127.0.0.1:8080 10.0.0.5:22", Spec{"127.0.0.1", 8080, "10.0.0.5", 22}, false},
		{":9000 db:5432", Spec{"0.0.0.0", 9000, "db", 5432}, false},
		{"[::1]:8443 [2001:db8::1]:443", Spec{"::1", 8443, "2001:db8::1", 443}, false},
		{"8080", Spec{}, true},
		{"0 example.com:80", Spec{}, true},
		{"70000 example.com:80", Spec{}, true},
		{"8080 example.com", Spec{}, true},
		{"8080 :80", Spec{}, true},
		{"8080 example.com:http", Spec{}, true},
		{"8080 example.com:80 extra", Spec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHostPorts(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseHostPorts(%q) = %+v; want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHostPorts(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseHostPorts(%q) = %+v; want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseListenAddr(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{"1080", "0.0.0.0", 1080, false},
		{":1080", "0.0.0.0", 1080, false},
		{"127.0.0.1:1081", "127.0.0.1", 1081, false},
		{"[::1]:1082", "::1", 1082, false},
		{"127.0.0.1:0", "", 0, true},
		{"socks", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := ParseListenAddr(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseListenAddr(%q) error = %v; wantErr %v", tt.in, err, tt.wantErr)
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("ParseListenAddr(%q) = %s, %d; want %s, %d", tt.in, host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	d := &directTunnels{}
	f := New(d, "tunnelctl", "1.0")

	tests := []struct {
		url  string
		want error
	}{
		{"https://example.com/", ErrUnsupportedScheme},
		{"ftp://example.com/file", ErrUnsupportedScheme},
		{"example.com/index.html", ErrInvalidURL},
		{"http:///nohost", ErrInvalidURL},
		{"http://example.com:0/", ErrInvalidURL},
		{"http://%zz", ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if _, err := f.Fetch(context.Background(), tt.url); !errors.Is(err, tt.want) {
				t.Errorf("Fetch(%q) = %v; want %v", tt.url, err, tt.want)
			}
		})
	}
	if n := d.dialCount(); n != 0 {
		t.Errorf("%d tunnels opened for invalid URLs", n)
	}
}

func TestFetch(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		io.WriteString(w, "hello from the other side")
	}))
	defer srv.Close()

	d := &directTunnels{}
	f := New(d, "tunnelctl", "1.2.3")

	page, err := f.Fetch(context.Background(), srv.URL+"/path?q=1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasPrefix(page.StatusLine(), "HTTP/1.0 200") {
		t.Errorf("status line = %q", page.StatusLine())
	}
	if !bytes.HasSuffix(page.Body, []byte("hello from the other side")) {
		t.Errorf("body = %q", page.Body)
	}

	if got.URL.RequestURI() != "/path?q=1" {
		t.Errorf("request target = %q", got.URL.RequestURI())
	}
	if got.Proto != "HTTP/1.0" {
		t.Errorf("proto = %s; want HTTP/1.0", got.Proto)
	}
	if ua := got.Header.Get("User-Agent"); ua != "tunnelctl v1.2.3" {
		t.Errorf("User-Agent = %q", ua)
	}
	if got.Header.Get("DNT") != "1" || got.Header.Get("Cache-Control") != "max-age=0" {
		t.Errorf("headers = %v", got.Header)
	}
	if got.Host != strings.TrimPrefix(srv.URL, "http://") {
		t.Errorf("Host = %q", got.Host)
	}
	d.waitClosed(t, 1)
}

func TestFetchDefaultPort(t *testing.T) {
	tgt, err := parseURL("http://example.com")
	if err != nil {
		t.Fatal(err)
	}
	if tgt.port != 80 || tgt.path != "/" {
		t.Errorf("target = %+v; want port 80 path /", tgt)
	}

	f := New(&directTunnels{}, "agent", "2")
	req := string(f.request(tgt))
	want := "GET / HTTP/1.0\r\n" +
		"Host: example.com:80\r\n" +
		"Connection: close\r\n" +
		"Cache-Control: max-age=0\r\n" +
		"User-Agent: agent v2\r\n" +
		"DNT: 1\r\n" +
		"\r\n"
	if req != want {
		t.Errorf("request =\n%q\nwant\n%q", req, want)
	}
}

func TestFetchRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	f := New(&directTunnels{}, "tunnelctl", "1.0")
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:"+strconv.Itoa(port)+"/")
	var remote *tunnel.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Fetch = %v; want *tunnel.RemoteError", err)
	}
}

func TestListenForwards(t *testing.T) {
	host, port := echoServer(t)
	d := &directTunnels{}
	f := New(d, "tunnelctl", "1.0")

	l, err := f.Listen(context.Background(), "127.0.0.1", 0, host, port)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	msg := []byte("through the tunnel and back")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("echo = %q; want %q", buf, msg)
	}

	conn.Close()
	d.waitClosed(t, 1)

	if ls := f.Listeners(); len(ls) != 1 || ls[0].Kind != KindForward {
		t.Errorf("Listeners() = %v", ls)
	}
}

func TestListenRemoteRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	deadPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	f := New(&directTunnels{}, "tunnelctl", "1.0")
	l, err := f.Listen(context.Background(), "127.0.0.1", 0, "127.0.0.1", deadPort)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection stayed open after the peer refused")
	}
}

func TestListenAddressInUse(t *testing.T) {
	f := New(&directTunnels{}, "tunnelctl", "1.0")
	l, err := f.Listen(context.Background(), "127.0.0.1", 0, "example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	port := uint16(l.Addr().(*net.TCPAddr).Port)
	if _, err := f.Listen(context.Background(), "127.0.0.1", port, "example.com", 80); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("second Listen = %v; want ErrAddressInUse", err)
	}
}

func TestListenerStopsWithContext(t *testing.T) {
	f := New(&directTunnels{}, "tunnelctl", "1.0")
	ctx, cancel := context.WithCancel(context.Background())
	l, err := f.Listen(ctx, "127.0.0.1", 0, "example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop still running after cancel")
	}
	if n := len(f.Listeners()); n != 0 {
		t.Errorf("%d listeners left", n)
	}
}

func TestSOCKSConnect(t *testing.T) {
	host, port := echoServer(t)
	d := &directTunnels{}
	f := New(d, "tunnelctl", "1.0")

	l, err := f.ServeSOCKS(context.Background(), "127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Greeting: version 5, one method, no auth.
	conn.Write([]byte{0x05, 0x01, 0x00})
	greet := make([]byte, 2)
	if _, err := io.ReadFull(conn, greet); err != nil || greet[1] != 0x00 {
		t.Fatalf("greeting reply %v, %v", greet, err)
	}

	// CONNECT by domain name so the proxy passes the name through.
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("localhost"))}
	req = append(req, "localhost"...)
	req = binary.BigEndian.AppendUint16(req, port)
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("connect reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("connect reply code = %d; want success", reply[1])
	}

	conn.Write([]byte("socks echo"))
	buf := make([]byte, len("socks echo"))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "socks echo" {
		t.Fatalf("echo = %q, %v", buf, err)
	}

	d.mu.Lock()
	dialed := d.dials[0]
	d.mu.Unlock()
	if want := net.JoinHostPort("localhost", strconv.Itoa(int(port))); dialed != want {
		t.Errorf("tunnel target = %s; want %s (host %s)", dialed, want, host)
	}
}

func TestSOCKSReply(t *testing.T) {
	tests := []struct {
		err  error
		want uint8
	}{
		{&tunnel.RemoteError{Reason: "Connection refused"}, 0x05},
		{&tunnel.RemoteError{Reason: "connect: network is unreachable"}, 0x03},
		{&tunnel.RemoteError{Reason: "no such host"}, 0x04},
		{errors.New("table closed"), 0x04},
	}
	for _, tt := range tests {
		if got := socksReply(tt.err); got != tt.want {
			t.Errorf("socksReply(%v) = %d; want %d", tt.err, got, tt.want)
		}
	}
}

// slowPeer accepts every CONNECT and takes its time acknowledging DATA.
type slowPeer struct {
	corr   *command.Correlator
	mu     sync.Mutex
	data   []byte
	closes int
	closed chan struct{}
}

func (p *slowPeer) Send(pkt *protocol.Packet) error {
	switch pkt.CommandID {
	case protocol.CommandTunnelConnect:
		go p.corr.HandleResponse(&protocol.Packet{
			RequestID: pkt.RequestID,
			CommandID: protocol.CommandTunnelConnect,
			TunnelID:  1,
		})
	case protocol.CommandTunnelData:
		time.Sleep(200 * time.Millisecond)
		p.mu.Lock()
		p.data = append(p.data, pkt.Data...)
		p.mu.Unlock()
	case protocol.CommandTunnelClose:
		p.mu.Lock()
		p.closes++
		if p.closes == 1 {
			close(p.closed)
		}
		p.mu.Unlock()
	}
	return nil
}

func TestListenDeliversDataBeforeClose(t *testing.T) {
	p := &slowPeer{closed: make(chan struct{})}
	p.corr = command.NewCorrelator(p, command.NewIDGen())
	tbl := tunnel.NewTable(p.corr, 0)
	defer tbl.Close()
	f := New(tbl, "tunnelctl", "1.0")

	l, err := f.Listen(context.Background(), "127.0.0.1", 0, "example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("first-"))
	time.Sleep(20 * time.Millisecond)
	conn.Write([]byte("second"))
	conn.Close()

	select {
	case <-p.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel never closed")
	}
	time.Sleep(100 * time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	if string(p.data) != "first-second" {
		t.Errorf("peer received %q; want %q", p.data, "first-second")
	}
	if p.closes != 1 {
		t.Errorf("peer saw %d closes; want 1", p.closes)
	}
}
