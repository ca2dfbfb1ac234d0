package app

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/tunnelctl/internal/channel"
	"github.com/1ureka/tunnelctl/internal/config"
	"github.com/1ureka/tunnelctl/internal/peer"
	"github.com/1ureka/tunnelctl/internal/util"
)

// PeerURL returns the URL the peer dials, carrying the token, the carrier
// choice and the name shown in the controller's session list.
func PeerURL(cfg *config.Config, name string) (string, error) {
	raw, err := channel.DialURL(cfg.Peer.URL, cfg.Token, cfg.Peer.WebRTC)
	if err != nil {
		return "", err
	}
	if name == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RunPeer connects to the controller and serves it, reconnecting with
// backoff until ctx ends.
func RunPeer(ctx context.Context, cfg *config.Config, name string) error {
	target, err := PeerURL(cfg, name)
	if err != nil {
		return err
	}
	dialTimeout, err := cfg.PeerDialTimeout()
	if err != nil {
		return err
	}
	opts := peer.Options{DialTimeout: dialTimeout, BufferSize: cfg.BufferSize}

	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := servePeer(ctx, target, cfg.STUN, opts)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > b.Max {
			b.Reset()
		}
		wait := b.Duration()
		if err != nil {
			util.LogWarning("Connection to controller failed: %v (retrying in %s)", err, wait)
		} else {
			util.LogInfo("Controller closed the connection (reconnecting in %s)", wait)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// servePeer runs one connection to the controller until it ends.
func servePeer(ctx context.Context, target string, stun []string, opts peer.Options) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	ws, err := channel.Dial(dialCtx, target)
	if err != nil {
		cancel()
		return err
	}

	var carrier channel.Carrier
	if u, _ := url.Parse(target); u != nil && u.Query().Get("carrier") == "webrtc" {
		if len(stun) == 0 {
			stun = channel.DefaultSTUN
		}
		dc, err := channel.Answer(dialCtx, ws, stun)
		ws.Close()
		if err != nil {
			cancel()
			return err
		}
		carrier = dc
	} else {
		carrier = channel.NewConn(ws)
	}
	cancel()
	util.LogInfo("Connected to controller over %s", carrier)

	p := peer.New(carrier, opts)
	defer p.Close()

	stop := context.AfterFunc(ctx, func() { carrier.Close() })
	defer stop()

	err = carrier.Serve(p.Handle)
	carrier.Close()
	if errors.Is(err, channel.ErrClosed) {
		return nil
	}
	return err
}
