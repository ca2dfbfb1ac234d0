// Package app wires carriers, sessions and forwarders into the controller
// and peer roles.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/1ureka/tunnelctl/internal/channel"
	"github.com/1ureka/tunnelctl/internal/config"
	"github.com/1ureka/tunnelctl/internal/forward"
	"github.com/1ureka/tunnelctl/internal/session"
	"github.com/1ureka/tunnelctl/internal/util"
)

// Controller accepts peers and turns each one into a session.
type Controller struct {
	cfg    *config.Config
	reg    *session.Registry
	server *channel.Server

	forwards []forward.Spec
	socks    []config.SocksEndpoint
}

// NewController validates the startup forwards in cfg and prepares a
// controller. The token must already be set; an empty token admits anyone.
func NewController(cfg *config.Config) (*Controller, error) {
	forwards, err := cfg.ForwardSpecs()
	if err != nil {
		return nil, err
	}
	socks, err := cfg.SocksSpecs()
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		reg:      session.NewRegistry(),
		forwards: forwards,
		socks:    socks,
	}, nil
}

// Registry returns the sessions of this controller.
func (c *Controller) Registry() *session.Registry { return c.reg }

// Start listens on the configured address. Sessions live until their
// carrier closes or ctx ends.
func (c *Controller) Start(ctx context.Context) (net.Addr, error) {
	stun := c.cfg.STUN
	if len(stun) == 0 {
		stun = channel.DefaultSTUN
	}
	c.server = channel.NewServer(c.cfg.Token, stun, func(carrier channel.Carrier, r *http.Request) {
		c.accept(ctx, carrier, r)
	})
	addr, err := c.server.Start(c.cfg.Listen)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return addr, nil
}

// Close stops accepting peers and closes every session.
func (c *Controller) Close() {
	if c.server != nil {
		c.server.Close()
	}
	c.reg.CloseAll()
}

func (c *Controller) accept(ctx context.Context, carrier channel.Carrier, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = r.RemoteAddr
	}
	s := c.reg.Create(name, carrier, session.Options{
		BufferSize:   c.cfg.BufferSize,
		AgentName:    c.cfg.Agent.Name,
		AgentVersion: c.cfg.Agent.Version,
	})
	s.SetState(session.StateEstablished)
	util.LogInfo("Session %d established: %s (%s)", s.ID, s.Name, carrier)

	go func() {
		err := carrier.Serve(s.Dispatch)
		switch {
		case err == nil, errors.Is(err, channel.ErrClosed):
			util.LogInfo("Session %d closed", s.ID)
		case errors.Is(err, session.ErrProtocolViolation):
			util.LogError("Session %d: %v", s.ID, err)
		default:
			util.LogWarning("Session %d lost: %v", s.ID, err)
		}
		carrier.Close()
		s.Close()
		c.reg.Remove(s.ID)
	}()

	c.startForwards(ctx, s)
}

// startForwards opens the configured listeners for s. A listener that
// fails is logged and skipped.
func (c *Controller) startForwards(ctx context.Context, s *session.Session) {
	for _, spec := range c.forwards {
		if _, err := s.Forwarder().Listen(ctx, spec.LocalHost, spec.LocalPort, spec.RemoteHost, spec.RemotePort); err != nil {
			util.LogWarning("Session %d: forward %s: %v", s.ID, spec, err)
		}
	}
	for _, ep := range c.socks {
		if _, err := s.Forwarder().ServeSOCKS(ctx, ep.Host, ep.Port); err != nil {
			util.LogWarning("Session %d: socks %s:%d: %v", s.ID, ep.Host, ep.Port, err)
		}
	}
}

