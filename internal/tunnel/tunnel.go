package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/daemonp/paradox2mqtt/internal/link"
	"github.com/daemonp/paradox2mqtt/internal/log"
)

// Gate suspends and restores the bridge's own panel session. The panel
// protocol cannot serve two masters, so the tunnel holds the pause for
// as long as a client is connected.
type Gate interface {
	PauseLink()
	ResumeLink()
}

// Server is the secondary panel-IP listener: it accepts one TCP client
// at a time and relays raw bytes between it and the panel, so
// native-protocol tools (uploaders, diagnostics) can reach the panel
// through the bridge host.
type Server struct {
	listen string
	dial   link.Dialer
	gate   Gate
	log    *log.Logger
}

func NewServer(listen string, dial link.Dialer, gate Gate, logger *log.Logger) *Server {
	return &Server{
		listen: listen,
		dial:   dial,
		gate:   gate,
		log:    logger.Component("tunnel"),
	}
}

// Run serves until ctx is cancelled. Clients are handled strictly one
// at a time; the panel protocol cannot multiplex two masters.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	s.log.Info("Panel tunnel listening on %s", s.listen)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("Accept failed: %v", err)
			continue
		}
		s.log.Info("Tunnel client connected from %s", client.RemoteAddr())
		s.serve(ctx, client)
		s.log.Info("Tunnel client %s disconnected", client.RemoteAddr())
	}
}

// serve relays bytes both ways until either side closes. The bridge's
// own panel session stays suspended for the duration.
func (s *Server) serve(ctx context.Context, client net.Conn) {
	defer client.Close()

	s.gate.PauseLink()
	defer s.gate.ResumeLink()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	panel, err := s.dial(dialCtx)
	cancel()
	if err != nil {
		s.log.Error("Could not reach panel for tunnel client: %v", err)
		return
	}
	defer panel.Close()

	var once sync.Once
	done := make(chan struct{})
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		if _, err := io.Copy(panel, client); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("client->panel copy ended: %v", err)
		}
		stop()
	}()
	go func() {
		if _, err := io.Copy(client, panel); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("panel->client copy ended: %v", err)
		}
		stop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	// Closing both ends unblocks the copy goroutines.
	client.Close()
	panel.Close()
}
