package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/toolshed/toolshed/pkg/logger"
)

type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and serves the router in the background.
func Listen(addr string, d Deps) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "Gateway stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	logger.InfoCF("gateway", "Gateway listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
