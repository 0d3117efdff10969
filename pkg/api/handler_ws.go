package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades GET /ws to a WebSocket and hands the socket to the
// connection manager. HandleConnection blocks until the socket closes, so
// the request goroutine is the connection's read loop.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	} else {
		// Empty allowlist means origin checking is skipped (trusted local
		// network); non-browser clients send no Origin header at all.
		opts.InsecureSkipVerify = true
	}

	sock, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	clientInfo := map[string]string{
		"remote_addr": c.Request().RemoteAddr,
		"user_agent":  c.Request().UserAgent(),
	}
	s.conns.HandleConnection(c.Request().Context(), sock, clientInfo, s.handler)
	return nil
}
