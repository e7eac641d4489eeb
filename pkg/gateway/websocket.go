package gateway

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type wsOutgoing struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

// handleWorkerEvents streams worker output lines to the client. Messages
// from the client are ignored.
func (g *Gateway) handleWorkerEvents(w http.ResponseWriter, r *http.Request) {
	// Cross-origin browser upgrades are refused; clients without an Origin
	// header pass.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()

	clientID := uuid.NewString()
	lines, cancel := g.hub.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	g.logger.Info("event client connected", slog.String("client_id", clientID))

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("event client disconnected", slog.String("client_id", clientID))
			return
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, wsOutgoing{Type: "worker_output", Line: line}); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					g.logger.Warn("websocket write failed", slog.String("client_id", clientID), slog.String("err", err.Error()))
				}
				return
			}
		}
	}
}
