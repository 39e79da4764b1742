package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"railwatch/internal/logger"
	ws "railwatch/internal/service/websocket"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FaultsWebsocketHandler registers dashboard connections with the hub so they
// receive fault and training events.
func FaultsWebsocketHandler(hub *ws.HubService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		// greet before registering so the hub is not writing concurrently
		hello := ws.Event{Type: ws.EventConnected, Data: map[string]int{"clients": hub.GetClientCount() + 1}, Timestamp: time.Now()}
		if err := connection.WriteJSON(hello); err != nil {
			logger.Warning("WebSocket greeting failed: %v", err)
			connection.Close()
			return
		}

		if !hub.Register(connection) {
			connection.Close()
			return
		}
		defer hub.Unregister(connection)

		logger.Info("Dashboard connected")

		for {
			_, _, err := connection.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("Dashboard disconnected normally")
				} else {
					logger.Warning("Dashboard disconnected with error: %v", err)
				}
				break
			}
		}
	}
}
