package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmcleod/keepsake/capacity"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StorageInfo reports usage of both media and any active capacity warning.
func (a *API) StorageInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.app.Store.StorageInfo(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := StorageInfoResponse{CombinedInfo: info}
	if warning, ok := a.app.Monitor.Latest(); ok {
		resp.Warning = &warning
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cleanup runs the eviction strategies against both media.
func (a *API) Cleanup(w http.ResponseWriter, r *http.Request) {
	reports, err := a.app.Store.Cleanup(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp := CleanupResponse{Reports: reports}
	for _, rep := range reports {
		resp.Freed += rep.Freed
	}
	if resp.Reports == nil {
		resp.Reports = []capacity.Report{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Warnings upgrades to a websocket and streams capacity warnings as JSON
// messages. The active warning, if any, is sent first.
func (a *API) Warnings(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	warnings, cancel := a.app.Monitor.Subscribe()
	defer cancel()

	// Reads only service control frames; a read error means the peer left.
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if latest, ok := a.app.Monitor.Latest(); ok {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(latest); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case warning, ok := <-warnings:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"))
				return
			}
			if err := conn.WriteJSON(warning); err != nil {
				a.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
