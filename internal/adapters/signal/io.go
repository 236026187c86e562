package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// envelope is the wire frame. Requests carry id+event, responses carry id+ok,
// server pushes carry event only.
type envelope struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (ch *Channel) writePump(c *wsConn) {
	ticker := time.NewTicker(ch.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			log.Debug().Str("module", "signal").Msg("writePump done")
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ch *Channel) readPump(c *wsConn) {
	pongWait := ch.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			ch.lost(c, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ch.handleFrame(data)
	}
}

func (ch *Channel) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	if env.ID != "" && ch.complete(env) {
		return
	}
	if env.Event == "" {
		log.Warn().Str("module", "signal").Str("id", env.ID).Msg("frame without pending call or event")
		return
	}
	ch.dispatch(env.Event, env.Data)
}
