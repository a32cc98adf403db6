package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// serverSub is one recorded subscription of a session
type serverSub struct {
	itemName string
	params   json.RawMessage
}

// session holds one client's subscriptions and, when attached, its push
// socket. Subscriptions survive without a socket (a client may subscribe
// over HTTP before ever connecting); they are dropped when an attached
// socket closes.
type session struct {
	clientID string
	logger   zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*serverSub
	active *wsConn
}

// wsConn wraps one attached socket with its write pump state
type wsConn struct {
	conn      *websocket.Conn
	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func newSession(clientID string, logger zerolog.Logger) *session {
	return &session{
		clientID: clientID,
		subs:     make(map[string]*serverSub),
		logger:   logger.With().Str("clientID", clientID).Logger(),
	}
}

func (s *session) subscribe(key, itemName string, params json.RawMessage) {
	s.mu.Lock()
	_, exists := s.subs[key]
	if !exists {
		s.subs[key] = &serverSub{itemName: itemName, params: params}
	}
	s.mu.Unlock()

	if exists {
		s.logger.Debug().Str("key", key).Msg("duplicate subscribe (idempotent)")
	} else {
		s.logger.Debug().Str("key", key).Msg("subscription recorded")
	}
}

func (s *session) unsubscribe(key string) {
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
	s.logger.Debug().Str("key", key).Msg("subscription removed")
}

func (s *session) hasKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

// attach binds a socket to the session, replacing any previous one, and
// starts its pumps.
func (s *session) attach(conn *websocket.Conn) {
	w := &wsConn{
		conn:      conn,
		sendChan:  make(chan []byte, 256),
		closeChan: make(chan struct{}),
	}

	s.mu.Lock()
	old := s.active
	s.active = w
	s.mu.Unlock()

	if old != nil {
		old.close()
	}

	go s.writePump(w)
	go s.readPump(w)
}

// detach force-closes the attached socket, if any
func (s *session) detach() {
	s.mu.Lock()
	w := s.active
	s.mu.Unlock()
	if w != nil {
		w.close()
	}
}

// send queues a frame for the attached socket; frames are dropped when
// no socket is attached or the queue is full.
func (s *session) send(data []byte) {
	s.mu.Lock()
	w := s.active
	s.mu.Unlock()
	if w == nil {
		return
	}

	select {
	case w.sendChan <- data:
	case <-w.closeChan:
	default:
		s.logger.Warn().Msg("send channel full, dropping frame")
	}
}

// readPump consumes the socket (the client sends no data frames, but the
// read loop is what serves control frames) and cleans up when it closes.
// A closed socket takes the session's subscriptions with it; the client's
// resubscribe pass rebuilds them on the next connect.
func (s *session) readPump(w *wsConn) {
	defer func() {
		w.close()
		s.mu.Lock()
		if s.active == w {
			s.active = nil
			s.subs = make(map[string]*serverSub)
		}
		s.mu.Unlock()
		s.logger.Debug().Msg("push socket detached, subscriptions dropped")
	}()

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	w.conn.SetPingHandler(func(appData string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return w.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

// writePump writes queued frames and keeps the socket alive with pings
func (s *session) writePump(w *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.close()
	}()

	for {
		select {
		case <-w.closeChan:
			return
		case data := <-w.sendChan:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *wsConn) close() {
	w.closeOnce.Do(func() {
		close(w.closeChan)
		w.conn.Close()
	})
}
