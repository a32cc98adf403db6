package pushchannel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pushrpc/internal/protocol"
)

type pushServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	clientID chan string
	pings    chan struct{}
}

// newPushServer accepts upgrades and hands each connection to the test.
// A per-connection read loop keeps control frame processing alive.
func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns:    make(chan *websocket.Conn, 4),
		clientID: make(chan string, 4),
		pings:    make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetPingHandler(func(appData string) error {
			select {
			case ps.pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
		select {
		case ps.clientID <- r.Header.Get(protocol.ClientIDHeader):
		default:
		}
		ps.conns <- conn
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame *protocol.DataFrame) {
	t.Helper()
	data, err := frame.Bytes()
	if err != nil {
		t.Fatalf("frame bytes: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func testOptions(url string) Options {
	return Options{
		URL:                   url,
		ClientID:              "client-1",
		ReconnectDelay:        20 * time.Millisecond,
		ErrorDelayMaxDuration: 200 * time.Millisecond,
		PingInterval:          time.Second,
		Logger:                zerolog.Nop(),
	}
}

func TestChannel_DeliversFrames(t *testing.T) {
	ps := newPushServer(t)

	type delivery struct {
		item string
		data string
	}
	deliveries := make(chan delivery, 4)
	ch := New(testOptions(ps.wsURL()), func(item string, params, data json.RawMessage) {
		deliveries <- delivery{item: item, data: string(data)}
	}, nil)
	defer ch.Close()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ps.waitConn(t)

	select {
	case id := <-ps.clientID:
		if id != "client-1" {
			t.Errorf("handshake client id = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no handshake observed")
	}

	sendFrame(t, conn, &protocol.DataFrame{MessageID: 1, ItemName: "prices", Params: json.RawMessage(`["BTC"]`), Data: json.RawMessage(`{"r":"1"}`)})

	select {
	case d := <-deliveries:
		if d.item != "prices" || d.data != `{"r":"1"}` {
			t.Errorf("delivery = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestChannel_SkipsUnknownFrames(t *testing.T) {
	ps := newPushServer(t)

	deliveries := make(chan string, 4)
	ch := New(testOptions(ps.wsURL()), func(item string, params, data json.RawMessage) {
		deliveries <- item
	}, nil)
	defer ch.Close()

	ch.Connect()
	conn := ps.waitConn(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`[99,1,"other",[],null]`))
	conn.WriteMessage(websocket.TextMessage, []byte(`not even json`))
	sendFrame(t, conn, &protocol.DataFrame{MessageID: 2, ItemName: "real", Params: nil, Data: json.RawMessage(`1`)})

	select {
	case item := <-deliveries:
		if item != "real" {
			t.Errorf("delivered item = %s, want real", item)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestChannel_ReconnectsAndNotifies(t *testing.T) {
	ps := newPushServer(t)

	var reconnects sync.WaitGroup
	reconnects.Add(1)
	var once sync.Once
	ch := New(testOptions(ps.wsURL()), func(string, json.RawMessage, json.RawMessage) {}, func() {
		once.Do(reconnects.Done)
	})
	defer ch.Close()

	ch.Connect()
	first := ps.waitConn(t)

	// Server drops the socket; the channel must come back on its own.
	first.Close()
	second := ps.waitConn(t)
	if second == nil {
		t.Fatal("no reconnect")
	}

	done := make(chan struct{})
	go func() {
		reconnects.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("onReconnected not fired")
	}
}

func TestChannel_NoReconnectedCallbackOnFirstOpen(t *testing.T) {
	ps := newPushServer(t)

	fired := make(chan struct{}, 1)
	ch := New(testOptions(ps.wsURL()), func(string, json.RawMessage, json.RawMessage) {}, func() {
		fired <- struct{}{}
	})
	defer ch.Close()

	ch.Connect()
	ps.waitConn(t)

	select {
	case <-fired:
		t.Fatal("onReconnected fired on first connect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_RetriesWhileServerDown(t *testing.T) {
	ps := newPushServer(t)
	url := ps.wsURL()
	ps.srv.Close()

	ch := New(testOptions(url), func(string, json.RawMessage, json.RawMessage) {}, nil)
	defer ch.Close()

	// Connect must not fail even though nothing is listening.
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if ch.Connected() {
		t.Error("Connected = true with server down")
	}
}

func TestChannel_SendsPings(t *testing.T) {
	ps := newPushServer(t)

	opts := testOptions(ps.wsURL())
	opts.PingInterval = 30 * time.Millisecond
	ch := New(opts, func(string, json.RawMessage, json.RawMessage) {}, nil)
	defer ch.Close()

	ch.Connect()
	ps.waitConn(t)

	select {
	case <-ps.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestChannel_CloseIsTerminal(t *testing.T) {
	ps := newPushServer(t)

	ch := New(testOptions(ps.wsURL()), func(string, json.RawMessage, json.RawMessage) {}, nil)
	ch.Connect()
	ps.waitConn(t)

	ch.Close()
	if ch.Connected() {
		t.Error("Connected = true after Close")
	}
	if err := ch.Connect(); err != ErrClosed {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}

	// No reconnect attempt should arrive.
	select {
	case <-ps.conns:
		t.Error("channel reconnected after Close")
	case <-time.After(150 * time.Millisecond):
	}
}
