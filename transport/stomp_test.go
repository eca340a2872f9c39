// Copyright 2022 The driverloc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"nhooyr.io/websocket"
)

// brokerConn one client connection of fakeSTOMPBroker
type brokerConn struct {
	lock   sync.Mutex
	ws     *websocket.Conn
	writer *frame.Writer
}

func (c *brokerConn) send(f *frame.Frame) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.writer.Write(f)
}

type brokerSubscription struct {
	id   string
	conn *brokerConn
}

// fakeSTOMPBroker minimal STOMP broker behind a WebSocket endpoint
type fakeSTOMPBroker struct {
	lock            sync.Mutex
	server          *httptest.Server
	conns           []*brokerConn
	subs            map[string]brokerSubscription
	subscribes      int
	upgradeAuth     string
	connectLogin    string
	connectHost     string
	silentHandshake bool
	// heartBeat heart-beat header of CONNECTED. The broker never sends heartbeats itself.
	heartBeat string
}

func newFakeSTOMPBroker() *fakeSTOMPBroker {
	broker := &fakeSTOMPBroker{subs: make(map[string]brokerSubscription), heartBeat: "0,0"}
	broker.server = httptest.NewServer(http.HandlerFunc(broker.serve))
	return broker
}

func (b *fakeSTOMPBroker) endpoint() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/websocket"
}

func (b *fakeSTOMPBroker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"v12.stomp"},
	})
	if err != nil {
		return
	}
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	nc := websocket.NetConn(ctxt, ws, websocket.MessageText)
	defer nc.Close()
	conn := &brokerConn{ws: ws, writer: frame.NewWriter(nc)}
	b.lock.Lock()
	b.upgradeAuth = r.Header.Get("Authorization")
	b.conns = append(b.conns, conn)
	silent := b.silentHandshake
	heartBeat := b.heartBeat
	b.lock.Unlock()

	reader := frame.NewReader(nc)
	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			// heart-beat
			continue
		}
		switch f.Command {
		case "CONNECT", "STOMP":
			b.lock.Lock()
			b.connectLogin = f.Header.Get("login")
			b.connectHost = f.Header.Get("host")
			b.lock.Unlock()
			if silent {
				continue
			}
			_ = conn.send(frame.New("CONNECTED", "version", "1.2", "heart-beat", heartBeat))
		case "SUBSCRIBE":
			b.lock.Lock()
			b.subs[f.Header.Get("destination")] = brokerSubscription{
				id: f.Header.Get("id"), conn: conn,
			}
			b.subscribes++
			b.lock.Unlock()
		case "UNSUBSCRIBE":
			b.lock.Lock()
			for destination, sub := range b.subs {
				if sub.conn == conn && sub.id == f.Header.Get("id") {
					delete(b.subs, destination)
				}
			}
			b.lock.Unlock()
			if receipt := f.Header.Get("receipt"); receipt != "" {
				_ = conn.send(frame.New("RECEIPT", "receipt-id", receipt))
			}
		case "DISCONNECT":
			if receipt := f.Header.Get("receipt"); receipt != "" {
				_ = conn.send(frame.New("RECEIPT", "receipt-id", receipt))
			}
			return
		}
	}
}

// publish send a MESSAGE to the current subscriber of destination
func (b *fakeSTOMPBroker) publish(destination string, body string) error {
	b.lock.Lock()
	sub, ok := b.subs[destination]
	b.lock.Unlock()
	if !ok {
		return fmt.Errorf("no subscriber for %s", destination)
	}
	msg := frame.New(
		"MESSAGE",
		"destination", destination,
		"subscription", sub.id,
		"message-id", uuid.New().String(),
		"content-type", "application/json",
	)
	msg.Body = []byte(body)
	return sub.conn.send(msg)
}

func (b *fakeSTOMPBroker) hasSubscriber(destination string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.subs[destination]
	return ok
}

// dropConnections close every client connection without a STOMP goodbye
func (b *fakeSTOMPBroker) dropConnections() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, conn := range b.conns {
		go func(ws *websocket.Conn) {
			_ = ws.Close(websocket.StatusGoingAway, "restart")
		}(conn.ws)
	}
	b.conns = nil
	b.subs = make(map[string]brokerSubscription)
}

func (b *fakeSTOMPBroker) connectionCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.conns)
}

func testSTOMPParams(endpoint string) STOMPTransportParams {
	return STOMPTransportParams{
		Endpoint:             endpoint,
		Login:                "tracker",
		Passcode:             "secret",
		BearerToken:          "token-1",
		HeartBeat:            time.Second * 4,
		HandshakeTimeout:     time.Second,
		ReconnectInitialWait: time.Millisecond * 50,
		ReconnectMaxWait:     time.Millisecond * 200,
	}
}

func TestSTOMPTransportParams(t *testing.T) {
	assert := assert.New(t)

	// Case 1: bad endpoint
	{
		params := testSTOMPParams("not a url")
		_, err := GetSTOMPTransport(params)
		assert.NotNil(err)
	}

	// Case 2: max wait below initial wait
	{
		params := testSTOMPParams("ws://127.0.0.1:8080/ws")
		params.ReconnectMaxWait = time.Millisecond
		_, err := GetSTOMPTransport(params)
		assert.NotNil(err)
	}

	// Case 3: host defaults to the endpoint host
	{
		uut, err := GetSTOMPTransport(testSTOMPParams("ws://tracking.local:8080/ws"))
		assert.Nil(err)
		assert.Equal("tracking.local", uut.(*stompTransportImpl).params.Host)
	}
}

func TestSTOMPTransportSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broker := newFakeSTOMPBroker()
	defer broker.server.Close()

	uut, err := GetSTOMPTransport(testSTOMPParams(broker.endpoint()))
	assert.Nil(err)

	destination := "/topic/location/driver1@example.com"

	// Case 0: not connected
	assert.Equal(Disconnected, uut.State())
	assert.Equal(ErrNotConnected, uut.Subscribe(destination))
	assert.Nil(uut.Unsubscribe(destination))
	assert.NotNil(uut.Connect(nil))

	sink := &recordingSink{}

	// Case 1: repeated connect opens one session
	{
		assert.Nil(uut.Connect(sink))
		assert.Nil(uut.Connect(sink))
		assert.Nil(uut.Connect(sink))
		assert.Eventually(func() bool {
			return uut.State() == Connected
		}, time.Second*5, time.Millisecond*10)
		connected, _, _ := sink.counts()
		assert.Equal(1, connected)
		assert.Equal(1, broker.connectionCount())
		broker.lock.Lock()
		assert.Equal("Bearer token-1", broker.upgradeAuth)
		assert.Equal("tracker", broker.connectLogin)
		assert.Equal("127.0.0.1", broker.connectHost)
		broker.lock.Unlock()
	}

	// Case 2: subscribe is idempotent and messages arrive in order
	{
		assert.Nil(uut.Subscribe(destination))
		assert.Nil(uut.Subscribe(destination))
		assert.Eventually(func() bool {
			return broker.hasSubscriber(destination)
		}, time.Second*5, time.Millisecond*10)
		broker.lock.Lock()
		assert.Equal(1, broker.subscribes)
		broker.lock.Unlock()

		assert.Nil(broker.publish(destination, `{"latitude":1}`))
		assert.Nil(broker.publish(destination, `{"latitude":2}`))
		assert.Eventually(func() bool {
			_, _, msgs := sink.counts()
			return msgs == 2
		}, time.Second*5, time.Millisecond*10)
		msgs := sink.received()
		assert.Equal(destination, msgs[0].destination)
		assert.Equal(`{"latitude":1}`, msgs[0].payload)
		assert.Equal(`{"latitude":2}`, msgs[1].payload)
	}

	// Case 3: unsubscribe
	{
		assert.Nil(uut.Unsubscribe(destination))
		assert.Nil(uut.Unsubscribe(destination))
		assert.Eventually(func() bool {
			return !broker.hasSubscriber(destination)
		}, time.Second*5, time.Millisecond*10)
	}

	// Case 4: connection dropped by the server, transport reconnects on its own
	{
		assert.Nil(uut.Subscribe(destination))
		assert.Eventually(func() bool {
			return broker.hasSubscriber(destination)
		}, time.Second*5, time.Millisecond*10)
		broker.dropConnections()
		assert.Eventually(func() bool {
			connected, disconnected, _ := sink.counts()
			return connected == 2 && disconnected == 1
		}, time.Second*5, time.Millisecond*10)
		assert.Equal(Connected, uut.State())
		// Wire subscriptions did not survive
		assert.False(broker.hasSubscriber(destination))
		assert.Nil(uut.Subscribe(destination))
		assert.Eventually(func() bool {
			return broker.hasSubscriber(destination)
		}, time.Second*5, time.Millisecond*10)
		assert.Nil(broker.publish(destination, `{"latitude":3}`))
		assert.Eventually(func() bool {
			_, _, msgs := sink.counts()
			return msgs == 3
		}, time.Second*5, time.Millisecond*10)
	}

	// Case 5: disconnect is final and idempotent
	{
		assert.Nil(uut.Disconnect())
		assert.Nil(uut.Disconnect())
		assert.Equal(Disconnected, uut.State())
		assert.Equal(ErrNotConnected, uut.Subscribe(destination))
		time.Sleep(time.Millisecond * 300)
		connected, disconnected, _ := sink.counts()
		assert.Equal(2, connected)
		assert.Equal(1, disconnected)
	}
}

func TestSTOMPTransportHandshakeTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broker := newFakeSTOMPBroker()
	broker.lock.Lock()
	broker.silentHandshake = true
	broker.lock.Unlock()
	defer broker.server.Close()

	params := testSTOMPParams(broker.endpoint())
	params.HandshakeTimeout = time.Millisecond * 100
	uut, err := GetSTOMPTransport(params)
	assert.Nil(err)

	sink := &recordingSink{}
	assert.Nil(uut.Connect(sink))

	// Keeps retrying without ever reporting a session
	assert.Eventually(func() bool {
		return broker.connectionCount() >= 2
	}, time.Second*5, time.Millisecond*10)
	assert.Equal(Connecting, uut.State())
	connected, disconnected, _ := sink.counts()
	assert.Equal(0, connected)
	assert.Equal(0, disconnected)

	assert.Nil(uut.Disconnect())
	assert.Equal(Disconnected, uut.State())
}

func TestSTOMPTransportUnreachable(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Reserve then release a port so nothing is listening on it
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	server.Close()

	uut, err := GetSTOMPTransport(testSTOMPParams(endpoint))
	assert.Nil(err)

	sink := &recordingSink{}
	assert.Nil(uut.Connect(sink))
	time.Sleep(time.Millisecond * 300)
	assert.Equal(Connecting, uut.State())
	connected, _, _ := sink.counts()
	assert.Equal(0, connected)
	assert.Nil(uut.Disconnect())
}

func TestSTOMPTransportHeartBeatTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Broker promises a heartbeat every 100ms, then stays silent with the socket open
	broker := newFakeSTOMPBroker()
	broker.lock.Lock()
	broker.heartBeat = "100,0"
	broker.lock.Unlock()
	defer broker.server.Close()

	params := testSTOMPParams(broker.endpoint())
	params.HeartBeat = time.Millisecond * 100
	params.HeartBeatGrace = time.Millisecond * 100
	uut, err := GetSTOMPTransport(params)
	assert.Nil(err)

	sink := &recordingSink{}

	// Case 1: session comes up
	{
		assert.Nil(uut.Connect(sink))
		assert.Eventually(func() bool {
			connected, _, _ := sink.counts()
			return connected >= 1
		}, time.Second*5, time.Millisecond*10)
	}

	// Case 2: missed heartbeats end the session, and the transport dials again
	{
		assert.Eventually(func() bool {
			connected, disconnected, _ := sink.counts()
			return connected >= 2 && disconnected >= 1
		}, time.Second*5, time.Millisecond*10)
		assert.GreaterOrEqual(broker.connectionCount(), 2)
	}

	// Case 3: disconnect stops the cycle
	{
		assert.Nil(uut.Disconnect())
		assert.Equal(Disconnected, uut.State())
		time.Sleep(time.Millisecond * 100)
		count := broker.connectionCount()
		time.Sleep(time.Millisecond * 500)
		assert.Equal(count, broker.connectionCount())
	}
}
