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
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/driverloc/common"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"
)

// stompSubprotocols the WebSocket sub-protocols offered during the upgrade
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// maxSTOMPFrameSize largest inbound WebSocket message accepted
const maxSTOMPFrameSize = 1 << 20

var errSessionClosed = errors.New("STOMP session closed locally")

// STOMPTransportParams STOMP over WebSocket transport parameters
type STOMPTransportParams struct {
	// Endpoint WebSocket URL of the STOMP endpoint
	Endpoint string `validate:"required,url"`
	// Host STOMP virtual host. Defaults to the endpoint host.
	Host string
	// Login optional STOMP login
	Login string
	// Passcode optional STOMP passcode
	Passcode string
	// BearerToken optional token sent on the WebSocket upgrade
	BearerToken string
	// HeartBeat heartbeat interval in both directions. Zero disables heartbeats.
	HeartBeat time.Duration `validate:"gte=0"`
	// HeartBeatGrace extra time allowed for a late inbound heartbeat before the session is
	// declared dead. Zero keeps the go-stomp default.
	HeartBeatGrace time.Duration `validate:"gte=0"`
	// HandshakeTimeout max duration of the WebSocket + STOMP handshake
	HandshakeTimeout time.Duration `validate:"gt=0"`
	// ReconnectInitialWait wait before the first reconnect attempt
	ReconnectInitialWait time.Duration `validate:"gt=0"`
	// ReconnectMaxWait upper bound of the reconnect wait
	ReconnectMaxWait time.Duration `validate:"gtefield=ReconnectInitialWait"`
}

// stompTransportImpl implements Transport with STOMP frames over one WebSocket
type stompTransportImpl struct {
	common.Component
	params        STOMPTransportParams
	lock          sync.Mutex
	state         ConnectionState
	sessionCancel context.CancelFunc
	session       *stompSession
}

// GetSTOMPTransport define a new STOMP over WebSocket transport
func GetSTOMPTransport(params STOMPTransportParams) (Transport, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	if params.Host == "" {
		parsed, err := url.Parse(params.Endpoint)
		if err != nil {
			return nil, err
		}
		params.Host = parsed.Hostname()
	}
	logTags := log.Fields{
		"module":    "transport",
		"component": "stomp",
		"instance":  params.Endpoint,
	}
	return &stompTransportImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		state:     Disconnected,
	}, nil
}

// Connect start a session which reports to sink
func (t *stompTransportImpl) Connect(sink EventSink) error {
	if sink == nil {
		return fmt.Errorf("no event sink provided")
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state != Disconnected {
		log.WithFields(t.LogTags).Debugf("Connect ignored, already %s", t.state)
		return nil
	}
	ctxt, cancel := context.WithCancel(context.Background())
	t.sessionCancel = cancel
	t.state = Connecting
	go t.run(ctxt, sink)
	return nil
}

// Disconnect tear down the session and all its subscriptions
func (t *stompTransportImpl) Disconnect() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state == Disconnected {
		return nil
	}
	log.WithFields(t.LogTags).Info("Disconnecting")
	t.sessionCancel()
	t.sessionCancel = nil
	t.session = nil
	t.state = Disconnected
	return nil
}

// Subscribe add a wire subscription for destination
func (t *stompTransportImpl) Subscribe(destination string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state != Connected || t.session == nil {
		return ErrNotConnected
	}
	return t.session.subscribe(destination)
}

// Unsubscribe remove the wire subscription for destination
func (t *stompTransportImpl) Unsubscribe(destination string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.session == nil {
		return nil
	}
	t.session.unsubscribe(destination)
	return nil
}

// State current session state
func (t *stompTransportImpl) State() ConnectionState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

// run connect, watch, and reconnect until the session context is cancelled
func (t *stompTransportImpl) run(ctxt context.Context, sink EventSink) {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = t.params.ReconnectInitialWait
	wait.MaxInterval = t.params.ReconnectMaxWait
	wait.Multiplier = 2
	wait.MaxElapsedTime = 0
	policy := backoff.WithContext(wait, ctxt)

	// Each attempt owns one session. It only returns once that session is gone.
	attempt := func() error {
		session, err := t.dial(ctxt, sink)
		if err != nil {
			if ctxt.Err() != nil {
				return backoff.Permanent(ctxt.Err())
			}
			return err
		}
		if !t.setSession(ctxt, session, Connected) {
			session.close()
			return backoff.Permanent(ctxt.Err())
		}
		policy.Reset()
		log.WithFields(t.LogTags).Info("STOMP session established")
		sink.HandleConnected(ctxt)

		select {
		case <-ctxt.Done():
			session.close()
			return backoff.Permanent(ctxt.Err())
		case <-session.conn.dead:
		}
		cause := session.conn.cause
		session.close()
		if !t.setSession(ctxt, nil, Connecting) {
			return backoff.Permanent(ctxt.Err())
		}
		sink.HandleDisconnected(ctxt, cause)
		return fmt.Errorf("STOMP session lost: %w", cause)
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithFields(t.LogTags).Warnf("Connect failed. Retry in %s", next)
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Session loop stopped")
	}
}

// setSession swap the live session, unless the session context is already cancelled
func (t *stompTransportImpl) setSession(
	ctxt context.Context, session *stompSession, state ConnectionState,
) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if ctxt.Err() != nil {
		return false
	}
	t.session = session
	t.state = state
	return true
}

// dial open the WebSocket and perform the STOMP handshake
func (t *stompTransportImpl) dial(ctxt context.Context, sink EventSink) (*stompSession, error) {
	dialCtxt, cancel := context.WithTimeout(ctxt, t.params.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if t.params.BearerToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", t.params.BearerToken))
	}
	raw, _, err := websocket.Dial(dialCtxt, t.params.Endpoint, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		return nil, err
	}
	raw.SetReadLimit(maxSTOMPFrameSize)
	conn := newWatchedConn(websocket.NetConn(ctxt, raw, websocket.MessageText))

	options := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(t.params.Host),
		stomp.ConnOpt.HeartBeat(t.params.HeartBeat, t.params.HeartBeat),
	}
	if t.params.HeartBeatGrace > 0 {
		options = append(options, stomp.ConnOpt.HeartBeatError(t.params.HeartBeatGrace))
	}
	if t.params.Login != "" {
		options = append(options, stomp.ConnOpt.Login(t.params.Login, t.params.Passcode))
	}

	type handshakeResult struct {
		client *stomp.Conn
		err    error
	}
	result := make(chan handshakeResult, 1)
	go func() {
		client, err := stomp.Connect(conn, options...)
		result <- handshakeResult{client: client, err: err}
	}()
	select {
	case r := <-result:
		if r.err != nil {
			_ = conn.Close()
			return nil, r.err
		}
		return &stompSession{
			Component: t.Component,
			ctxt:      ctxt,
			sink:      sink,
			conn:      conn,
			client:    r.client,
			subs:      make(map[string]*stompSubscription),
		}, nil
	case <-dialCtxt.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("STOMP handshake with %s: %w", t.params.Endpoint, dialCtxt.Err())
	}
}

// ==============================================================================

// stompSubscription one wire subscription
type stompSubscription struct {
	sub      *stomp.Subscription
	released atomic.Bool
}

// stompSession one established STOMP session
//
// subs is guarded by the owning transport's lock.
type stompSession struct {
	common.Component
	ctxt      context.Context
	sink      EventSink
	conn      *watchedConn
	client    *stomp.Conn
	subs      map[string]*stompSubscription
	closing   atomic.Bool
	closeOnce sync.Once
}

func (s *stompSession) subscribe(destination string) error {
	if _, ok := s.subs[destination]; ok {
		return nil
	}
	sub, err := s.client.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("SUBSCRIBE %s failed", destination)
		return err
	}
	entry := &stompSubscription{sub: sub}
	s.subs[destination] = entry
	go s.readSubscription(destination, entry)
	log.WithFields(s.LogTags).Debugf("Subscribed to %s", destination)
	return nil
}

func (s *stompSession) unsubscribe(destination string) {
	entry, ok := s.subs[destination]
	if !ok {
		return
	}
	delete(s.subs, destination)
	entry.released.Store(true)
	// Unsubscribe waits for the broker RECEIPT
	go func() {
		if err := entry.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debugf("UNSUBSCRIBE %s", destination)
		}
	}()
	log.WithFields(s.LogTags).Debugf("Unsubscribed from %s", destination)
}

// readSubscription forward messages of one subscription to the sink, until its channel
// is closed
func (s *stompSession) readSubscription(destination string, entry *stompSubscription) {
	for msg := range entry.sub.C {
		if entry.released.Load() || s.closing.Load() {
			continue
		}
		if msg.Err != nil {
			log.WithError(msg.Err).WithFields(s.LogTags).Errorf(
				"Subscription to %s failed", destination,
			)
			s.conn.fail(msg.Err)
			continue
		}
		s.sink.HandleMessage(s.ctxt, destination, msg.Body)
	}
}

func (s *stompSession) close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if err := s.client.MustDisconnect(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("STOMP disconnect")
		}
		_ = s.conn.Close()
	})
}

// ==============================================================================

// watchedConn net.Conn which signals the first I/O failure
type watchedConn struct {
	net.Conn
	dead  chan struct{}
	once  sync.Once
	cause error
}

func newWatchedConn(conn net.Conn) *watchedConn {
	return &watchedConn{Conn: conn, dead: make(chan struct{})}
}

func (c *watchedConn) fail(err error) {
	c.once.Do(func() {
		c.cause = err
		close(c.dead)
	})
}

func (c *watchedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *watchedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *watchedConn) Close() error {
	c.fail(errSessionClosed)
	return c.Conn.Close()
}
