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
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/driverloc/common"
	"github.com/alwitt/driverloc/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var natsSafeToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SubjectForDestination map a topic destination onto a NATS subject
//
// Path segments become subject tokens. A segment holding characters outside
// [A-Za-z0-9_-] is base64url encoded (unpadded) and prefixed with "~", so
// "/topic/location/driver1@example.com" maps to "topic.location.~ZHJpdmVyMUBleGFtcGxlLmNvbQ".
func SubjectForDestination(destination string) string {
	tokens := []string{}
	for _, segment := range strings.Split(destination, "/") {
		if segment == "" {
			continue
		}
		if natsSafeToken.MatchString(segment) {
			tokens = append(tokens, segment)
		} else {
			tokens = append(
				tokens, "~"+base64.RawURLEncoding.EncodeToString([]byte(segment)),
			)
		}
	}
	return strings.Join(tokens, ".")
}

// NATSTransportParams NATS transport parameters
type NATSTransportParams struct {
	// ServerURI NATS server URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for one connection attempt
	ConnectTimeout time.Duration `validate:"gt=0"`
	// ReconnectWait wait between reconnect attempts
	ReconnectWait time.Duration `validate:"gt=0"`
	// HeartBeat PING interval
	HeartBeat time.Duration `validate:"gt=0"`
	// MaxPingsOutstanding unanswered PINGs before the connection is declared stale
	MaxPingsOutstanding int `validate:"gte=1"`
}

// natsTransportImpl implements Transport over NATS core subjects
type natsTransportImpl struct {
	common.Component
	params        NATSTransportParams
	lock          sync.Mutex
	state         ConnectionState
	sessionCtxt   context.Context
	sessionCancel context.CancelFunc
	sink          EventSink
	client        *core.NatsClient
	subs          map[string]*nats.Subscription
}

// GetNATSTransport define a new NATS transport
func GetNATSTransport(params NATSTransportParams) (Transport, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module":    "transport",
		"component": "nats",
		"instance":  params.ServerURI,
	}
	return &natsTransportImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		state:     Disconnected,
		subs:      make(map[string]*nats.Subscription),
	}, nil
}

// Connect start a session which reports to sink
func (t *natsTransportImpl) Connect(sink EventSink) error {
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
	t.sessionCtxt = ctxt
	t.sessionCancel = cancel
	t.sink = sink
	t.state = Connecting
	// nats.Connect blocks for up to ConnectTimeout on the first attempt
	go t.start(ctxt)
	return nil
}

func (t *natsTransportImpl) start(ctxt context.Context) {
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           t.params.ServerURI,
		ClientName:          fmt.Sprintf("driverloc-%s", uuid.New().String()),
		ConnectTimeout:      t.params.ConnectTimeout,
		ReconnectWait:       t.params.ReconnectWait,
		PingInterval:        t.params.HeartBeat,
		MaxPingsOutstanding: t.params.MaxPingsOutstanding,
		OnReconnectCallback: func(_ *nats.Conn) {
			t.markConnected(ctxt)
		},
		OnDisconnectCallback: func(_ *nats.Conn, err error) {
			t.markDisconnected(ctxt, err)
		},
	})
	if err != nil {
		// Only a malformed URI or option fails here, retrying will not help
		log.WithError(err).WithFields(t.LogTags).Error("Unable to define NATS client")
		return
	}
	t.lock.Lock()
	if ctxt.Err() != nil {
		t.lock.Unlock()
		go client.Close(context.Background())
		return
	}
	t.client = client
	t.lock.Unlock()
	if client.Conn().IsConnected() {
		t.markConnected(ctxt)
	}
}

// markConnected transition into Connected and notify the sink once
func (t *natsTransportImpl) markConnected(ctxt context.Context) {
	t.lock.Lock()
	if ctxt.Err() != nil || t.state == Connected || t.client == nil {
		t.lock.Unlock()
		return
	}
	t.state = Connected
	sink := t.sink
	t.lock.Unlock()
	log.WithFields(t.LogTags).Info("NATS session established")
	sink.HandleConnected(ctxt)
}

// markDisconnected drop all subscriptions and notify the sink
func (t *natsTransportImpl) markDisconnected(ctxt context.Context, cause error) {
	t.lock.Lock()
	if ctxt.Err() != nil || t.state != Connected {
		t.lock.Unlock()
		return
	}
	t.state = Connecting
	t.dropSubscriptions()
	sink := t.sink
	t.lock.Unlock()
	log.WithError(cause).WithFields(t.LogTags).Error("NATS session lost")
	sink.HandleDisconnected(ctxt, cause)
}

// dropSubscriptions forget all subscriptions. Caller holds the lock.
func (t *natsTransportImpl) dropSubscriptions() {
	for destination, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Debugf("Drop subscription %s", destination)
		}
	}
	t.subs = make(map[string]*nats.Subscription)
}

// Disconnect tear down the session and all its subscriptions
func (t *natsTransportImpl) Disconnect() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state == Disconnected {
		return nil
	}
	log.WithFields(t.LogTags).Info("Disconnecting")
	t.sessionCancel()
	t.dropSubscriptions()
	if t.client != nil {
		client := t.client
		go func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			client.Close(ctxt)
		}()
	}
	t.client = nil
	t.sink = nil
	t.state = Disconnected
	return nil
}

// Subscribe add a wire subscription for destination
func (t *natsTransportImpl) Subscribe(destination string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.state != Connected {
		return ErrNotConnected
	}
	if _, ok := t.subs[destination]; ok {
		return nil
	}
	sink := t.sink
	ctxt := t.sessionCtxt
	subject := SubjectForDestination(destination)
	sub, err := t.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		sink.HandleMessage(ctxt, destination, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Subscribe to %s failed", subject)
		return err
	}
	t.subs[destination] = sub
	log.WithFields(t.LogTags).Debugf("Subscribed to %s as %s", destination, subject)
	return nil
}

// Unsubscribe remove the wire subscription for destination
func (t *natsTransportImpl) Unsubscribe(destination string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	sub, ok := t.subs[destination]
	if !ok {
		return nil
	}
	delete(t.subs, destination)
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unsubscribe from %s failed", destination)
		return err
	}
	return nil
}

// State current session state
func (t *natsTransportImpl) State() ConnectionState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}
