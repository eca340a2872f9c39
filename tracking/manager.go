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

package tracking

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/alwitt/driverloc/common"
	"github.com/alwitt/driverloc/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// LocationSubscriptionManager multiplexes per-entity location subscriptions over one
// transport connection.
//
// The first registration opens the connection and removing the last one closes it.
// After an unplanned connection loss every registered entity is subscribed again once
// the transport reconnects.
//
// Handlers run on the manager's event loop. A handler must not call Connect, Disconnect,
// RegisterCallback, UnregisterCallback or Close synchronously; the query methods are safe.
type LocationSubscriptionManager interface {
	// Connect open the transport connection. No-op if already open or opening.
	Connect(ctxt context.Context) error
	// Disconnect close the transport connection. Registrations are kept and
	// resubscribed by the next Connect.
	Disconnect(ctxt context.Context) error
	// RegisterCallback set the handler of entityKey, replacing any previous one
	RegisterCallback(ctxt context.Context, entityKey string, handler UpdateHandler) error
	// UnregisterCallback remove the handler of entityKey. No-op if none.
	UnregisterCallback(ctxt context.Context, entityKey string) error
	// IsConnected whether the transport session is up
	IsConnected() bool
	// ConnectionState the connection state as seen by the manager
	ConnectionState() transport.ConnectionState
	// ActiveSubscriptionCount number of live wire subscriptions
	ActiveSubscriptionCount() int
	// RegisteredCount number of registered handlers
	RegisteredCount() int
	// Close disconnect and stop the event loop
	Close(ctxt context.Context) error
}

// ManagerParams location subscription manager parameters
type ManagerParams struct {
	// DestinationPrefix prefix of the per-entity topic destinations
	DestinationPrefix string `validate:"required"`
	// TaskBuffer event loop queue depth
	TaskBuffer int `validate:"gte=1"`
}

// locationSubscriptionManagerImpl implements LocationSubscriptionManager
//
// Everything below the atomics is owned by the event loop.
type locationSubscriptionManagerImpl struct {
	common.Component
	tp        common.TaskProcessor
	transport transport.Transport

	connState  atomic.Int32
	activeSubs atomic.Int64
	registered atomic.Int64

	state      transport.ConnectionState
	epoch      uint64
	directory  *callbackDirectory
	registry   *topicRegistry
	dispatcher *updateDispatcher
}

// GetLocationSubscriptionManager define a new manager and start its event loop
//
// The event loop stops when ctxt is cancelled or Close is called.
func GetLocationSubscriptionManager(
	ctxt context.Context,
	params ManagerParams,
	link transport.Transport,
	instance string,
	wg *sync.WaitGroup,
) (LocationSubscriptionManager, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("no transport provided")
	}
	logTags := log.Fields{
		"module":    "tracking",
		"component": "subscription-manager",
		"instance":  instance,
	}

	tp, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("subscription-manager.%s", instance), params.TaskBuffer,
	)
	if err != nil {
		return nil, err
	}

	directory := newCallbackDirectory()
	instanceImpl := &locationSubscriptionManagerImpl{
		Component:  common.Component{LogTags: logTags},
		tp:         tp,
		transport:  link,
		state:      transport.Disconnected,
		directory:  directory,
		registry:   newTopicRegistry(logTags, link, params.DestinationPrefix),
		dispatcher: newUpdateDispatcher(logTags, params.DestinationPrefix, directory),
	}
	instanceImpl.refreshStats()

	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrConnectRequest{}), instanceImpl.processConnectRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrDisconnectRequest{}), instanceImpl.processDisconnectRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrRegisterRequest{}), instanceImpl.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrUnregisterRequest{}), instanceImpl.processUnregisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrConnectedEvent{}), instanceImpl.processConnectedEvent,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrDisconnectedEvent{}), instanceImpl.processDisconnectedEvent,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(mgrMessageEvent{}), instanceImpl.processMessageEvent,
	); err != nil {
		return nil, err
	}

	return instanceImpl, tp.StartEventLoop(wg)
}

// ==============================================================================
// Queries

// IsConnected whether the transport session is up
func (m *locationSubscriptionManagerImpl) IsConnected() bool {
	return m.ConnectionState() == transport.Connected
}

// ConnectionState the connection state as seen by the manager
func (m *locationSubscriptionManagerImpl) ConnectionState() transport.ConnectionState {
	return transport.ConnectionState(m.connState.Load())
}

// ActiveSubscriptionCount number of live wire subscriptions
func (m *locationSubscriptionManagerImpl) ActiveSubscriptionCount() int {
	return int(m.activeSubs.Load())
}

// RegisteredCount number of registered handlers
func (m *locationSubscriptionManagerImpl) RegisteredCount() int {
	return int(m.registered.Load())
}

// refreshStats publish the loop-owned state to the query mirrors
func (m *locationSubscriptionManagerImpl) refreshStats() {
	m.connState.Store(int32(m.state))
	m.activeSubs.Store(int64(m.registry.activeCount()))
	m.registered.Store(int64(m.directory.size()))
}

// ==============================================================================
// Requests

type mgrConnectRequest struct {
	resultCB func(error)
}

type mgrDisconnectRequest struct {
	resultCB func(error)
}

type mgrRegisterRequest struct {
	entityKey string
	handler   UpdateHandler
	resultCB  func(error)
}

type mgrUnregisterRequest struct {
	entityKey string
	resultCB  func(error)
}

// submitAndWait queue a request on the event loop and wait for its result
func (m *locationSubscriptionManagerImpl) submitAndWait(
	ctxt context.Context, build func(resultCB func(error)) interface{},
) error {
	resultChan := make(chan error, 1)
	request := build(func(err error) {
		resultChan <- err
	})
	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to submit %s", reflect.TypeOf(request),
		)
		return err
	}
	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Connect open the transport connection
func (m *locationSubscriptionManagerImpl) Connect(ctxt context.Context) error {
	return m.submitAndWait(ctxt, func(resultCB func(error)) interface{} {
		return mgrConnectRequest{resultCB: resultCB}
	})
}

func (m *locationSubscriptionManagerImpl) processConnectRequest(param interface{}) error {
	request, ok := param.(mgrConnectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	err := m.ProcessConnect()
	request.resultCB(err)
	return err
}

// ProcessConnect open the transport connection if it is closed
func (m *locationSubscriptionManagerImpl) ProcessConnect() error {
	defer m.refreshStats()
	return m.startConnection()
}

// Disconnect close the transport connection
func (m *locationSubscriptionManagerImpl) Disconnect(ctxt context.Context) error {
	return m.submitAndWait(ctxt, func(resultCB func(error)) interface{} {
		return mgrDisconnectRequest{resultCB: resultCB}
	})
}

func (m *locationSubscriptionManagerImpl) processDisconnectRequest(param interface{}) error {
	request, ok := param.(mgrDisconnectRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for disconnect", reflect.TypeOf(param),
		)
	}
	err := m.ProcessDisconnect()
	request.resultCB(err)
	return err
}

// ProcessDisconnect close the transport connection if it is open
func (m *locationSubscriptionManagerImpl) ProcessDisconnect() error {
	defer m.refreshStats()
	return m.stopConnection()
}

// RegisterCallback set the handler of entityKey
func (m *locationSubscriptionManagerImpl) RegisterCallback(
	ctxt context.Context, entityKey string, handler UpdateHandler,
) error {
	if entityKey == "" {
		return fmt.Errorf("entity key is empty")
	}
	if handler == nil {
		return fmt.Errorf("no handler provided for %s", entityKey)
	}
	return m.submitAndWait(ctxt, func(resultCB func(error)) interface{} {
		return mgrRegisterRequest{entityKey: entityKey, handler: handler, resultCB: resultCB}
	})
}

func (m *locationSubscriptionManagerImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(mgrRegisterRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for register", reflect.TypeOf(param))
	}
	err := m.ProcessRegisterCallback(request.entityKey, request.handler)
	request.resultCB(err)
	return err
}

// ProcessRegisterCallback set the handler of entityKey, subscribing or connecting as needed
func (m *locationSubscriptionManagerImpl) ProcessRegisterCallback(
	entityKey string, handler UpdateHandler,
) error {
	defer m.refreshStats()
	if m.directory.register(entityKey, handler) {
		log.WithFields(m.LogTags).Debugf("Replaced handler of %s", entityKey)
	} else {
		log.WithFields(m.LogTags).Infof("Registered handler of %s", entityKey)
	}
	// A new handler has not seen the last update
	m.dispatcher.forget(entityKey)
	if m.registry.ensureSubscribed(entityKey) {
		return m.startConnection()
	}
	return nil
}

// UnregisterCallback remove the handler of entityKey
func (m *locationSubscriptionManagerImpl) UnregisterCallback(
	ctxt context.Context, entityKey string,
) error {
	return m.submitAndWait(ctxt, func(resultCB func(error)) interface{} {
		return mgrUnregisterRequest{entityKey: entityKey, resultCB: resultCB}
	})
}

func (m *locationSubscriptionManagerImpl) processUnregisterRequest(param interface{}) error {
	request, ok := param.(mgrUnregisterRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unregister", reflect.TypeOf(param),
		)
	}
	err := m.ProcessUnregisterCallback(request.entityKey)
	request.resultCB(err)
	return err
}

// ProcessUnregisterCallback remove the handler of entityKey, disconnecting when it was
// the last one
func (m *locationSubscriptionManagerImpl) ProcessUnregisterCallback(entityKey string) error {
	defer m.refreshStats()
	if !m.directory.unregister(entityKey) {
		log.WithFields(m.LogTags).Debugf("No handler registered for %s", entityKey)
		return nil
	}
	log.WithFields(m.LogTags).Infof("Unregistered handler of %s", entityKey)
	m.registry.release(entityKey)
	m.dispatcher.forget(entityKey)
	if m.directory.size() == 0 {
		log.WithFields(m.LogTags).Info("No handlers left, closing connection")
		return m.stopConnection()
	}
	return nil
}

// Close disconnect and stop the event loop
func (m *locationSubscriptionManagerImpl) Close(ctxt context.Context) error {
	err := m.Disconnect(ctxt)
	if err != nil {
		// Event loop is gone, close the transport directly
		log.WithError(err).WithFields(m.LogTags).Warn("Disconnect through event loop failed")
		err = m.transport.Disconnect()
	}
	_ = m.tp.StopEventLoop()
	return err
}

// ==============================================================================
// Connection lifecycle

// startConnection open a new transport session, unless one is open or opening
func (m *locationSubscriptionManagerImpl) startConnection() error {
	if m.state != transport.Disconnected {
		return nil
	}
	m.epoch++
	m.state = transport.Connecting
	log.WithFields(m.LogTags).Infof("Opening transport session %d", m.epoch)
	if err := m.transport.Connect(&managerEventSink{manager: m, epoch: m.epoch}); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Transport connect failed")
		m.state = transport.Disconnected
		return err
	}
	return nil
}

// stopConnection close the transport session, if any
func (m *locationSubscriptionManagerImpl) stopConnection() error {
	if m.state == transport.Disconnected {
		return nil
	}
	log.WithFields(m.LogTags).Infof("Closing transport session %d", m.epoch)
	m.state = transport.Disconnected
	m.registry.reset()
	if err := m.transport.Disconnect(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Transport disconnect failed")
		return err
	}
	return nil
}

// ==============================================================================
// Transport events

type mgrConnectedEvent struct {
	epoch uint64
}

type mgrDisconnectedEvent struct {
	epoch uint64
	cause error
}

type mgrMessageEvent struct {
	epoch       uint64
	destination string
	payload     []byte
}

// managerEventSink forwards the events of one transport session onto the event loop
type managerEventSink struct {
	manager *locationSubscriptionManagerImpl
	epoch   uint64
}

func (s *managerEventSink) submit(ctxt context.Context, event interface{}) {
	if err := s.manager.tp.Submit(ctxt, event); err != nil {
		log.WithError(err).WithFields(s.manager.LogTags).Debugf(
			"Dropped %s of session %d", reflect.TypeOf(event), s.epoch,
		)
	}
}

func (s *managerEventSink) HandleConnected(ctxt context.Context) {
	s.submit(ctxt, mgrConnectedEvent{epoch: s.epoch})
}

func (s *managerEventSink) HandleDisconnected(ctxt context.Context, cause error) {
	s.submit(ctxt, mgrDisconnectedEvent{epoch: s.epoch, cause: cause})
}

func (s *managerEventSink) HandleMessage(
	ctxt context.Context, destination string, payload []byte,
) {
	s.submit(ctxt, mgrMessageEvent{epoch: s.epoch, destination: destination, payload: payload})
}

// currentSession whether an event belongs to the open session
func (m *locationSubscriptionManagerImpl) currentSession(epoch uint64) bool {
	return m.state != transport.Disconnected && epoch == m.epoch
}

func (m *locationSubscriptionManagerImpl) processConnectedEvent(param interface{}) error {
	event, ok := param.(mgrConnectedEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connected", reflect.TypeOf(param))
	}
	defer m.refreshStats()
	if !m.currentSession(event.epoch) {
		log.WithFields(m.LogTags).Debugf("Ignoring connect of stale session %d", event.epoch)
		return nil
	}
	m.state = transport.Connected
	wanted := m.directory.keys()
	log.WithFields(m.LogTags).Infof(
		"Transport session %d connected, subscribing %d entities", m.epoch, len(wanted),
	)
	m.registry.onConnected(wanted)
	return nil
}

func (m *locationSubscriptionManagerImpl) processDisconnectedEvent(param interface{}) error {
	event, ok := param.(mgrDisconnectedEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for disconnected", reflect.TypeOf(param),
		)
	}
	defer m.refreshStats()
	if !m.currentSession(event.epoch) {
		log.WithFields(m.LogTags).Debugf("Ignoring loss of stale session %d", event.epoch)
		return nil
	}
	log.WithError(event.cause).WithFields(m.LogTags).Warnf(
		"Transport session %d lost, waiting for reconnect", m.epoch,
	)
	m.state = transport.Connecting
	m.registry.onDisconnected()
	return nil
}

func (m *locationSubscriptionManagerImpl) processMessageEvent(param interface{}) error {
	event, ok := param.(mgrMessageEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for message", reflect.TypeOf(param))
	}
	if !m.currentSession(event.epoch) {
		log.WithFields(m.LogTags).Debugf(
			"Ignoring message of stale session %d on %s", event.epoch, event.destination,
		)
		return nil
	}
	m.dispatcher.dispatch(event.destination, event.payload)
	return nil
}
