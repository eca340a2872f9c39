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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/driverloc/mocks"
	"github.com/alwitt/driverloc/transport"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// sinkCapture records the sink handed to each transport Connect call
type sinkCapture struct {
	lock  sync.Mutex
	sinks []transport.EventSink
}

func (c *sinkCapture) record(args mock.Arguments) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sinks = append(c.sinks, args.Get(0).(transport.EventSink))
}

func (c *sinkCapture) latest() transport.EventSink {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sinks[len(c.sinks)-1]
}

// channelHandler UpdateHandler forwarding into a channel
type channelHandler chan LocationUpdate

func (h channelHandler) OnUpdate(update LocationUpdate) {
	h <- update
}

const testPrefix = "/topic/location/"

func defineTestManager(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, link transport.Transport,
) LocationSubscriptionManager {
	uut, err := GetLocationSubscriptionManager(
		ctxt, ManagerParams{DestinationPrefix: testPrefix, TaskBuffer: 4}, link, "unit-test", wg,
	)
	assert.Nil(t, err)
	return uut
}

func TestManagerParams(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := GetLocationSubscriptionManager(
		ctxt, ManagerParams{TaskBuffer: 4}, new(mocks.Transport), "unit-test", &wg,
	)
	assert.NotNil(err)
	_, err = GetLocationSubscriptionManager(
		ctxt, ManagerParams{DestinationPrefix: testPrefix}, new(mocks.Transport), "unit-test", &wg,
	)
	assert.NotNil(err)
	_, err = GetLocationSubscriptionManager(
		ctxt, ManagerParams{DestinationPrefix: testPrefix, TaskBuffer: 4}, nil, "unit-test", &wg,
	)
	assert.NotNil(err)
}

func TestManagerIdempotentConnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockTransport := new(mocks.Transport)
	uut := defineTestManager(t, ctxt, &wg, mockTransport)
	handler := make(channelHandler, 4)

	mockTransport.On("Connect", mock.Anything).Return(nil).Once()

	// Case 1: connect many times, concurrently with registrations
	{
		callWG := sync.WaitGroup{}
		for itr := 0; itr < 10; itr++ {
			callWG.Add(2)
			go func() {
				defer callWG.Done()
				assert.Nil(uut.Connect(ctxt))
			}()
			go func(idx int) {
				defer callWG.Done()
				assert.Nil(uut.RegisterCallback(ctxt, fmt.Sprintf("driver%d", idx), handler))
			}(itr)
		}
		callWG.Wait()
		mockTransport.AssertNumberOfCalls(t, "Connect", 1)
		assert.Equal(transport.Connecting, uut.ConnectionState())
		assert.False(uut.IsConnected())
		assert.Equal(10, uut.RegisteredCount())
		assert.Equal(0, uut.ActiveSubscriptionCount())
	}

	// Case 2: invalid registrations
	{
		assert.NotNil(uut.RegisterCallback(ctxt, "", handler))
		assert.NotNil(uut.RegisterCallback(ctxt, "driver1", nil))
	}

	mockTransport.On("Disconnect").Return(nil).Once()
	assert.Nil(uut.Close(ctxt))
	mockTransport.AssertExpectations(t)
}

func TestManagerReplayOnReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockTransport := new(mocks.Transport)
	uut := defineTestManager(t, ctxt, &wg, mockTransport)
	captured := &sinkCapture{}
	handler := make(channelHandler, 4)

	destA := DestinationForEntity(testPrefix, "A")
	destB := DestinationForEntity(testPrefix, "B")

	mockTransport.On("Connect", mock.Anything).Run(captured.record).Return(nil).Once()

	// Case 1: register before the connection is up
	{
		assert.Nil(uut.RegisterCallback(ctxt, "A", handler))
		assert.Nil(uut.RegisterCallback(ctxt, "B", handler))
		assert.Equal(0, uut.ActiveSubscriptionCount())
	}

	mockTransport.On("Subscribe", destA).Return(nil).Twice()
	mockTransport.On("Subscribe", destB).Return(nil).Twice()
	sink := captured.latest()

	// Case 2: connection established
	{
		sink.HandleConnected(ctxt)
		assert.Eventually(func() bool {
			return uut.ActiveSubscriptionCount() == 2
		}, time.Second, time.Millisecond*5)
		assert.True(uut.IsConnected())
	}

	// Case 3: unplanned drop
	{
		sink.HandleDisconnected(ctxt, fmt.Errorf("heartbeat timeout"))
		assert.Eventually(func() bool {
			return uut.ConnectionState() == transport.Connecting
		}, time.Second, time.Millisecond*5)
		assert.Equal(0, uut.ActiveSubscriptionCount())
		assert.Equal(2, uut.RegisteredCount())
	}

	// Case 4: transport reconnected, both keys come back without re-registering
	{
		sink.HandleConnected(ctxt)
		assert.Eventually(func() bool {
			return uut.ActiveSubscriptionCount() == 2
		}, time.Second, time.Millisecond*5)
		mockTransport.AssertNumberOfCalls(t, "Subscribe", 4)
		mockTransport.AssertNumberOfCalls(t, "Connect", 1)
	}

	mockTransport.On("Disconnect").Return(nil).Once()
	assert.Nil(uut.Close(ctxt))
	mockTransport.AssertExpectations(t)
}

func TestManagerDisconnectOnEmpty(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockTransport := new(mocks.Transport)
	uut := defineTestManager(t, ctxt, &wg, mockTransport)
	captured := &sinkCapture{}
	handler := make(channelHandler, 4)
	destA := DestinationForEntity(testPrefix, "A")

	mockTransport.On("Connect", mock.Anything).Run(captured.record).Return(nil).Once()
	mockTransport.On("Subscribe", destA).Return(nil).Once()
	assert.Nil(uut.RegisterCallback(ctxt, "A", handler))
	captured.latest().HandleConnected(ctxt)
	assert.Eventually(func() bool {
		return uut.ActiveSubscriptionCount() == 1
	}, time.Second, time.Millisecond*5)

	// Case 1: removing the only key closes the connection once
	{
		mockTransport.On("Unsubscribe", destA).Return(nil).Once()
		mockTransport.On("Disconnect").Return(nil).Once()
		assert.Nil(uut.UnregisterCallback(ctxt, "A"))
		mockTransport.AssertNumberOfCalls(t, "Disconnect", 1)
		assert.Equal(0, uut.ActiveSubscriptionCount())
		assert.Equal(0, uut.RegisteredCount())
		assert.Equal(transport.Disconnected, uut.ConnectionState())
	}

	// Case 2: unregister and disconnect again are no-ops
	{
		assert.Nil(uut.UnregisterCallback(ctxt, "A"))
		assert.Nil(uut.UnregisterCallback(ctxt, "never-registered"))
		assert.Nil(uut.Disconnect(ctxt))
		mockTransport.AssertNumberOfCalls(t, "Disconnect", 1)
	}

	assert.Nil(uut.Close(ctxt))
	mockTransport.AssertExpectations(t)
}

func TestManagerStaleSessionEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockTransport := new(mocks.Transport)
	uut := defineTestManager(t, ctxt, &wg, mockTransport)
	captured := &sinkCapture{}
	handler := make(channelHandler, 4)
	destA := DestinationForEntity(testPrefix, "A")
	payload := []byte(`{"latitude":1,"longitude":2,"timestamp":"2024-01-01T10:00:00Z"}`)

	mockTransport.On("Connect", mock.Anything).Run(captured.record).Return(nil).Twice()
	mockTransport.On("Disconnect").Return(nil).Twice()

	assert.Nil(uut.RegisterCallback(ctxt, "A", handler))
	oldSink := captured.latest()

	// Case 1: explicit disconnect, then the old session reports in late
	{
		assert.Nil(uut.Disconnect(ctxt))
		oldSink.HandleConnected(ctxt)
		oldSink.HandleMessage(ctxt, destA, payload)
		// Queue is FIFO, so a later request observes the effect of the events
		assert.Nil(uut.Connect(ctxt))
		assert.Equal(transport.Connecting, uut.ConnectionState())
		assert.Equal(0, uut.ActiveSubscriptionCount())
		assert.Len(handler, 0)
	}

	newSink := captured.latest()
	assert.NotEqual(oldSink, newSink)

	// Case 2: the new session comes up, the old one reports a loss
	{
		mockTransport.On("Subscribe", destA).Return(nil).Once()
		newSink.HandleConnected(ctxt)
		oldSink.HandleDisconnected(ctxt, fmt.Errorf("late"))
		assert.Eventually(func() bool {
			return uut.ActiveSubscriptionCount() == 1
		}, time.Second, time.Millisecond*5)
		assert.Nil(uut.Connect(ctxt))
		assert.True(uut.IsConnected())
	}

	assert.Nil(uut.Close(ctxt))
	mockTransport.AssertExpectations(t)
}

func TestManagerConnectFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockTransport := new(mocks.Transport)
	uut := defineTestManager(t, ctxt, &wg, mockTransport)

	mockTransport.On("Connect", mock.Anything).Return(fmt.Errorf("dummy error")).Once()
	assert.NotNil(uut.Connect(ctxt))
	assert.Equal(transport.Disconnected, uut.ConnectionState())

	// Close with nothing open does not touch the transport
	assert.Nil(uut.Close(ctxt))
	mockTransport.AssertExpectations(t)
}

func TestManagerEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockTransport := new(mocks.Transport)
	uut := defineTestManager(t, ctxt, &wg, mockTransport)
	captured := &sinkCapture{}
	handler := make(channelHandler, 4)

	entity := "driver1@example.com"
	destination := DestinationForEntity(testPrefix, entity)
	payload := []byte(
		`{"email":"driver1@example.com","latitude":42.1,"longitude":24.7,"timestamp":"2024-01-01T10:00:00Z"}`,
	)

	mockTransport.On("Connect", mock.Anything).Run(captured.record).Return(nil).Once()
	mockTransport.On("Subscribe", destination).Return(nil).Once()

	assert.Nil(uut.RegisterCallback(ctxt, entity, handler))
	sink := captured.latest()
	sink.HandleConnected(ctxt)
	sink.HandleMessage(ctxt, destination, payload)
	// Server replays the same position
	sink.HandleMessage(ctxt, destination, payload)

	select {
	case update := <-handler:
		assert.Equal(LocationUpdate{
			EntityKey: entity,
			Latitude:  42.1,
			Longitude: 24.7,
			Timestamp: "2024-01-01T10:00:00Z",
		}, update)
	case <-time.After(time.Second):
		assert.Fail("update not delivered")
	}

	// Flush the event loop, then confirm the replay was suppressed
	assert.Nil(uut.Connect(ctxt))
	assert.Len(handler, 0)

	mockTransport.On("Unsubscribe", destination).Return(nil).Once()
	mockTransport.On("Disconnect").Return(nil).Once()
	assert.Nil(uut.UnregisterCallback(ctxt, entity))
	assert.Nil(uut.Close(ctxt))
	mockTransport.AssertExpectations(t)
}
