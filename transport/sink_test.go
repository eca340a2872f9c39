package transport

import (
	"context"
	"sync"
)

// recordedMessage one message seen by recordingSink
type recordedMessage struct {
	destination string
	payload     string
}

// recordingSink EventSink which records everything it is told
type recordingSink struct {
	lock         sync.Mutex
	connected    int
	disconnected int
	messages     []recordedMessage
}

func (s *recordingSink) HandleConnected(_ context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.connected++
}

func (s *recordingSink) HandleDisconnected(_ context.Context, _ error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.disconnected++
}

func (s *recordingSink) HandleMessage(_ context.Context, destination string, payload []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.messages = append(
		s.messages, recordedMessage{destination: destination, payload: string(payload)},
	)
}

func (s *recordingSink) counts() (int, int, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connected, s.disconnected, len(s.messages)
}

func (s *recordingSink) received() []recordedMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]recordedMessage, len(s.messages))
	copy(result, s.messages)
	return result
}
