package tracking

import (
	"github.com/alwitt/driverloc/common"
	"github.com/alwitt/driverloc/transport"
	"github.com/apex/log"
)

// topicRegistry tracks wanted versus live wire subscriptions. Only used from the event
// loop.
//
// Keys in active always have a live subscription on the transport. Keys in pending are
// wanted but not yet subscribed, either because the transport is not connected or
// because the subscribe call failed.
type topicRegistry struct {
	common.Component
	transport transport.Transport
	prefix    string
	connected bool
	active    map[string]string
	pending   map[string]bool
}

func newTopicRegistry(
	logTags log.Fields, link transport.Transport, prefix string,
) *topicRegistry {
	return &topicRegistry{
		Component: common.Component{LogTags: logTags},
		transport: link,
		prefix:    prefix,
		active:    make(map[string]string),
		pending:   make(map[string]bool),
	}
}

// ensureSubscribed subscribe to the destination of entityKey if connected, otherwise
// park it as pending. Returns true when a connection is needed.
func (r *topicRegistry) ensureSubscribed(entityKey string) bool {
	if !r.connected {
		r.pending[entityKey] = true
		return true
	}
	if _, ok := r.active[entityKey]; ok {
		return false
	}
	destination := DestinationForEntity(r.prefix, entityKey)
	if err := r.transport.Subscribe(destination); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to subscribe to %s. Retry on next connect", destination,
		)
		r.pending[entityKey] = true
		return false
	}
	delete(r.pending, entityKey)
	r.active[entityKey] = destination
	return false
}

// release drop interest in entityKey
func (r *topicRegistry) release(entityKey string) {
	delete(r.pending, entityKey)
	destination, ok := r.active[entityKey]
	if !ok {
		return
	}
	delete(r.active, entityKey)
	if err := r.transport.Unsubscribe(destination); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to unsubscribe from %s", destination)
	}
}

// onConnected a session is up, subscribe every wanted key
func (r *topicRegistry) onConnected(wanted []string) {
	r.connected = true
	r.pending = make(map[string]bool)
	for _, entityKey := range wanted {
		r.ensureSubscribed(entityKey)
	}
}

// onDisconnected the session is gone along with its subscriptions
func (r *topicRegistry) onDisconnected() {
	r.connected = false
	for entityKey := range r.active {
		r.pending[entityKey] = true
	}
	r.active = make(map[string]string)
}

// reset forget everything after an explicit disconnect
func (r *topicRegistry) reset() {
	r.connected = false
	r.active = make(map[string]string)
	r.pending = make(map[string]bool)
}

func (r *topicRegistry) isActive(entityKey string) bool {
	_, ok := r.active[entityKey]
	return ok
}

func (r *topicRegistry) isPending(entityKey string) bool {
	return r.pending[entityKey]
}

func (r *topicRegistry) activeCount() int {
	return len(r.active)
}
