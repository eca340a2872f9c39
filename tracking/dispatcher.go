package tracking

import (
	"github.com/alwitt/driverloc/common"
	"github.com/apex/log"
)

// updateDispatcher parses inbound messages and hands them to the registered handler.
// Only used from the event loop.
type updateDispatcher struct {
	common.Component
	prefix    string
	parser    updateParser
	directory *callbackDirectory
	// lastDelivered last update handed to each entity's handler
	lastDelivered map[string]LocationUpdate
}

func newUpdateDispatcher(
	logTags log.Fields, prefix string, directory *callbackDirectory,
) *updateDispatcher {
	return &updateDispatcher{
		Component:     common.Component{LogTags: logTags},
		prefix:        prefix,
		parser:        newUpdateParser(),
		directory:     directory,
		lastDelivered: make(map[string]LocationUpdate),
	}
}

// dispatch route one raw message. Returns whether a handler was invoked.
func (d *updateDispatcher) dispatch(destination string, payload []byte) bool {
	entityKey, ok := EntityFromDestination(d.prefix, destination)
	if !ok {
		log.WithFields(d.LogTags).Warnf("Dropping message on unexpected destination %s", destination)
		return false
	}
	update, err := d.parser.parse(entityKey, payload)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Dropping malformed update on %s: %s", destination, string(payload),
		)
		return false
	}
	if last, ok := d.lastDelivered[entityKey]; ok && last.SamePosition(update) {
		log.WithFields(d.LogTags).Debugf("Dropping repeated update for %s", entityKey)
		return false
	}
	handler, ok := d.directory.lookup(entityKey)
	if !ok {
		log.WithFields(d.LogTags).Debugf("No handler for %s, dropping update", entityKey)
		return false
	}
	d.lastDelivered[entityKey] = update
	d.deliver(handler, update)
	return true
}

// deliver invoke the handler, containing any panic
func (d *updateDispatcher) deliver(handler UpdateHandler, update LocationUpdate) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(d.LogTags).Errorf(
				"Update handler for %s panicked: %v", update.EntityKey, r,
			)
		}
	}()
	handler.OnUpdate(update)
}

// forget drop the dedup state of entityKey, used when its handler changes
func (d *updateDispatcher) forget(entityKey string) {
	delete(d.lastDelivered, entityKey)
}
