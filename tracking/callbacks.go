package tracking

import "sort"

// callbackDirectory entity key to consumer mapping. Only used from the event loop.
type callbackDirectory struct {
	handlers map[string]UpdateHandler
}

func newCallbackDirectory() *callbackDirectory {
	return &callbackDirectory{handlers: make(map[string]UpdateHandler)}
}

// register set the handler of entityKey, returns whether a previous one was replaced
func (d *callbackDirectory) register(entityKey string, handler UpdateHandler) bool {
	_, replaced := d.handlers[entityKey]
	d.handlers[entityKey] = handler
	return replaced
}

// unregister returns whether entityKey had a handler
func (d *callbackDirectory) unregister(entityKey string) bool {
	_, ok := d.handlers[entityKey]
	delete(d.handlers, entityKey)
	return ok
}

func (d *callbackDirectory) lookup(entityKey string) (UpdateHandler, bool) {
	handler, ok := d.handlers[entityKey]
	return handler, ok
}

// keys registered entity keys, sorted
func (d *callbackDirectory) keys() []string {
	result := make([]string, 0, len(d.handlers))
	for entityKey := range d.handlers {
		result = append(result, entityKey)
	}
	sort.Strings(result)
	return result
}

func (d *callbackDirectory) size() int {
	return len(d.handlers)
}
