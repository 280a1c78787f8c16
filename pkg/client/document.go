package client

import (
	"sync"

	"github.com/19G12/parallel-website-editor-webhook/pkg/event"
)

// DocumentSync exposes the latest broadcast document content and publishes
// local edits. The document is one opaque value, last write wins: every
// broadcast fully replaces the local view, including echoes of this
// client's own edits, which are authoritative over any optimistic value.
type DocumentSync struct {
	conn *Conn

	mu      sync.Mutex
	content string
	has     bool

	changes chan struct{}
	once    sync.Once
}

// Content returns the most recently broadcast content. Before the first
// broadcast it falls back to the local cache when one is configured.
func (d *DocumentSync) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.has && d.conn.cache != nil {
		if cached, ok := d.conn.cache.Content(); ok {
			return cached
		}
	}
	return d.content
}

// Changes signals after each content update, coalescing pending signals.
func (d *DocumentSync) Changes() <-chan struct{} {
	d.init()
	return d.changes
}

// SetContent publishes a whole-document replace. There is no debounce:
// every call sends one event. The broadcast that echoes back overwrites the
// local view.
func (d *DocumentSync) SetContent(content string) error {
	return d.conn.Publish(event.Replace{Content: content})
}

func (d *DocumentSync) apply(content string) {
	d.init()
	d.mu.Lock()
	d.content = content
	d.has = true
	d.mu.Unlock()
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

func (d *DocumentSync) init() {
	d.once.Do(func() { d.changes = make(chan struct{}, 1) })
}
