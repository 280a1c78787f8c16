package client

import (
	"strings"
	"sync"

	"github.com/19G12/parallel-website-editor-webhook/pkg/event"
)

// Notice is one activity entry surfaced as a transient notification.
// Departure distinguishes the error-styled "left the document" notices from
// the success-styled arrivals.
type Notice struct {
	Text      string
	Departure bool
}

// PresenceTracker is a pure projection of the latest presence broadcast:
// who is connected and the append-only activity log. It never mutates
// presence state itself.
type PresenceTracker struct {
	mu       sync.Mutex
	users    map[string]event.User
	activity []string
	seen     int
	primed   bool

	changes chan struct{}
	notices chan Notice
}

func newPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		users:   map[string]event.User{},
		changes: make(chan struct{}, 1),
		notices: make(chan Notice, 16),
	}
}

// Users returns the currently connected participants keyed by username.
func (t *PresenceTracker) Users() map[string]event.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make(map[string]event.User, len(t.users))
	for name, u := range t.users {
		users[name] = u
	}
	return users
}

// Activity returns the activity log, most recent last.
func (t *PresenceTracker) Activity() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	activity := make([]string, len(t.activity))
	copy(activity, t.activity)
	return activity
}

// Changes signals after each presence update. The channel coalesces: one
// pending signal can cover several updates, read state after receiving.
func (t *PresenceTracker) Changes() <-chan struct{} { return t.changes }

// Notices delivers one Notice per new activity entry. Entries that were
// already in the log when this client connected are not replayed. Slow
// consumers lose notices, never presence state.
func (t *PresenceTracker) Notices() <-chan Notice { return t.notices }

func (t *PresenceTracker) apply(p event.Presence) {
	t.mu.Lock()
	t.users = p.Users
	if t.users == nil {
		t.users = map[string]event.User{}
	}
	t.activity = p.Activity

	if !t.primed {
		// First snapshot is history, not news.
		t.primed = true
		t.seen = len(p.Activity)
	} else {
		if len(p.Activity) < t.seen {
			// The router restarted with a fresh log.
			t.seen = 0
		}
		for _, entry := range p.Activity[t.seen:] {
			n := Notice{
				Text:      entry,
				Departure: strings.Contains(entry, "left the document"),
			}
			select {
			case t.notices <- n:
			default:
			}
		}
		t.seen = len(p.Activity)
	}
	t.mu.Unlock()

	select {
	case t.changes <- struct{}{}:
	default:
	}
}
