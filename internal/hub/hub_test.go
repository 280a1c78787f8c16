package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/19G12/parallel-website-editor-webhook/pkg/event"
)

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// attach registers a pumpless client and drains the two snapshot frames a
// fresh connection receives.
func attach(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := h.newClient(nil)
	h.register <- c
	recvDocument(t, c)
	recvPresence(t, c)
	return c
}

func send(h *Hub, c *Client, ev event.Event) {
	frame, err := event.EncodeClient(ev)
	if err != nil {
		panic(err)
	}
	h.events <- inbound{from: c, data: frame}
}

func recvRaw(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		if !ok {
			t.Fatal("send queue closed")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
	return nil
}

func recvPresence(t *testing.T, c *Client) event.Presence {
	t.Helper()
	ev, err := event.DecodeBroadcast(recvRaw(t, c))
	if err != nil {
		t.Fatalf("decoding broadcast: %v", err)
	}
	p, ok := ev.(event.Presence)
	if !ok {
		t.Fatalf("expected presence broadcast, got %T", ev)
	}
	return p
}

func recvDocument(t *testing.T, c *Client) event.Document {
	t.Helper()
	ev, err := event.DecodeBroadcast(recvRaw(t, c))
	if err != nil {
		t.Fatalf("decoding broadcast: %v", err)
	}
	d, ok := ev.(event.Document)
	if !ok {
		t.Fatalf("expected document broadcast, got %T", ev)
	}
	return d
}

func TestSingleJoin(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)

	send(h, alice, event.Join{Username: "alice"})

	p := recvPresence(t, alice)
	assert.Equal(t, len(p.Users), 1)
	assert.Equal(t, p.Users["alice"].Username, "alice")
	assert.Equal(t, p.Activity, []string{"alice joined the document"})
}

func TestTwoJoinsAccumulate(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	send(h, alice, event.Join{Username: "alice"})
	recvPresence(t, alice)

	bob := attach(t, h)
	send(h, bob, event.Join{Username: "bob"})

	for _, c := range []*Client{alice, bob} {
		p := recvPresence(t, c)
		assert.Equal(t, len(p.Users), 2)
		assert.Equal(t, p.Users["alice"].Username, "alice")
		assert.Equal(t, p.Users["bob"].Username, "bob")
		assert.Equal(t, p.Activity, []string{
			"alice joined the document",
			"bob joined the document",
		})
	}
}

func TestContentReachesEveryClientIncludingSender(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	bob := attach(t, h)

	send(h, alice, event.Replace{Content: "<p>hi</p>"})

	assert.Equal(t, recvDocument(t, alice).Content, "<p>hi</p>")
	assert.Equal(t, recvDocument(t, bob).Content, "<p>hi</p>")
}

func TestExplicitLeave(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	send(h, alice, event.Join{Username: "alice"})
	recvPresence(t, alice)
	bob := attach(t, h)
	send(h, bob, event.Join{Username: "bob"})
	recvPresence(t, alice)
	recvPresence(t, bob)

	send(h, alice, event.Leave{})

	p := recvPresence(t, bob)
	assert.Equal(t, len(p.Users), 1)
	assert.Equal(t, p.Users["bob"].Username, "bob")
	assert.Equal(t, p.Activity[len(p.Activity)-1], "alice left the document")
	// The connection itself stays attached; alice sees the departure too.
	p = recvPresence(t, alice)
	assert.Equal(t, len(p.Users), 1)
}

func TestTransportLossRunsLeavePath(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	send(h, alice, event.Join{Username: "alice"})
	recvPresence(t, alice)
	bob := attach(t, h)
	send(h, bob, event.Join{Username: "bob"})
	recvPresence(t, bob)
	recvPresence(t, alice)

	h.unregister <- alice

	p := recvPresence(t, bob)
	assert.Equal(t, len(p.Users), 1)
	assert.Equal(t, p.Activity[len(p.Activity)-1], "alice left the document")
}

func TestLastReceivedWriteWins(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	bob := attach(t, h)

	send(h, alice, event.Replace{Content: "from alice"})
	send(h, bob, event.Replace{Content: "from bob"})

	// Broadcasts arrive in router order; both clients end on bob's write.
	for _, c := range []*Client{alice, bob} {
		assert.Equal(t, recvDocument(t, c).Content, "from alice")
		assert.Equal(t, recvDocument(t, c).Content, "from bob")
	}
}

func TestIdenticalReplaceIsIdempotent(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)

	send(h, alice, event.Replace{Content: "same"})
	send(h, alice, event.Replace{Content: "same"})

	assert.Equal(t, recvDocument(t, alice).Content, "same")
	assert.Equal(t, recvDocument(t, alice).Content, "same")
}

func TestEditBeforeJoinIsApplied(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)

	// Content updates are not gated on sender identity.
	send(h, alice, event.Replace{Content: "anonymous edit"})
	assert.Equal(t, recvDocument(t, alice).Content, "anonymous edit")

	send(h, alice, event.Join{Username: "alice"})
	p := recvPresence(t, alice)
	assert.Equal(t, len(p.Users), 1)
}

func TestActivityLengthTracksJoinsPlusLeaves(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	bob := attach(t, h)
	carol := attach(t, h)

	send(h, alice, event.Join{Username: "alice"})
	send(h, bob, event.Join{Username: "bob"})
	send(h, carol, event.Join{Username: "carol"})
	send(h, bob, event.Leave{})

	var last event.Presence
	for i := 0; i < 4; i++ {
		last = recvPresence(t, alice)
	}
	assert.Equal(t, len(last.Users), 2) // 3 joins - 1 leave
	assert.Equal(t, len(last.Activity), 4)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	send(h, alice, event.Join{Username: "alice"})
	recvPresence(t, alice)

	imposter := attach(t, h)
	send(h, imposter, event.Join{Username: "alice"})
	// The duplicate is dropped without broadcast; the next accepted event
	// shows untouched state.
	send(h, imposter, event.Join{Username: "bob"})

	p := recvPresence(t, imposter)
	assert.Equal(t, len(p.Users), 2)
	assert.Equal(t, p.Activity, []string{
		"alice joined the document",
		"bob joined the document",
	})
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)

	h.events <- inbound{from: alice, data: []byte("{not json")}
	h.events <- inbound{from: alice, data: []byte(`{"type":"sneaky"}`)}
	h.events <- inbound{from: alice, data: []byte(`{"type":"usertype"}`)}

	send(h, alice, event.Join{Username: "alice"})
	p := recvPresence(t, alice)
	assert.Equal(t, len(p.Users), 1)
	assert.Equal(t, len(p.Activity), 1)
}

func TestLateJoinerReceivesCurrentState(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	send(h, alice, event.Join{Username: "alice"})
	recvPresence(t, alice)
	send(h, alice, event.Replace{Content: "<p>draft</p>"})
	recvDocument(t, alice)

	late := h.newClient(nil)
	h.register <- late
	assert.Equal(t, recvDocument(t, late).Content, "<p>draft</p>")
	p := recvPresence(t, late)
	assert.Equal(t, p.Users["alice"].Username, "alice")
}

type fakeStore struct {
	mu      sync.Mutex
	initial string
	saved   []string
}

func (s *fakeStore) Load(context.Context) (string, error) {
	return s.initial, nil
}

func (s *fakeStore) Save(_ context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, content)
	return nil
}

func (s *fakeStore) last() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return "", false
	}
	return s.saved[len(s.saved)-1], true
}

func TestStoreSeedsAndPersistsContent(t *testing.T) {
	fs := &fakeStore{initial: "<p>restored</p>"}
	h := startHub(t, Options{Store: fs})

	alice := h.newClient(nil)
	h.register <- alice
	assert.Equal(t, recvDocument(t, alice).Content, "<p>restored</p>")
	recvPresence(t, alice)

	send(h, alice, event.Replace{Content: "<p>v2</p>"})
	recvDocument(t, alice)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if last, ok := fs.last(); ok && last == "<p>v2</p>" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("store never saw the latest content")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeRelay struct {
	mu        sync.Mutex
	published [][]byte
	frames    chan []byte
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{frames: make(chan []byte, 8)}
}

func (r *fakeRelay) Publish(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.published = append(r.published, cp)
	return nil
}

func (r *fakeRelay) Frames() <-chan []byte { return r.frames }

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func TestRelayCarriesBroadcastsBothWays(t *testing.T) {
	relay := newFakeRelay()
	h := startHub(t, Options{Relay: relay})
	alice := attach(t, h)

	send(h, alice, event.Replace{Content: "local"})
	recvDocument(t, alice)
	if relay.count() != 1 {
		t.Fatalf("published %d frames, want 1", relay.count())
	}

	// A frame from a sibling instance reaches local clients and becomes the
	// content served to late joiners, without being re-published.
	remote, err := event.EncodeBroadcast(event.Document{Content: "remote"})
	if err != nil {
		t.Fatal(err)
	}
	relay.frames <- remote
	assert.Equal(t, recvDocument(t, alice).Content, "remote")

	late := h.newClient(nil)
	h.register <- late
	assert.Equal(t, recvDocument(t, late).Content, "remote")
	assert.Equal(t, relay.count(), 1)
}

func TestBroadcastWireShape(t *testing.T) {
	h := startHub(t, Options{})
	alice := attach(t, h)
	send(h, alice, event.Join{Username: "alice"})

	// The frame layout is what the original browser client parses.
	var frame struct {
		Type string `json:"type"`
		Data struct {
			Users        map[string]map[string]string `json:"users"`
			UserActivity []string                     `json:"userActivity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(recvRaw(t, alice), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	assert.Equal(t, frame.Type, "usertype")
	assert.Equal(t, frame.Data.Users["alice"]["username"], "alice")
	assert.Equal(t, frame.Data.UserActivity, []string{"alice joined the document"})
}
