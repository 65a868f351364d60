package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/obeci/obeci/backend/go-services/internal/access"
	"github.com/obeci/obeci/backend/go-services/internal/classes"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/obeci/obeci/backend/go-services/internal/models"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/obeci/obeci/backend/go-services/internal/users"
	"github.com/stretchr/testify/require"
)

type sessionMap struct {
	mu sync.Mutex
	m  map[string]models.Principal
}

func (s *sessionMap) bind(id string, p models.Principal) {
	s.mu.Lock()
	s.m[id] = p
	s.mu.Unlock()
}

func (s *sessionMap) Resolve(id string) (models.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	return p, ok
}

type fixture struct {
	hub      *realtime.Hub
	sessions *sessionMap
	disp     *Dispatcher
	store    *repository.MemoryStore
}

const ownerID = int64(100)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ud := users.NewMemoryDirectory()
	for id, email := range map[int64]string{1: "a@school.test", 2: "b@school.test", 3: "c@school.test", 9: "outsider@school.test"} {
		_, err := ud.Save(ctx, &models.User{ID: id, Email: email})
		require.NoError(t, err)
	}
	cd := classes.NewMemoryDirectory()
	_, err := cd.Save(ctx, &models.Class{ID: ownerID, EditorIDs: []int64{1, 2, 3}})
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	_, err = store.CreateEmpty(ctx, ownerID)
	require.NoError(t, err)

	hub := realtime.NewHub(16)
	sessions := &sessionMap{m: map[string]models.Principal{}}
	disp := NewDispatcher(NewEngine(store, store), access.NewGate(ud, cd), sessions, hub)
	return &fixture{hub: hub, sessions: sessions, disp: disp, store: store}
}

func (f *fixture) connect(t *testing.T, email string) *realtime.Client {
	t.Helper()
	p := models.Principal{Name: email, Authenticated: email != ""}
	c := f.hub.NewClient(p)
	if email != "" {
		f.sessions.bind(c.ID, p)
	}
	t.Cleanup(func() { f.hub.CloseClient(c) })
	return c
}

func (f *fixture) subscribe(t *testing.T, c *realtime.Client, topic string) {
	t.Helper()
	canonical, err := f.disp.HandleSubscribe(context.Background(), c.ID, topic)
	require.NoError(t, err)
	f.hub.Subscribe(c, canonical)
}

func next(t *testing.T, c *realtime.Client) realtime.Envelope {
	t.Helper()
	select {
	case env := <-c.Outbound:
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return realtime.Envelope{}
}

func none(t *testing.T, c *realtime.Client) {
	t.Helper()
	select {
	case env := <-c.Outbound:
		t.Fatalf("unexpected %s message: %s", env.Kind, env.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func errorPayload(t *testing.T, env realtime.Envelope) instrument.ErrorMessage {
	t.Helper()
	require.Equal(t, realtime.KindPrivate, env.Kind)
	require.Equal(t, realtime.ErrorQueue, env.Queue)
	var msg instrument.ErrorMessage
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	return msg
}

func TestConflictScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a@school.test")
	b := f.connect(t, "b@school.test")
	c := f.connect(t, "c@school.test")
	f.subscribe(t, b, realtime.DocumentTopic(ownerID))
	f.subscribe(t, c, realtime.DocumentTopic(ownerID))
	f.subscribe(t, c, realtime.ChangesTopic(ownerID))

	_, err := f.disp.HandleUpdate(ctx, a.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`["from a"]`), ExpectedVersion: int64p(0), OriginatorTag: "tab-a"})
	require.NoError(t, err)

	for _, sub := range []*realtime.Client{b, c} {
		env := next(t, sub)
		require.Equal(t, realtime.DocumentTopic(ownerID), env.Topic)
		var bc instrument.Broadcast
		require.NoError(t, json.Unmarshal(env.Payload, &bc))
		require.Equal(t, int64(1), bc.Version)
		require.Equal(t, "a@school.test", bc.Actor)
		require.Equal(t, "tab-a", bc.OriginatorTag)
	}
	changes := next(t, c)
	require.Equal(t, realtime.ChangesTopic(ownerID), changes.Topic)
	none(t, a)

	_, err = f.disp.HandleUpdate(ctx, b.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`["from b"]`), ExpectedVersion: int64p(0), OriginatorTag: "tab-b"})
	require.ErrorIs(t, err, ErrVersionConflict)

	msg := errorPayload(t, next(t, b))
	require.Equal(t, instrument.CodeVersionConflict, msg.Code)
	require.Contains(t, msg.Message, "expected 0")
	require.Contains(t, msg.Message, "actual 1")
	require.Equal(t, "tab-b", msg.OriginatorTag)
	require.NotNil(t, msg.OwnerID)
	require.Equal(t, ownerID, *msg.OwnerID)
	none(t, c)
	none(t, a)
}

func TestUnauthenticatedUpdate(t *testing.T) {
	f := newFixture(t)
	anon := f.connect(t, "")
	watcher := f.connect(t, "a@school.test")
	f.subscribe(t, watcher, realtime.DocumentTopic(ownerID))

	_, err := f.disp.HandleUpdate(context.Background(), anon.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`[1]`)})
	require.ErrorIs(t, err, access.ErrUnauthenticated)
	require.Equal(t, instrument.CodeUnauthenticated, errorPayload(t, next(t, anon)).Code)
	none(t, watcher)
}

func TestForbiddenUpdate(t *testing.T) {
	f := newFixture(t)
	out := f.connect(t, "outsider@school.test")
	watcher := f.connect(t, "a@school.test")
	f.subscribe(t, watcher, realtime.DocumentTopic(ownerID))

	_, err := f.disp.HandleUpdate(context.Background(), out.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`[1]`)})
	require.Error(t, err)
	require.Equal(t, instrument.CodeForbidden, errorPayload(t, next(t, out)).Code)
	none(t, watcher)

	doc, err := f.store.GetByOwner(context.Background(), ownerID)
	require.NoError(t, err)
	require.Equal(t, int64(0), doc.Version)
}

func TestSubscribeDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.connect(t, "outsider@school.test")
	anon := f.connect(t, "")

	_, err := f.disp.HandleSubscribe(ctx, out.ID, realtime.DocumentTopic(ownerID))
	require.ErrorIs(t, err, access.ErrForbidden)
	require.Equal(t, instrument.CodeForbidden, Code(err))

	_, err = f.disp.HandleSubscribe(ctx, anon.ID, realtime.DocumentTopic(ownerID))
	require.Equal(t, instrument.CodeUnauthenticated, Code(err))

	_, err = f.disp.HandleSubscribe(ctx, out.ID, "documents/not-a-number")
	require.Equal(t, instrument.CodeForbidden, Code(err))

	admin := f.hub.NewClient(models.Principal{Name: "root", Roles: []string{"ADMIN"}, Authenticated: true})
	defer f.hub.CloseClient(admin)
	f.sessions.bind(admin.ID, admin.Principal)
	topic, err := f.disp.HandleSubscribe(ctx, admin.ID, "/documents/100/changes")
	require.NoError(t, err)
	require.Equal(t, realtime.ChangesTopic(ownerID), topic)
}

func TestRateLimitedUpdate(t *testing.T) {
	f := newFixture(t)
	f.disp.WithUpdateRate(0.001, 1)
	a := f.connect(t, "a@school.test")
	ctx := context.Background()

	_, err := f.disp.HandleUpdate(ctx, a.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`[1]`)})
	require.NoError(t, err)
	_, err = f.disp.HandleUpdate(ctx, a.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`[2]`)})
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, instrument.CodeUpdateFailed, errorPayload(t, next(t, a)).Code)

	f.disp.Forget(a.ID)
	_, err = f.disp.HandleUpdate(ctx, a.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`[3]`)})
	require.NoError(t, err)
}

type panicEngine struct{}

func (panicEngine) ApplyUpdate(ctx context.Context, req UpdateRequest) (*instrument.Broadcast, error) {
	panic("boom")
}

func TestPanicBecomesUnhandled(t *testing.T) {
	f := newFixture(t)
	f.disp.engine = panicEngine{}
	a := f.connect(t, "a@school.test")

	_, err := f.disp.HandleUpdate(context.Background(), a.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(`[1]`)})
	require.ErrorIs(t, err, ErrUnhandled)
	require.Equal(t, instrument.CodeUnhandled, errorPayload(t, next(t, a)).Code)
}

func TestNoopStillAcknowledges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "a@school.test")
	f.subscribe(t, a, realtime.DocumentTopic(ownerID))
	doc, err := f.store.GetByOwner(ctx, ownerID)
	require.NoError(t, err)

	b, err := f.disp.HandleUpdate(ctx, a.ID, UpdateRequest{OwnerID: ownerID, Snapshot: json.RawMessage(doc.Snapshot), OriginatorTag: "t"})
	require.NoError(t, err)
	require.Equal(t, int64(0), b.Version)
	env := next(t, a)
	require.NotNil(t, env.Version)
	require.Equal(t, int64(0), *env.Version)
}
