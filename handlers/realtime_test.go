package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/obeci/obeci/backend/go-services/internal/instrument"
	"github.com/obeci/obeci/backend/go-services/internal/realtime"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{}
	if user != "" {
		hdr.Set(tokenHeader, user)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func sendFrame(t *testing.T, ws *websocket.Conn, typ, topic string, payload interface{}) {
	t.Helper()
	f := Frame{Type: typ, Topic: topic}
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		f.Payload = b
	}
	require.NoError(t, ws.WriteJSON(f))
}

func errorCode(t *testing.T, f Frame) string {
	t.Helper()
	require.Equal(t, FrameError, f.Type)
	var msg instrument.ErrorMessage
	require.NoError(t, json.Unmarshal(f.Payload, &msg))
	return msg.Code
}

func requirePolicyClose(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestRealtime_SubscribeAndUpdate(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	watcher := dialWS(t, srv, editorEmail)
	sendFrame(t, watcher, FrameSubscribe, "/documents/7", nil)
	f := readFrame(t, watcher)
	require.Equal(t, FrameSubscribed, f.Type)
	require.Equal(t, "documents/7", f.Topic)
	sendFrame(t, watcher, FrameSubscribe, "documents/7/changes", nil)
	require.Equal(t, FrameSubscribed, readFrame(t, watcher).Type)

	writer := dialWS(t, srv, editorEmail)
	expected := int64(0)
	sendFrame(t, writer, FrameUpdate, "", map[string]interface{}{
		"ownerId":         7,
		"snapshot":        map[string]interface{}{"slides": []interface{}{}},
		"expectedVersion": expected,
		"originatorTag":   "tab-1",
		"summary":         "cleared slides",
	})

	f = readFrame(t, watcher)
	require.Equal(t, FrameMessage, f.Type)
	require.Equal(t, "documents/7", f.Topic)
	var b instrument.Broadcast
	require.NoError(t, json.Unmarshal(f.Payload, &b))
	require.Equal(t, int64(1), b.Version)
	require.Equal(t, "tab-1", b.OriginatorTag)
	require.Equal(t, editorEmail, b.Actor)
	require.JSONEq(t, `{"slides":[]}`, string(b.Snapshot))

	f = readFrame(t, watcher)
	require.Equal(t, "documents/7/changes", f.Topic)
	var entry instrument.ChangeLogEntry
	require.NoError(t, json.Unmarshal(f.Payload, &entry))
	require.Equal(t, "cleared slides", entry.Summary)

	// the same expected version again conflicts and only the writer hears about it
	sendFrame(t, writer, FrameUpdate, "", map[string]interface{}{
		"ownerId":         7,
		"snapshot":        map[string]interface{}{"slides": []interface{}{1}},
		"expectedVersion": expected,
	})
	require.Equal(t, instrument.CodeVersionConflict, errorCode(t, readFrame(t, writer)))

	doc, err := h.docs.GetByOwner(context.Background(), editedClass)
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Version)
}

func TestRealtime_AnonymousSubscribeClosesConnection(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ws := dialWS(t, srv, "")
	sendFrame(t, ws, FrameSubscribe, "documents/7", nil)
	require.Equal(t, instrument.CodeUnauthenticated, errorCode(t, readFrame(t, ws)))
	requirePolicyClose(t, ws)
	require.Equal(t, 0, h.hub.Subscribers("documents/7"))
}

func TestRealtime_ForbiddenSubscribeClosesConnection(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ws := dialWS(t, srv, outsiderEmail)
	sendFrame(t, ws, FrameSubscribe, "documents/7", nil)
	require.Equal(t, instrument.CodeForbidden, errorCode(t, readFrame(t, ws)))
	requirePolicyClose(t, ws)
}

func TestRealtime_AnonymousUpdateGetsPrivateError(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ws := dialWS(t, srv, "")
	sendFrame(t, ws, FrameUpdate, "", map[string]interface{}{"ownerId": 7, "snapshot": map[string]interface{}{}})
	f := readFrame(t, ws)
	require.Equal(t, realtime.ErrorQueue, f.Queue)
	require.Equal(t, instrument.CodeUnauthenticated, errorCode(t, f))

	// the connection stays usable
	sendFrame(t, ws, "bogus", "", nil)
	require.Equal(t, instrument.CodeUpdateFailed, errorCode(t, readFrame(t, ws)))
}

func TestRealtime_ConnectionCleanup(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ws := dialWS(t, srv, editorEmail)
	sendFrame(t, ws, FrameSubscribe, "documents/7", nil)
	require.Equal(t, FrameSubscribed, readFrame(t, ws).Type)
	require.Equal(t, 1, h.binder.Len())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		return h.binder.Len() == 0 && h.hub.Subscribers("documents/7") == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	require.Nil(t, originChecker(nil))

	check := originChecker([]string{"https://app.obeci.test/"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	require.True(t, check(req("https://APP.obeci.test")))
	require.True(t, check(req("")))
	require.False(t, check(req("https://evil.test")))
	require.True(t, originChecker([]string{"*"})(req("https://evil.test")))
}
