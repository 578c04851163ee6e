package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zk/snapreport/internal/gui"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/tree"
)

func newBuilder(t *testing.T) *tree.Builder {
	t.Helper()
	b := tree.NewBuilder(nil)
	for _, r := range []tree.TestResult{
		{TestPath: []string{"A", "b"}, BrowserID: "chrome", ResultData: tree.ResultData{Status: tree.StatusSuccess}},
		{TestPath: []string{"A", "c"}, BrowserID: "chrome", ResultData: tree.ResultData{Status: tree.StatusSkipped, SkipReason: "flaky"}},
	} {
		_, err := b.AddTestResult(r)
		require.NoError(t, err)
	}
	return b
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s := New(Options{Source: newBuilder(t)})
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_Tree(t *testing.T) {
	s := New(Options{Source: newBuilder(t)})
	rec := get(t, s.Handler(), "/api/tree")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got tree.Tree
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"A"}, got.Suites.AllRootIDs)
	assert.Len(t, got.Results.AllIDs, 2)
}

func TestServer_Summary(t *testing.T) {
	b := newBuilder(t)
	s := New(Options{Source: TreeFunc(b.Tree)})
	rec := get(t, s.Handler(), "/api/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var got tree.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Stats.Total)
	assert.Equal(t, 1, got.Stats.Passed)
	assert.Equal(t, []tree.Skip{{Browser: "chrome", Suite: "A c", Comment: "flaky"}}, got.Skips)
}

func TestServer_Branch(t *testing.T) {
	s := New(Options{Source: newBuilder(t)})

	rec := get(t, s.Handler(), "/api/results/"+url.PathEscape("A b chrome 0"))
	require.Equal(t, http.StatusOK, rec.Code)
	var branch tree.Branch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branch))
	assert.Equal(t, "A b chrome 0", branch.Result.ID)
	require.Len(t, branch.Suites, 2)
	assert.Equal(t, "A", branch.Suites[0].ID)

	rec = get(t, s.Handler(), "/api/results/"+url.PathEscape("A b chrome 5"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s.Handler(), "/api/results/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed result ids are rejected")
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.ResultProcessed("success")
	s := New(Options{Source: newBuilder(t), Metrics: m})

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapreport_results_processed_total")
}

func TestServer_CORS(t *testing.T) {
	s := New(Options{Source: newBuilder(t), AllowedOrigins: []string{"http://viewer.example"}})

	req := httptest.NewRequest(http.MethodGet, "/api/tree", nil)
	req.Header.Set("Origin", "http://viewer.example")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/tree", nil)
	req.Header.Set("Origin", "http://other.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_EventsWithoutBroadcaster(t *testing.T) {
	s := New(Options{Source: newBuilder(t)})
	rec := get(t, s.Handler(), "/api/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EventStream(t *testing.T) {
	events := gui.NewBroadcaster(8, nil)
	s := New(Options{Source: newBuilder(t), Events: events})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	events.Emit(gui.ClientEvent{Type: gui.EventBeginSuite, Data: &gui.BeginSuite{SuiteID: "A", Status: tree.StatusRunning}})
	events.Emit(gui.ClientEvent{Type: gui.EventEnd})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first map[string]interface{}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "BEGIN_SUITE", first["type"])

	var second map[string]interface{}
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "END", second["type"])

	// closing the broadcaster ends the stream
	events.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServer_UnsubscribesWhenClientLeaves(t *testing.T) {
	events := gui.NewBroadcaster(8, nil)
	s := New(Options{Source: newBuilder(t), Events: events})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return events.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type fakeAcceptor struct {
	accepted []string
	err      error
}

func (f *fakeAcceptor) Accept(ctx context.Context, resultID, stateName string) (*tree.Branch, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.accepted = append(f.accepted, resultID+"/"+stateName)
	return &tree.Branch{Result: &tree.Result{ID: resultID}}, nil
}

func (f *fakeAcceptor) UndoAccept(ctx context.Context, resultID, stateName string) (*gui.UndoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gui.UndoResult{RemovedResult: resultID}, nil
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestServer_Accept(t *testing.T) {
	acceptor := &fakeAcceptor{}
	s := New(Options{Source: newBuilder(t), Acceptor: acceptor})

	rec := post(t, s.Handler(), "/api/accept", `{"resultId":"A b chrome 0","stateName":"plain"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var branch tree.Branch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branch))
	assert.Equal(t, "A b chrome 0", branch.Result.ID)
	assert.Equal(t, []string{"A b chrome 0/plain"}, acceptor.accepted)

	rec = post(t, s.Handler(), "/api/undo-accept", `{"resultId":"A b chrome 1","stateName":"plain"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var undo gui.UndoResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &undo))
	assert.Equal(t, "A b chrome 1", undo.RemovedResult)

	rec = post(t, s.Handler(), "/api/accept", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AcceptErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", tree.ErrInvalidResultID), http.StatusBadRequest},
		{fmt.Errorf("%w: x", tree.ErrUnknownResult), http.StatusNotFound},
		{fmt.Errorf("%w: x", tree.ErrUnknownImage), http.StatusNotFound},
		{fmt.Errorf("%w: x", gui.ErrNotAccepted), http.StatusConflict},
		{gui.ErrStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := New(Options{Source: newBuilder(t), Acceptor: &fakeAcceptor{err: tt.err}})
			rec := post(t, s.Handler(), "/api/undo-accept", `{"resultId":"A b chrome 0","stateName":"plain"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_AcceptWithoutAcceptor(t *testing.T) {
	s := New(Options{Source: newBuilder(t)})
	rec := post(t, s.Handler(), "/api/accept", `{"resultId":"A b chrome 0","stateName":"plain"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
