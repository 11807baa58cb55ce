package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketdash/internal/model"
)

type fakeSelector struct {
	mu    sync.Mutex
	view  model.View
	calls []model.SelectionKey
}

func (f *fakeSelector) Select(symbol, interval string) error {
	key, err := model.NewSelectionKey(symbol, interval)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeSelector) View() model.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeSelector) selected() []model.SelectionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SelectionKey(nil), f.calls...)
}

type fakeStore struct {
	views map[model.SelectionKey]*model.View
	err   error
}

func (s *fakeStore) LatestView(_ context.Context, key model.SelectionKey) (*model.View, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.views[key], nil
}

func activeView() model.View {
	return model.View{
		Symbol:     "BTCUSDT",
		Interval:   "1m",
		Bars:       model.Series{{OpenTime: 60_000, CloseTime: 119_999, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3}},
		Indicators: map[string][]*float64{},
		Seq:        7,
		UpdatedAt:  time.Now().UTC(),
	}
}

func newTestServer(t *testing.T, store ViewStore) (*httptest.Server, *Hub, *fakeSelector) {
	t.Helper()
	sel := &fakeSelector{view: activeView()}
	hub := NewHub(sel)
	mux := http.NewServeMux()
	opts := Options{
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Intervals: []string{"1m", "5m"},
		Default:   model.SelectionKey{Symbol: "BTCUSDT", Interval: "1m"},
	}
	RegisterRoutes(mux, hub, store, opts)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub, sel
}

func TestViewEndpoint_Active(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/view")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var v model.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Symbol != "BTCUSDT" || v.Seq != 7 || len(v.Bars) != 1 {
		t.Errorf("view = %+v", v)
	}
}

func TestViewEndpoint_OtherSelection(t *testing.T) {
	other := model.SelectionKey{Symbol: "ETHUSDT", Interval: "5m"}
	store := &fakeStore{views: map[model.SelectionKey]*model.View{
		other: {Symbol: "ETHUSDT", Interval: "5m", Seq: 3},
	}}
	srv, _, _ := newTestServer(t, store)

	cases := []struct {
		query string
		code  int
	}{
		{"?symbol=ethusdt&interval=5m", http.StatusOK},
		{"?symbol=SOLUSDT&interval=5m", http.StatusNotFound},
		{"?symbol=BTCUSDT&interval=1m", http.StatusOK},
		{"?symbol=BTCUSDT&interval=7m", http.StatusBadRequest},
		{"?symbol=&interval=1m", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + "/api/view" + tc.query)
		if err != nil {
			t.Fatalf("get %s: %v", tc.query, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Errorf("%s: status = %d, want %d", tc.query, resp.StatusCode, tc.code)
		}
	}
}

func TestViewEndpoint_StoreError(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeStore{err: errors.New("redis down")})

	resp, err := http.Get(srv.URL + "/api/view?symbol=ETHUSDT&interval=1m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestSelectEndpoint(t *testing.T) {
	srv, _, sel := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/select", "application/json",
		strings.NewReader(`{"symbol":"ethusdt","interval":"5m"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var ack SelectResponse
	json.NewDecoder(resp.Body).Decode(&ack)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	want := model.SelectionKey{Symbol: "ETHUSDT", Interval: "5m"}
	if ack.Selection != want {
		t.Errorf("ack selection = %v, want %v", ack.Selection, want)
	}
	if got := sel.selected(); len(got) != 1 || got[0] != want {
		t.Errorf("selected = %v", got)
	}

	for _, body := range []string{`{"symbol":"ETHUSDT","interval":"2m"}`, `not json`} {
		resp, err := http.Post(srv.URL+"/api/select", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
	}
	if got := sel.selected(); len(got) != 1 {
		t.Errorf("invalid requests reached the session: %v", got)
	}

	resp, err = http.Get(srv.URL + "/api/select")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestOptionsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/options")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
	var opts Options
	if err := json.NewDecoder(resp.Body).Decode(&opts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(opts.Symbols) != 2 || opts.Default.Symbol != "BTCUSDT" {
		t.Errorf("options = %+v", opts)
	}
}

// readEnvelopes reads one frame and splits coalesced messages.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []map[string]json.RawMessage
	for _, part := range bytes.Split(data, []byte{'\n'}) {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(part, &env); err != nil {
			t.Fatalf("decode envelope %q: %v", part, err)
		}
		out = append(out, env)
	}
	return out
}

func typeOf(env map[string]json.RawMessage) string {
	var s string
	json.Unmarshal(env["type"], &s)
	return s
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_InitialViewThenBroadcast(t *testing.T) {
	srv, hub, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	views := make(chan *model.View, 1)
	go hub.Run(ctx, views)

	conn := dial(t, srv)
	envs := readEnvelopes(t, conn)
	if typeOf(envs[0]) != "view" || string(envs[0]["initial"]) != "true" {
		t.Fatalf("first envelope = %v", envs[0])
	}
	var initial model.View
	if err := json.Unmarshal(envs[0]["data"], &initial); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if initial.Seq != 7 {
		t.Errorf("initial seq = %d, want 7", initial.Seq)
	}
	waitClients(t, hub, 1)

	next := activeView()
	next.Seq = 8
	views <- &next

	envs = readEnvelopes(t, conn)
	last := envs[len(envs)-1]
	var got model.View
	if err := json.Unmarshal(last["data"], &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got.Seq != 8 {
		t.Errorf("broadcast seq = %d, want 8", got.Seq)
	}
	if _, ok := last["initial"]; ok {
		t.Error("broadcast envelope marked initial")
	}
	if hub.Ages.Count() != 1 {
		t.Errorf("age samples = %d, want 1", hub.Ages.Count())
	}
}

func TestWebSocket_SelectAction(t *testing.T) {
	srv, hub, sel := newTestServer(t, nil)
	conn := dial(t, srv)
	readEnvelopes(t, conn)
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(SelectRequest{Action: "select", Symbol: "solusdt", Interval: "15m"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sel.selected()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("select action never reached the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := model.SelectionKey{Symbol: "SOLUSDT", Interval: "15m"}
	if got := sel.selected()[0]; got != want {
		t.Errorf("selected = %v, want %v", got, want)
	}

	conn.WriteJSON(SelectRequest{Action: "select", Symbol: "SOLUSDT", Interval: "9m"})
	envs := readEnvelopes(t, conn)
	if typeOf(envs[0]) != "error" {
		t.Errorf("envelope type = %q, want error", typeOf(envs[0]))
	}
}

func TestWebSocket_DisconnectRemovesClient(t *testing.T) {
	srv, hub, _ := newTestServer(t, nil)
	var counts []int
	var mu sync.Mutex
	hub.OnClients = func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}

	conn := dial(t, srv)
	readEnvelopes(t, conn)
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Errorf("OnClients counts = %v, want [1 0]", counts)
	}
}

func TestAgeTracker_Percentiles(t *testing.T) {
	a := NewAgeTracker(4)
	if p50, _, _ := a.Percentiles(); p50 != 0 {
		t.Errorf("empty p50 = %v", p50)
	}
	for _, ms := range []int{10, 20, 30, 40, 50} {
		a.Record(time.Duration(ms) * time.Millisecond)
	}
	a.Record(-time.Second)

	if a.Count() != 4 {
		t.Fatalf("count = %d, want 4 (ring capacity)", a.Count())
	}
	p50, _, p99 := a.Percentiles()
	// Ring holds 20..50 after the first sample is overwritten.
	if p50 != 35 {
		t.Errorf("p50 = %v, want 35", p50)
	}
	if p99 < 49 || p99 > 50 {
		t.Errorf("p99 = %v, want ~50", p99)
	}
}

func TestBuildEnvelope(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := string(buildEnvelope([]byte(`{"a":1}`), ts, 9, true))
	want := `{"type":"view","data":{"a":1},"ts":"2024-01-02T03:04:05Z","seq":9,"initial":true}`
	if got != want {
		t.Errorf("envelope = %s\nwant %s", got, want)
	}
}
