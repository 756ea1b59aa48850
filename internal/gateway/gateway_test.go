package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdgate/mdgate/internal/config"
	"github.com/mdgate/mdgate/pkg/md"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:              "127.0.0.1",
			Port:              8014,
			OutboxSize:        256,
			ReconcileInterval: 30 * time.Second,
			RestartInterval:   60 * time.Second,
		},
		Brokers: []config.BrokerConfig{
			{Name: "sim-futures", Source: "ctp", Driver: "sim", UserID: "u", Password: "p", BrokerID: "9999"},
			{Name: "sim-qq", Source: "qq", Driver: "sim"},
		},
	}
}

// startGateway wires the gateway onto an httptest server so the listen
// address is ephemeral.
func startGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	g, err := New(cfg, nil)
	require.NoError(t, err)

	g.dist.Start()
	t.Cleanup(g.dist.Stop)
	for _, a := range g.adapters {
		a.Start()
		t.Cleanup(a.Stop)
	}
	g.applyDefaultSubscriptions()

	srv := httptest.NewServer(g.srv.Handler)
	t.Cleanup(srv.Close)
	return g, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestDuplicateSourceRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Brokers = append(cfg.Brokers, config.BrokerConfig{Name: "again", Source: "ctp", Driver: "sim"})
	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "already served")
}

func TestHealthz(t *testing.T) {
	_, srv := startGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := startGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadSourceParamRejected(t *testing.T) {
	_, srv := startGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/ws/market?source=bloomberg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndToEndMarketDataFlow(t *testing.T) {
	_, srv := startGateway(t, testConfig())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/market"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Greeting first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Session ID")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe","payload":{"instruments":["au2212"]}}`)))

	// Expect the confirmation, then ticks in both dialects from the
	// simulator feed.
	var sawLegacy, sawPlatform bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(sawLegacy && sawPlatform) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe struct {
			Type string `json:"type"`
			Aid  string `json:"aid"`
		}
		require.NoError(t, json.Unmarshal(data, &probe))
		switch {
		case probe.Type == "market_data":
			sawLegacy = true
			assert.Contains(t, string(data), `"instrument_id":"au2212"`)
		case probe.Aid == "rtn_data":
			sawPlatform = true
			assert.Contains(t, string(data), `"au2212"`)
		}
	}
	assert.True(t, sawLegacy, "no legacy frame received")
	assert.True(t, sawPlatform, "no platform frame received")
}

func TestSourceRouting(t *testing.T) {
	g, srv := startGateway(t, testConfig())

	// The qq path serves the equity adapter; numeric codes are padded.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/qq/market"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage() // greeting
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"aid":"subscribe_quote","ins_list":"600"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "000600")

	waitFor(t, func() bool {
		demand := g.dist.AllSubscriptions()
		codes, ok := demand[md.SourceQQ]
		return ok && len(codes) == 1 && codes[0] == "000600"
	}, "equity demand not recorded")
}

func TestReconcileConvergesAdapters(t *testing.T) {
	cfg := testConfig()
	cfg.Subscriptions = map[string][]string{"ctp": {"SHFE.au2212"}}
	g, _ := startGateway(t, cfg)

	// Startup defaults are normalized and applied.
	waitFor(t, func() bool {
		subs := g.adapters[md.SourceCTP].Subscriptions()
		return len(subs) == 1 && subs[0] == "au2212"
	}, "default subscription not applied")

	// An instrument subscribed outside the demand union is released on
	// the next reconcile pass.
	g.adapters[md.SourceCTP].Subscribe([]string{"zz9999"})
	waitFor(t, func() bool {
		return len(g.adapters[md.SourceCTP].Subscriptions()) == 2
	}, "extra subscription not applied")

	g.reconcile()
	waitFor(t, func() bool {
		subs := g.adapters[md.SourceCTP].Subscriptions()
		return len(subs) == 1 && subs[0] == "au2212"
	}, "reconcile did not release extra instrument")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
