package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-scraper/internal/broadcast"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	return string(msg)
}

func TestWebsocketReceivesBroadcasts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return env.coord.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	report := env.coord.Publish(context.Background(), scrape.Result{Payload: `[{"n":1}]`})
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, `[{"n":1}]`, readText(t, conn))

	env.coord.Publish(context.Background(), scrape.Result{Payload: `[{"n":2}]`})
	require.Equal(t, `[{"n":2}]`, readText(t, conn))
}

func TestWebsocketConnectLoggedOnce(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	coord := broadcast.NewCoordinator(
		broadcast.NewCache(), broadcast.NewRegistry(),
		broadcast.Config{SendTimeout: time.Second}, logger.Named("broadcast"),
	)
	server := NewServer(coord, &fakeTriggerer{}, &fakeState{}, &seqIDGen{}, clockwork.NewRealClock(), testConfig(), logger)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return coord.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("subscriber connected").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		return logs.FilterMessage("subscriber connected").Len() > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestWebsocketCatchUpOnConnect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.coord.Publish(context.Background(), scrape.Result{Payload: `[{"cached":true}]`})

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws")
	require.Equal(t, `[{"cached":true}]`, readText(t, conn))
}

func TestWebsocketEmptyCacheSendsNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return env.coord.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestWebsocketClientCloseUnregisters(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return env.coord.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return env.coord.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWorkflowPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	env.coord.Publish(context.Background(), scrape.Result{Payload: "[]"})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connect/other")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn := dial(t, srv, "/connect/National_Debt")
	require.Equal(t, "[]", readText(t, conn))
}

func TestPlainRequestToWebsocketEndpointFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	rec := env.do(http.MethodGet, "/ws", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, env.coord.Subscribers())
}

func TestWSSubscriberDropsStaleResults(t *testing.T) {
	t.Parallel()

	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	client := dial(t, srv, "/")
	serverConn := <-conns
	sub := newWSSubscriber("s", serverConn, clockwork.NewRealClock(), time.Second)
	defer sub.close()

	ctx := context.Background()
	require.NoError(t, sub.Send(ctx, scrape.Result{Seq: 2, Payload: "b"}))
	require.NoError(t, sub.Send(ctx, scrape.Result{Seq: 1, Payload: "a"}))
	require.NoError(t, sub.Send(ctx, scrape.Result{Seq: 2, Payload: "b"}))
	require.NoError(t, sub.Send(ctx, scrape.Result{Seq: 3, Payload: "c"}))

	require.Equal(t, "b", readText(t, client))
	require.Equal(t, "c", readText(t, client))
}

func TestWSSubscriberSendFailsAfterClose(t *testing.T) {
	t.Parallel()

	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	dial(t, srv, "/")
	sub := newWSSubscriber("s", <-conns, clockwork.NewRealClock(), time.Second)
	sub.close()
	sub.close()

	require.Error(t, sub.Send(context.Background(), scrape.Result{Seq: 1, Payload: "x"}))
}

func TestUpgraderOriginCheck(t *testing.T) {
	t.Parallel()

	open := newUpgrader(nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	require.True(t, open.CheckOrigin(req))

	restricted := newUpgrader([]string{"https://app.example/"})
	require.False(t, restricted.CheckOrigin(req))
	req.Header.Set("Origin", "https://APP.example")
	require.True(t, restricted.CheckOrigin(req))
}
