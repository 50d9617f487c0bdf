package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chenxilol/duplexhub/configs"
	"github.com/chenxilol/duplexhub/internal/auth"
	"github.com/chenxilol/duplexhub/internal/bus"
	"github.com/chenxilol/duplexhub/internal/hub"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testConfig() configs.Config {
	cfg := configs.NewDefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Echo.NotifyInterval = time.Hour
	return cfg
}

func startTestServer(t *testing.T, cfg configs.Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialStatus(t *testing.T, ts *httptest.Server, path string, header http.Header) int {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		return http.StatusSwitchingProtocols
	}
	require.NotNil(t, resp, "dial error: %v", err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestEchoEndpoint(t *testing.T) {
	_, ts := startTestServer(t, testConfig())
	conn := dial(t, ts, "/echo", nil)

	send(t, conn, "  hello  ")
	require.Equal(t, "hello", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ignored")))
	send(t, conn, "time")
	stamp := readText(t, conn)
	_, err := time.Parse(time.RFC3339Nano, stamp)
	require.NoError(t, err, "expected timestamp, got %q", stamp)
}

func TestEchoEndpoint_Notifications(t *testing.T) {
	cfg := testConfig()
	cfg.Echo.NotifyInterval = 50 * time.Millisecond
	_, ts := startTestServer(t, cfg)
	conn := dial(t, ts, "/echo", nil)

	msg := readText(t, conn)
	require.True(t, strings.HasPrefix(msg, "You have been connected for "), msg)
	require.True(t, strings.HasSuffix(msg, " seconds!"), msg)
}

func TestChatEndpoint_Scenario(t *testing.T) {
	s, ts := startTestServer(t, testConfig())

	a := dial(t, ts, "/chat", nil)
	require.Equal(t, hub.DefaultWelcome, readText(t, a))
	b := dial(t, ts, "/chat", nil)
	require.Equal(t, hub.DefaultWelcome, readText(t, b))

	send(t, a, "hello")
	require.Equal(t, "hello", readText(t, a))
	require.Equal(t, "hello", readText(t, b))

	c := dial(t, ts, "/chat", nil)
	require.Equal(t, hub.DefaultWelcome, readText(t, c))
	require.Equal(t, 3, s.Hub().Count())

	send(t, b, "second")
	for _, conn := range []*websocket.Conn{a, b, c} {
		require.Equal(t, "second", readText(t, conn))
	}

	c.Close()
	require.Eventually(t, func() bool { return s.Hub().Count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestApplyConfig_WelcomeReload(t *testing.T) {
	s, ts := startTestServer(t, testConfig())

	cfg := s.Config()
	cfg.Hub.WelcomeMessage = "hi there"
	s.ApplyConfig(cfg)

	conn := dial(t, ts, "/chat", nil)
	require.Equal(t, "hi there", readText(t, conn))
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := startTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "dev", body["version"])
	require.NotEmpty(t, body["node_id"])

	// 产生一次连接使计数器出现在输出中
	conn := dial(t, ts, "/chat", nil)
	readText(t, conn)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	data, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "duplexhub_connections_total")
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.SecretKey = "test-secret"
	cfg.Auth.AllowAnonymous = false
	_, ts := startTestServer(t, cfg)

	jwtSvc := auth.NewJWTService(cfg.Auth.SecretKey, cfg.Auth.Issuer)
	chatOnly, err := jwtSvc.GenerateToken(context.Background(), "u1", "alice", []auth.Permission{auth.PermChat}, time.Hour)
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, dialStatus(t, ts, "/chat", nil))
	require.Equal(t, http.StatusUnauthorized, dialStatus(t, ts, "/chat?token=garbage", nil))
	require.Equal(t, http.StatusForbidden, dialStatus(t, ts, "/echo?token="+chatOnly, nil))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+chatOnly)
	conn := dial(t, ts, "/chat", header)
	require.Equal(t, hub.DefaultWelcome, readText(t, conn))
}

func TestNewServer_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Session.OverflowPolicy = "sometimes"
	_, err := NewServer(cfg)
	require.Error(t, err)
}

func TestStartAndShutdown(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	url := "ws://" + s.Addr() + "/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	// 会话随服务器关闭，客户端读到关闭
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, s.Hub().Count())
}

func TestAccept_RejectedOnceShutdownStarts(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)

	// 被拒绝的升级不会留下登记
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.False(t, s.trackConn())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	waited := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("connection counter not balanced")
	}
}

func TestClusterRelayOverRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig()
	cfg.Cluster.Enabled = true
	cfg.Cluster.BusType = bus.TypeRedis
	cfg.Cluster.Redis.Addrs = []string{mr.Addr()}
	cfg.Hub.WelcomeMessage = ""

	s1, ts1 := startTestServer(t, cfg)
	s2, ts2 := startTestServer(t, cfg)

	channel := cfg.Cluster.Redis.KeyPrefix + cfg.Hub.RelayTopic
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] >= 2
	}, 2*time.Second, 10*time.Millisecond)

	a := dial(t, ts1, "/chat", nil)
	b := dial(t, ts2, "/chat", nil)
	require.Eventually(t, func() bool {
		return s1.Hub().Count() == 1 && s2.Hub().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	send(t, a, "across nodes")
	require.Equal(t, "across nodes", readText(t, a))
	require.Equal(t, "across nodes", readText(t, b))
}

func TestCreateMessageBus(t *testing.T) {
	b, err := createMessageBus(configs.Cluster{BusType: bus.TypeNoop})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = createMessageBus(configs.Cluster{BusType: "kafka"})
	require.Error(t, err)
}
