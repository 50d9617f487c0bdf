// Package server 提供 /echo、/chat 两个 WebSocket 端点以及 /metrics、/health
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chenxilol/duplexhub/configs"
	"github.com/chenxilol/duplexhub/internal/auth"
	"github.com/chenxilol/duplexhub/internal/bus"
	hubnats "github.com/chenxilol/duplexhub/internal/bus/nats"
	"github.com/chenxilol/duplexhub/internal/bus/noop"
	hubredis "github.com/chenxilol/duplexhub/internal/bus/redis"
	"github.com/chenxilol/duplexhub/internal/chat"
	"github.com/chenxilol/duplexhub/internal/echo"
	"github.com/chenxilol/duplexhub/internal/hub"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/chenxilol/duplexhub/internal/session"
	internalwebsocket "github.com/chenxilol/duplexhub/internal/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	endpointEcho = "echo"
	endpointChat = "chat"
)

type Server struct {
	mu     sync.RWMutex
	config configs.Config

	authService auth.Authenticator
	messageBus  bus.MessageBus
	hub         *hub.Hub
	pipeline    *echo.Pipeline
	upgrader    *websocket.Upgrader
	httpServer  *http.Server
	listener    net.Listener
	mux         *http.ServeMux

	// 会话的生命周期跟随服务器，Shutdown 时取消
	ctx    context.Context
	cancel context.CancelFunc

	connMu       sync.Mutex
	shuttingDown bool
	conns        sync.WaitGroup
}

func NewServer(cfg configs.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		upgrader: internalwebsocket.NewUpgrader(cfg.Server.Upgrader),
		pipeline: echo.NewPipeline(cfg.Echo, nil),
		mux:      http.NewServeMux(),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := s.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	s.routes()
	return s, nil
}

func (s *Server) initComponents() error {
	var opts []hub.Option
	if s.config.Cluster.Enabled {
		messageBus, err := createMessageBus(s.config.Cluster)
		if err != nil {
			return fmt.Errorf("failed to create message bus: %w", err)
		}
		s.messageBus = messageBus
		opts = append(opts, hub.WithBus(messageBus))
		slog.Info("cluster relay enabled", "bus_type", s.config.Cluster.BusType)
	}

	if s.config.Auth.Enabled {
		s.authService = auth.NewJWTService(s.config.Auth.SecretKey, s.config.Auth.Issuer)
	}

	s.hub = hub.New(s.config.Hub, opts...)
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/echo", s.handleEcho)
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Hub() *hub.Hub {
	return s.hub
}

func (s *Server) Config() configs.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// ApplyConfig 应用热更新后的配置，只有欢迎消息在运行时生效
func (s *Server) ApplyConfig(cfg configs.Config) {
	s.mu.Lock()
	s.config.Hub.WelcomeMessage = cfg.Hub.WelcomeMessage
	s.config.Log = cfg.Log
	s.mu.Unlock()

	s.hub.SetWelcome(cfg.Hub.WelcomeMessage)
}

// Start 监听地址并在后台处理请求
func (s *Server) Start() error {
	addr := s.Config().Server.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting duplexhub server", "address", ln.Addr().String(), "version", s.Config().Version)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr 返回实际监听地址，Start 之前为空
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown 停止接收新连接，关闭全部会话、广播中心和消息总线
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down duplexhub server")

	s.connMu.Lock()
	s.shuttingDown = true
	s.connMu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.cancel()
	if cerr := s.hub.Close(); cerr != nil {
		slog.Error("failed to close hub", "error", cerr)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("sessions still running at shutdown deadline")
	}

	if s.messageBus != nil {
		if cerr := s.messageBus.Close(); cerr != nil {
			slog.Error("failed to close message bus", "error", cerr)
		}
	}
	return err
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.accept(w, r, endpointEcho, auth.PermEcho)
	if !ok {
		return
	}
	defer s.conns.Done()

	if err := echo.Serve(sess.Context(), sess, s.pipeline); err != nil {
		slog.Info("echo session ended with error", "client_id", sess.ID(), "error", err)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.accept(w, r, endpointChat, auth.PermChat)
	if !ok {
		return
	}
	defer s.conns.Done()

	capacity := s.Config().Hub.QueueCapacity
	if err := chat.Serve(sess.Context(), sess, s.hub, capacity); err != nil {
		slog.Info("chat session ended with error", "client_id", sess.ID(), "error", err)
	}
}

// accept 登记、认证并升级连接，成功时返回已打开的会话，调用方负责 conns.Done
func (s *Server) accept(w http.ResponseWriter, r *http.Request, endpoint string, perm auth.Permission) (*session.Session, bool) {
	if !s.trackConn() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, false
	}
	accepted := false
	defer func() {
		if !accepted {
			s.conns.Done()
		}
	}()

	claims, ok := s.authenticate(w, r, perm)
	if !ok {
		return nil, false
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err, "remoteAddr", r.RemoteAddr, "endpoint", endpoint)
		metrics.RecordError()
		return nil, false
	}

	clientID := generateClientID(claims)
	cfg := s.Config().Server.Session
	sess, err := session.Open(s.ctx, clientID, internalwebsocket.NewGorillaConn(conn), cfg, func(id string) {
		metrics.ClientDisconnected(endpoint)
		slog.Info("client disconnected", "client_id", id, "endpoint", endpoint)
	})
	if err != nil {
		slog.Error("failed to open session", "error", err, "client_id", clientID)
		_ = conn.Close()
		return nil, false
	}

	accepted = true
	metrics.ClientConnected(endpoint)
	slog.Info("client connected",
		"client_id", clientID,
		"endpoint", endpoint,
		"authenticated", claims != nil,
		"username", getUsername(claims),
		"remoteAddr", r.RemoteAddr)
	return sess, true
}

// trackConn 在升级前登记连接，Shutdown 开始后拒绝
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.conns.Add(1)
	return true
}

// authenticate 未启用认证时放行；启用时校验令牌和端点权限
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*auth.TokenClaims, bool) {
	if s.authService == nil {
		return nil, true
	}

	token := auth.TokenFromRequest(r)
	if token == "" {
		if !s.Config().Auth.AllowAnonymous {
			slog.Warn("websocket connection attempt without token", "remoteAddr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Token required", http.StatusUnauthorized)
			metrics.RecordAuthFailure()
			return nil, false
		}
		return nil, true
	}

	claims, err := s.authService.Authenticate(r.Context(), token)
	if err != nil {
		slog.Warn("websocket authentication failed", "error", err, "remoteAddr", r.RemoteAddr)
		http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
		metrics.RecordAuthFailure()
		return nil, false
	}
	if !claims.Has(perm) {
		slog.Warn("permission denied", "user_id", claims.UserID, "permission", perm)
		http.Error(w, "Forbidden", http.StatusForbidden)
		metrics.RecordAuthFailure()
		return nil, false
	}

	metrics.RecordAuthSuccess()
	return claims, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]any{
		"status":      "ok",
		"version":     s.Config().Version,
		"node_id":     s.hub.NodeID(),
		"subscribers": s.hub.Count(),
		"time":        time.Now().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to write health check response", "error", err)
	}
}

func createMessageBus(cluster configs.Cluster) (bus.MessageBus, error) {
	switch cluster.BusType {
	case bus.TypeNATS:
		return hubnats.New(cluster.NATS)
	case bus.TypeRedis:
		return hubredis.New(cluster.Redis)
	case bus.TypeNoop, "":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cluster.BusType)
	}
}

func generateClientID(claims *auth.TokenClaims) string {
	if claims != nil && claims.UserID != "" {
		return claims.UserID + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

func getUsername(claims *auth.TokenClaims) string {
	if claims != nil && claims.Username != "" {
		return claims.Username
	}
	return "anonymous"
}
