package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/chenxilol/duplexhub/configs"
	"github.com/chenxilol/duplexhub/internal/metrics"
	"github.com/chenxilol/duplexhub/server"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "监听端口，非0时覆盖配置中的端口")
)

func main() {
	flag.Parse()

	cfg, v, err := configs.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Addr = overridePort(cfg.Server.Addr, *port)
	}

	var level slog.LevelVar
	level.Set(configs.ParseLogLevel(cfg.Log.Level))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level})))
	slog.Info("logger initialized", "level", level.Level().String())

	metrics.Default()

	srv, err := server.NewServer(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if *configFile != "" {
		configs.SetupConfigHotReload(v, func(c configs.Config) {
			level.Set(configs.ParseLogLevel(c.Log.Level))
			srv.ApplyConfig(c)
		})
	}

	if err := srv.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// overridePort 保留配置中的主机部分，只替换端口
func overridePort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}
