package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"trackgate/pkg/api"
	"trackgate/pkg/config"
	"trackgate/pkg/gateway"
	"trackgate/pkg/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/trackgate.yaml)")
	addr       = flag.String("addr", "", "HTTP 监听地址，覆盖 server.addr")
	logLevel   = flag.String("log-level", "", "日志级别 (debug, info, warn, error)，覆盖 log.level")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger.Init(cfg.Log)
	log := logger.WithComponent("main")
	gin.SetMode(cfg.Server.Mode)

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		log.WithError(err).Fatal("创建网关失败")
	}
	gw.Start()

	server := api.NewServer(gw, gw.MetricsRegistry())
	if err := server.Start(cfg.Server.Addr); err != nil {
		log.WithError(err).Fatal("启动 HTTP 服务失败")
	}
	log.WithField("providers", gw.Providers()).Info("TrackGate 已启动")

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("收到退出信号，正在关闭...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.WithError(err).Error("关闭 HTTP 服务失败")
	}
	if err := gw.Stop(ctx); err != nil {
		log.WithError(err).Error("关闭网关失败")
	}
	log.Info("已退出")
}
