package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"preorder/internal/auth"
	"preorder/internal/catalog"
	"preorder/internal/config"
	"preorder/internal/database"
	"preorder/internal/inventory"
	"preorder/internal/order"
	"preorder/internal/payment"
	"preorder/internal/queue"
	"preorder/internal/router"
	"preorder/internal/slot"
	pkgredis "preorder/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

const paymentLockTTL = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	// 1. 数据库：自动建表并初始化管理员
	db, err := database.Open(cfg)
	if err != nil {
		log.Error("db_open_failed", "error", err)
		os.Exit(1)
	}
	dir := auth.NewDirectory(db, cfg.JWTSecret, log)
	if err := dir.EnsureAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Error("admin_seed_failed", "error", err)
		os.Exit(1)
	}

	// 2. Redis：支付锁、限流、订单事件流
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 订单事件：先写 Redis Stream，Relay 转发到 Kafka，Consumer 发通知
	var events queue.Publisher = queue.NopPublisher{}
	var workers sync.WaitGroup
	if cfg.EventsEnabled {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, log)
		defer consumer.Close()
		relay := queue.NewRelay(rdb, producer, log, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)

		events = queue.NewStreamPublisher(rdb, cfg.OrderEventStream)
		workers.Add(2)
		go func() { defer workers.Done(); relay.Run(ctx) }()
		go func() { defer workers.Done(); consumer.Run(ctx) }()
	}

	gateway := payment.NewPaynowGateway(cfg.Gateway)
	lock := pkgredis.NewPaymentLock(rdb, paymentLockTTL)

	if strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Config:    cfg,
		Log:       log,
		Redis:     rdb,
		Directory: dir,
		Catalog:   catalog.New(db, log),
		Ledger:    inventory.NewLedger(db, log),
		Slots:     slot.NewAllocator(db, events, log),
		Orders:    order.NewService(db, events, log, order.WithStockConsumption(cfg.ConsumeStockOnConfirm)),
		Payments:  payment.NewService(db, gateway, lock, events, log),
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http_listen", "addr", cfg.HTTPAddr, "events", cfg.EventsEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_serve_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http_shutdown_failed", "error", err)
	}
	workers.Wait()
	log.Info("shutdown_complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
