package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seckill/internal/cache"
	"seckill/internal/config"
	"seckill/internal/dlock"
	"seckill/internal/idgen"
	"seckill/internal/logging"
	"seckill/internal/metrics"
	"seckill/internal/queue"
	"seckill/internal/router"
	"seckill/internal/seckill"
	"seckill/internal/store"
	"seckill/internal/voucher"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "config file (yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.AppConfig, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 数据库，自动建表
	db, err := store.Open(cfg.DB.Driver, cfg.DB.DSN, logging.NewGormLogger(log))
	if err != nil {
		return err
	}
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	// 3. 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. 下单消息传输
	transport, err := queue.New(ctx, cfg.Queue, rdb, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	// 5. 缓存与业务服务
	codec, err := cache.NewCodec(cfg.Cache.Codec)
	if err != nil {
		return err
	}
	cc := cache.New(rdb,
		cache.WithCodec(codec),
		cache.WithLogger(log),
		cache.WithMetrics(m),
		cache.WithNullTTL(cfg.Cache.NullTTL),
		cache.WithLock(10*time.Second, cfg.Cache.LockRetries, cfg.Cache.LockBackoff),
		cache.WithRefreshWorkers(cfg.Cache.RefreshWorkers, 1024),
	)
	defer cc.Close()

	vouchers := voucher.NewService(st, rdb, cc, log,
		voucher.WithStrategy(cfg.Cache.Strategy),
		voucher.WithTTL(cfg.Cache.VoucherTTL),
	)
	purchases := seckill.NewService(rdb, idgen.New(rdb), transport, st, log,
		seckill.WithServiceMetrics(m),
		seckill.WithStateTTL(cfg.Seckill.StateTTL),
	)
	materializer := seckill.NewMaterializer(transport, st,
		dlock.New(rdb, dlock.WithTTL(cfg.Seckill.OrderLockTTL)), rdb, log,
		seckill.WithMaterializerMetrics(m),
		seckill.WithNackBackoff(cfg.Seckill.NackBackoff),
		seckill.WithMaterializerStateTTL(cfg.Seckill.StateTTL),
	)

	// 6. HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	router.Setup(r, purchases, vouchers, router.Options{
		RDB:           rdb,
		Gatherer:      reg,
		Log:           logging.Component(log, "http"),
		JWTSecret:     cfg.Auth.JWTSecret,
		AdminToken:    cfg.Seckill.AdminToken,
		BuyRateLimit:  cfg.Seckill.BuyRateLimit,
		BuyRateWindow: cfg.Seckill.BuyRateWindow,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("queue", cfg.Queue.Driver).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return materializer.Run(gctx, cfg.Seckill.Workers)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
