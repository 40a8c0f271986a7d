package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kbokarius/go-oiot/v1/config"
	"github.com/kbokarius/go-oiot/v1/curator"
	"github.com/kbokarius/go-oiot/v1/metrics"
	"github.com/kbokarius/go-oiot/v1/notify"
	"github.com/kbokarius/go-oiot/v1/store"
)

var (
	redisAddr   = flag.String("redis", "127.0.0.1:6379", "Redis address")
	namespace   = flag.String("namespace", "oiot", "Key namespace in Redis")
	metricsAddr = flag.String("metrics", "", "Address for the /metrics endpoint (empty disables it)")
	natsURL     = flag.String("nats", "", "NATS URL for repair events (empty disables publishing)")
	maxJob      = flag.Duration("max-job", config.Default().MaxJobDuration, "Maximum job duration before repair")
	heartbeat   = flag.Duration("heartbeat", config.Default().HeartbeatInterval, "Heartbeat interval")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	cfg.MaxJobDuration = *maxJob
	cfg.HeartbeatInterval = *heartbeat

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	st := store.NewRedisStore(rdb, store.WithNamespace(*namespace))
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("redis unreachable: %v", err)
	}

	var opts []curator.Option
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer nc.Close()
		opts = append(opts, curator.WithBus(notify.NewNATSBus(nc)))
	}

	c, err := curator.New(st, cfg, opts...)
	if err != nil {
		log.Fatalf("curator init: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("oiot-curator %s watching redis %s namespace %q", c.ID(), *redisAddr, *namespace)
		return c.Run(gctx)
	})

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			log.Printf("metrics on http://%s/metrics", *metricsAddr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("curator exited: %v", err)
	}
	log.Println("oiot-curator stopped")
}
