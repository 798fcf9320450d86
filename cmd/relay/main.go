package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/typing"
	"github.com/whisper/relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.Debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	log.Printf("Whisper relay starting")
	cfg.Print()

	// Everything that must be closed after the server stops.
	var closers []func() error

	routerConfig := relay.DefaultConfig()
	routerConfig.CloseSuperseded = cfg.CloseSuperseded
	routerConfig.Debug = cfg.Debug

	typingStore := typing.NewStore(nil, cfg.TypingTTL)
	router := relay.NewRouter(routerConfig, presence.NewRegistry(), typingStore)

	if cfg.JWTSecret != "" {
		router.SetVerifier(auth.NewJWTVerifier([]byte(cfg.JWTSecret)))
	}

	// --- Redis: presence mirror + rate limiting ---
	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if n, err := store.ClearServer(ctx); err != nil {
			log.Printf("[session] failed to clear stale presence: %v", err)
		} else if n > 0 {
			log.Printf("[session] cleared %d stale presence rows for server=%s", n, cfg.ServerName)
		}
		cancel()

		router.AddObserver(store)
		router.SetLimiter(ratelimit.NewLimiter(store.Client()))
		closers = append(closers, store.Close)
	}

	// --- Event tap ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "relay-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		router.AddObserver(messaging.NewEventPublisher(natsClient, cfg.ServerName))
		closers = append(closers, natsClient.Close)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		router.AddObserver(messaging.NewEventPublisher(kafkaPub, cfg.ServerName))
		closers = append(closers, kafkaPub.Close)
	}

	dispatcher := ws.NewMessageDispatcher(cfg.Debug)
	dispatcher.RegisterAll(func(conn *ws.Connection, msg interface{}) {
		router.HandleEvent(conn, msg)
	})

	server := ws.NewServer(cfg.Server, dispatcher.Dispatch)
	server.SetOnDisconnect(func(conn *ws.Connection) {
		router.HandleDisconnect(conn)
	})
	server.Handle("/presence", router.PresenceHandler())
	server.Handle("/typing", router.TypingHandler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return typingStore.Run(gctx, cfg.TypingSweep) })
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("initiating graceful shutdown...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	for _, closeFn := range closers {
		err = multierr.Append(err, closeFn())
	}
	if err != nil {
		log.Printf("shutdown error: %v", err)
		os.Exit(1)
	}
	log.Printf("relay stopped")
}
