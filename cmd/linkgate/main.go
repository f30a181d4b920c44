// cmd/linkgate/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linkgate/internal/adminapi"
	"linkgate/internal/handshake"
	"linkgate/internal/policy"
	"linkgate/internal/proxy"
	"linkgate/internal/sysinfo"
	"linkgate/pkg/config"
	"linkgate/pkg/db"
	"linkgate/pkg/events"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/logger"
	"linkgate/pkg/middleware"
	"linkgate/pkg/openapi"
	"linkgate/pkg/token"
)

var version = "dev"

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	pool := db.MustConnect(ctx, cfg, log)
	rdb := db.MustRedis(ctx, cfg, log)

	store, err := linkstore.New(ctx, cfg, linkstore.Dependencies{PG: pool, Redis: rdb}, log)
	if err != nil {
		log.Fatalw("link store", "driver", cfg.StoreDriver, "err", err)
	}

	engine, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalw("policy", "file", cfg.PolicyFile, "err", err)
	}

	bus := events.New()
	watchLinkEvents(bus, log)

	tokens := token.NewService(
		token.Key{ID: cfg.HandshakeKeyID, Secret: []byte(cfg.HandshakeSecret)},
		token.WithTTL(cfg.HandshakeTTL),
	)
	sessions := middleware.NewSessions(cfg, nil)
	if !sessions.Enabled() {
		log.Warnw("SESSION_SECRET not set, continuation will not mint sessions")
	}

	hs := handshake.NewController(cfg, tokens, store, sessions, bus, log)
	disp, err := proxy.NewDispatcher(cfg, store, engine, log)
	if err != nil {
		log.Fatalw("proxy dispatcher", "err", err)
	}
	systems := sysinfo.NewCache(cfg, log)
	admin := adminapi.New(log, store, bus, engine, sessions, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.DebugWriteHeader(log))
	r.Use(middleware.Tracing(log))

	api := apiDoc()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/.well-known/openapi.json", api.ServeHandler("linkgate", version))

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.CORS())
		hs.PublicRoutes(pr)
		pr.Group(func(cr chi.Router) {
			cr.Use(middleware.SessionAuth(cfg, sessions, log))
			hs.ClientRoutes(cr)
			disp.Routes(cr)
			systems.Routes(cr)
		})
	})
	admin.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("linkgate listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "policy", engine.Source(), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// in-flight callbacks finish their upsert before the store closes
	_ = srv.Shutdown(sctx)
	bus.WaitAsync()
	if err := store.Close(); err != nil {
		log.Warnw("link store close", "err", err)
	}
	if pool != nil {
		pool.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Infow("linkgate stopped")
}

// watchLinkEvents surfaces the acknowledgement-to-durability window in logs.
func watchLinkEvents(bus *events.Bus, log logger.Sugared) {
	_ = bus.SubscribeAsync(events.LinkPersisted, func(ev events.LinkEvent) {
		log.Infow("link durable", "handle", ev.Handle, "created", ev.Created, "at", ev.At)
	})
	_ = bus.SubscribeAsync(events.LinkPersistFailed, func(ev events.LinkEvent) {
		log.Errorw("link acknowledged but not stored", "handle", ev.Handle, "err", ev.Err, "at", ev.At)
	})
	for _, topic := range []string{events.LinkRevoked, events.LinkRestored} {
		_ = bus.SubscribeAsync(topic, func(ev events.LinkEvent) {
			log.Infow("link validity changed", "event", topic, "handle", ev.Handle)
		})
	}
}

func apiDoc() *openapi.Registry {
	reg := openapi.NewRegistry()
	object := map[string]any{"type": "object"}
	reg.Register(
		openapi.Operation{Method: "GET", Path: "/healthz", Summary: "Liveness", Tags: []string{"ops"}, Public: true},
		openapi.Operation{Method: "POST", Path: "/auth", Summary: "Backend account-link callback", Tags: []string{"link"}, Public: true,
			RequestBody: openapi.JSONBody(map[string]any{
				"type":     "object",
				"required": []string{"authToken", "user", "app"},
			})},
		openapi.Operation{Method: "GET", Path: "/callback", Summary: "Continuation for the user who started the link", Tags: []string{"link"}},
		openapi.Operation{Method: "POST", Path: "/v1/link/initiate", Summary: "Issue a handshake token and redirect target", Tags: []string{"link"}},
		openapi.Operation{Method: "POST", Path: "/v1/link/test", Summary: "Test the linked backend connection", Tags: []string{"link"}},
		openapi.Operation{Method: "POST", Path: "/v1/api", Summary: "Proxy a call to the linked backend", Tags: []string{"proxy"},
			RequestBody: openapi.JSONBody(map[string]any{
				"type":     "object",
				"required": []string{"method", "endpoint"},
				"properties": map[string]any{
					"method":   map[string]any{"type": "string", "enum": []string{"GET", "POST", "PUT"}},
					"endpoint": map[string]any{"type": "string"},
					"params":   object,
					"body":     map[string]any{},
				},
			})},
		openapi.Operation{Method: "GET", Path: "/v1/systems/{handle}", Summary: "Tenant system info", Tags: []string{"systems"}},
		openapi.Operation{Method: "GET", Path: "/v1/systems/release", Summary: "Probe a backend release", Tags: []string{"systems"}},
		openapi.Operation{Method: "GET", Path: "/admin/links", Summary: "List links", Tags: []string{"admin"}, Role: middleware.RoleLinkAdmin},
		openapi.Operation{Method: "GET", Path: "/admin/links/{handle}", Summary: "Inspect a link", Tags: []string{"admin"}, Role: middleware.RoleLinkAdmin},
		openapi.Operation{Method: "POST", Path: "/admin/links/{handle}/revoke", Summary: "Revoke a link", Tags: []string{"admin"}, Role: middleware.RoleLinkAdmin},
		openapi.Operation{Method: "POST", Path: "/admin/links/{handle}/restore", Summary: "Restore a revoked link", Tags: []string{"admin"}, Role: middleware.RoleLinkAdmin},
		openapi.Operation{Method: "POST", Path: "/admin/policy/dry-run", Summary: "Evaluate the endpoint policy", Tags: []string{"admin"}, Role: middleware.RoleLinkAdmin,
			RequestBody: openapi.JSONBody(object)},
	)
	return reg
}
