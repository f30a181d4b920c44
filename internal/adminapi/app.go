package adminapi

import (
	"go.uber.org/zap"

	"linkgate/internal/policy"
	"linkgate/pkg/config"
	"linkgate/pkg/events"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/middleware"
)

// App is the admin-api application container.
// Handlers and middleware have methods on this type.
//
// Keep it lean: shared deps and config only.
// Request-scoped work should use context.
type App struct {
	log      *zap.SugaredLogger
	store    linkstore.Store
	bus      *events.Bus
	policy   *policy.Engine
	sessions *middleware.Sessions
	cfg      config.Config
}

func New(log *zap.SugaredLogger, store linkstore.Store, bus *events.Bus, engine *policy.Engine, sessions *middleware.Sessions, cfg config.Config) *App {
	return &App{
		log:      log,
		store:    store,
		bus:      bus,
		policy:   engine,
		sessions: sessions,
		cfg:      cfg,
	}
}
