package container

import (
	"github.com/noetl/noetl/cmd/server/service"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/template"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Repositories
	Catalog     repository.CatalogStore
	Credentials repository.CredentialStore
	Events      repository.EventStore
	Transitions repository.TransitionStore

	// Engine
	Engine *engine.Engine

	// Services
	CatalogService *service.CatalogService
	RunService     *service.RunService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	catalog := repository.NewCatalog(components.DB)
	credentials := repository.NewCredentialRepository(components.DB)
	events := repository.NewEventLog(components.DB)
	transitions := repository.NewTransitionRepository(components.DB)

	tpl := template.New(true)
	rt := &plugin.Runtime{
		Template: tpl,
		Auth: auth.NewResolver(credentials, tpl,
			components.Config.Service.CatalogID, components.Logger),
		Config: components.Config,
		Log:    components.Logger,
	}
	eng := engine.New(rt, events, transitions)

	catalogService := service.NewCatalogService(catalog, credentials, components.Logger)
	runService := service.NewRunService(eng, catalog, events, components)

	return &Container{
		Components:     components,
		Catalog:        catalog,
		Credentials:    credentials,
		Events:         events,
		Transitions:    transitions,
		Engine:         eng,
		CatalogService: catalogService,
		RunService:     runService,
	}, nil
}
