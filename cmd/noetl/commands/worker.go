package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/noetl/noetl/cmd/server/service"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/template"
	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	var (
		input string
		merge bool
		mock  bool
		pgdb  string
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "worker [playbook-file]",
		Short: "Run a playbook file locally, or consume queued runs",
		Long: `With a playbook file argument the worker executes it once and
prints the result. Without one it subscribes to the execution
queue and processes runs enqueued via execute-async.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				os.Setenv("LOG_LEVEL", "debug")
			}
			if pgdb != "" {
				os.Setenv("NOETL_PGDB", pgdb)
			}
			if mock {
				os.Setenv("NOETL_HTTP_MOCK_LOCAL", "true")
			}

			ctx := context.Background()
			if len(args) == 1 {
				return runLocalPlaybook(ctx, cmd, args[0], input, merge, mock)
			}
			return runQueueWorker(ctx)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Input payload as JSON")
	cmd.Flags().BoolVar(&merge, "merge", false, "Deep-merge the payload into the workload")
	cmd.Flags().BoolVar(&mock, "mock", false, "In-memory stores and mocked .local HTTP endpoints")
	cmd.Flags().StringVar(&pgdb, "pgdb", "", "Postgres connection string")
	cmd.Flags().BoolVar(&debug, "debug", false, "Debug logging")
	return cmd
}

// runLocalPlaybook executes one playbook file and prints the result
func runLocalPlaybook(ctx context.Context, cmd *cobra.Command, file, input string, merge, mock bool) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	pb, err := models.ParsePlaybook(content)
	if err != nil {
		return err
	}

	inputPayload, err := parseInputPayload(input, "")
	if err != nil {
		return err
	}

	var eng *engine.Engine
	if mock {
		eng, err = newMockEngine()
	} else {
		var components *bootstrap.Components
		components, err = bootstrap.Setup(ctx, "worker", bootstrap.WithoutQueue())
		if err == nil {
			defer components.Shutdown(ctx)
			eng = newDBEngine(components)
		}
	}
	if err != nil {
		return err
	}

	result, err := eng.Execute(ctx, pb, &engine.Request{Input: inputPayload, Merge: merge})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// runQueueWorker consumes run requests from the execution queue
func runQueueWorker(ctx context.Context) error {
	components, err := bootstrap.Setup(ctx, "worker")
	if err != nil {
		return fmt.Errorf("bootstrap worker: %w", err)
	}
	defer components.Shutdown(ctx)

	catalog := repository.NewCatalog(components.DB)
	credentials := repository.NewCredentialRepository(components.DB)
	events := repository.NewEventLog(components.DB)
	transitions := repository.NewTransitionRepository(components.DB)
	eng := engine.New(newRuntime(components.Config, components.Logger, credentials), events, transitions)
	runs := service.NewRunService(eng, catalog, events, components)

	log := components.Logger
	stream := components.Config.Queue.Stream
	log.Info("worker consuming", "stream", stream)

	err = components.Queue.Subscribe(ctx, stream, func(ctx context.Context, key string, value []byte) error {
		var req service.RunRequest
		if err := json.Unmarshal(value, &req); err != nil {
			log.Error("bad run request, dropping", "key", key, "error", err)
			return nil
		}

		log.Info("run picked up", "path", req.Path, "execution_id", req.ExecutionID)
		result, err := runs.Execute(ctx, &req)
		if err != nil {
			log.Error("run failed", "path", req.Path, "error", err)
			return nil
		}
		log.Info("run finished",
			"execution_id", result.ExecutionID, "status", result.Status)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", stream, err)
	}

	<-ctx.Done()
	return nil
}

// newMockEngine builds an engine over in-memory stores
func newMockEngine() (*engine.Engine, error) {
	cfg, err := config.Load("worker")
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	rt := newRuntime(cfg, log, repository.NewMemoryCredentialStore())
	return engine.New(rt, repository.NewMemoryEventLog(), repository.NewMemoryTransitionStore()), nil
}

// newDBEngine builds an engine over the Postgres stores
func newDBEngine(components *bootstrap.Components) *engine.Engine {
	credentials := repository.NewCredentialRepository(components.DB)
	events := repository.NewEventLog(components.DB)
	transitions := repository.NewTransitionRepository(components.DB)
	rt := newRuntime(components.Config, components.Logger, credentials)
	return engine.New(rt, events, transitions)
}

func newRuntime(cfg *config.Config, log *logger.Logger, credentials repository.CredentialStore) *plugin.Runtime {
	tpl := template.New(true)
	return &plugin.Runtime{
		Template: tpl,
		Auth:     auth.NewResolver(credentials, tpl, cfg.Service.CatalogID, log),
		Config:   cfg,
		Log:      log,
	}
}
