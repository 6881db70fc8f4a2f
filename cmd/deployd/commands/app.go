package commands

import (
	"context"
	"fmt"

	"github.com/fourclicks/deployd/pkg/config"
	"github.com/fourclicks/deployd/pkg/credentials"
	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/inventory"
	"github.com/fourclicks/deployd/pkg/process"
	"github.com/fourclicks/deployd/pkg/stores"
	"github.com/fourclicks/deployd/pkg/telemetry"
	"github.com/fourclicks/deployd/pkg/terraform"
)

// app holds the components shared by the commands. Components are built on
// first use so a command only needs the configuration it touches.
type app struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore

	executor   *process.Executor
	cipher     *credentials.Cipher
	keys       *credentials.KeyService
	dispatcher *terraform.Dispatcher
}

// newApp sets up telemetry and opens the migrated database. One-shot
// commands never expose metrics.
func newApp(ctx context.Context, cfg *config.Config, serving bool) (*app, error) {
	if !serving {
		cfg.Telemetry.Metrics.Enabled = false
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	cfg.Database.Logger = tel.Logger
	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &app{cfg: cfg, tel: tel, store: store}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.tel.Logger.WithError(err).Warn("failed to flush traces")
	}
	if err := a.store.Close(); err != nil {
		a.tel.Logger.WithError(err).Warn("failed to close database")
	}
}

func (a *app) processExecutor() (*process.Executor, error) {
	if a.executor != nil {
		return a.executor, nil
	}
	exec, err := process.NewExecutor(process.ExecutorConfig{
		Timeouts: a.cfg.Timeouts,
		Logger:   a.tel.Logger,
		Metrics:  a.tel.Metrics,
		Tracer:   a.tel.Tracer,
	})
	if err != nil {
		return nil, err
	}
	a.executor = exec
	return exec, nil
}

// keyCipher fails without a server secret.
func (a *app) keyCipher() (*credentials.Cipher, error) {
	if a.cipher != nil {
		return a.cipher, nil
	}
	if err := a.cfg.RequireSecret(); err != nil {
		return nil, err
	}
	c, err := credentials.NewCipher(a.cfg.Secret)
	if err != nil {
		return nil, err
	}
	a.cipher = c
	return c, nil
}

func (a *app) keyService() (*credentials.KeyService, error) {
	if a.keys != nil {
		return a.keys, nil
	}
	c, err := a.keyCipher()
	if err != nil {
		return nil, err
	}
	keys, err := credentials.NewKeyService(credentials.KeyServiceConfig{
		Store:  a.store,
		Cipher: c,
		Logger: a.tel.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.keys = keys
	return keys, nil
}

// taskEngine builds the preparer and streamer. Without a server secret,
// tasks that carry a credential fail while streaming.
func (a *app) taskEngine() (*engine.Preparer, *engine.Streamer, error) {
	exec, err := a.processExecutor()
	if err != nil {
		return nil, nil, err
	}

	prepCfg := engine.PreparerConfig{Store: a.store, Logger: a.tel.Logger}
	streamCfg := engine.StreamerConfig{
		Runner:   exec,
		TasksDir: a.cfg.Paths.TasksDir,
		TempDir:  a.cfg.Paths.TempDir,
		Ansible:  a.cfg.Ansible,
		SSH:      a.cfg.SSH,
		Logger:   a.tel.Logger,
		Metrics:  a.tel.Metrics,
		Tracer:   a.tel.Tracer,
	}

	if a.cfg.Secret != "" {
		keys, err := a.keyService()
		if err != nil {
			return nil, nil, err
		}
		manager, err := credentials.NewManager(credentials.ManagerConfig{
			Cipher:  a.cipher,
			TempDir: a.cfg.Paths.TempDir,
			Logger:  a.tel.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		prepCfg.Keys = keys
		streamCfg.Keys = manager
	} else {
		a.tel.Logger.Warnf("%s is not set; tasks with credentials will fail", config.SecretEnv)
	}

	preparer, err := engine.NewPreparer(prepCfg)
	if err != nil {
		return nil, nil, err
	}
	streamer, err := engine.NewStreamer(streamCfg)
	if err != nil {
		return nil, nil, err
	}
	return preparer, streamer, nil
}

// terraformRunner builds the runner with inventory sync registered as a
// completion hook. Callers wait on the dispatcher before exiting.
func (a *app) terraformRunner() (*terraform.Runner, *terraform.Dispatcher, error) {
	exec, err := a.processExecutor()
	if err != nil {
		return nil, nil, err
	}
	dispatcher := terraform.NewDispatcher(terraform.DispatcherConfig{
		HookTimeout: a.cfg.Terraform.HookTimeout,
		Logger:      a.tel.Logger,
		Metrics:     a.tel.Metrics,
	})
	runner, err := terraform.NewRunner(terraform.RunnerConfig{
		Runner:          exec,
		Binary:          a.cfg.Terraform.Binary,
		InfraDir:        a.cfg.Paths.InfraDir,
		WorkspacePolicy: a.cfg.Terraform.WorkspacePolicy,
		CreateWorkspace: a.cfg.Terraform.CreateWorkspace,
		Variables:       a.store,
		Dispatcher:      dispatcher,
		Logger:          a.tel.Logger,
		Metrics:         a.tel.Metrics,
		Tracer:          a.tel.Tracer,
	})
	if err != nil {
		return nil, nil, err
	}
	dispatcher.Register(inventory.NewSyncer(a.store, runner, a.tel.Logger))
	a.dispatcher = dispatcher
	return runner, dispatcher, nil
}

// waitHooks gives running completion hooks time to finish.
func (a *app) waitHooks(ctx context.Context) {
	if a.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Terraform.HookTimeout)
	defer cancel()
	if err := a.dispatcher.Wait(ctx); err != nil {
		a.tel.Logger.WithError(err).Warn("completion hooks did not finish")
	}
}
