// Package cms assembles the runtime: database, content engine, job queue,
// search index, file storage, key-value store, mailer, realtime transport
// and the HTTP server, wired from one configuration.
package cms

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/config"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/jobs"
	"github.com/stratacms/strata/kv"
	"github.com/stratacms/strata/mail"
	"github.com/stratacms/strata/migrate"
	"github.com/stratacms/strata/realtime"
	"github.com/stratacms/strata/schema"
	"github.com/stratacms/strata/search"
	"github.com/stratacms/strata/server"
	"github.com/stratacms/strata/storage"
)

// CollectionConfig registers one collection with its access rules and hooks.
type CollectionConfig struct {
	Schema *schema.Collection
	Access crud.Access
	Hooks  crud.Hooks
}

// GlobalConfig registers one global with its access rules and hooks.
type GlobalConfig struct {
	Schema *schema.Global
	Access crud.Access
	Hooks  crud.Hooks
}

// Config is the programmatic half of an application: schemas, hooks, jobs
// and functions are code; Runtime carries everything environment-specific.
type Config struct {
	// Runtime is the loaded deployment configuration. Nil loads it from
	// the standard locations.
	Runtime *config.Config

	Collections []CollectionConfig
	Globals     []GlobalConfig
	ModuleHooks []*crud.ModuleHooks
	Jobs        []*jobs.Definition
	RPC         []*server.RPCDefinition
}

// App is a fully wired runtime instance.
type App struct {
	Runtime  *config.Config
	DB       *db.DB
	Engine   *crud.Engine
	Registry *jobs.Registry
	Search   *search.Service
	Storage  storage.Storage
	Signer   *storage.Signer
	Uploader *storage.Uploader
	KV       kv.KV
	Mailer   mail.Mailer
	Runner   *migrate.Runner

	dispatcher    *realtime.Dispatcher
	listener      *db.Listener
	searchAdapter search.Adapter
	rpc           *server.RPCRegistry
}

// New wires an application. The database must be reachable; everything else
// connects lazily or according to its driver.
func New(ctx context.Context, cfg *Config) (*App, error) {
	rt := cfg.Runtime
	if rt == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		rt = loaded
	}
	common.ConfigureLogger(rt.Logger.Level, rt.Logger.Format)

	database, err := db.New(ctx, rt.DB.URL)
	if err != nil {
		return nil, err
	}

	app := &App{Runtime: rt, DB: database}
	if err := app.wire(ctx, cfg); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, cfg *Config) error {
	rt := a.Runtime

	a.Engine = crud.NewEngine(a.DB, rt.Locales)
	for _, col := range cfg.Collections {
		if _, err := a.Engine.AddCollection(col.Schema, col.Access, col.Hooks); err != nil {
			return err
		}
	}
	for _, g := range cfg.Globals {
		if _, err := a.Engine.AddGlobal(g.Schema, g.Access, g.Hooks); err != nil {
			return err
		}
	}
	for _, hooks := range cfg.ModuleHooks {
		a.Engine.AddModuleHooks(hooks)
	}

	adapter, err := queueAdapter(ctx, rt)
	if err != nil {
		return err
	}
	a.Registry = jobs.NewRegistry(adapter)
	for _, def := range cfg.Jobs {
		if err := a.Registry.Register(def); err != nil {
			return err
		}
	}
	if err := registerTransitionJob(a.Registry, a.Engine); err != nil {
		return err
	}
	a.Engine.Scheduler = &transitionScheduler{registry: a.Registry}

	if !rt.Search.Disabled {
		pg := search.NewPostgresAdapter(a.DB)
		a.searchAdapter = pg
		a.Search = search.NewService(a.Engine, pg)
		if err := a.Search.RegisterJob(a.Registry); err != nil {
			return err
		}
		a.Engine.Indexer = a.Search
	}

	a.Storage, err = storageDriver(ctx, rt)
	if err != nil {
		return err
	}
	a.Signer = storage.NewSigner(rt.Secret)
	a.Uploader = storage.NewUploader(a.Engine, a.Storage)

	a.KV, err = kvDriver(ctx, rt)
	if err != nil {
		return err
	}
	a.Mailer, err = mailDriver(rt)
	if err != nil {
		return err
	}

	if !rt.Realtime.Disabled {
		a.dispatcher = realtime.NewDispatcher()
		a.listener = db.NewListener(a.DB.Pool())
		a.dispatcher.Attach(a.listener)
	}

	migrations, err := migrate.Load(rt.Migrations.Directory)
	if err != nil {
		return err
	}
	a.Runner = &migrate.Runner{DB: a.DB, Migrations: migrations}
	if a.searchAdapter != nil {
		a.Runner.PostDDL = a.searchAdapter.Migrations()
	}

	a.rpc = server.NewRPCRegistry()
	for _, def := range cfg.RPC {
		if err := a.rpc.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func queueAdapter(ctx context.Context, rt *config.Config) (jobs.Adapter, error) {
	switch rt.Queue.Driver {
	case "", "memory":
		return jobs.NewMemoryAdapter(), nil
	case "redis":
		return jobs.NewRedisAdapter(ctx, jobs.RedisConfig{
			URL:       rt.Queue.URL,
			KeyPrefix: rt.Queue.Queue,
		})
	case "amqp":
		return jobs.NewAMQPAdapter(jobs.AMQPConfig{
			URL:       rt.Queue.URL,
			QueueName: rt.Queue.Queue,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", rt.Queue.Driver)
	}
}

func storageDriver(ctx context.Context, rt *config.Config) (storage.Storage, error) {
	switch rt.Storage.Driver {
	case "", "fs":
		return storage.NewFSStorage(rt.Storage.Root)
	case "s3":
		return storage.NewS3Storage(ctx, rt.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", rt.Storage.Driver)
	}
}

func kvDriver(ctx context.Context, rt *config.Config) (kv.KV, error) {
	switch rt.KV.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		return kv.NewRedisKV(ctx, kv.RedisConfig{
			URL:       rt.KV.URL,
			KeyPrefix: rt.KV.KeyPrefix,
		})
	case "bolt":
		return kv.NewBoltKV(rt.KV.Path)
	default:
		return nil, fmt.Errorf("unknown kv driver %q", rt.KV.Driver)
	}
}

func mailDriver(rt *config.Config) (mail.Mailer, error) {
	switch rt.Email.Driver {
	case "", "log":
		return &mail.LogMailer{}, nil
	case "http":
		return mail.NewHTTPMailer(mail.HTTPConfig{
			URL:      rt.Email.URL,
			Username: rt.Email.Username,
			Password: rt.Email.Password,
			From:     rt.Email.From,
		})
	default:
		return nil, fmt.Errorf("unknown email driver %q", rt.Email.Driver)
	}
}

// Collections returns the CRUD service for a registered collection.
func (a *App) Collections(name string) (*crud.Service, error) {
	return a.Engine.Collection(name)
}

// Globals returns the service for a registered global.
func (a *App) Globals(name string) (*crud.GlobalService, error) {
	return a.Engine.Global(name)
}

// Snapshot captures the current registered schemas for migration
// generation.
func (a *App) Snapshot() *migrate.Snapshot {
	all := a.Engine.AllCompiled()
	compiled := make([]*schema.Compiled, 0, len(all))
	for _, c := range all {
		compiled = append(compiled, c.Compiled)
	}
	return migrate.FromCompiled(compiled)
}

// GenerateMigration diffs the registered schemas against the latest
// snapshot and writes a migration file.
func (a *App) GenerateMigration(name string) (*migrate.Migration, error) {
	return migrate.Generate(a.Runtime.Migrations.Directory, name, a.Snapshot())
}

// Migrate applies pending migrations and makes sure the realtime change
// log exists.
func (a *App) Migrate(ctx context.Context) (int, error) {
	n, err := a.Runner.Up(ctx)
	if err != nil {
		return n, err
	}
	if err := a.DB.EnsureRealtimeLog(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Handlers builds the HTTP surface for this application.
func (a *App) Handlers() *server.Handlers {
	h := &server.Handlers{
		Engine:          a.Engine,
		Search:          a.Search,
		Uploader:        a.Uploader,
		Storage:         a.Storage,
		Signer:          a.Signer,
		RPC:             a.rpc,
		SignedFilesOnly: a.Runtime.Storage.SignedFilesOnly,
	}
	if a.dispatcher != nil {
		h.Realtime = &realtime.Handler{
			Engine:       a.Engine,
			Dispatcher:   a.dispatcher,
			PingInterval: a.Runtime.Realtime.PingInterval,
		}
	}
	return h
}

// Serve runs the HTTP server, the realtime listener and an in-process job
// worker until the context is cancelled.
func (a *App) Serve(ctx context.Context) error {
	serverCfg := a.Runtime.Server
	if serverCfg.JWTSecret == "" {
		serverCfg.JWTSecret = a.Runtime.Secret
	}
	e := server.New(serverCfg, a.Handlers())
	return a.serve(ctx, e, serverCfg)
}

func (a *App) serve(ctx context.Context, e *echo.Echo, cfg server.Config) error {
	if a.listener != nil {
		a.listener.Start()
		defer a.listener.Stop()
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go func() {
		if err := a.Registry.Listen(workerCtx); err != nil && workerCtx.Err() == nil {
			common.Logger.WithError(err).Error("job worker stopped")
		}
	}()

	return server.Start(ctx, e, cfg)
}

// ListenJobs runs the job worker in the foreground, for dedicated worker
// processes.
func (a *App) ListenJobs(ctx context.Context) error {
	return a.Registry.Listen(ctx)
}

// RunJobsOnce drains currently queued jobs and returns how many ran.
func (a *App) RunJobsOnce(ctx context.Context) (int, error) {
	return a.Registry.RunOnce(ctx)
}

// Close releases every connection the app holds.
func (a *App) Close() {
	if a.listener != nil {
		a.listener.Stop()
	}
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			common.Logger.WithError(err).Warn("job registry close failed")
		}
	}
	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			common.Logger.WithError(err).Warn("kv close failed")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// transitionScheduler queues stage transitions as delayed jobs.
type transitionScheduler struct {
	registry *jobs.Registry
}

func (s *transitionScheduler) ScheduleTransition(ctx context.Context, collection, recordID, stage string, at time.Time) error {
	_, err := s.registry.PublishAt(ctx, transitionJobName, map[string]any{
		"collection": collection,
		"recordId":   recordID,
		"stage":      stage,
	}, at)
	return err
}
