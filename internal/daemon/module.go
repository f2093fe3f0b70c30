package daemon

import (
	"context"

	"github.com/rcsgo/rcsd/internal/api"
	"github.com/rcsgo/rcsd/internal/bus"
	"github.com/rcsgo/rcsd/internal/chat"
	"github.com/rcsgo/rcsd/internal/config"
	"github.com/rcsgo/rcsd/internal/dequeue"
	"github.com/rcsgo/rcsd/internal/expiry"
	"github.com/rcsgo/rcsd/internal/imsengine"
	"github.com/rcsgo/rcsd/internal/lock"
	"github.com/rcsgo/rcsd/internal/logging"
	"github.com/rcsgo/rcsd/internal/profile"
	"github.com/rcsgo/rcsd/internal/registry"
	"github.com/rcsgo/rcsd/internal/status"
	"github.com/rcsgo/rcsd/internal/store"
	"github.com/rcsgo/rcsd/internal/transfer"
	"github.com/rcsgo/rcsd/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// workerPoolSize is the number of background command workers. Each session's
// commands hash to one worker, so this bounds command parallelism, not
// session count.
const workerPoolSize = 8

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	MetricsAddr string // optional observability listener; empty = disabled
}

// Engines groups the four reconciliation engines. They share the store,
// the admission counters and the worker pool but each owns its lock domain.
type Engines struct {
	OneToOne       *chat.OneToOne
	Group          *chat.Group
	Transfers      *transfer.Service
	GroupTransfers *transfer.Service
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideStateMachine,
			provideLock,
			provideStore,
			provideEngine,
			provideExpiry,
			providePool,
			provideAdmission,
			provideEngines,
			provideScheduler,
			provideChatAPI,
			provideTransferAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideEngine supplies the protocol stack. The loopback engine stands in
// until a SIP/MSRP adapter is attached.
func provideEngine() imsengine.Engine {
	return imsengine.NewLoopback()
}

func provideExpiry(db *store.DB, b *bus.Bus, logger *zap.Logger) *expiry.Manager {
	return expiry.New(db, b, logger)
}

func providePool(b *bus.Bus, logger *zap.Logger) *worker.Pool {
	return worker.New(workerPoolSize, b, logger)
}

func provideAdmission(cfg *config.Config) *registry.Admission {
	return registry.NewAdmission(cfg.Messaging.MaxChatSessions, cfg.Transfer.MaxConcurrentOutgoing)
}

func provideEngines(db *store.DB, engine imsengine.Engine, b *bus.Bus, exp *expiry.Manager,
	adm *registry.Admission, pool *worker.Pool, cfg *config.Config, logger *zap.Logger) *Engines {
	e := &Engines{
		OneToOne:       chat.NewOneToOne(db, engine, b, exp, adm, pool, cfg, logger),
		Group:          chat.NewGroup(db, engine, b, exp, adm, pool, cfg, logger),
		Transfers:      transfer.NewOneToOne(db, engine, b, exp, adm, pool, cfg, logger),
		GroupTransfers: transfer.NewGroup(db, engine, b, exp, adm, pool, cfg, logger),
	}
	// A terminally closed group conversation can never dispatch its queued
	// transfers; fail them instead of re-attempting initiation forever.
	e.Group.OnConversationClosed(e.GroupTransfers.FailQueued)
	return e
}

func provideScheduler(e *Engines, logger *zap.Logger) *dequeue.Scheduler {
	return dequeue.New(logger, e.OneToOne, e.Group, e.Transfers, e.GroupTransfers)
}

func provideChatAPI(e *Engines, db *store.DB, cfg *config.Config, sched *dequeue.Scheduler) *api.ChatAPI {
	return api.NewChatAPI(e.OneToOne, e.Group, db, cfg, sched)
}

func provideTransferAPI(e *Engines, db *store.DB, cfg *config.Config) *api.TransferAPI {
	return api.NewTransferAPI(e.Transfers, e.GroupTransfers, db, cfg)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB,
	engine imsengine.Engine, machine *status.Machine, sched *dequeue.Scheduler,
	exp *expiry.Manager, pool *worker.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Every entry into Registered kicks a global dequeue sweep, so
			// queued work survives a restart and a registration gap alike.
			machine.OnRegistered(func() { sched.OnConnectivity(true) })

			engine.SetConnectivityHandler(func(connected bool) {
				trackConnectivity(machine, logger, connected)
			})

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			// Seed the machine from the stack's current registration.
			trackConnectivity(machine, logger, engine.Connected())

			logger.Info("engine started",
				zap.Bool("registered", engine.Connected()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			pool.Stop()
			exp.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// trackConnectivity walks the state machine toward the stack's registration
// state, routing through Registering on the way up.
func trackConnectivity(machine *status.Machine, logger *zap.Logger, connected bool) {
	if connected {
		if machine.Current() == status.Registered {
			return
		}
		_ = machine.Transition(status.Registering)
		if err := machine.Transition(status.Registered); err != nil {
			logger.Warn("registration transition rejected", zap.Error(err))
		}
		return
	}
	if err := machine.Transition(status.Offline); err != nil {
		logger.Warn("offline transition rejected", zap.Error(err))
	}
}
