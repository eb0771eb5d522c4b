package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/authority"
	"qrattend/internal/config"
	"qrattend/internal/connectivity"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/ledger"
	"qrattend/internal/live"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/reconcile"
	"qrattend/internal/registry"
	"qrattend/internal/shift"
	"qrattend/internal/store"
	"qrattend/internal/synclog"
)

// App is one station's wired components. Both binaries build it the same
// way so the CLI sees exactly what the server sees.
type App struct {
	Config   config.App
	Location *time.Location
	Policy   *shift.Policy

	Ledger     *ledger.Ledger
	Roster     registry.Registry
	Queue      *queue.Queue
	Authority  *authority.Client
	Probe      *connectivity.Probe
	Reconciler *reconcile.Reconciler
	Scheduler  *reconcile.Scheduler
	Service    *attendance.Service
	Absence    *attendance.AbsenceMarker
	Journal    *synclog.Journal
	Metrics    *metrics.Metrics
	Hub        *live.Hub
	Signer     *auth.Signer
	Limiter    *httpmiddleware.TokenBucket

	Redis *store.Redis
	DB    *store.DB

	// mu is the station-wide sync mutex shared by scans, cycles and absence marking.
	mu sync.Mutex
}

// Build opens the station's stores and wires every component from cfg.
func Build(ctx context.Context, cfg config.App) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	mode := attendance.CheckoutMode(cfg.CheckoutMode)
	if mode != attendance.CheckoutAmend && mode != attendance.CheckoutAppend {
		return nil, fmt.Errorf("CHECKOUT_MODE must be amend or append, got %q", cfg.CheckoutMode)
	}

	a := &App{Config: cfg, Location: cfg.Location(), Metrics: metrics.New(), Hub: live.NewHub()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	defs, err := cfg.Shifts()
	if err != nil {
		return nil, fmt.Errorf("load shifts: %w", err)
	}
	if a.Policy, err = shift.NewPolicy(defs, cfg.DefaultShift); err != nil {
		return nil, fmt.Errorf("shift policy: %w", err)
	}

	if a.Ledger, err = ledger.Open(cfg.LedgerPath(), a.Location); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	for _, moved := range a.Ledger.Quarantined() {
		log.Printf("ledger was malformed and has been recreated; old copy at %s", moved)
	}

	if cfg.QueueBackend == "redis" || cfg.DebounceBackend == "redis" {
		if a.Redis, err = store.NewRedis(ctx, cfg.RedisAddr); err != nil {
			return nil, err
		}
	}

	if err := a.openRoster(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		return nil, err
	}

	if a.Journal, err = synclog.Open(cfg.JournalPath()); err != nil {
		return nil, err
	}

	a.Authority = authority.New(cfg.AuthorityURL, cfg.AuthorityAPIKey, cfg.AuthorityTimeout, a.Location)
	a.Probe = connectivity.New(a.Authority, connectivity.Options{
		Addrs:        cfg.ProbeAddrs,
		Timeout:      cfg.ProbeTimeout,
		ForceOffline: cfg.ForceOffline,
	})
	a.Reconciler = reconcile.New(a.Ledger, a.Queue, a.Authority,
		reconcile.NewCursorStore(cfg.CursorPath()),
		reconcile.NewInbox(cfg.CorrectionsPath(), a.Location),
		a.Roster,
		reconcile.Config{
			LookbackDays: cfg.PullLookbackDays,
			PageSize:     cfg.PullPageSize,
			MaxPages:     cfg.PullMaxPages,
			Tolerance:    cfg.ConflictTolerance,
			Location:     a.Location,
		})

	a.Absence = attendance.NewAbsenceMarker(a.Ledger, a.Roster, a.Policy, a.Queue, &a.mu, cfg.AbsenceGrace, a.Location)
	a.Scheduler = reconcile.NewScheduler(a.Reconciler, a.Probe, &a.mu, reconcile.SchedulerOptions{
		SyncInterval:    cfg.SyncInterval,
		AbsenceInterval: cfg.AbsenceInterval,
		Journal:         a.Journal,
		Absence:         a.Absence,
		Observe: func(rep reconcile.Report) {
			a.Metrics.ObserveCycle(rep, a.Scheduler.ConsecutiveFailures())
			a.Hub.PublishSync(rep)
		},
	})

	var debouncer attendance.Debouncer
	if cfg.DebounceBackend == "redis" {
		debouncer = attendance.NewRedisDebouncer(a.Redis.Client, cfg.ScanCooldown)
	}
	a.Service = attendance.NewService(a.Ledger, a.Roster, a.Policy, a.Queue, attendance.Options{
		Cooldown:     cfg.ScanCooldown,
		CheckoutMode: mode,
		Location:     a.Location,
		Lock:         &a.mu,
		Debouncer:    debouncer,
		Nudge:        a.Scheduler.Nudge,
		OnOutcome: func(out attendance.Outcome) {
			a.Metrics.ObserveScan(out)
			a.Hub.PublishScan(out)
		},
	})

	a.Signer = auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	a.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	if n, err := a.Queue.Size(ctx); err == nil {
		a.Metrics.SetQueueSize(n)
		if n > 0 {
			log.Printf("%d records waiting in the offline queue", n)
		}
	}
	ok = true
	return a, nil
}

func (a *App) openRoster(ctx context.Context) error {
	switch a.Config.RegistryBackend {
	case "", "file":
		roster, err := registry.OpenFile(a.Config.RegistryPath())
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		a.Roster = roster
	case "postgres":
		db, err := store.NewDB(ctx, a.Config.DatabaseURL)
		if err != nil {
			return err
		}
		a.DB = db
		pg := registry.NewPostgres(db.Client)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
		a.Roster = pg
	default:
		return fmt.Errorf("REGISTRY_BACKEND must be file or postgres, got %q", a.Config.RegistryBackend)
	}
	return nil
}

func (a *App) openQueue() error {
	var backend queue.Backend
	switch a.Config.QueueBackend {
	case "", "file":
		f, err := queue.OpenFile(a.Config.QueuePath())
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		backend = f
	case "redis":
		backend = queue.NewRedisQueue(a.Redis.Client, "")
	case "memory":
		log.Printf("warning: QUEUE_BACKEND=memory loses unsynced records on restart")
		backend = queue.NewInMemory()
	default:
		return fmt.Errorf("QUEUE_BACKEND must be file, redis or memory, got %q", a.Config.QueueBackend)
	}
	a.Queue = queue.New(backend, queue.Options{
		MaxRejections: a.Config.QueueMaxRejections,
		OnChange:      a.Metrics.SetQueueSize,
	})
	return nil
}

// Checks are the health checks for the optional backing services.
func (a *App) Checks() map[string]func(ctx context.Context) bool {
	checks := map[string]func(ctx context.Context) bool{}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy
	}
	if a.DB != nil {
		checks["db"] = a.DB.Healthy
	}
	return checks
}

// Close releases the journal and any database connections.
func (a *App) Close() error {
	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
