package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturoeanton/barnstaff/internal/adapter/memory"
	"github.com/arturoeanton/barnstaff/internal/adapter/remote"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/internal/screen"
	"github.com/arturoeanton/barnstaff/internal/session"
	"github.com/arturoeanton/barnstaff/pkg/config"
)

// errSetupRequired ends a command when the backend is not configured. The
// instructions have been printed already.
var errSetupRequired = errors.New("backend not configured")

// app is what every command runs against: one backend, one session
// controller and the screens built on them.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	printer *Printer

	backend port.Backend
	remote  *remote.Client  // nil offline
	memory  *memory.Backend // nil online
	ctrl    *session.Controller
	now     func() time.Time
}

func newApp(cfg *config.Config, logger *slog.Logger, printer *Printer, offline bool) *app {
	a := &app{cfg: cfg, logger: logger, printer: printer, now: time.Now}

	opts := []session.Option{
		session.WithLoadingTimeout(cfg.LoadingTimeout),
		session.WithRetryDelay(cfg.ProfileRetryDelay),
		session.WithRedirectTo(cfg.AppOrigin),
		session.WithLogger(logger),
		// A CLI invocation ends after sign-out; there is nothing to reload.
		session.WithReloader(func(context.Context) {}),
	}

	if offline {
		mem := memory.New()
		mem.ProvisionProfiles = true
		mem.SetClock(a.now)
		mem.SeedDemo(a.now())
		mem.SetSession(memory.DemoAdminID, memory.DemoAdminEmail)
		a.memory, a.backend = mem, mem
		a.ctrl = session.NewController(mem, mem.Storage(), opts...)
		return a
	}

	storage := remote.NewDirStorage(cfg.StateDir)
	a.remote = remote.New(cfg.BackendURL, cfg.BackendKey, storage, remote.WithLogger(logger))
	a.backend = a.remote
	if !cfg.BackendConfigured() {
		opts = append(opts, session.WithUnconfigured())
	}
	a.ctrl = session.NewController(a.remote, storage, opts...)
	return a
}

// start runs the session controller until it leaves Loading. The loading
// timeout bounds the wait.
func (a *app) start(ctx context.Context) (session.State, error) {
	a.ctrl.Start(ctx)
	st, err := a.ctrl.WaitReady(ctx)
	if err != nil {
		return st, err
	}
	if st.Phase() == session.PhaseSetupRequired {
		a.printSetup()
		return st, errSetupRequired
	}
	return st, nil
}

// signedIn starts the controller and requires a session with a completed
// profile, which every screen needs.
func (a *app) signedIn(ctx context.Context) (session.State, error) {
	st, err := a.start(ctx)
	if err != nil {
		return st, err
	}
	switch st.Phase() {
	case session.PhaseUnauthenticated:
		return st, fmt.Errorf("%w: run `barnctl login` first", port.ErrNoSession)
	case session.PhaseAuthenticatedNoProfile:
		return st, fmt.Errorf("profile incomplete: run `barnctl profile set-name <name>` first")
	}
	return st, nil
}

func (a *app) deps() screen.Deps {
	return screen.Deps{Backend: a.backend, Session: a.ctrl, Logger: a.logger, Now: a.now}
}

func (a *app) close() {
	a.ctrl.Dispose()
}

func (a *app) printSetup() {
	p := a.printer
	p.Warn("barnctl is not connected to a backend yet")
	p.Header("Setup")
	p.Plain("1. Start the server (cmd/server) with DATABASE_URL and BACKEND_PUBLIC_KEY set.")
	p.Plain("2. Export the backend location and its public key:")
	p.Plain("     export BARN_BACKEND_URL=http://localhost:3001")
	p.Plain("     export BARN_BACKEND_KEY=<value of BACKEND_PUBLIC_KEY>")
	p.Plain("3. Run `barnctl login`.")
	p.Plain("")
	p.Plain("Or try it without a server: barnctl --offline tasks")
}
