package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nacionmx/nacion/internal/api"
	"github.com/nacionmx/nacion/internal/app/ck"
	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/discord"
	"github.com/nacionmx/nacion/internal/infra/ledger"
	"github.com/nacionmx/nacion/internal/infra/observability"
	"github.com/nacionmx/nacion/internal/infra/sqlite"
)

// ErrDiscordDisabled is returned by guild operations when no bot token is
// configured.
var ErrDiscordDisabled = errors.New("discord bot token is not configured")

// shutdownTimeout bounds the graceful stop of the HTTP server and tracer.
const shutdownTimeout = 10 * time.Second

// ═══════════════════════════════════════════════════════════════════════════
// Runtime
// ═══════════════════════════════════════════════════════════════════════════

// Runtime holds every wired component. CLI commands use it directly; Run
// adds the bot gateway and the HTTP API on top.
type Runtime struct {
	Config  Config
	Policy  domain.RolePolicy
	DB      *sqlite.DB
	Ledger  *ledger.Client
	Session *discordgo.Session // nil when Discord is disabled
	Service *ck.Service

	log *slog.Logger
}

// Open loads the policy, opens the store and builds the CK service. The
// Discord session is created but not connected.
func Open(cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config: cfg,
		Policy: policy,
		DB:     db,
		Ledger: ledger.New(cfg.Ledger),
		log:    logger.With("component", "daemon"),
	}

	deps := ck.Deps{
		Store:  db,
		Ledger: rt.Ledger,
		Guild:  unavailableGuild{},
		Policy: policy,
		Logger: logger,
	}
	if cfg.Discord.Enabled() {
		s, err := discord.NewSession(cfg.Discord)
		if err != nil {
			db.Close()
			return nil, err
		}
		rt.Session = s
		deps.Guild = discord.NewGuild(s)
		deps.Notifier = discord.NewNotifier(s, cfg.Discord, policy, logger)
	}
	rt.Service = ck.New(cfg.CK, deps)

	rt.log.Info("runtime ready",
		"db", db.Path(),
		"policy_version", policy.Version,
		"ledger", rt.Ledger.Enabled(),
		"discord", cfg.Discord.Enabled(),
	)
	return rt, nil
}

// Close releases the session and the store.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Session != nil {
		errs = append(errs, rt.Session.Close())
	}
	errs = append(errs, rt.DB.Close())
	return errors.Join(errs...)
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Run connects the bot, serves the API and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	rt, err := Open(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.Session != nil {
		if err := rt.Session.Open(); err != nil {
			return fmt.Errorf("connect to discord: %w", err)
		}
		bot := discord.NewBot(cfg.Discord, rt.Service, logger)
		if err := bot.Register(rt.Session); err != nil {
			return err
		}
	} else {
		rt.log.Warn("discord disabled: slash commands and notifications are off")
	}

	var httpSrv *http.Server
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		srv := api.NewServer(&api.CKAPI{Service: rt.Service, GuildID: cfg.Discord.GuildID}, cfg.API.Token, logger)
		if cfg.API.Metrics {
			srv.EnableMetrics()
		}
		httpSrv = &http.Server{
			Addr:              cfg.API.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			rt.log.Info("api listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		rt.log.Info("shutting down")
	case err = <-errCh:
		rt.log.Error("api server stopped", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var stops []observability.ShutdownFunc
	if httpSrv != nil {
		stops = append(stops, httpSrv.Shutdown)
	}
	stops = append(stops, shutdownTracing)
	if serr := observability.JoinShutdown(stops...)(stopCtx); serr != nil {
		rt.log.Warn("shutdown", "error", serr)
	}
	return err
}

// ─── unavailableGuild ───────────────────────────────────────────────────────

type unavailableGuild struct{}

func (unavailableGuild) Member(context.Context, string, string) (*domain.Member, error) {
	return nil, ErrDiscordDisabled
}

func (unavailableGuild) Roles(context.Context, string) ([]domain.Role, error) {
	return nil, ErrDiscordDisabled
}

func (unavailableGuild) AddRole(context.Context, string, string, string) error {
	return ErrDiscordDisabled
}

func (unavailableGuild) RemoveRole(context.Context, string, string, string) error {
	return ErrDiscordDisabled
}
