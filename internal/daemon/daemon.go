// Package daemon wires the auto-reply engine into a long-running process:
// the store, the reply generator, the Matrix transport, the per-owner
// supervisor, onboarding and the admin HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/nous-labs/autoreply/internal/admin"
	"github.com/nous-labs/autoreply/internal/channel/matrix"
	"github.com/nous-labs/autoreply/internal/llm"
	"github.com/nous-labs/autoreply/internal/secrets"
	"github.com/nous-labs/autoreply/pkg/channel"
	"github.com/nous-labs/autoreply/pkg/events"
	"github.com/nous-labs/autoreply/pkg/gate"
	"github.com/nous-labs/autoreply/pkg/onboarding"
	"github.com/nous-labs/autoreply/pkg/pending"
	"github.com/nous-labs/autoreply/pkg/settings"
	"github.com/nous-labs/autoreply/pkg/store"
	"github.com/nous-labs/autoreply/pkg/store/dynamo"
	"github.com/nous-labs/autoreply/pkg/store/postgres"
	"github.com/nous-labs/autoreply/pkg/store/sqlite"
	"github.com/nous-labs/autoreply/pkg/supervisor"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the auto-reply process.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	store      store.Store
	bus        *events.Bus
	sup        *supervisor.Supervisor
	admin      *admin.Service
	onboarding *onboarding.Machine

	startedAt time.Time
	healthy   atomic.Bool
}

// deps are the pieces New builds from configuration.
type deps struct {
	store     store.Store
	transport channel.Transport
	auth      onboarding.Authenticator
	gen       gate.Generator
}

// New resolves secrets, opens the store and builds the daemon.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := prepare(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	gen, err := buildGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	transport := matrix.NewTransport(matrix.Config{
		Log:    matrixLogger(cfg),
		Logger: logger.With("component", "matrix"),
	})

	d, err := newDaemon(cfg, logger, deps{
		store:     st,
		transport: transport,
		auth:      matrix.NewAuthenticator(transport),
		gen:       gen,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg Config, logger *slog.Logger, dp deps) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     dp.store,
		bus:       events.NewBus(),
		startedAt: time.Now(),
	}

	sup, err := supervisor.New(dp.store, dp.transport, dp.gen, supervisor.Config{
		Gate: gate.Config{
			Persona: cfg.Persona.BasePrompt,
			Batch: pending.BatchFormat{
				Preamble:  cfg.Persona.BatchPreamble,
				Postamble: cfg.Persona.BatchPostamble,
			},
			Typing:   cfg.Typing,
			Defaults: cfg.Defaults,
			Observer: d.publishDecision,
		},
		FlushInterval: cfg.FlushInterval,
		Logger:        logger,
		OnChange:      d.publishLifecycle,
	})
	if err != nil {
		return nil, err
	}
	d.sup = sup

	d.onboarding, err = onboarding.NewMachine(dp.store, dp.auth,
		onboarding.WithLogger(logger),
		onboarding.WithDefaults(cfg.Defaults),
		onboarding.OnReady(sup.Start),
	)
	if err != nil {
		return nil, err
	}

	d.admin, err = admin.NewService(dp.store, cfg.Defaults,
		admin.WithRunner(sup),
		admin.WithLogger(logger),
		admin.OnChange(d.publishSetting),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Admin returns the administrative service.
func (d *Daemon) Admin() *admin.Service { return d.admin }

// Run provisions the configured owner, starts every configured owner and
// serves the HTTP API until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("autoreply daemon running",
		"name", d.cfg.Name,
		"store", d.cfg.Store.Driver,
		"llm", d.cfg.LLM.Provider,
		"homeserver", d.cfg.Matrix.Homeserver,
	)
	defer func() {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", "error", err)
		}
	}()

	if err := d.provisionOwner(ctx); err != nil {
		return err
	}

	n, err := d.sup.StartAllConfigured(ctx)
	if err != nil {
		d.logger.Warn("some owners failed to start", "error", err)
	}
	d.logger.Info("owners started", "count", n)

	srv := &http.Server{Addr: d.cfg.HTTPAddr, Handler: d.Handler()}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("API listening", "addr", d.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	d.healthy.Store(true)

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("context cancelled, shutting down")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	d.healthy.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}
	d.sup.StopAll()

	d.logger.Info("autoreply daemon stopped")
	return runErr
}

// provisionOwner stores the owner given in configuration as ready, with
// the configured access token as its session. The target is only written
// when none is stored yet, so admin changes survive restarts.
func (d *Daemon) provisionOwner(ctx context.Context) error {
	oc := d.cfg.Owner
	if !oc.Enabled() {
		return nil
	}
	session, err := matrix.EncodeSession(oc.UserID, oc.DeviceID, oc.AccessToken)
	if err != nil {
		return fmt.Errorf("provision owner %d: %w", oc.ID, err)
	}
	if err := d.store.UpsertOwner(ctx, store.Owner{
		ID:          oc.ID,
		Credentials: oc.Homeserver,
		Session:     session,
		State:       string(onboarding.Ready),
	}); err != nil {
		return fmt.Errorf("provision owner %d: %w", oc.ID, err)
	}

	if oc.Target == "" {
		return nil
	}
	vals, err := d.store.GetSettings(ctx, oc.ID)
	if err != nil {
		return fmt.Errorf("provision owner %d: %w", oc.ID, err)
	}
	if vals[settings.KeyTargetID] != "" || vals[settings.KeyTargetUsername] != "" {
		return nil
	}
	target, err := settings.Validate(settings.KeyTargetID, oc.Target)
	if err != nil {
		return fmt.Errorf("owner.target: %w", err)
	}
	if err := d.store.SetSetting(ctx, oc.ID, settings.KeyTargetID, target); err != nil {
		return fmt.Errorf("provision owner %d: %w", oc.ID, err)
	}
	d.logger.Info("owner provisioned from config", "owner", oc.ID, "target", target)
	return nil
}

func (d *Daemon) publishDecision(dec gate.Decision) {
	e := events.Event{
		Type:    events.TypeDecision,
		Owner:   dec.OwnerID,
		Cycle:   dec.Cycle,
		Outcome: string(dec.Outcome),
		Reason:  dec.Reason,
		Level:   "info",
	}
	if dec.Err != nil {
		e.Level = "error"
		e.Message = dec.Err.Error()
	}
	d.bus.Publish(e)
}

func (d *Daemon) publishLifecycle(c supervisor.Change) {
	msg := "stopped"
	if c.Running {
		msg = "started"
	}
	d.bus.Publish(events.Event{
		Type:    events.TypeLifecycle,
		Owner:   c.OwnerID,
		Reason:  c.Reason,
		Message: msg,
		Level:   "info",
	})
}

func (d *Daemon) publishSetting(c admin.Change) {
	d.bus.Publish(events.Event{
		Type:    events.TypeSetting,
		Owner:   c.OwnerID,
		Message: c.Key,
		Level:   "info",
	})
}

// prepare loads AWS configuration when cfg needs it and resolves secret
// references in place.
func prepare(ctx context.Context, cfg *Config) (*aws.Config, error) {
	var awsCfg *aws.Config
	if cfg.NeedsAWS() {
		c, err := loadAWS(ctx, cfg.Store.AWSRegion)
		if err != nil {
			return nil, err
		}
		awsCfg = &c
	}
	resolver := secrets.NewResolver(nil)
	if awsCfg != nil {
		resolver = secrets.NewSSMResolver(*awsCfg)
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	return awsCfg, nil
}

// OpenAdmin opens the configured store and returns an admin service over
// it, for one-shot commands run beside or instead of the daemon. Session
// state is not visible to it. The caller closes the store.
func OpenAdmin(ctx context.Context, cfg Config, logger *slog.Logger) (*admin.Service, store.Store, error) {
	awsCfg, err := prepare(ctx, &cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		return nil, nil, err
	}
	svc, err := admin.NewService(st, cfg.Defaults, admin.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return svc, st, nil
}

func openStore(ctx context.Context, cfg Config, awsCfg *aws.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	case "dynamodb":
		if awsCfg == nil {
			return nil, errors.New("open dynamodb store: no AWS configuration")
		}
		st, err := dynamo.New(dynamodb.NewFromConfig(*awsCfg), cfg.Store.DynamoDBTable)
		if err != nil {
			return nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		return st, nil
	case "memory":
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store.driver: %q", cfg.Store.Driver)
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return c, nil
}

// buildGenerator builds the primary provider and the optional fallback.
// A provider without an API key is skipped.
func buildGenerator(cfg Config, logger *slog.Logger) (*llm.Generator, error) {
	var providers []llm.Provider
	for i, pc := range []ProviderConfig{cfg.LLM.ProviderConfig, cfg.LLM.Fallback} {
		if pc.Provider == "" {
			continue
		}
		if pc.APIKey == "" {
			logger.Warn("LLM provider has no API key, skipping", "provider", pc.Provider, "fallback", i > 0)
			continue
		}
		p := buildProvider(pc)
		providers = append(providers, p)
		logger.Info("LLM provider configured", "provider", p.Name(), "model", pc.Model, "fallback", i > 0)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: set llm.api_key", llm.ErrNoProvider)
	}
	chain := llm.NewChain(logger, providers...)
	return llm.NewGenerator(chain, cfg.LLM.MaxOutput, cfg.LLM.Temperature, logger), nil
}

func buildProvider(pc ProviderConfig) llm.Provider {
	if pc.Provider == "anthropic" {
		return llm.NewAnthropic(pc.BaseURL, pc.APIKey, pc.Model)
	}
	return llm.NewOpenAI(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model)
}
