// Command aegis serves device registration, request signature validation,
// policy evaluation and device rebinding over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis/pkg/audit"
	"aegis/pkg/auth"
	"aegis/pkg/config"
	"aegis/pkg/fraud"
	"aegis/pkg/hardening"
	"aegis/pkg/logging"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/policy"
	"aegis/pkg/ratelimit"
	"aegis/pkg/rebind"
	"aegis/pkg/registry"
	"aegis/pkg/statebus"
	"aegis/pkg/store"
	"aegis/pkg/stream"
	"aegis/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const serviceName = "aegis-api"

var logger = logging.New(serviceName, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

// Testable variables for main()
var (
	logFatalf       = func(format string, args ...any) { logger.Fatal().Msgf(format, args...) }
	initTelemetryFn = telemetry.Init
	openBackendsFn  = openBackends
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Getenv("AEGIS_CONFIG_FILE"), initTelemetryFn, openBackendsFn, listenFn); err != nil {
		logFatalf("aegis: %v", err)
	}
}

type policyStore interface {
	policy.Source
	SavePolicy(ctx context.Context, p models.Policy) error
}

type profileStore interface {
	rebind.ProfileSource
	Upsert(ctx context.Context, p models.IdentityProfile) error
}

type bindingStore interface {
	rebind.Bindings
	RequireRebinding(ctx context.Context, user string, at time.Time) error
}

// backends are the storage ports, either all in memory or all in Postgres,
// plus the cache that holds nonces, one-time codes and counters.
type backends struct {
	Keys     registry.KeyStore
	Devices  registry.DeviceStore
	Policies policyStore
	Bindings bindingStore
	Profiles profileStore
	Reports  fraud.Reports
	Trail    audit.Trail
	Cache    store.Cache
	Redis    *redis.Client
	Close    func()
}

func openBackends(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{Close: func() {}}
	var closers []func()
	b.Close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := store.NewPostgresPool(ctx, store.PostgresOptionsFromEnv(), log)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pool.Close)
		b.Keys = &store.KeyRepo{DB: pool}
		b.Devices = &store.DeviceRepo{DB: pool}
		b.Policies = &store.PolicyRepo{DB: pool}
		b.Bindings = &store.BindingRepo{DB: pool}
		b.Profiles = &store.ProfileRepo{DB: pool}
		b.Reports = &store.FraudRepo{DB: pool}
		b.Trail = &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
	default:
		b.Keys = registry.NewMemoryKeyStore()
		b.Devices = registry.NewMemoryDeviceStore()
		b.Policies = policy.NewMemorySource()
		b.Bindings = rebind.NewMemoryBindings()
		b.Profiles = rebind.NewMemoryProfiles()
		b.Reports = fraud.NewMemoryReports()
		b.Trail = audit.NewMemoryLog()
	}

	switch cfg.NonceBackend {
	case config.BackendRedis:
		opts, err := store.RedisOptionsFromEnv()
		if err != nil {
			b.Close()
			return nil, err
		}
		client, err := store.NewRedis(ctx, opts)
		if err != nil {
			b.Close()
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		b.Redis = client
		b.Cache = store.NewRedisCache(client)
	default:
		mem := store.NewMemoryCache()
		go mem.RunSweeper(ctx, cfg.NonceSweepInterval, log)
		b.Cache = mem
	}
	return b, nil
}

// limiter prefers Redis so counters are shared across replicas.
func limiter(client *redis.Client, window time.Duration, prefix string) ratelimit.Limiter {
	mem := ratelimit.NewInMemory(window)
	if client == nil {
		return mem
	}
	return &ratelimit.RedisLimiter{Client: client, Window: window, Prefix: prefix, Fallback: mem}
}

func seedPolicies(ctx context.Context, ps policyStore, clients []string, log zerolog.Logger) error {
	for _, clientID := range clients {
		existing, err := ps.ActivePolicies(ctx, clientID)
		if err != nil {
			return fmt.Errorf("seed %s: %w", clientID, err)
		}
		if len(existing) > 0 {
			continue
		}
		for _, p := range policy.Seed(clientID, time.Now().UTC()) {
			if err := ps.SavePolicy(ctx, p); err != nil {
				return fmt.Errorf("seed %s: %w", clientID, err)
			}
		}
		log.Info().Str("client_id", clientID).Msg("reference policies seeded")
	}
	return nil
}

func run(
	ctx context.Context,
	configFile string,
	initTelemetry func(context.Context, string, zerolog.Logger) (func(context.Context) error, error),
	open func(context.Context, config.Config, zerolog.Logger) (*backends, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if open == nil {
		open = openBackends
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               serviceName,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		DatabaseRequireTLS:    os.Getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisRequireTLS:       os.Getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      os.Getenv("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: os.Getenv("REDIS_ALLOW_INSECURE_TLS"),
		NonceBackend:          cfg.NonceBackend,
		SignatureTolerance:    cfg.SignatureTolerance,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AEGIS_ADMIN_TOKEN", Value: cfg.AdminToken},
			{Name: "AEGIS_AUDIT_HASH_SALT", Value: cfg.AuditHashSalt},
		},
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, serviceName, log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	b, err := open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := seedPolicies(ctx, b.Policies, cfg.SeedClientIDs(), log); err != nil {
		return err
	}

	s, cleanup, err := newServer(ctx, cfg, b, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreBackend).Str("nonce", cfg.NonceBackend).Msg("aegis listening")
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newServer assembles the domain services over the backends. The returned
// cleanup closes Kafka clients.
func newServer(ctx context.Context, cfg config.Config, b *backends, log zerolog.Logger) (*Server, func(), error) {
	m := metrics.NewRegistry()
	hub := stream.NewHub()
	cleanup := func() {}

	sinks := multiSink{hub}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		pub, err := statebus.NewKafkaPublisher(brokers, cfg.KafkaDeviceTopic, log)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pub)
		cleanup = func() { _ = pub.Close() }
	}

	reg := registry.New(b.Keys, b.Devices,
		registry.WithKeyReuse(cfg.RegistrationKeyReuse),
		registry.WithEventSink(sinks),
		registry.WithLogger(log),
	)
	validator := auth.NewValidator(reg, b.Cache,
		auth.WithTolerance(cfg.SignatureTolerance),
		auth.WithLogger(log),
		auth.WithMetrics(m),
	)
	engine := policy.NewEngine(b.Policies,
		policy.WithLogger(log),
		policy.WithMetrics(m),
		policy.WithObserver(stream.DecisionObserver(hub)),
	)
	otp := rebind.OTPVerifier{Cache: b.Cache, TTL: cfg.OTPTTL}
	kyc := rebind.Verifier(rebind.KYCVerifier{Profiles: b.Profiles})
	if cfg.KYCURL != "" {
		kyc = rebind.HTTPKYCVerifier{
			URL:        cfg.KYCURL,
			Token:      cfg.KYCToken,
			Client:     telemetry.InstrumentClient(nil),
			Retries:    2,
			RetryDelay: 200 * time.Millisecond,
		}
	}
	answers := rebind.SecurityAnswersVerifier{Profiles: b.Profiles}
	workflow := rebind.New(reg, b.Bindings, b.Trail,
		rebind.WithVerifier(rebind.MethodAadhaarPAN, kyc),
		rebind.WithVerifier(rebind.MethodSecurityQuestions, answers),
		rebind.WithVerifier(rebind.MethodOTP, otp),
		rebind.WithVerifier(rebind.MethodAadhaarPANSecurity, rebind.Composite{kyc, answers}),
		rebind.WithOTP(otp),
		rebind.WithPolicy(engine),
		rebind.WithEventSink(sinks),
		rebind.WithFailureLimiter(limiter(b.Redis, cfg.RebindFailureWindow, "rebind:"), cfg.RebindFailureLimit),
		rebind.WithVerifierTimeout(cfg.VerifierTimeout),
		rebind.WithLogger(log),
		rebind.WithMetrics(m),
	)
	fraudSvc := &fraud.Service{Reports: b.Reports, Devices: reg, Metrics: m, Log: log}

	if brokers := cfg.Brokers(); len(brokers) > 0 && cfg.KafkaFraudTopic != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   cfg.KafkaFraudTopic,
			GroupID: cfg.KafkaGroupID,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		go statebus.ConsumeFraudReports(ctx, consumer, func(ctx context.Context, rep models.FraudReport) error {
			_, err := fraudSvc.Report(ctx, rep)
			return err
		}, log)
		prev := cleanup
		cleanup = func() {
			_ = consumer.Close()
			prev()
		}
	}

	s := &Server{
		Config:    cfg,
		Log:       log,
		Metrics:   m,
		Registry:  reg,
		Validator: validator,
		Engine:    engine,
		Policies:  b.Policies,
		Rebind:    workflow,
		OTP:       otp,
		Profiles:  b.Profiles,
		Bindings:  b.Bindings,
		Trail:     b.Trail,
		Fraud:     fraudSvc,
		Limiter:   limiter(b.Redis, cfg.RegisterRateWindow, "register:"),
		Events:    hub,
	}
	return s, cleanup, nil
}

// multiSink fans device events out to every sink.
type multiSink []registry.EventSink

func (m multiSink) DeviceEvent(ctx context.Context, evt models.DeviceEvent) {
	for _, s := range m {
		s.DeviceEvent(ctx, evt)
	}
}
