// Command oauth-guard runs a small OAuth browser front end behind the security
// pipeline. It exists to exercise the guards end to end against a real store
// and to give operators a reference wiring.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	guard "github.com/giantswarm/oauth-guard"
	"github.com/giantswarm/oauth-guard/csrf"
	"github.com/giantswarm/oauth-guard/fingerprint"
	"github.com/giantswarm/oauth-guard/geo"
	"github.com/giantswarm/oauth-guard/instrumentation"
	"github.com/giantswarm/oauth-guard/ratelimit"
	"github.com/giantswarm/oauth-guard/security"
	"github.com/giantswarm/oauth-guard/storage"
	"github.com/giantswarm/oauth-guard/storage/memory"
	"github.com/giantswarm/oauth-guard/storage/redis"
	"github.com/giantswarm/oauth-guard/storage/valkey"
	"github.com/giantswarm/oauth-guard/threat"
	"github.com/giantswarm/oauth-guard/validate"
)

const (
	shutdownTimeout = 10 * time.Second
	userKeyPrefix   = "demo:user:"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "genkey" {
		if err := printKey(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		slog.Error("oauth-guard exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := guard.LoadConfigFromEnv(".env")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(settings.IsProduction())
	slog.SetDefault(logger)

	inst, err := instrumentation.New(settings.Instrumentation)
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(sctx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(settings.Store, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	var codec *storage.Codec
	if settings.EncryptionKey != nil {
		enc, err := security.NewEncryptor(settings.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to create encryptor: %w", err)
		}
		codec = storage.NewCodec(enc)
		logger.Info("Encryption at rest enabled for guard state")
	}

	auditor := security.NewAuditor(logger, settings.AuditLogging)
	ipResolver := settings.Pipeline.IPResolver

	rlCfg := settings.RateLimit
	rlCfg.IPResolver = ipResolver
	rlCfg.Auditor = auditor
	rlCfg.Logger = logger
	rlCfg.Instrumentation = inst
	limiter, err := ratelimit.New(store, codec, rlCfg)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	notifier, closeNotifier, err := buildNotifier(settings.Alerts, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	locator := geo.NewHeaderLocator()

	monitor, err := threat.New(store, threat.Config{
		Codec:           codec,
		Notifier:        notifier,
		Containment:     limiter,
		Locator:         locator,
		IPResolver:      ipResolver,
		Auditor:         auditor,
		Logger:          logger,
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("failed to create threat monitor: %w", err)
	}

	csrfCfg := settings.CSRF
	csrfCfg.Codec = codec
	csrfCfg.Auditor = auditor
	csrfCfg.Logger = logger
	csrfCfg.Instrumentation = inst
	csrfGuard, err := csrf.New(store, csrfCfg)
	if err != nil {
		return fmt.Errorf("failed to create CSRF guard: %w", err)
	}
	defer csrfGuard.Close()

	fpCfg := settings.Fingerprint
	fpCfg.Codec = codec
	fpCfg.Locator = locator
	fpCfg.Alerter = monitor
	fpCfg.IPResolver = ipResolver
	fpCfg.Auditor = auditor
	fpCfg.Logger = logger
	fpCfg.Instrumentation = inst
	fpGuard, err := fingerprint.New(store, fpCfg)
	if err != nil {
		return fmt.Errorf("failed to create fingerprint guard: %w", err)
	}

	validator, err := validate.New(settings.Validation)
	if err != nil {
		return fmt.Errorf("failed to create input validator: %w", err)
	}

	pipelineCfg := settings.Pipeline
	pipelineCfg.Auditor = auditor
	pipelineCfg.Logger = logger
	pipelineCfg.Users = sessionUsers(store)

	pipeline, err := guard.New(pipelineCfg, guard.Components{
		Store:           store,
		CSRF:            csrfGuard,
		Fingerprint:     fpGuard,
		RateLimiter:     limiter,
		Monitor:         monitor,
		InputValidator:  validator,
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("failed to create security pipeline: %w", err)
	}

	app := &app{store: store, pipeline: pipeline, monitor: monitor, logger: logger}

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           app.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("oauth-guard listening", "addr", srv.Addr, "store", settings.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

// printKey writes a fresh encryption key suitable for GUARD_ENCRYPTION_KEY.
func printKey() error {
	key, err := security.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	fmt.Println(security.KeyToBase64(key))
	return nil
}

func setupLogger(production bool) *slog.Logger {
	level := slog.LevelDebug
	if production {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// openStore builds the configured backend and returns its release function.
func openStore(cfg guard.StoreSettings, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.KeyValueStore, func(), error) {
	switch cfg.Backend {
	case guard.StoreValkey:
		s, err := valkey.New(valkey.Config{
			Address:         cfg.Addr,
			Password:        cfg.Password,
			DB:              cfg.DB,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return s, s.Close, nil
	case guard.StoreRedis:
		s, err := redis.New(redis.Config{
			URL:             redisURL(cfg),
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close redis store", "error", err)
			}
		}, nil
	default:
		s := memory.New(memory.Config{Logger: logger, Instrumentation: inst})
		return s, s.Stop, nil
	}
}

func redisURL(cfg guard.StoreSettings) string {
	if strings.Contains(cfg.Addr, "://") {
		return cfg.Addr
	}
	u := url.URL{Scheme: "redis", Host: cfg.Addr, Path: "/" + strconv.Itoa(cfg.DB)}
	if cfg.Password != "" {
		u.User = url.UserPassword("", cfg.Password)
	}
	return u.String()
}

// buildNotifier always logs alerts and fans out to the optional webhook and
// AMQP sinks.
func buildNotifier(cfg guard.AlertSettings, logger *slog.Logger) (threat.Notifier, func(), error) {
	notifiers := threat.MultiNotifier{threat.NewLogNotifier(logger)}
	closeFn := func() {}

	if cfg.WebhookURL != "" {
		wh, err := threat.NewWebhookNotifier(threat.WebhookConfig{URL: cfg.WebhookURL})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		notifiers = append(notifiers, wh)
	}

	if cfg.AMQPURL != "" {
		mq, err := threat.DialAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create AMQP notifier: %w", err)
		}
		notifiers = append(notifiers, mq)
		closeFn = func() {
			if err := mq.Close(); err != nil {
				logger.Warn("Failed to close AMQP notifier", "error", err)
			}
		}
	}
	return notifiers, closeFn, nil
}

// sessionUsers maps a session to the user that signed in on it.
func sessionUsers(store storage.KeyValueStore) guard.UserResolver {
	return guard.UserResolverFunc(func(r *http.Request) string {
		sid := guard.SessionIDFromContext(r.Context())
		if sid == "" {
			return ""
		}
		v, err := store.Get(r.Context(), userKeyPrefix+sid)
		if err != nil {
			return ""
		}
		return string(v)
	})
}

type app struct {
	store    storage.KeyValueStore
	pipeline *guard.Pipeline
	monitor  *threat.Monitor
	logger   *slog.Logger
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/admin/threats", a.threatStats)

	r.Group(func(r chi.Router) {
		r.Use(a.pipeline.Middleware)

		r.Get("/login", a.form("Sign in", "/login", "username"))
		r.Post("/login", a.login)
		r.Get("/oauth/authorize", a.form("Authorize application", "/oauth/authorize", ""))
		r.Post("/oauth/authorize", a.decision)
		r.Get("/oauth/consent", a.form("Grant consent", "/oauth/consent", ""))
		r.Post("/oauth/consent", a.decision)
		r.Post("/oauth/token", a.token)
	})
	return r
}

var formTmpl = template.Must(template.New("form").Parse(`<!doctype html>
<html><head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<form method="post" action="{{.Action}}">
<input type="hidden" name="csrf_token" value="{{.Token}}">
{{if .Field}}<input name="{{.Field}}" autocomplete="{{.Field}}">{{end}}
<button type="submit">Continue</button>
</form>
</body></html>
`))

func (a *app) form(title, action, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := formTmpl.Execute(w, map[string]string{
			"Title":  title,
			"Action": action,
			"Field":  field,
			"Token":  guard.CSRFTokenFromContext(r.Context()),
		})
		if err != nil {
			a.logger.Warn("Failed to render form", "error", err)
		}
	}
}

func (a *app) login(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PostFormValue("username"))
	if username == "" {
		guard.WriteError(w, guard.ErrInvalidInput(errors.New("username is required")))
		return
	}

	oldID := guard.SessionIDFromContext(r.Context())
	if oldID == "" {
		guard.WriteError(w, guard.ErrInvalidInput(errors.New("login requires a browser session")))
		return
	}
	newID, err := guard.NewSessionID()
	if err != nil {
		guard.WriteError(w, guard.ErrInternalSecurityFault(err))
		return
	}
	if err := a.pipeline.RegenerateSession(w, r, oldID, newID, username); err != nil {
		guard.WriteError(w, guard.ErrInternalSecurityFault(err))
		return
	}
	if err := a.store.SetWithTTL(r.Context(), userKeyPrefix+newID, []byte(username), guard.DefaultSessionMaxAge); err != nil {
		guard.WriteError(w, guard.ErrInternalSecurityFault(err))
		return
	}
	if err := a.store.Delete(r.Context(), userKeyPrefix+oldID); err != nil {
		a.logger.Warn("Failed to drop previous session user", "error", err)
	}
	http.Redirect(w, r, "/oauth/authorize", http.StatusSeeOther)
}

func (a *app) decision(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// token is a stand-in for the upstream token endpoint. Server-to-server calls
// skip the browser guards and land here directly.
func (a *app) token(w http.ResponseWriter, r *http.Request) {
	code, err := security.GenerateToken(24)
	if err != nil {
		guard.WriteError(w, guard.ErrInternalSecurityFault(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": code,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (a *app) threatStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.monitor.Stats(r.Context())
	if err != nil {
		a.logger.Error("Failed to read threat stats", "error", err)
		guard.WriteError(w, guard.ErrInternalSecurityFault(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
