// ump is an OGC API Processes federation gateway.
// Copyright (C) 2025 The ump Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ump/internal/gateway/breaker"
	"ump/internal/gateway/gwerr"
	"ump/internal/gateway/httpclient"
	"ump/internal/gateway/jobmanager"
	"ump/internal/gateway/jobstore"
	"ump/internal/gateway/metrics"
	"ump/internal/gateway/observer"
	"ump/internal/gateway/pipeline"
	"ump/internal/gateway/processmgr"
	"ump/internal/gateway/providers"
	"ump/internal/gateway/retry"
	"ump/pkg/crypto"
	"ump/pkg/process"
)

// Config holds runtime configuration for the gateway. Values can be provided
// via environment variables and/or flags; flags take precedence.
type Config struct {
	HTTPAddr            string        // UMP_HTTP_ADDR
	ProvidersFile        string        // UMP_PROVIDERS_FILE
	RegistrySecret       string        // UMP_REGISTRY_SECRET (do not log value)
	JobStoreDriver       string        // UMP_JOB_STORE_DRIVER: sqlite|postgres
	JobStoreDSN          string        // UMP_JOB_STORE_DSN
	APIServerURL         string        // UMP_API_SERVER_URL
	RewriteRemoteLinks   bool          // UMP_REWRITE_REMOTE_LINKS
	ProcessCacheTTL      time.Duration // UMP_PROCESS_CACHE_TTL_S
	PollInterval         time.Duration // UMP_POLL_INTERVAL_S
	PollTimeout          time.Duration // UMP_POLL_TIMEOUT_S (0 disables)
	ForwardMaxRetries    int           // UMP_FORWARD_MAX_RETRIES
	ForwardRetryBase     time.Duration // UMP_FORWARD_RETRY_BASE_S
	ForwardRetryMax      time.Duration // UMP_FORWARD_RETRY_MAX_S
	BreakerCooldown      time.Duration // UMP_BREAKER_COOLDOWN_S
	ResultsVerify        bool          // UMP_RESULTS_VERIFY
	ShutdownGrace        time.Duration // UMP_SHUTDOWN_GRACE_S
	LogLevel             string        // UMP_LOG_LEVEL: debug|info|warn|error
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:           ":5000",
		ProvidersFile:      "./providers.yaml",
		RegistrySecret:     "",
		JobStoreDriver:     "sqlite",
		JobStoreDSN:        "./ump-jobs.db",
		APIServerURL:       "http://localhost:5000",
		RewriteRemoteLinks: true,
		ProcessCacheTTL:    60 * time.Second,
		PollInterval:       5 * time.Second,
		PollTimeout:        0,
		ForwardMaxRetries:  3,
		ForwardRetryBase:   1 * time.Second,
		ForwardRetryMax:    5 * time.Second,
		BreakerCooldown:    30 * time.Second,
		ResultsVerify:      true,
		ShutdownGrace:      20 * time.Second,
		LogLevel:           "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvSeconds reads a whole- or fractional-seconds env var into a
// Duration, matching the spec's UMP_*_S naming convention.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// parseConfig builds the Config from env + flags. Flags override env.
func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:           getenv("UMP_HTTP_ADDR", def.HTTPAddr),
		ProvidersFile:      getenv("UMP_PROVIDERS_FILE", def.ProvidersFile),
		RegistrySecret:     getenv("UMP_REGISTRY_SECRET", def.RegistrySecret),
		JobStoreDriver:     getenv("UMP_JOB_STORE_DRIVER", def.JobStoreDriver),
		JobStoreDSN:        getenv("UMP_JOB_STORE_DSN", def.JobStoreDSN),
		APIServerURL:       getenv("UMP_API_SERVER_URL", def.APIServerURL),
		RewriteRemoteLinks: getenvBool("UMP_REWRITE_REMOTE_LINKS", def.RewriteRemoteLinks),
		ProcessCacheTTL:    getenvSeconds("UMP_PROCESS_CACHE_TTL_S", def.ProcessCacheTTL),
		PollInterval:       getenvSeconds("UMP_POLL_INTERVAL_S", def.PollInterval),
		PollTimeout:        getenvSeconds("UMP_POLL_TIMEOUT_S", def.PollTimeout),
		ForwardMaxRetries:  getenvInt("UMP_FORWARD_MAX_RETRIES", def.ForwardMaxRetries),
		ForwardRetryBase:   getenvSeconds("UMP_FORWARD_RETRY_BASE_S", def.ForwardRetryBase),
		ForwardRetryMax:    getenvSeconds("UMP_FORWARD_RETRY_MAX_S", def.ForwardRetryMax),
		BreakerCooldown:    getenvSeconds("UMP_BREAKER_COOLDOWN_S", def.BreakerCooldown),
		ResultsVerify:      getenvBool("UMP_RESULTS_VERIFY", def.ResultsVerify),
		ShutdownGrace:      getenvSeconds("UMP_SHUTDOWN_GRACE_S", def.ShutdownGrace),
		LogLevel:           getenv("UMP_LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env UMP_HTTP_ADDR)")
	flag.StringVar(&cfg.ProvidersFile, "providers-file", cfg.ProvidersFile, "Providers registry YAML path (env UMP_PROVIDERS_FILE)")
	flag.StringVar(&cfg.JobStoreDriver, "job-store-driver", cfg.JobStoreDriver, "Job store driver: sqlite|postgres (env UMP_JOB_STORE_DRIVER)")
	flag.StringVar(&cfg.JobStoreDSN, "job-store-dsn", cfg.JobStoreDSN, "Job store DSN/path (env UMP_JOB_STORE_DSN)")
	flag.StringVar(&cfg.APIServerURL, "api-server-url", cfg.APIServerURL, "Public base URL of this gateway (env UMP_API_SERVER_URL)")
	flag.BoolVar(&cfg.RewriteRemoteLinks, "rewrite-remote-links", cfg.RewriteRemoteLinks, "Rewrite upstream links onto this gateway (env UMP_REWRITE_REMOTE_LINKS)")
	flag.DurationVar(&cfg.ProcessCacheTTL, "process-cache-ttl", cfg.ProcessCacheTTL, "Process discovery cache TTL (env UMP_PROCESS_CACHE_TTL_S)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Poll loop interval (env UMP_POLL_INTERVAL_S)")
	flag.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "Poll wall-clock deadline, 0 disables (env UMP_POLL_TIMEOUT_S)")
	flag.IntVar(&cfg.ForwardMaxRetries, "forward-max-retries", cfg.ForwardMaxRetries, "Max forward attempts (env UMP_FORWARD_MAX_RETRIES)")
	flag.DurationVar(&cfg.ForwardRetryBase, "forward-retry-base", cfg.ForwardRetryBase, "Forward retry base backoff (env UMP_FORWARD_RETRY_BASE_S)")
	flag.DurationVar(&cfg.ForwardRetryMax, "forward-retry-max", cfg.ForwardRetryMax, "Forward retry max backoff (env UMP_FORWARD_RETRY_MAX_S)")
	flag.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", cfg.BreakerCooldown, "Circuit breaker open-state cooldown (env UMP_BREAKER_COOLDOWN_S)")
	flag.BoolVar(&cfg.ResultsVerify, "results-verify", cfg.ResultsVerify, "Probe results links and downgrade unreachable ones (env UMP_RESULTS_VERIFY)")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period for in-flight polls on shutdown (env UMP_SHUTDOWN_GRACE_S)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env UMP_LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func logConfig(logger *slog.Logger, cfg Config) {
	logger.Info("gateway configuration",
		"addr", cfg.HTTPAddr,
		"providers_file", cfg.ProvidersFile,
		"registry_secret", crypto.RedactSecret(cfg.RegistrySecret),
		"job_store_driver", cfg.JobStoreDriver,
		"job_store_dsn", cfg.JobStoreDSN,
		"api_server_url", cfg.APIServerURL,
		"rewrite_remote_links", cfg.RewriteRemoteLinks,
		"process_cache_ttl", cfg.ProcessCacheTTL,
		"poll_interval", cfg.PollInterval,
		"poll_timeout", cfg.PollTimeout,
		"forward_max_retries", cfg.ForwardMaxRetries,
		"forward_retry_base", cfg.ForwardRetryBase,
		"forward_retry_max", cfg.ForwardRetryMax,
		"breaker_cooldown", cfg.BreakerCooldown,
		"results_verify", cfg.ResultsVerify,
		"log_level", cfg.LogLevel,
	)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeErr maps a gwerr-classified error onto the gateway's HTTP surface.
func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := gwerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case gwerr.InvalidInput:
		status = http.StatusBadRequest
	case gwerr.NotFound:
		status = http.StatusNotFound
	case gwerr.Conflict:
		status = http.StatusConflict
	case gwerr.ShuttingDown:
		status = http.StatusServiceUnavailable
	case gwerr.BadGatewayError, gwerr.TransportError, gwerr.TimeoutError, gwerr.TransientUpstream:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, jsonError{Error: string(kind), Message: err.Error()})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// gatewayAPI groups the two managers the HTTP surface translates requests
// onto; it exists purely to keep handler closures in newMux short.
type gatewayAPI struct {
	processes *processmgr.Manager
	jobs      *jobmanager.Manager
	logger    *slog.Logger
}

func newMux(api *gatewayAPI) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("GET /processes", api.listProcesses)
	mux.HandleFunc("GET /processes/{id}", api.getProcess)
	mux.HandleFunc("POST /processes/{id}/execution", api.executeProcess)
	mux.HandleFunc("GET /jobs", api.listJobs)
	mux.HandleFunc("GET /jobs/{id}", api.getJob)
	mux.HandleFunc("GET /jobs/{id}/results", api.getResults)

	return mux
}

func (a *gatewayAPI) listProcesses(w http.ResponseWriter, r *http.Request) {
	summaries := a.processes.ListAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"processes": summaries})
}

func (a *gatewayAPI) getProcess(w http.ResponseWriter, r *http.Request) {
	desc, err := a.processes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (a *gatewayAPI) executeProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, a.logger, gwerr.New(gwerr.InvalidInput, "executeProcess", err))
		return
	}
	_, code, hdr, si, err := a.jobs.CreateAndForward(r.Context(), r.PathValue("id"), body, r.Header)
	if err != nil {
		writeErr(w, a.logger, err)
		return
	}
	for k, vs := range hdr {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeJSON(w, code, si)
}

func (a *gatewayAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := process.JobFilter{Status: process.JobStatus(r.URL.Query().Get("status"))}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}
	jobs, err := a.jobs.List(r.Context(), filter)
	if err != nil {
		writeErr(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *gatewayAPI) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusInfo)
}

func (a *gatewayAPI) getResults(w http.ResponseWriter, r *http.Request) {
	mode, resultsURL, err := a.jobs.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, a.logger, err)
		return
	}
	if mode == process.ResultStorageLocal {
		// Non-goal: the gateway does not itself own result bytes, so a local
		// storage mode is still expressed as a redirect today; a future
		// proxy-through would read resultsURL and stream the body here.
		w.Header().Set("Location", resultsURL)
		w.WriteHeader(http.StatusFound)
		return
	}
	w.Header().Set("Location", resultsURL)
	w.WriteHeader(http.StatusFound)
}

func openJobStore(ctx context.Context, cfg Config) (jobstore.Repository, error) {
	switch cfg.JobStoreDriver {
	case "postgres":
		return jobstore.OpenPostgres(ctx, cfg.JobStoreDSN)
	case "", "sqlite":
		return jobstore.OpenSQLite(ctx, cfg.JobStoreDSN)
	default:
		return nil, fmt.Errorf("unknown job store driver %q", cfg.JobStoreDriver)
	}
}

func main() {
	cfg := parseConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded, err := providers.LoadFile(cfg.ProvidersFile, cfg.RegistrySecret)
	if err != nil {
		logger.Error("failed to load providers file", "error", err)
		os.Exit(1)
	}
	registry := providers.NewRegistry(loaded)

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go func() {
		if err := providers.Watch(watchCtx, cfg.ProvidersFile, cfg.RegistrySecret, registry, logger); err != nil {
			logger.Warn("providers watcher stopped", "error", err)
		}
	}()

	httpClient := httpclient.New(httpclient.Config{})

	var pipelineOpts []pipeline.Option
	if cfg.RewriteRemoteLinks {
		pipelineOpts = append(pipelineOpts, pipeline.WithLinkRewrite(cfg.APIServerURL))
	}
	pl := pipeline.New(logger, pipelineOpts...)

	procMgr := processmgr.New(registry, httpClient, pl, cfg.ProcessCacheTTL, logger)

	repo, err := openJobStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	forwardPolicy, err := retry.New(cfg.ForwardMaxRetries, cfg.ForwardRetryBase, cfg.ForwardRetryMax)
	if err != nil {
		logger.Error("invalid forward retry policy", "error", err)
		os.Exit(1)
	}
	pollPolicy, err := retry.New(1, cfg.ForwardRetryBase, cfg.ForwardRetryMax)
	if err != nil {
		logger.Error("invalid poll retry policy", "error", err)
		os.Exit(1)
	}
	breakers := breaker.NewRegistry(cfg.BreakerCooldown)

	bus := observer.NewBus(logger)
	bus.Register(observer.NewStatusHistoryObserver(repo, logger))

	var jobMgr *jobmanager.Manager
	scheduler := observer.NewPollingSchedulerObserver(pollerAdapter{mgr: &jobMgr}, cfg.PollInterval, logger)
	bus.Register(scheduler)

	if cfg.ResultsVerify {
		downgrade := func(dctx context.Context, jobID, reason string) {
			if jobMgr != nil {
				jobMgr.Downgrade(dctx, jobID, reason)
			}
		}
		bus.Register(observer.NewResultsVerificationObserver(nil, downgrade, true, 10*time.Second, logger))
	}

	jobMgr, err = jobmanager.New(jobmanager.Config{
		Repo:          repo,
		Registry:      registry,
		Processes:     procMgr,
		HTTPClient:    httpClient,
		Bus:           bus,
		Scheduler:     scheduler,
		Breakers:      breakers,
		ForwardPolicy: forwardPolicy,
		PollPolicy:    pollPolicy,
		PollTimeout:   cfg.PollTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to construct job manager", "error", err)
		os.Exit(1)
	}

	api := &gatewayAPI{processes: procMgr, jobs: jobMgr, logger: logger}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(api),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, initiating graceful shutdown")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	watchCancel()
	jobMgr.Shutdown(context.Background(), cfg.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}

// pollerAdapter breaks the construction cycle between PollingSchedulerObserver
// (needed by jobmanager.Config.Scheduler) and jobmanager.Manager (needed as
// the scheduler's Poller): it forwards to whatever Manager mgr points at by
// the time a poll actually fires, which is always set before the bus can
// publish anything.
type pollerAdapter struct {
	mgr **jobmanager.Manager
}

func (p pollerAdapter) PollOnce(ctx context.Context, jobID string) {
	if *p.mgr != nil {
		(*p.mgr).PollOnce(ctx, jobID)
	}
}
