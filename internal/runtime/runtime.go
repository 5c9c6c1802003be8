// Package runtime assembles the interview service from its configuration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interview/internal/answers"
	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/interview"
	"github.com/loqalabs/loqa-interview/internal/llm"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
	"github.com/loqalabs/loqa-interview/internal/recorder"
	"github.com/loqalabs/loqa-interview/internal/stt"
	"golang.org/x/sync/errgroup"
)

const (
	reapInterval    = time.Minute
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	bus     *bus.Client
	stt     *stt.Service
	manager *interview.Manager
	metrics http.Handler

	// cleanups run in reverse order on shutdown.
	cleanups []func(context.Context)
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP until ctx is cancelled and then
// shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.cleanup()

	handler, err := r.build(ctx)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	servers := map[net.Listener]http.Handler{ln: handler}
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsLn, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", r.cfg.Telemetry.PrometheusBind, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		servers[metricsLn] = metricsMux
		r.logger.Info("metrics listener started", slog.String("addr", metricsLn.Addr().String()))
	}
	return r.serve(ctx, servers)
}

func (r *Runtime) serve(ctx context.Context, listeners map[net.Listener]http.Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	var httpServers []*http.Server
	for ln, handler := range listeners {
		httpServer := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		httpServers = append(httpServers, httpServer)
		g.Go(func() error {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		r.logger.Info("http listener started", slog.String("addr", ln.Addr().String()))
	}
	g.Go(func() error {
		r.manager.RunReaper(gctx, reapInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, httpServer := range httpServers {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started")
	return g.Wait()
}

func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onShutdown(func(ctx context.Context) {
		if err := shutdownTelemetry(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	})

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	if embedded != nil {
		r.onShutdown(func(context.Context) { embedded.Shutdown() })
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return nil, err
	}
	r.bus = busClient
	r.onShutdown(func(context.Context) { busClient.Close() })

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.onShutdown(func(context.Context) {
		if err := events.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	})

	store, err := answers.Open(ctx, r.cfg.Answers, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open answer store: %w", err)
	}
	r.onShutdown(func(context.Context) {
		if err := store.Close(); err != nil {
			r.logger.Warn("answer store close error", slogError(err))
		}
	})

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("stt recognizer: %w", err)
		}
		svc := stt.NewService(ctx, r.cfg.STT, busClient, recognizer, r.logger)
		if err := svc.Start(); err != nil {
			return nil, fmt.Errorf("start stt service: %w", err)
		}
		r.stt = svc
		r.onShutdown(func(context.Context) { svc.Close() })
	}

	completer, err := llm.New(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm completer: %w", err)
	}
	if closer, ok := completer.(interface{ Close(context.Context) error }); ok {
		r.onShutdown(func(ctx context.Context) { _ = closer.Close(ctx) })
	}
	scorer := evaluator.New(completer, evaluator.Options{
		Model:       r.cfg.LLM.Model,
		MaxTokens:   r.cfg.LLM.MaxTokens,
		Temperature: r.cfg.LLM.Temperature,
	}, r.logger)

	auth, err := interview.NewAuthenticator(r.cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	hub := interview.NewHub()
	r.manager = interview.NewManager(interview.ManagerDeps{
		Transcriber: stt.NewBusTranscriber(busClient, r.logger),
		Evaluator:   scorer,
		Answers:     answers.NewGate(store, r.logger),
		Notifier: recorder.MultiNotifier{
			recorder.NewLogNotifier(r.logger),
			recorder.NewBusNotifier(busClient),
		},
		Timeline: events,
		Hub:      hub,
		Logger:   r.logger,
	}, interview.ManagerOptions{
		Recorder:    recorder.OptionsFromConfig(r.cfg.Recorder, r.cfg.STT),
		SessionTTL:  time.Duration(r.cfg.Interview.SessionTTLMinutes) * time.Minute,
		MaxSessions: r.cfg.Interview.MaxSessions,
	})
	r.onShutdown(func(context.Context) { r.manager.Close() })

	api := interview.NewAPI(r.manager, auth, interview.NewBusPublisher(busClient), hub, interview.APIOptions{
		SampleRate:    r.cfg.STT.SampleRate,
		Channels:      r.cfg.STT.Channels,
		DisableEvents: !r.cfg.Interview.WebsocketEvents,
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		r.metrics = metricsHandler
		mux.Handle("/metrics", metricsHandler)
	}
	api.Register(mux)
	return mux, nil
}

func (r *Runtime) onShutdown(fn func(context.Context)) {
	r.cleanups = append(r.cleanups, fn)
}

func (r *Runtime) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i](ctx)
	}
	r.cleanups = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := r.ready.Load() && r.bus != nil && r.bus.Healthy()
	if healthy && r.stt != nil {
		healthy = r.stt.Healthy()
	}
	if healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
