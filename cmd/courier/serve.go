package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/albertbausili/courier/pkg/courier"
)

type serveOptions struct {
	addr        string
	metricsAddr string
	rate        float64
	compress    bool
	maxConns    uint32
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo server",
		Long: `serve answers on every path: /echo returns the request it received,
/health reports liveness and anything else gets a short greeting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides the config file)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "requests per second allowed per client (0 disables limiting)")
	cmd.Flags().BoolVar(&opts.compress, "compress", false, "compress responses for clients that accept it")
	cmd.Flags().Uint32Var(&opts.maxConns, "max-conns", 0, "connection limit (overrides the config file)")
	return cmd
}

func runServe(ctx context.Context, a *app, opts *serveOptions) error {
	config := a.config.Server
	if opts.addr != "" {
		config.Addr = opts.addr
	}
	if opts.maxConns > 0 {
		config.MaxConnections = opts.maxConns
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	srv := courier.New(config).Handler(demoHandler(a, opts))
	if err := srv.Start(); err != nil {
		return err
	}
	a.logger.Info("serving", "addr", config.Addr)

	var metrics *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener failed", "error", err)
			}
		}()
		a.logger.Info("serving metrics", "addr", opts.metricsAddr)
	}

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	err := srv.Stop(shutdownCtx)
	if metrics != nil {
		err = errors.Join(err, metrics.Shutdown(shutdownCtx))
	}
	return err
}

func demoHandler(a *app, opts *serveOptions) courier.Handler {
	middlewares := []courier.Middleware{
		courier.Recovery(a.logger),
		courier.RequestID(),
		courier.Logger(a.logger),
		courier.Prometheus(),
		courier.Tracing(),
		courier.Health(courier.HealthConfig{}),
	}
	if opts.rate > 0 {
		middlewares = append(middlewares, courier.RateLimiter(opts.rate))
	}
	if opts.compress {
		middlewares = append(middlewares, courier.Compress())
	}
	return courier.Chain(middlewares...)(courier.HandlerFunc(route))
}

func route(ctx *courier.Context) error {
	switch ctx.Path() {
	case "/echo":
		return ctx.JSON(http.StatusOK, echoReply(ctx))
	default:
		return ctx.Plain(http.StatusOK, "courier\n")
	}
}

type echoFields struct {
	Method  string      `json:"method"`
	Target  string      `json:"target"`
	Proto   string      `json:"proto"`
	Headers [][2]string `json:"headers"`
	Body    string      `json:"body"`
}

func echoReply(ctx *courier.Context) echoFields {
	fields := ctx.Header().Fields()
	headers := make([][2]string, 0, len(fields))
	for _, f := range fields {
		headers = append(headers, [2]string{f.Name, f.Value})
	}
	return echoFields{
		Method:  ctx.Method(),
		Target:  ctx.Target(),
		Proto:   ctx.Proto(),
		Headers: headers,
		Body:    string(ctx.Body()),
	}
}
