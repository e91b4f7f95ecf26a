package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MonetDBSolutions/mapiproxy/internal/accumulator"
	"github.com/MonetDBSolutions/mapiproxy/internal/addr"
	"github.com/MonetDBSolutions/mapiproxy/internal/mapierrors"
	"github.com/MonetDBSolutions/mapiproxy/internal/metrics"
	"github.com/MonetDBSolutions/mapiproxy/internal/proxy"
)

func newProxyCmd(log *zap.Logger) *cobra.Command {
	var flags renderFlags
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "LISTEN_ADDR FORWARD_ADDR",
		Short: "Run as an intercepting proxy between a client and a MAPI server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := flags.level()
			if err != nil {
				return mapierrors.Classify(mapierrors.Configuration, err)
			}
			listenAddr, err := addr.ParseMonetAddr(args[0])
			if err != nil {
				return mapierrors.Classify(mapierrors.Configuration, err)
			}
			forwardAddr, err := addr.ParseMonetAddr(args[1])
			if err != nil {
				return mapierrors.Classify(mapierrors.Configuration, err)
			}

			r, closer, err := newRenderer(cmd, &flags)
			if err != nil {
				return mapierrors.Classify(mapierrors.Configuration, err)
			}
			defer func() { _ = closer.Close() }()

			var reg *prometheus.Registry
			var m *metrics.Metrics
			if metricsAddr != "" {
				reg = prometheus.NewRegistry()
				m = metrics.New(reg)
				go serveMetrics(log, metricsAddr, reg)
			} else {
				m = metrics.NewUnregistered()
			}

			state := accumulator.NewState(r, level, flags.forceBinary, flags.briefN(cmd))

			p, events := proxy.New(listenAddr, forwardAddr, log, m)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			installSignalHandler(log, func() { p.Shutdown(); cancel() })

			runErr := make(chan error, 1)
			go func() { runErr <- p.Run(ctx) }()

			for ev := range events {
				if err := state.Handle(ev); err != nil {
					log.Error("rendering event failed", zap.Error(err))
				}
			}
			if err := r.Flush(); err != nil {
				log.Warn("flushing output failed", zap.Error(err))
			}
			return <-runErr
		},
	}
	flags.addTo(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	return cmd
}

func serveMetrics(log *zap.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

// installSignalHandler arranges for the first Ctrl-C to call shutdown,
// and a second one to hard-exit the process immediately, matching the
// "ask nicely once, then give up" convention for interactive CLI tools.
func installSignalHandler(log *zap.Logger, shutdown func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		triggered := false
		for range sig {
			if triggered {
				log.Warn("second interrupt received, exiting immediately")
				os.Exit(1)
			}
			triggered = true
			shutdown()
		}
	}()
}
