package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MonetDBSolutions/mapiproxy/internal/accumulator"
	"github.com/MonetDBSolutions/mapiproxy/internal/event"
	"github.com/MonetDBSolutions/mapiproxy/internal/mapierrors"
	"github.com/MonetDBSolutions/mapiproxy/internal/metrics"
	"github.com/MonetDBSolutions/mapiproxy/internal/pcapdump"
)

func newPcapCmd(log *zap.Logger) *cobra.Command {
	var flags renderFlags

	cmd := &cobra.Command{
		Use:   "pcap FILE",
		Short: "Reconstruct a MAPI session transcript from a pcap/pcapng capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := flags.level()
			if err != nil {
				return mapierrors.Classify(mapierrors.Configuration, err)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return mapierrors.Classify(mapierrors.Startup, err)
			}
			defer f.Close()

			r, closer, err := newRenderer(cmd, &flags)
			if err != nil {
				return mapierrors.Classify(mapierrors.Configuration, err)
			}
			defer func() { _ = closer.Close() }()

			state := accumulator.NewState(r, level, flags.forceBinary, flags.briefN(cmd))
			m := metrics.NewUnregistered()

			err = pcapdump.Dissect(f, m, func(ev event.Event) error {
				return state.Handle(ev)
			})
			if flushErr := r.Flush(); flushErr != nil {
				log.Warn("flushing output failed", zap.Error(flushErr))
			}
			return err
		},
	}
	flags.addTo(cmd)
	return cmd
}
