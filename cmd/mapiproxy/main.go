// Command mapiproxy inspects the MAPI wire protocol, either by sitting as
// an intercepting proxy between a real client and server, or by
// dissecting a previously captured pcap/pcapng file.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "mapiproxy: panic: %v\n", r)
			os.Exit(1)
		}
	}()

	log, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapiproxy: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	os.Exit(run(log))
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.CallerKey = ""
	return cfg.Build()
}
