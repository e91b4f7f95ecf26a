package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MonetDBSolutions/mapiproxy/internal/accumulator"
	"github.com/MonetDBSolutions/mapiproxy/internal/mapierrors"
	"github.com/MonetDBSolutions/mapiproxy/internal/render"
)

// version is reported by --version.
const version = "0.1.0"

const defaultBriefLines = 3

// renderFlags holds the handful of flags that control output regardless
// of whether the bytes come from a live proxy or a pcap file.
type renderFlags struct {
	messages bool
	blocks   bool
	raw      bool

	forceBinary bool
	colorMode   string

	briefLines uint64

	outputPath string
	flushMode  string
}

func (f *renderFlags) level() (accumulator.Level, error) {
	set := 0
	level := accumulator.LevelMessages
	if f.raw {
		set++
		level = accumulator.LevelRaw
	}
	if f.blocks {
		set++
		level = accumulator.LevelBlocks
	}
	if f.messages {
		set++
		level = accumulator.LevelMessages
	}
	if set > 1 {
		return 0, errors.New("only one of --raw, --blocks, --messages may be given")
	}
	if set == 0 {
		return 0, errors.New("please choose a mode with --raw, --blocks or --messages")
	}
	return level, nil
}

// briefN resolves the effective abbreviation N: 0 (disabled) unless
// --brief was actually given on the command line.
func (f *renderFlags) briefN(cmd *cobra.Command) uint64 {
	if !cmd.Flags().Changed("brief") {
		return 0
	}
	return f.briefLines
}

// outputWriter opens the destination named by -o/--output, or returns
// os.Stdout unchanged if it wasn't given. The caller must Close the
// returned io.Closer once done (a no-op for stdout).
func (f *renderFlags) outputWriter() (*os.File, io.Closer, error) {
	if f.outputPath == "" {
		return os.Stdout, io.NopCloser(nil), nil
	}
	file, err := os.Create(f.outputPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %q for output", f.outputPath)
	}
	return file, file, nil
}

// colored decides whether escape codes are written to out. -o implies
// --color=never unless --color was given explicitly on the command line.
func (f *renderFlags) colored(cmd *cobra.Command, out *os.File) (bool, error) {
	mode := f.colorMode
	if f.outputPath != "" && !cmd.Flags().Changed("color") {
		mode = "never"
	}
	switch mode {
	case "", "auto":
		return isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, errors.Errorf("invalid --color value %q: expected always, auto, or never", f.colorMode)
	}
}

// eagerFlush decides whether the renderer flushes after every record, per
// --flush: "always" always does, "never" never does (beyond the final
// flush), "auto" flushes only when writing to a terminal, where a human
// is presumably watching it live.
func (f *renderFlags) eagerFlush(out *os.File) (bool, error) {
	switch f.flushMode {
	case "", "auto":
		return isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, errors.Errorf("invalid --flush value %q: expected always, auto, or never", f.flushMode)
	}
}

func (f *renderFlags) addTo(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.messages, "messages", "m", false, "group output by whole MAPI messages")
	cmd.Flags().BoolVarP(&f.blocks, "blocks", "b", false, "group output by individual MAPI blocks")
	cmd.Flags().BoolVarP(&f.raw, "raw", "r", false, "show every byte as it arrives, ungrouped")
	cmd.Flags().BoolVarP(&f.forceBinary, "binary", "B", false, "always render frame bodies as a hex dump, never as text")
	cmd.Flags().StringVar(&f.colorMode, "color", "auto", "colorize output: always, auto, or never")
	cmd.Flags().Uint64Var(&f.briefLines, "brief", defaultBriefLines, "abbreviate each frame to its first and last N lines")
	cmd.Flags().Lookup("brief").NoOptDefVal = fmt.Sprintf("%d", defaultBriefLines)
	cmd.Flags().StringVarP(&f.outputPath, "output", "o", "", "write to PATH instead of stdout; implies --color=never")
	cmd.Flags().StringVar(&f.flushMode, "flush", "auto", "flush after each record: always, auto, or never")
}

// newRenderer builds the Renderer for one run, honoring -o/--color/--flush.
// The caller must Close the returned io.Closer once done with the renderer.
func newRenderer(cmd *cobra.Command, f *renderFlags) (*render.Renderer, io.Closer, error) {
	out, closer, err := f.outputWriter()
	if err != nil {
		return nil, nil, err
	}
	colored, err := f.colored(cmd, out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	eager, err := f.eagerFlush(out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	r := render.New(out, colored)
	r.SetEagerFlush(eager)
	return r, closer, nil
}

func run(log *zap.Logger) int {
	root := newProxyCmd(log)
	root.Use = "mapiproxy LISTEN_ADDR FORWARD_ADDR"
	root.Short = "Inspect the MAPI wire protocol, live or from a capture file"
	root.Version = version
	root.SilenceUsage = true
	root.SilenceErrors = true

	root.AddCommand(newPcapCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mapiproxy: %s\n", err)
		if _, wasClassified := mapierrors.ClassOf(err); !wasClassified {
			err = mapierrors.Classify(mapierrors.Configuration, err)
		}
		return mapierrors.ExitCodeFor(err)
	}
	return 0
}
