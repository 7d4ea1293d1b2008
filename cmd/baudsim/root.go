package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	baudsim "github.com/luhtfiimanal/go-baudsim"
)

const usageLine = "Usage:  baudsim <baud>"

type options struct {
	idleGap   time.Duration
	quantum   time.Duration
	noTrailer bool
	device    string
	usePTY    bool
	verbose   bool
}

// usageError marks failures that are answered with the one-line usage message.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// run executes the command and returns the process exit status.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var uerr *usageError
	if errors.As(err, &uerr) {
		fmt.Fprintln(stderr, usageLine)
		return 1
	}
	fmt.Fprintf(stderr, "baudsim: %v\n", err)
	return 1
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "baudsim [flags] <baud>",
		Short: "Pace stdin to stdout at a simulated serial line rate",
		Long: `baudsim copies its input to its output no faster than a serial line
running at <baud> bits per second would deliver it (ten bit-times per byte).
A pause of more than --idle-gap in the input restarts the rate window.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &usageError{fmt.Errorf("expected 1 argument, got %d", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.Atoi(args[0])
			if err != nil || rate <= 0 {
				return &usageError{fmt.Errorf("%w: %q", baudsim.ErrInvalidRate, args[0])}
			}
			return pace(rate, opts, stdin, stdout, stderr)
		},
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	flags := cmd.Flags()
	flags.DurationVar(&opts.idleGap, "idle-gap", baudsim.DefaultIdleGap, "input pause that restarts the rate window")
	flags.DurationVar(&opts.quantum, "quantum", baudsim.DefaultQuantum, "sleep step while waiting for the rate budget")
	flags.BoolVar(&opts.noTrailer, "no-trailer", false, "do not print the termination notice at end of input")
	flags.StringVar(&opts.device, "device", "", "write paced output to this tty device instead of stdout")
	flags.BoolVar(&opts.usePTY, "pty", false, "write paced output to a new pseudo-terminal and print its path on stderr")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	cmd.MarkFlagsMutuallyExclusive("device", "pty")

	return cmd
}

func pace(rate int, opts options, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, opts.verbose)
	defer logger.Sync() //nolint:errcheck

	out := bufio.NewWriter(stdout)
	var sink io.Writer = out

	switch {
	case opts.device != "":
		dev, err := baudsim.OpenDevice(baudsim.DeviceConfig{Device: opts.device, BaudRate: rate})
		if err != nil {
			return fmt.Errorf("device %s: %w", opts.device, err)
		}
		defer dev.Close()
		sink = dev
		logger.Info("pacing to device", zap.String("device", dev.Name()))
	case opts.usePTY:
		t, err := baudsim.OpenPTY()
		if err != nil {
			return err
		}
		defer t.Close()
		sink = t
		fmt.Fprintf(stderr, "baudsim: pacing to %s\n", t.Name())
	}

	p, err := baudsim.New(sink, baudsim.Config{
		BaudRate:  rate,
		IdleGap:   opts.idleGap,
		Quantum:   opts.quantum,
		NoTrailer: opts.noTrailer,
		Logger:    logger,
	})
	if err != nil {
		if errors.Is(err, baudsim.ErrInvalidConfig) {
			return &usageError{err}
		}
		return err
	}

	runErr := p.Run(bufio.NewReader(stdin))
	stats := p.Stats()
	logger.Info("pacing finished",
		zap.Int("baud", rate),
		zap.Int64("bytes", stats.BytesForwarded),
		zap.Int64("window_resets", stats.WindowResets),
		zap.Int64("sleeps", stats.Sleeps),
		zap.Duration("throttled", stats.Throttled))

	if runErr != nil {
		// Best effort: whatever was already forwarded still reaches the consumer.
		_ = out.Flush()
		return runErr
	}
	return p.Close()
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core)
}
