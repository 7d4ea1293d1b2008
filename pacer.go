package baudsim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultIdleGap is the input pause after which the accounting window restarts.
	DefaultIdleGap = 100 * time.Millisecond
	// DefaultQuantum is how long the pacer sleeps before rechecking its budget.
	DefaultQuantum = time.Millisecond
	// DefaultTrailer is written by Close once pacing has ended.
	DefaultTrailer = "\nbaudsim terminates.\n"

	// bitTimesPerByte turns a bit rate into a byte rate for an 8N1 line
	// (start bit, 8 data bits, stop bit); it also absorbs the ms->s scaling
	// as allowance = ms * rate / (bitTimesPerByte * 1000).
	bitTimesPerByte = 10
)

var (
	// ErrInvalidRate is returned when the baud rate is missing or not positive.
	ErrInvalidRate = errors.New("baud rate must be a positive integer")
	// ErrInvalidConfig is returned for negative durations in Config.
	ErrInvalidConfig = errors.New("invalid pacer config")
)

// Config holds the parameters of a Pacer.
type Config struct {
	BaudRate  int
	IdleGap   time.Duration // default 100ms
	Quantum   time.Duration // default 1ms
	Trailer   string        // default DefaultTrailer
	NoTrailer bool
	Clock     Clock
	Logger    *zap.Logger
}

// Stats is a snapshot of what a Pacer has done so far.
type Stats struct {
	BytesForwarded int64
	WindowResets   int64
	Sleeps         int64
	Throttled      time.Duration
}

// flusher is implemented by buffered sinks such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// Pacer forwards bytes to a writer no faster than a simulated serial line
// running at BaudRate would deliver them. It is not safe for concurrent use.
type Pacer struct {
	w       io.Writer
	flush   flusher
	rate    int
	idleGap time.Duration
	quantum time.Duration
	trailer string
	clock   Clock
	log     *zap.Logger

	start time.Time     // window start
	sent  int64         // bytes charged to the current window
	last  time.Duration // elapsed time when the previous byte finished

	stats     Stats
	buf       [1]byte
	closeOnce sync.Once
}

// New returns a Pacer writing to w. The accounting window starts now.
func New(w io.Writer, cfg Config) (*Pacer, error) {
	if cfg.BaudRate <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRate, cfg.BaudRate)
	}
	if cfg.IdleGap < 0 || cfg.Quantum < 0 {
		return nil, fmt.Errorf("%w: idle gap %s, quantum %s", ErrInvalidConfig, cfg.IdleGap, cfg.Quantum)
	}
	if cfg.IdleGap == 0 {
		cfg.IdleGap = DefaultIdleGap
	}
	if cfg.Quantum == 0 {
		cfg.Quantum = DefaultQuantum
	}
	if cfg.Trailer == "" {
		cfg.Trailer = DefaultTrailer
	}
	if cfg.NoTrailer {
		cfg.Trailer = ""
	}
	if cfg.Clock == nil {
		cfg.Clock = defaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pacer{
		w:       w,
		rate:    cfg.BaudRate,
		idleGap: cfg.IdleGap,
		quantum: cfg.Quantum,
		trailer: cfg.Trailer,
		clock:   cfg.Clock,
		log:     cfg.Logger,
	}
	if f, ok := w.(flusher); ok {
		p.flush = f
	}
	p.start = p.clock.Now()
	return p, nil
}

// Allowance returns how many bytes a line running at rate bits per second
// may have delivered after elapsed time. Millisecond resolution, rounded down.
func Allowance(elapsed time.Duration, rate int) int64 {
	ms := elapsed.Milliseconds()
	if ms <= 0 || rate <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(ms), uint64(rate))
	const div = bitTimesPerByte * 1000
	if hi >= div {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, div)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// ProcessByte writes b, flushes the sink, and then blocks until the byte
// budget for the elapsed time covers everything sent in this window.
func (p *Pacer) ProcessByte(b byte) error {
	p.buf[0] = b
	if _, err := p.w.Write(p.buf[:]); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if p.flush != nil {
		if err := p.flush.Flush(); err != nil {
			return fmt.Errorf("flush output: %w", err)
		}
	}
	p.stats.BytesForwarded++
	p.throttle()
	return nil
}

func (p *Pacer) throttle() {
	now := p.clock.Now()
	elapsed := now.Sub(p.start)

	if gap := elapsed - p.last; gap > p.idleGap {
		p.log.Debug("idle gap, resetting window",
			zap.Duration("gap", gap),
			zap.Int64("window_bytes", p.sent))
		p.start = now
		p.sent = 0
		p.last = 0
		p.stats.WindowResets++
		return
	}

	// int64 with a 128-bit allowance product: wraparound would take
	// centuries at any rate a real line runs at.
	p.sent++
	for p.sent > Allowance(elapsed, p.rate) {
		p.clock.Sleep(p.quantum)
		p.stats.Sleeps++
		next := p.clock.Now().Sub(p.start)
		p.stats.Throttled += next - elapsed
		elapsed = next
	}
	p.last = elapsed
}

// Run paces every byte of r until EOF. It returns nil at EOF and the first
// read or write error otherwise. Close is not called.
func (p *Pacer) Run(r io.Reader) error {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := p.ProcessByte(b); err != nil {
			return err
		}
	}
}

// Stats returns counters accumulated since New.
func (p *Pacer) Stats() Stats {
	return p.stats
}

// Close writes the trailer announcing that pacing has ended.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Pacer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.trailer == "" {
			return
		}
		if _, werr := io.WriteString(p.w, p.trailer); werr != nil {
			err = fmt.Errorf("write trailer: %w", werr)
			return
		}
		if p.flush != nil {
			if ferr := p.flush.Flush(); ferr != nil {
				err = fmt.Errorf("flush output: %w", ferr)
			}
		}
	})
	return err
}
