package baudsim

import (
	"bytes"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// readN reads exactly n bytes from r in the background and reports when they arrived.
func readN(r io.Reader, n int) (<-chan []byte, <-chan time.Time, <-chan error) {
	data := make(chan []byte, 1)
	at := make(chan time.Time, 1)
	errs := make(chan error, 1)
	go func() {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			errs <- err
			return
		}
		at <- time.Now()
		data <- buf
	}()
	return data, at, errs
}

func TestDevice_PacedWrite(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	dev, err := OpenDevice(DeviceConfig{Device: slave.Name(), BaudRate: 115200})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	require.Equal(t, slave.Name(), dev.Name())

	p, err := New(dev, Config{BaudRate: 1000000, NoTrailer: true})
	require.NoError(t, err)

	// OPOST is off, so "\n" must not turn into "\r\n" on the way.
	msg := []byte("hello\n")
	data, _, errs := readN(master, len(msg))
	require.NoError(t, p.Run(bytes.NewReader(msg)))

	select {
	case got := <-data:
		require.Equal(t, msg, got)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for paced bytes on master")
	}
}

func TestDevice_RawMode(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	dev, err := OpenDevice(DeviceConfig{Device: slave.Name(), BaudRate: 9600})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	termios, err := unix.IoctlGetTermios(dev.fd, unix.TCGETS)
	require.NoError(t, err)
	require.Zero(t, termios.Oflag&unix.OPOST)
	require.Zero(t, termios.Lflag&(unix.ICANON|unix.ECHO))
	require.Equal(t, uint32(unix.CS8), termios.Cflag&unix.CSIZE)
}

func TestOpenDevice_Missing(t *testing.T) {
	_, err := OpenDevice(DeviceConfig{Device: "/dev/does-not-exist-baudsim", BaudRate: 9600})
	require.Error(t, err)
	require.ErrorIs(t, err, syscall.ENOENT)
}

func TestDevice_CloseTwice(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	dev, err := OpenDevice(DeviceConfig{Device: slave.Name()})
	require.NoError(t, err)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close()) // Should be a no-op due to closeOnce
}

func TestLineSpeed(t *testing.T) {
	tests := []struct {
		baud int
		want uint32
	}{
		{110, unix.B300},
		{300, unix.B300},
		{2400, unix.B2400},
		{9000, unix.B9600},
		{9600, unix.B9600},
		{33600, unix.B38400},
		{56000, unix.B57600},
		{115200, unix.B115200},
		{200000, unix.B230400},
		{1000000, unix.B115200},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, lineSpeed(tt.baud), "baud %d", tt.baud)
	}
}

func TestPTY_PacedDelivery(t *testing.T) {
	term, err := OpenPTY()
	require.NoError(t, err)
	t.Cleanup(func() { term.Close() })

	reader, err := os.OpenFile(term.Name(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	p, err := New(term, Config{BaudRate: 10000})
	require.NoError(t, err)

	msg := bytes.Repeat([]byte("ping\n"), 4)
	data, at, errs := readN(reader, len(msg))

	start := time.Now()
	require.NoError(t, p.Run(bytes.NewReader(msg)))

	select {
	case got := <-data:
		require.Equal(t, msg, got)
		// The last byte is written only after 19 throttled milliseconds.
		require.GreaterOrEqual(t, (<-at).Sub(start), 18*time.Millisecond)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for paced bytes on pty")
	}
}

func TestPTY_CloseTwice(t *testing.T) {
	term, err := OpenPTY()
	require.NoError(t, err)
	require.NotEmpty(t, term.Name())

	require.NoError(t, term.Close())
	require.NoError(t, term.Close())
}
