package baudsim

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Device is a serial or tty device opened as a raw paced-output sink.
type Device struct {
	fd        int
	file      *os.File
	closeOnce sync.Once
	config    DeviceConfig
}

// DeviceConfig holds parameters for opening a Device.
type DeviceConfig struct {
	Device   string
	BaudRate int // line speed hint; the nearest supported speed at or above it is used
}

// OpenDevice opens a tty device for writing paced output. The port is set to
// raw 8-bit mode so bytes reach the other end unmodified.
func OpenDevice(cfg DeviceConfig) (*Device, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	if err := makeRaw(fd, cfg.BaudRate); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	return &Device{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		config: cfg,
	}, nil
}

// makeRaw disables all input/output processing on fd. If baud is positive
// the line speed is set from it as well.
func makeRaw(fd int, baud int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	if baud > 0 {
		termios.Cflag &^= unix.CBAUD
		termios.Cflag |= lineSpeed(baud)
	}

	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Write implements io.Writer. Writes go straight to the device.
func (d *Device) Write(p []byte) (int, error) {
	return d.file.Write(p)
}

// Name returns the device path.
func (d *Device) Name() string {
	return d.config.Device
}

// Close closes the device. Safe to call multiple times; subsequent calls are no-ops.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.file.Close()
	})
	return err
}

var lineSpeeds = []struct {
	baud int
	flag uint32
}{
	{300, unix.B300},
	{1200, unix.B1200},
	{2400, unix.B2400},
	{4800, unix.B4800},
	{9600, unix.B9600},
	{19200, unix.B19200},
	{38400, unix.B38400},
	{57600, unix.B57600},
	{115200, unix.B115200},
	{230400, unix.B230400},
}

// lineSpeed returns the slowest supported speed that can carry baud, so the
// hardware never becomes the bottleneck. Rates above the table fall back to 115200.
func lineSpeed(baud int) uint32 {
	for _, s := range lineSpeeds {
		if baud <= s.baud {
			return s.flag
		}
	}
	return unix.B115200 // fallback
}
