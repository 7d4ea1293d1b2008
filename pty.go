package baudsim

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
)

// PTY is a pseudo-terminal pair used as a paced-output sink. Paced bytes are
// written to the master side; the software under test opens Name() and reads
// them as if from a slow serial line.
type PTY struct {
	master    *os.File
	slave     *os.File
	closeOnce sync.Once
}

// OpenPTY allocates a pseudo-terminal and puts its slave side in raw mode.
// The slave stays open for the lifetime of the PTY so writes to the master
// do not fail while no reader is attached.
func OpenPTY() (*PTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := makeRaw(int(slave.Fd()), 0); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	return &PTY{master: master, slave: slave}, nil
}

// Name returns the path of the slave device, e.g. /dev/pts/3.
func (p *PTY) Name() string {
	return p.slave.Name()
}

// Write implements io.Writer.
func (p *PTY) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Close releases both ends of the pair. Safe to call multiple times.
func (p *PTY) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.master.Close()
		if serr := p.slave.Close(); err == nil {
			err = serr
		}
	})
	return err
}
