// Package serial opens a raw terminal line used as the interactive
// command console: G-code and meta commands in, replies out.
package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrClosed  = errors.New("serial: port closed")
	ErrTimeout = errors.New("serial: operation timed out")
)

// Config holds console port configuration.
type Config struct {
	// Device path (e.g. /dev/ttyUSB0, /dev/ttyACM0)
	Device string

	// Baud rate (default 115200)
	BaudRate int

	// Read timeout for individual operations (default 5s)
	ReadTimeout time.Duration
}

// Port is an open console line.
type Port struct {
	mu     sync.Mutex
	fd     int
	device string
	cfg    Config
	closed bool
	saved  *unix.Termios
}

// Open configures the device as a raw 8N1 line.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	saved, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	t := *saved
	// Raw mode, 8 data bits, no parity, one stop bit, receiver on.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1 // tenths of a second per read
	setSpeed(&t, uint32(cfg.BaudRate))

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	// Back to blocking mode now that the line is configured.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	return &Port{fd: fd, device: cfg.Device, cfg: cfg, saved: saved}, nil
}

// Read fills p with available bytes, honouring the configured timeout.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.ReadTimeout)
	for {
		n, err := unix.Read(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("serial: read: %w", err)
		}
		if n > 0 {
			return n, nil
		}
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
	}
}

// Write sends all of b.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.fd, b[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

// Flush discards unread input and untransmitted output.
func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := flushBoth(p.fd); err != nil {
		return fmt.Errorf("serial: flush: %w", err)
	}
	return nil
}

// Device returns the device path.
func (p *Port) Device() string { return p.device }

// Close restores the saved terminal settings and closes the descriptor.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.saved != nil {
		unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.saved)
	}
	return unix.Close(p.fd)
}
