package armband

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/bemasher/BodyBuggBypass/internal/config"
	"github.com/bemasher/BodyBuggBypass/internal/device"
)

const BufferSize = 4096
const MaxResponseLen = 64 << 20
const commandTerminator = "\r\n"

var (
	ErrClosed          = errors.New("session closed")
	ErrNoResponse      = errors.New("no response from armband")
	ErrResponseTooLong = errors.New("response exceeds maximum length")
	ErrReadTimeout     = errors.New("read timeout must be positive")
)

// port is the part of *serial.Port a session needs.
type port interface {
	io.ReadWriteCloser
	Flush() error
}

var openPort = func(c *serial.Config) (port, error) {
	return serial.OpenPort(c)
}

// session cannot be accessed by two goroutines at the same time
type session struct {
	name string
	addr device.Address
	opt  config.DeviceOpt
	port   port
	maxLen int
	buf    [BufferSize]byte
}

// Close closes the serial port. Closing twice is a no-op.
func (s *session) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return err
	}
	log.Debugf("session %s closed", s.name)
	return nil
}

// WriteCommand sends a single command line.
func (s *session) WriteCommand(cmd string) error {
	if s.port == nil {
		return ErrClosed
	}
	log.Debugf("host -> %s@%s: %s", s.name, s.addr, cmd)
	_, err := s.port.Write([]byte(cmd + commandTerminator))
	return err
}

// ReadResponse reads until the end marker shows up or the line goes quiet
// after data has started arriving.
func (s *session) ReadResponse() (string, error) {
	if s.port == nil {
		return "", ErrClosed
	}
	var resp bytes.Buffer
	marker := []byte(s.opt.EndMarker)
	start := time.Now()

	for {
		n, err := s.port.Read(s.buf[:])
		if n > 0 {
			resp.Write(s.buf[:n])
			if resp.Len() > s.maxLen {
				return "", ErrResponseTooLong
			}
			if endsWithMarker(resp.Bytes(), marker) {
				break
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if resp.Len() > 0 {
			break
		}
		if time.Since(start) >= s.opt.ResponseTimeout {
			return "", ErrNoResponse
		}
	}

	out := resp.String()
	if endsWithMarker(resp.Bytes(), marker) {
		out = strings.TrimRight(out, "\r\n")
		out = strings.TrimSuffix(out, s.opt.EndMarker)
	}
	log.Debugf("%s -> host: %d bytes", s.name, len(out))
	return out, nil
}

// endsWithMarker reports whether the last line of b is exactly marker.
func endsWithMarker(b, marker []byte) bool {
	if len(marker) == 0 {
		return false
	}
	b = bytes.TrimRight(b, "\r\n")
	if !bytes.HasSuffix(b, marker) {
		return false
	}
	rest := b[:len(b)-len(marker)]
	return len(rest) == 0 || rest[len(rest)-1] == '\n'
}

func newSession(name string, p port, addr device.Address, opt config.DeviceOpt) *session {
	return &session{
		name:   name,
		addr:   addr,
		opt:    opt,
		port:   p,
		maxLen: MaxResponseLen,
	}
}

// Opener opens serial sessions to armbands.
type Opener struct {
	opt config.DeviceOpt
}

func NewOpener(opt config.DeviceOpt) *Opener {
	return &Opener{opt: opt}
}

// Open opens the serial port and discards anything already buffered on it.
func (o *Opener) Open(ctx context.Context, name string, addr device.Address) (device.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// a zero timeout makes reads block until data arrives
	if o.opt.ReadTimeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrReadTimeout, o.opt.ReadTimeout)
	}
	c := &serial.Config{
		Name:        name,
		Baud:        o.opt.Baud,
		ReadTimeout: o.opt.ReadTimeout,
	}
	p, err := openPort(c)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	s := newSession(name, p, addr, o.opt)
	if err := p.Flush(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("flush %s: %w", name, err)
	}
	log.Debugf("session %s opened at %s, baud %d", name, s.addr, o.opt.Baud)
	return s, nil
}
