// Package bypass downloads the logged data from a single armband and resets
// it, without going through the vendor's web service.
package bypass

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bemasher/BodyBuggBypass/internal/device"
)

// Commands understood by the armband, in the order they are sent.
const (
	CmdGetLastDataUpdate = "get lastdataupdate"
	CmdRetrievePDP       = "retrieve PDP"
	CmdFileInit          = "file init"
	CmdSetLastDataUpdate = "set lastdataupdate %d"
	CmdSetEpoch          = "set epoch %d"
)

const LogExt = ".log"

var (
	ErrNoDevice        = errors.New("no BodyBuggs detected")
	ErrMultipleDevices = errors.New("multiple BodyBuggs detected, re-run with only one connected")
	ErrNoTimestamp     = errors.New("no last data update timestamp in response")
)

// messages printed verbatim when a run stops on one of these errors
var userMessages = []struct {
	err error
	msg string
}{
	{ErrNoDevice, "No BodyBuggs detected."},
	{ErrMultipleDevices, "Multiple BodyBuggs detected, re-run with only one connected."},
}

// Message returns the text shown to the user for err.
func Message(err error) string {
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}

var lastUpdateRegex = regexp.MustCompile(`Last Data Update: ([0-9]+)`)

// ExtractTimestamp returns the first last-data-update value found in resp.
func ExtractTimestamp(resp string) (string, error) {
	m := lastUpdateRegex.FindStringSubmatch(resp)
	if m == nil {
		return "", ErrNoTimestamp
	}
	return m[1], nil
}

// ExitCode maps the outcome of a run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoDevice), errors.Is(err, ErrMultipleDevices):
		return 1
	default:
		return 2
	}
}

// Result describes a completed download.
type Result struct {
	Port      string
	Timestamp string
	Path      string
	Bytes     int
	Reset     bool
}

type Downloader struct {
	Enumerator device.Enumerator
	Opener     device.Opener
	Address    device.Address
	Fs         afero.Fs
	Dir        string
	Now        func() time.Time
	SkipReset  bool
}

// NewDownloader returns a downloader writing to dir on the OS filesystem.
func NewDownloader(e device.Enumerator, o device.Opener, addr device.Address, dir string) *Downloader {
	return &Downloader{
		Enumerator: e,
		Opener:     o,
		Address:    addr,
		Fs:         afero.NewOsFs(),
		Dir:        dir,
		Now:        time.Now,
	}
}

// Detect returns the port of the only attached armband.
func (d *Downloader) Detect(ctx context.Context) (string, error) {
	ports, err := d.Enumerator.Ports(ctx)
	if err != nil {
		return "", err
	}
	switch len(ports) {
	case 0:
		return "", ErrNoDevice
	case 1:
		return ports[0], nil
	default:
		log.Debugf("armbands found: %v", ports)
		return "", ErrMultipleDevices
	}
}

// Run downloads the armband's data to <timestamp>.log and resets the armband.
// The session is closed on every path once it has been opened.
func (d *Downloader) Run(ctx context.Context) (res Result, err error) {
	port, err := d.Detect(ctx)
	if err != nil {
		return res, err
	}
	res.Port = port

	s, err := d.Opener.Open(ctx, port, d.Address)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", port, cerr))
		}
	}()

	resp, err := exec(s, CmdGetLastDataUpdate)
	if err != nil {
		return res, err
	}
	res.Timestamp, err = ExtractTimestamp(resp)
	if err != nil {
		return res, err
	}

	res.Path = filepath.Join(d.Dir, res.Timestamp+LogExt)
	log.Infof("Writing data to: %s", res.Path)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	data, err := exec(s, CmdRetrievePDP)
	if err != nil {
		return res, err
	}
	if err := d.Fs.MkdirAll(filepath.Dir(res.Path), 0755); err != nil {
		return res, err
	}
	if err := afero.WriteFile(d.Fs, res.Path, []byte(data), 0644); err != nil {
		return res, fmt.Errorf("write %s: %w", res.Path, err)
	}
	res.Bytes = len(data)

	if d.SkipReset {
		log.Infoln("Leaving device memory and timestamps untouched.")
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	log.Infoln("Clearing device memory and updating timestamps.")
	if err := d.reset(s); err != nil {
		return res, err
	}
	res.Reset = true
	return res, nil
}

func (d *Downloader) reset(s device.Session) error {
	cmds := []func() string{
		func() string { return CmdFileInit },
		func() string { return fmt.Sprintf(CmdSetLastDataUpdate, d.Now().Unix()) },
		func() string { return fmt.Sprintf(CmdSetEpoch, d.Now().Unix()) },
	}
	for _, c := range cmds {
		resp, err := exec(s, c())
		if err != nil {
			return err
		}
		log.Debugf("reply: %q", resp)
	}
	return nil
}

func exec(s device.Session, cmd string) (string, error) {
	if err := s.WriteCommand(cmd); err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	resp, err := s.ReadResponse()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return resp, nil
}
