package bypass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemasher/BodyBuggBypass/internal/device"
)

type fakeEnumerator struct {
	ports []string
	err   error
}

func (f fakeEnumerator) Ports(context.Context) ([]string, error) {
	return f.ports, f.err
}

type fakeSession struct {
	responses map[string]string
	failOn    string
	closeErr  error

	sent    []string
	pending string
	closed  int
}

func (s *fakeSession) WriteCommand(cmd string) error {
	if cmd == s.failOn {
		return errors.New("line dropped")
	}
	s.sent = append(s.sent, cmd)
	s.pending = cmd
	return nil
}

func (s *fakeSession) ReadResponse() (string, error) {
	if strings.HasPrefix(s.pending, "set ") {
		return "OK", nil
	}
	return s.responses[s.pending], nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return s.closeErr
}

type fakeOpener struct {
	session *fakeSession
	opened  int
	addr    device.Address
	err     error
}

func (o *fakeOpener) Open(_ context.Context, _ string, addr device.Address) (device.Session, error) {
	o.opened++
	o.addr = addr
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

const pdpBody = "SESSION-BEGIN 1 a_0123456789abcdef0123TIMESTMP\r\n1700000000\r\n1700000060\r\n"

func newFixture(ports ...string) (*Downloader, *fakeOpener, *fakeSession) {
	s := &fakeSession{responses: map[string]string{
		CmdGetLastDataUpdate: "Serial: 0001\r\nLast Data Update: 1700000000\r\n",
		CmdRetrievePDP:       pdpBody,
		CmdFileInit:          "OK",
	}}
	o := &fakeOpener{session: s}
	d := &Downloader{
		Enumerator: fakeEnumerator{ports: ports},
		Opener:     o,
		Address:    device.DefaultAddress(),
		Fs:         afero.NewMemMapFs(),
		Dir:        "out",
		Now:        func() time.Time { return time.Unix(1700001234, 0) },
	}
	return d, o, s
}

func TestExtractTimestamp(t *testing.T) {
	ts, err := ExtractTimestamp("Last Data Update: 1700000000")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", ts)

	ts, err = ExtractTimestamp("x\nLast Data Update: 12\nLast Data Update: 34\n")
	require.NoError(t, err)
	assert.Equal(t, "12", ts, "first match wins")

	_, err = ExtractTimestamp("Last Data Update: never")
	assert.ErrorIs(t, err, ErrNoTimestamp)
}

func TestRun(t *testing.T) {
	d, o, s := newFixture("/dev/ttyACM0")

	res, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1700000000", res.Timestamp)
	assert.Equal(t, "out/1700000000.log", res.Path)
	assert.True(t, res.Reset)

	data, err := afero.ReadFile(d.Fs, "out/1700000000.log")
	require.NoError(t, err)
	assert.Equal(t, pdpBody, string(data))

	assert.Equal(t, []string{
		"get lastdataupdate",
		"retrieve PDP",
		"file init",
		"set lastdataupdate 1700001234",
		"set epoch 1700001234",
	}, s.sent)
	assert.Equal(t, 1, o.opened)
	assert.Equal(t, 1, s.closed)
	assert.Equal(t, device.Address{Source: 0x0E, Destination: 0xFFFFFFFF}, o.addr)
}

func TestRunOverwritesExistingLog(t *testing.T) {
	d, _, _ := newFixture("/dev/ttyACM0")
	require.NoError(t, afero.WriteFile(d.Fs, "out/1700000000.log", []byte(strings.Repeat("stale", 100)), 0644))

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	data, err := afero.ReadFile(d.Fs, "out/1700000000.log")
	require.NoError(t, err)
	assert.Equal(t, pdpBody, string(data))
}

func TestRunDeviceCount(t *testing.T) {
	for name, tc := range map[string]struct {
		ports []string
		want  error
	}{
		"none":     {nil, ErrNoDevice},
		"multiple": {[]string{"/dev/ttyACM0", "/dev/ttyACM1"}, ErrMultipleDevices},
	} {
		t.Run(name, func(t *testing.T) {
			d, o, _ := newFixture(tc.ports...)
			_, err := d.Run(context.Background())
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 1, ExitCode(err))
			assert.Zero(t, o.opened, "no session may be opened")
		})
	}
}

func TestRunNoTimestamp(t *testing.T) {
	d, _, s := newFixture("/dev/ttyACM0")
	s.responses[CmdGetLastDataUpdate] = "ERR unknown variable"

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoTimestamp)
	assert.Equal(t, 2, ExitCode(err))
	assert.Equal(t, 1, s.closed)
	assert.Equal(t, []string{"get lastdataupdate"}, s.sent)

	exists, err := afero.DirExists(d.Fs, "out")
	require.NoError(t, err)
	assert.False(t, exists, "no output may be created")
}

func TestRunClosesOnCommandError(t *testing.T) {
	d, _, s := newFixture("/dev/ttyACM0")
	s.failOn = CmdFileInit
	s.closeErr = errors.New("busy")

	res, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file init")
	assert.Contains(t, err.Error(), "busy")
	assert.False(t, res.Reset)
	assert.Equal(t, 1, s.closed)
}

func TestRunSkipReset(t *testing.T) {
	d, _, s := newFixture("/dev/ttyACM0")
	d.SkipReset = true

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Reset)
	assert.Equal(t, []string{"get lastdataupdate", "retrieve PDP"}, s.sent)
	assert.Equal(t, 1, s.closed)
}

func TestRunOpenError(t *testing.T) {
	d, o, s := newFixture("/dev/ttyACM0")
	o.err = errors.New("permission denied")

	_, err := d.Run(context.Background())
	assert.EqualError(t, err, "permission denied")
	assert.Zero(t, s.closed)
}

func TestRunReadsClockPerCommand(t *testing.T) {
	d, _, s := newFixture("/dev/ttyACM0")
	tick := int64(1700001234)
	d.Now = func() time.Time {
		tick++
		return time.Unix(tick, 0)
	}

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, s.sent, 5)
	assert.Equal(t, "set lastdataupdate 1700001235", s.sent[3])
	assert.Equal(t, "set epoch 1700001236", s.sent[4])
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "No BodyBuggs detected.", Message(ErrNoDevice))
	assert.Equal(t, "Multiple BodyBuggs detected, re-run with only one connected.", Message(ErrMultipleDevices))
	assert.Equal(t, "No BodyBuggs detected.", Message(fmt.Errorf("detect: %w", ErrNoDevice)))
	assert.Equal(t, "serial fault", Message(errors.New("serial fault")))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(ErrNoDevice))
	assert.Equal(t, 2, ExitCode(errors.New("boom")))
}
