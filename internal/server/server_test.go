package server

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemasher/BodyBuggBypass/internal/bypass"
	"github.com/bemasher/BodyBuggBypass/internal/config"
	"github.com/bemasher/BodyBuggBypass/internal/device"
)

type fakeEnumerator []string

func (f fakeEnumerator) Ports(context.Context) ([]string, error) { return f, nil }

type fakeSession struct {
	last   string
	closed int
}

func (s *fakeSession) WriteCommand(cmd string) error {
	if cmd == "explode" {
		return errors.New("nope")
	}
	s.last = cmd
	return nil
}

func (s *fakeSession) ReadResponse() (string, error) {
	if s.last == bypass.CmdGetLastDataUpdate {
		return "Last Data Update: 42", nil
	}
	return "reply to " + s.last, nil
}

func (s *fakeSession) Close() error { s.closed++; return nil }

type fakeOpener struct{ s *fakeSession }

func (o fakeOpener) Open(context.Context, string, device.Address) (device.Session, error) {
	return o.s, nil
}

func newTestApp(ports ...string) (MainApp, *fakeSession, afero.Fs) {
	opt := config.NewBodyBuggOpt()
	opt.Output.Dir = "data"
	opt.SkipReset = true

	s := &fakeSession{}
	fs := afero.NewMemMapFs()
	app := NewMainApp(&cobra.Command{}, nil)
	app.SetOpt(&opt)
	app.SetDevices(fakeEnumerator(ports), fakeOpener{s})
	app.SetFs(fs)
	return app, s, fs
}

func TestDownload(t *testing.T) {
	app, s, fs := newTestApp("COM3")

	res, err := app.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "COM3", res.Port)
	assert.Equal(t, "data/42.log", res.Path)
	assert.False(t, res.Reset)
	assert.Equal(t, 1, s.closed)

	data, err := afero.ReadFile(fs, "data/42.log")
	require.NoError(t, err)
	assert.Equal(t, "reply to retrieve PDP", string(data))
	assert.Equal(t, "data", app.GetOpt().Output.Dir)
}

func TestExec(t *testing.T) {
	app, s, _ := newTestApp("COM3")

	replies, err := app.Exec(context.Background(), []string{"get epoch", "explode", "never sent"})
	assert.ErrorContains(t, err, "explode: nope")
	assert.Equal(t, []string{"reply to get epoch"}, replies)
	assert.Equal(t, 1, s.closed)
}

func TestExecNoDevice(t *testing.T) {
	app, s, _ := newTestApp()

	_, err := app.Exec(context.Background(), []string{"get epoch"})
	assert.ErrorIs(t, err, bypass.ErrNoDevice)
	assert.Zero(t, s.closed)
}

func TestFail(t *testing.T) {
	var code int
	orig := Exit
	Exit = func(c int) { code = c }
	defer func() { Exit = orig }()

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)

	Fail(c, bypass.ErrNoDevice)
	assert.Equal(t, 1, code)
	assert.Equal(t, "No BodyBuggs detected.\n", out.String())

	out.Reset()
	Fail(c, bypass.ErrMultipleDevices)
	assert.Equal(t, 1, code)
	assert.Equal(t, "Multiple BodyBuggs detected, re-run with only one connected.\n", out.String())

	Fail(&cobra.Command{}, errors.New("serial fault"))
	assert.Equal(t, 2, code)
}
