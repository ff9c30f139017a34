package server

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bemasher/BodyBuggBypass/internal/bypass"
	"github.com/bemasher/BodyBuggBypass/internal/config"
	"github.com/bemasher/BodyBuggBypass/internal/device"
	"github.com/bemasher/BodyBuggBypass/internal/device/armband"
	"github.com/bemasher/BodyBuggBypass/internal/pdp"
)

type mainApp struct {
	name       string
	cmd        *cobra.Command
	args       []string
	opt        *config.BodyBuggOpt
	fs         afero.Fs
	enumerator device.Enumerator
	opener     device.Opener
}

type MainApp interface {
	PrepareRun() (MainApp, error)
	GetOpt() *config.BodyBuggOpt
	SetOpt(*config.BodyBuggOpt)
	SetDevices(device.Enumerator, device.Opener)
	SetFs(afero.Fs)
	Download(ctx context.Context) (bypass.Result, error)
	ProbeDevices(ctx context.Context, all bool) ([]string, error)
	Parse(in, out string, format pdp.Format) error
	Exec(ctx context.Context, cmds []string) ([]string, error)
}

func NewMainApp(cmd *cobra.Command, args []string) MainApp {
	return &mainApp{
		cmd:  cmd,
		args: args,
		fs:   afero.NewOsFs(),
	}
}

func (a *mainApp) GetOpt() *config.BodyBuggOpt {
	return a.opt
}

func (a *mainApp) SetOpt(opt *config.BodyBuggOpt) { a.opt = opt }

func (a *mainApp) SetDevices(e device.Enumerator, o device.Opener) {
	a.enumerator = e
	a.opener = o
}

func (a *mainApp) SetFs(fs afero.Fs) { a.fs = fs }

func (a *mainApp) PrepareRun() (MainApp, error) {
	desc := config.NewBodyBuggDesc()
	if err := desc.Parse(a.cmd); err != nil {
		return nil, err
	}
	desc.PostParse()
	a.opt = &desc.Opt
	a.name = config.DefaultAppName
	return a, nil
}

func (a *mainApp) devices() (device.Enumerator, device.Opener) {
	e, o := a.enumerator, a.opener
	if e == nil {
		e = armband.NewEnumerator(a.opt.Device.Selector, a.opt.Device.Port)
	}
	if o == nil {
		o = armband.NewOpener(a.opt.Device)
	}
	return e, o
}

// Download pulls the PDP log off the attached armband.
func (a *mainApp) Download(ctx context.Context) (bypass.Result, error) {
	log.Debugln("device.port:", a.opt.Device.Port)
	log.Debugln("device.baud:", a.opt.Device.Baud)
	log.Debugln("device.selector:", a.opt.Device.Selector)
	log.Debugln("device.address:", a.opt.Device.Address)
	log.Debugln("output.dir:", a.opt.Output.Dir)
	log.Debugln("skip_reset:", a.opt.SkipReset)

	e, o := a.devices()
	d := bypass.NewDownloader(e, o, a.opt.Device.Address, a.opt.Output.Dir)
	d.Fs = a.fs
	d.SkipReset = a.opt.SkipReset

	res, err := d.Run(ctx)
	if err != nil {
		return res, err
	}
	log.Infof("Downloaded %d bytes from %s", res.Bytes, res.Port)
	return res, nil
}

// ProbeDevices lists matching armbands, or every serial port when all is set.
func (a *mainApp) ProbeDevices(ctx context.Context, all bool) ([]string, error) {
	if all {
		return armband.ListSerialPorts()
	}
	e, _ := a.devices()
	log.Infoln("Probing armbands...")
	return e.Ports(ctx)
}

// Parse converts a downloaded log into structured sessions.
func (a *mainApp) Parse(in, out string, format pdp.Format) error {
	n, err := pdp.Convert(a.fs, in, out, format)
	if err != nil {
		return err
	}
	log.Infof("Wrote %d sessions to %s", n, out)
	return nil
}

// Exec sends raw commands to the attached armband and returns the replies.
func (a *mainApp) Exec(ctx context.Context, cmds []string) (replies []string, err error) {
	e, o := a.devices()
	d := bypass.NewDownloader(e, o, a.opt.Device.Address, a.opt.Output.Dir)
	port, err := d.Detect(ctx)
	if err != nil {
		return nil, err
	}
	s, err := o.Open(ctx, port, a.opt.Device.Address)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	for _, c := range cmds {
		if err := s.WriteCommand(c); err != nil {
			return replies, fmt.Errorf("%s: %w", c, err)
		}
		resp, err := s.ReadResponse()
		if err != nil {
			return replies, fmt.Errorf("%s: %w", c, err)
		}
		replies = append(replies, resp)
	}
	return replies, nil
}

// Exit is replaced in tests.
var Exit = os.Exit

// Fail reports err the way the original tool did and exits with the matching status.
func Fail(cmd *cobra.Command, err error) {
	code := bypass.ExitCode(err)
	if code == 1 {
		fmt.Fprintln(cmd.OutOrStdout(), bypass.Message(err))
	} else {
		log.Errorln(err)
	}
	Exit(code)
}
