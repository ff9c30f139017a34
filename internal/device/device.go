package device

import (
	"context"
	"fmt"
)

const (
	DefaultSourceAddr      = 0x0000000E
	DefaultDestinationAddr = 0xFFFFFFFF
)

// Address is the register range a session is bound to.
type Address struct {
	Source      uint32 `yaml:"source"`
	Destination uint32 `yaml:"destination"`
}

func DefaultAddress() Address {
	return Address{Source: DefaultSourceAddr, Destination: DefaultDestinationAddr}
}

func (a Address) String() string {
	return fmt.Sprintf("0x%08X:0x%08X", a.Source, a.Destination)
}

// Selector picks armbands out of the attached USB devices. Empty fields match anything.
type Selector struct {
	VID     string `yaml:"vid"`
	PID     string `yaml:"pid"`
	Product string `yaml:"product"`
}

// Enumerator lists the ports of attached armbands.
type Enumerator interface {
	Ports(ctx context.Context) ([]string, error)
}

// Opener opens an addressed session on a port.
type Opener interface {
	Open(ctx context.Context, port string, addr Address) (Session, error)
}

// Session is a command/response channel to one armband.
// A session cannot be used by two goroutines at the same time.
type Session interface {
	WriteCommand(cmd string) error
	ReadResponse() (string, error)
	Close() error
}
