package armband

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/bemasher/BodyBuggBypass/internal/device"
)

var (
	listDetails = enumerator.GetDetailedPortsList
	listPorts   = serial.GetPortsList
)

// Enumerator finds armbands among the attached USB serial devices.
type Enumerator struct {
	sel   device.Selector
	fixed string
}

// NewEnumerator returns an enumerator for sel. A non-empty fixed port skips
// USB enumeration and is reported as the only match.
func NewEnumerator(sel device.Selector, fixed string) *Enumerator {
	return &Enumerator{sel: sel, fixed: fixed}
}

func (e *Enumerator) Ports(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.fixed != "" {
		log.Debugf("using fixed port %s", e.fixed)
		return []string{e.fixed}, nil
	}

	details, err := listDetails()
	if err != nil {
		return nil, fmt.Errorf("enumerate usb ports: %w", err)
	}

	var ports []string
	for _, d := range details {
		if matches(e.sel, d) {
			log.Debugf("found armband %s (%s:%s %q)", d.Name, d.VID, d.PID, d.Product)
			ports = append(ports, d.Name)
		}
	}
	return ports, nil
}

func matches(sel device.Selector, d *enumerator.PortDetails) bool {
	if d == nil || !d.IsUSB {
		return false
	}
	if sel.VID != "" && !strings.EqualFold(normalizeID(sel.VID), normalizeID(d.VID)) {
		return false
	}
	if sel.PID != "" && !strings.EqualFold(normalizeID(sel.PID), normalizeID(d.PID)) {
		return false
	}
	if sel.Product != "" && !strings.Contains(strings.ToLower(d.Product), strings.ToLower(sel.Product)) {
		return false
	}
	return true
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(strings.ToLower(id), "0x")
	return strings.TrimLeft(id, "0")
}

// ListSerialPorts lists every serial port the platform exposes, matching or not.
func ListSerialPorts() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
