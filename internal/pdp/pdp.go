// Package pdp decodes the PDP logs downloaded from an armband.
//
// A log is a sequence of sessions. Each session starts with a header line
// containing SESSION-BEGIN, an info string and a channel name, followed by
// payload lines until the next header.
package pdp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	ChannelTimestamp  = "TIMESTMP"
	ChannelDiagnostic = "DIAGNSTC"

	MaxLineLen = 16 << 20

	// hex-encoded epoch inside the info string
	epochStart = 15
	epochEnd   = 23
)

// leftmost-longest, so the info string follows the last underscore
var sessionRegex = regexp.MustCompilePOSIX(`SESSION-BEGIN.*_([0-9a-z]+)([A-Z][0-9A-Z]+)`)

var ErrShortInfo = errors.New("session info too short for epoch")

type RawSession struct {
	Channel string
	Info    string
	Payload []string
}

// String abbreviates long payload items.
func (s RawSession) String() string {
	payload := make([]string, 0, len(s.Payload))
	for _, p := range s.Payload {
		if len(p) > 16 {
			payload = append(payload, p[:16]+"...")
		} else {
			payload = append(payload, p)
		}
	}
	return fmt.Sprintf("{Channel:%s Info:%s Payload:[%s]}", s.Channel, s.Info, strings.Join(payload, ", "))
}

type Session struct {
	Channel string      `json:"Channel" yaml:"channel"`
	Epoch   int64       `json:"Epoch" yaml:"epoch"`
	Payload interface{} `json:"Payload" yaml:"payload"`
}

type Diagnostic struct {
	Timestamp int64 `json:"Timestamp" yaml:"timestamp"`
	I         int   `json:"I" yaml:"i"`
	J         int   `json:"J" yaml:"j"`
}

// ReadSessions splits a log into raw sessions. Lines before the first header
// are skipped.
func ReadSessions(r io.Reader) ([]RawSession, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineLen)

	var sessions []RawSession
	var cur *RawSession
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := sessionRegex.FindStringSubmatch(line); m != nil {
			sessions = append(sessions, RawSession{Info: m[1], Channel: m[2]})
			cur = &sessions[len(sessions)-1]
			continue
		}
		if line == "" {
			continue
		}
		if cur == nil {
			skipped++
			continue
		}
		cur.Payload = append(cur.Payload, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Debugf("skipped %d lines before first session", skipped)
	}
	return sessions, nil
}

// Parse decodes the epoch and the channel payload.
func (rs RawSession) Parse() (Session, error) {
	s := Session{Channel: rs.Channel}
	if len(rs.Info) < epochEnd {
		return s, fmt.Errorf("%w: %q", ErrShortInfo, rs.Info)
	}
	epoch, err := strconv.ParseInt(rs.Info[epochStart:epochEnd], 16, 64)
	if err != nil {
		return s, fmt.Errorf("session epoch: %w", err)
	}
	s.Epoch = epoch

	switch rs.Channel {
	case ChannelTimestamp:
		s.Payload, err = Timestamps(rs.Payload)
	case ChannelDiagnostic:
		s.Payload, err = Diagnostics(rs.Payload)
	default:
		s.Payload, err = Packed(rs.Payload)
	}
	if err != nil {
		return s, fmt.Errorf("channel %s: %w", rs.Channel, err)
	}
	return s, nil
}

// Packed decodes a single line of 12-bit values, three hex digits each.
func Packed(lines []string) ([]uint16, error) {
	if len(lines) != 1 {
		return nil, fmt.Errorf("expected only one payload item, got: %d", len(lines))
	}
	line := lines[0]
	if len(line)%3 != 0 {
		return nil, fmt.Errorf("packed payload length %d is not a multiple of 3", len(line))
	}

	payload := make([]uint16, 0, len(line)/3)
	for i := 0; i < len(line); i += 3 {
		n, err := strconv.ParseUint(line[i:i+3], 16, 12)
		if err != nil {
			return nil, err
		}
		payload = append(payload, uint16(n))
	}
	return payload, nil
}

// Timestamps decodes one decimal timestamp per line.
func Timestamps(lines []string) ([]int64, error) {
	payload := make([]int64, 0, len(lines))
	for _, l := range lines {
		var n int64
		if _, err := fmt.Sscanf(l, "%d", &n); err != nil {
			return nil, fmt.Errorf("timestamp %q: %w", l, err)
		}
		payload = append(payload, n)
	}
	return payload, nil
}

func Diagnostics(lines []string) ([]Diagnostic, error) {
	payload := make([]Diagnostic, 0, len(lines))
	for _, l := range lines {
		var d Diagnostic
		if _, err := fmt.Sscanf(l, "%d %d %d", &d.Timestamp, &d.I, &d.J); err != nil {
			return nil, fmt.Errorf("diagnostic %q: %w", l, err)
		}
		payload = append(payload, d)
	}
	return payload, nil
}

// ParseLog reads and decodes every session in r.
func ParseLog(r io.Reader) ([]Session, error) {
	raws, err := ReadSessions(r)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(raws))
	for i, raw := range raws {
		s, err := raw.Parse()
		if err != nil {
			return nil, fmt.Errorf("session %d %s: %w", i, raw, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
