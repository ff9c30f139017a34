package pdp

import (
	"encoding/json"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const DefaultOutput = "data.json"

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Encode writes sessions to w in the given format.
func Encode(w io.Writer, sessions []Session, format Format) error {
	switch format {
	case FormatJSON, "":
		return json.NewEncoder(w).Encode(sessions)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(sessions); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// Convert decodes the log at in and writes the sessions to out.
func Convert(fs afero.Fs, in, out string, format Format) (int, error) {
	f, err := fs.Open(in)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	sessions, err := ParseLog(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", in, err)
	}
	log.Debugf("decoded %d sessions from %s", len(sessions), in)

	o, err := fs.Create(out)
	if err != nil {
		return 0, err
	}
	if err := Encode(o, sessions, format); err != nil {
		_ = o.Close()
		return 0, fmt.Errorf("encode %s: %w", out, err)
	}
	return len(sessions), o.Close()
}
