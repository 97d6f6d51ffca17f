package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Format selects a report encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatCBOR  Format = "cbor"
)

// ParseFormat returns the Format named by s. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unsupported report format %q (want table, json, yaml or cbor)", s)
	}
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("report: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("report: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode writes r to w in the given format.
func Encode(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report json: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			_ = enc.Close()
			return fmt.Errorf("encode report yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finalize report yaml: %w", err)
		}
	case FormatCBOR:
		data, err := cborEnc.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode report cbor: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write report cbor: %w", err)
		}
	case FormatTable, "":
		return Render(w, r)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
	return nil
}

// Save writes r as indented JSON to path.
func Save(path string, r *Report) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Encode(f, r, FormatJSON); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Decode reads a report in the given format. Table output cannot be decoded.
func Decode(data []byte, format Format) (*Report, error) {
	var r Report
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &r)
	case FormatYAML:
		err = yaml.Unmarshal(data, &r)
	case FormatCBOR:
		err = cborDec.Unmarshal(data, &r)
	default:
		return nil, fmt.Errorf("cannot decode report format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode report %s: %w", format, err)
	}
	return &r, nil
}

// Load reads a report file; the format follows the extension (default JSON).
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %q: %w", path, err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".cbor":
		format = FormatCBOR
	}
	return Decode(data, format)
}
