package ast

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Format names a tree-document encoding.
type Format string

const (
	FormatAuto Format = ""
	FormatCBOR Format = "cbor"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json" // decoded by the YAML decoder
)

// ErrEmptyDocument is returned when there is nothing to decode.
var ErrEmptyDocument = errors.New("ast: empty document")

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ast: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		IntDec:            cbor.IntDecConvertSigned,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ast: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// DetectFormat guesses the encoding of data. A CBOR document is a map, so
// its first byte carries major type 5 (0xa0-0xbf); anything else is treated
// as YAML, which also covers JSON.
func DetectFormat(data []byte) Format {
	if len(data) > 0 && data[0] >= 0xa0 && data[0] <= 0xbf {
		return FormatCBOR
	}
	return FormatYAML
}

// FormatForPath picks a format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cbor":
		return FormatCBOR
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

// DecodeDocument decodes a tree document without converting it.
func DecodeDocument(data []byte, format Format) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}
	if format == FormatAuto {
		format = DetectFormat(data)
	}

	var doc Document
	switch format {
	case FormatCBOR:
		if err := cborDecMode.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("ast: decode cbor document: %w", err)
		}
	case FormatYAML, FormatJSON:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrEmptyDocument
			}
			return nil, fmt.Errorf("ast: decode %s document: %w", format, err)
		}
	default:
		return nil, fmt.Errorf("ast: unknown document format %q", format)
	}
	return &doc, nil
}

// Load decodes a tree document and converts it to a typed Program.
func Load(data []byte, format Format) (*Program, error) {
	doc, err := DecodeDocument(data, format)
	if err != nil {
		return nil, err
	}
	return doc.Program()
}

// LoadFile reads and loads a tree document, choosing the format from the
// file extension and falling back to content detection.
func LoadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ast: read %s: %w", path, err)
	}
	prog, err := Load(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if prog.Name == "" {
		prog.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return prog, nil
}

// MarshalCBOR encodes p as a canonical CBOR tree document.
func MarshalCBOR(p *Program) ([]byte, error) {
	return cborEncMode.Marshal(NewDocument(p))
}

// MarshalYAML encodes p as a YAML tree document.
func MarshalYAML(p *Program) ([]byte, error) {
	return yaml.Marshal(NewDocument(p))
}
