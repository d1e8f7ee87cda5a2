// Package dump reads and writes per-unit binary dumps: the facts an
// extractor records for one compilation unit, addressed by local indices.
//
// A dump file is an 8-byte magic, a big-endian uint16 format version and a
// msgpack-encoded Dump. Readers reject any other magic or version with
// ErrIncompatible instead of guessing at the layout.
package dump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Magic opens every dump file.
const Magic = "CRPSDUMP"

// FormatVersion is the layout version written by Encode and accepted by
// Decode.
const FormatVersion uint16 = 1

// Ext is the file extension of dump files in the workspace.
const Ext = ".dump"

var (
	// ErrIncompatible reports a dump written by a different extractor format.
	ErrIncompatible = errors.New("dump: incompatible format")
	// ErrMalformed reports a dump whose tables reference out-of-range indices.
	ErrMalformed = errors.New("dump: malformed")
)

const headerLen = len(Magic) + 2

// Encode writes d to w.
func Encode(w io.Writer, d *Dump) error {
	if err := Validate(d); err != nil {
		return err
	}
	var header [headerLen]byte
	copy(header[:], Magic)
	binary.BigEndian.PutUint16(header[len(Magic):], FormatVersion)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("dump: write header: %w", err)
	}
	if err := msgpack.NewEncoder(w).Encode(d); err != nil {
		return fmt.Errorf("dump: encode %s: %w", d.Unit, err)
	}
	return nil
}

// Decode reads and validates one dump from r.
func Decode(r io.Reader) (*Dump, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrIncompatible, err)
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrIncompatible, header[:len(Magic)])
	}
	if v := binary.BigEndian.Uint16(header[len(Magic):]); v != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrIncompatible, v, FormatVersion)
	}

	d := &Dump{}
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Unmarshal decodes a dump held in memory.
func Unmarshal(data []byte) (*Dump, error) {
	return Decode(bytes.NewReader(data))
}

// ReadFile decodes the dump at path.
func ReadFile(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dump: open: %w", err)
	}
	defer f.Close()
	d, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteFile encodes d to path, creating parent directories.
func WriteFile(path string, d *Dump) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dump: mkdir: %w", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, d); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("dump: write %s: %w", path, err)
	}
	return nil
}

// FileName is the conventional file name for a unit's dump.
func FileName(u UnitID) string {
	target := u.Target
	if target == "" {
		target = "lib"
	}
	return u.Crate + "-" + u.Version + "-" + target + Ext
}
