// Package nar reads and writes the Nix ARchive format, the canonical
// serialisation of a store path's file tree that binary caches store and
// whose sha256 is the NarHash of a narinfo record.
package nar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	magic = "nix-archive-1"

	// maxTokenLen bounds the length of structural strings (names, symlink
	// targets) so a malicious archive cannot force a large allocation.
	maxTokenLen = 4096
)

// ErrInvalid is returned for archives that do not follow the NAR grammar.
var ErrInvalid = errors.New("nar: invalid archive")

// Type is the kind of a file system object in an archive.
type Type string

const (
	TypeRegular   Type = "regular"
	TypeDirectory Type = "directory"
	TypeSymlink   Type = "symlink"
)

// Header describes one entry of an archive. The root entry has Path "/".
type Header struct {
	Path       string
	Type       Type
	Executable bool
	Size       int64
	LinkTarget string
}

func padding(n int64) int64 {
	return (8 - n%8) % 8
}

var zeros [8]byte

func writeUint64(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write(zeros[:padding(int64(len(s)))])
	return err
}

func writeStrings(w io.Writer, ss ...string) error {
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes a NAR whose root is a single regular file with the given
// contents. size must be the exact number of bytes r yields.
func WriteFile(w io.Writer, r io.Reader, size int64, executable bool) error {
	if err := writeStrings(w, magic, "(", "type", string(TypeRegular)); err != nil {
		return fmt.Errorf("writing nar header: %w", err)
	}
	if executable {
		if err := writeStrings(w, "executable", ""); err != nil {
			return fmt.Errorf("writing nar header: %w", err)
		}
	}
	if err := writeString(w, "contents"); err != nil {
		return fmt.Errorf("writing nar header: %w", err)
	}
	if err := writeUint64(w, uint64(size)); err != nil { //nolint:gosec // size is non-negative
		return fmt.Errorf("writing nar contents length: %w", err)
	}
	n, err := io.Copy(w, io.LimitReader(r, size))
	if err != nil {
		return fmt.Errorf("writing nar contents: %w", err)
	}
	if n != size {
		return fmt.Errorf("writing nar contents: expected %d bytes, got %d", size, n)
	}
	if _, err := w.Write(zeros[:padding(size)]); err != nil {
		return fmt.Errorf("writing nar padding: %w", err)
	}
	if err := writeString(w, ")"); err != nil {
		return fmt.Errorf("writing nar trailer: %w", err)
	}
	return nil
}

// WriteSymlink writes a NAR whose root is a symlink.
func WriteSymlink(w io.Writer, target string) error {
	if err := writeStrings(w, magic, "(", "type", string(TypeSymlink), "target", target, ")"); err != nil {
		return fmt.Errorf("writing nar symlink: %w", err)
	}
	return nil
}
