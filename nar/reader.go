package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
)

type dirFrame struct {
	path     string
	lastName string
}

// Reader provides sequential access to the entries of a NAR, in the style of
// archive/tar. Contents of regular files are read with Read after Next.
type Reader struct {
	r       *bufio.Reader
	stack   []dirFrame
	started bool
	done    bool

	inFile    bool
	remaining int64
	size      int64
	err       error
}

// NewReader creates a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (nr *Reader) invalid(format string, args ...any) error {
	nr.err = fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	return nr.err
}

func (nr *Reader) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(nr.r, buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		nr.err = err
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// skipPadding consumes the zero bytes aligning a field of n bytes.
func (nr *Reader) skipPadding(n int64) error {
	var buf [8]byte
	p := padding(n)
	if p == 0 {
		return nil
	}
	if _, err := io.ReadFull(nr.r, buf[:p]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		nr.err = err
		return err
	}
	for _, b := range buf[:p] {
		if b != 0 {
			return nr.invalid("non-zero padding")
		}
	}
	return nil
}

func (nr *Reader) readString() (string, error) {
	n, err := nr.readUint64()
	if err != nil {
		return "", err
	}
	if n > maxTokenLen {
		return "", nr.invalid("string of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(nr.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		nr.err = err
		return "", err
	}
	if err := nr.skipPadding(int64(n)); err != nil { //nolint:gosec // bounded by maxTokenLen
		return "", err
	}
	return string(buf), nil
}

func (nr *Reader) expect(tokens ...string) error {
	for _, want := range tokens {
		got, err := nr.readString()
		if err != nil {
			return err
		}
		if got != want {
			return nr.invalid("expected %q, got %q", want, got)
		}
	}
	return nil
}

// Next advances to the next entry. It returns io.EOF at the end of the archive.
func (nr *Reader) Next() (*Header, error) {
	if nr.err != nil {
		return nil, nr.err
	}
	if !nr.started {
		nr.started = true
		if err := nr.expect(magic); err != nil {
			return nil, err
		}
		return nr.readNode("/")
	}

	if nr.inFile {
		if _, err := io.CopyN(io.Discard, nr.r, nr.remaining); err != nil {
			nr.err = io.ErrUnexpectedEOF
			return nil, nr.err
		}
		nr.remaining = 0
		if err := nr.finishFile(); err != nil {
			return nil, err
		}
	}

	for len(nr.stack) > 0 {
		top := &nr.stack[len(nr.stack)-1]
		tok, err := nr.readString()
		if err != nil {
			return nil, err
		}
		switch tok {
		case "entry":
			if err := nr.expect("(", "name"); err != nil {
				return nil, err
			}
			name, err := nr.readString()
			if err != nil {
				return nil, err
			}
			if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
				return nil, nr.invalid("invalid entry name %q", name)
			}
			if top.lastName != "" && name <= top.lastName {
				return nil, nr.invalid("entry %q out of order", name)
			}
			top.lastName = name
			if err := nr.expect("node"); err != nil {
				return nil, err
			}
			return nr.readNode(path.Join(top.path, name))
		case ")":
			nr.stack = nr.stack[:len(nr.stack)-1]
			if err := nr.closeEntry(); err != nil {
				return nil, err
			}
		default:
			return nil, nr.invalid("unexpected token %q in directory", tok)
		}
	}

	nr.done = true
	return nil, io.EOF
}

func (nr *Reader) readNode(p string) (*Header, error) {
	if err := nr.expect("(", "type"); err != nil {
		return nil, err
	}
	typ, err := nr.readString()
	if err != nil {
		return nil, err
	}

	switch Type(typ) {
	case TypeRegular:
		hdr := &Header{Path: p, Type: TypeRegular}
		tok, err := nr.readString()
		if err != nil {
			return nil, err
		}
		if tok == "executable" {
			if err := nr.expect(""); err != nil {
				return nil, err
			}
			hdr.Executable = true
			if tok, err = nr.readString(); err != nil {
				return nil, err
			}
		}
		if tok != "contents" {
			return nil, nr.invalid("expected \"contents\", got %q", tok)
		}
		size, err := nr.readUint64()
		if err != nil {
			return nil, err
		}
		if size > 1<<62 {
			return nil, nr.invalid("file size %d too large", size)
		}
		hdr.Size = int64(size) //nolint:gosec // checked above
		nr.inFile = true
		nr.remaining = hdr.Size
		nr.size = hdr.Size
		return hdr, nil

	case TypeSymlink:
		if err := nr.expect("target"); err != nil {
			return nil, err
		}
		target, err := nr.readString()
		if err != nil {
			return nil, err
		}
		if err := nr.expect(")"); err != nil {
			return nil, err
		}
		if err := nr.closeEntry(); err != nil {
			return nil, err
		}
		return &Header{Path: p, Type: TypeSymlink, LinkTarget: target}, nil

	case TypeDirectory:
		nr.stack = append(nr.stack, dirFrame{path: p})
		return &Header{Path: p, Type: TypeDirectory}, nil
	}
	return nil, nr.invalid("unknown node type %q", typ)
}

// finishFile consumes the padding and closing tokens after file contents.
func (nr *Reader) finishFile() error {
	nr.inFile = false
	if err := nr.skipPadding(nr.size); err != nil {
		return err
	}
	if err := nr.expect(")"); err != nil {
		return err
	}
	return nr.closeEntry()
}

// closeEntry consumes the ")" closing a directory entry, if the node just
// finished was inside a directory.
func (nr *Reader) closeEntry() error {
	if len(nr.stack) == 0 {
		return nil
	}
	return nr.expect(")")
}

// Read reads from the contents of the current regular file.
func (nr *Reader) Read(p []byte) (int, error) {
	if nr.err != nil {
		return 0, nr.err
	}
	if !nr.inFile || nr.remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > nr.remaining {
		p = p[:nr.remaining]
	}
	n, err := nr.r.Read(p)
	nr.remaining -= int64(n)
	if err == io.EOF {
		if nr.remaining > 0 {
			nr.err = io.ErrUnexpectedEOF
			return n, nr.err
		}
		err = nil
	}
	return n, err
}

// Close verifies that the archive has no trailing data after the root node.
// It consumes any unread entries first.
func (nr *Reader) Close() error {
	for !nr.done {
		if _, err := nr.Next(); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	if _, err := nr.r.ReadByte(); err != io.EOF {
		return nr.invalid("trailing data after archive")
	}
	return nil
}
