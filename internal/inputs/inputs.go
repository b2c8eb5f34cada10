package inputs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrEmpty    = errors.New("empty input")
	ErrTooLarge = errors.New("input exceeds size limit")
	ErrNotImage = errors.New("input is not an image")
)

type sourceKind int

const (
	kindNone sourceKind = iota
	kindURL
	kindBytes
	kindStream
)

// Source is an image as the caller handed it over: a remote URL, a byte
// buffer, or a stream that has not been read yet.
type Source struct {
	kind sourceKind
	url  string
	data []byte
	r    io.Reader
}

func URL(u string) Source       { return Source{kind: kindURL, url: u} }
func Bytes(b []byte) Source     { return Source{kind: kindBytes, data: b} }
func Stream(r io.Reader) Source { return Source{kind: kindStream, r: r} }

func (s Source) IsZero() bool { return s.kind == kindNone }

// IsStream reports whether reading the source consumes it.
func (s Source) IsStream() bool { return s.kind == kindStream }

func (s Source) String() string {
	switch s.kind {
	case kindURL:
		return s.url
	case kindBytes:
		return fmt.Sprintf("<%d bytes>", len(s.data))
	case kindStream:
		return "<stream>"
	default:
		return "<none>"
	}
}

// File is a normalized input, safe to put on the wire.
type File struct {
	URL  string
	Data []byte
}

func (f File) IsURL() bool { return f.URL != "" }

// Source turns a normalized file back into a replayable Source.
func (f File) Source() Source {
	if f.IsURL() {
		return URL(f.URL)
	}
	return Bytes(f.Data)
}

// MIME sniffs the content type of in-memory data. URLs report "".
func (f File) MIME() string {
	if f.IsURL() {
		return ""
	}
	return mimetype.Detect(f.Data).String()
}

func (f File) IsImage() bool {
	if f.IsURL() {
		return true
	}
	return strings.HasPrefix(f.MIME(), "image/")
}

// Value is the representation the prediction API accepts: the URL itself,
// or a base64 data URI for in-memory data.
func (f File) Value() string {
	if f.IsURL() {
		return f.URL
	}
	mt := mimetype.Detect(f.Data).String()
	return fmt.Sprintf("data:%s;base64,%s", mt, base64.StdEncoding.EncodeToString(f.Data))
}

// Normalize turns a Source into a File. Streams are read to completion; a
// read error is returned rather than a truncated buffer.
func Normalize(ctx context.Context, src Source) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	switch src.kind {
	case kindURL:
		if strings.TrimSpace(src.url) == "" {
			return File{}, ErrEmpty
		}
		return File{URL: src.url}, nil
	case kindBytes:
		if len(src.data) == 0 {
			return File{}, ErrEmpty
		}
		return File{Data: src.data}, nil
	case kindStream:
		bs, err := io.ReadAll(src.r)
		if err != nil {
			return File{}, fmt.Errorf("failed to read input stream: %w", err)
		}
		if len(bs) == 0 {
			return File{}, ErrEmpty
		}
		return File{Data: bs}, nil
	default:
		return File{}, ErrEmpty
	}
}

// ReadLimited reads r fully, failing with ErrTooLarge once more than limit
// bytes arrive. limit <= 0 disables the check.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return buf.Bytes(), nil
}
