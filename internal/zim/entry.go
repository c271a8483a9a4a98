package zim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind classifies a directory entry.
type Kind uint8

const (
	// KindContent entries reference a blob inside a cluster.
	KindContent Kind = iota
	// KindRedirect entries point at another entry by index.
	KindRedirect
	// KindLinkTarget entries exist only as link anchors and carry no data.
	KindLinkTarget
	// KindDeleted entries were removed from the archive.
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindRedirect:
		return "redirect"
	case KindLinkTarget:
		return "linktarget"
	case KindDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	mimeRedirect   uint16 = 0xffff
	mimeLinkTarget uint16 = 0xfffe
	mimeDeleted    uint16 = 0xfffd
)

// Entry is one directory entry.
type Entry struct {
	Index         uint32
	Namespace     byte
	URL           string
	Title         string
	MIMEType      string
	Kind          Kind
	Revision      uint32
	Cluster       uint32
	Blob          uint32
	RedirectIndex uint32
	Parameters    []byte
}

// Path returns "<namespace>/<url>", the string request paths are matched against.
func (e Entry) Path() string {
	return string(e.Namespace) + "/" + e.URL
}

// DisplayTitle returns the title, falling back to the URL when the title is empty.
func (e Entry) DisplayTitle() string {
	if e.Title != "" {
		return e.Title
	}
	return e.URL
}

// errShortDirent signals that the read window ended before the entry did.
var errShortDirent = errors.New("zim: directory entry exceeds read window")

// parseDirent decodes the directory entry at the start of buf.
func parseDirent(buf []byte, mimeTypes []string) (Entry, error) {
	if len(buf) < 12 {
		return Entry{}, errShortDirent
	}
	le := binary.LittleEndian
	mime := le.Uint16(buf[0:2])
	paramLen := int(buf[2])
	e := Entry{
		Namespace: buf[3],
		Revision:  le.Uint32(buf[4:8]),
	}
	var rest []byte
	switch mime {
	case mimeRedirect:
		e.Kind = KindRedirect
		e.RedirectIndex = le.Uint32(buf[8:12])
		rest = buf[12:]
	case mimeLinkTarget, mimeDeleted:
		if mime == mimeLinkTarget {
			e.Kind = KindLinkTarget
		} else {
			e.Kind = KindDeleted
		}
		rest = buf[8:]
	default:
		if int(mime) >= len(mimeTypes) {
			return Entry{}, fmt.Errorf("%w: mime index %d beyond %d types", ErrInvalidFormat, mime, len(mimeTypes))
		}
		if len(buf) < 16 {
			return Entry{}, errShortDirent
		}
		e.Kind = KindContent
		e.MIMEType = mimeTypes[mime]
		e.Cluster = le.Uint32(buf[8:12])
		e.Blob = le.Uint32(buf[12:16])
		rest = buf[16:]
	}
	url, rest, ok := cutNUL(rest)
	if !ok {
		return Entry{}, errShortDirent
	}
	title, rest, ok := cutNUL(rest)
	if !ok {
		return Entry{}, errShortDirent
	}
	if len(rest) < paramLen {
		return Entry{}, errShortDirent
	}
	e.URL = string(url)
	e.Title = string(title)
	if paramLen > 0 {
		e.Parameters = bytes.Clone(rest[:paramLen])
	}
	return e, nil
}

func cutNUL(b []byte) (before, after []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return nil, b, false
	}
	return b[:i], b[i+1:], true
}

// parseMIMEList decodes NUL-terminated strings up to the empty terminator.
func parseMIMEList(buf []byte) ([]string, error) {
	var types []string
	for {
		s, rest, ok := cutNUL(buf)
		if !ok {
			return nil, fmt.Errorf("%w: mime list not terminated", ErrInvalidFormat)
		}
		if len(s) == 0 {
			return types, nil
		}
		types = append(types, string(s))
		buf = rest
	}
}
