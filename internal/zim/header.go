package zim

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// Magic is the little-endian ZIM magic number.
	Magic uint32 = 0x044D495A
	// HeaderSize is the fixed size of the archive header.
	HeaderSize = 80
	// NoPage marks an absent main or layout page.
	NoPage uint32 = 0xffffffff
)

// Header mirrors the fixed 80 byte archive header.
type Header struct {
	MajorVersion  uint16
	MinorVersion  uint16
	UUID          [16]byte
	EntryCount    uint32
	ClusterCount  uint32
	URLPtrPos     uint64
	TitlePtrPos   uint64
	ClusterPtrPos uint64
	MIMEListPos   uint64
	MainPage      uint32
	LayoutPage    uint32
	ChecksumPos   uint64
}

// UUIDString formats the archive uuid as 32 lowercase hex digits.
func (h Header) UUIDString() string {
	return hex.EncodeToString(h.UUID[:])
}

// HasMainPage reports whether the header names a main page entry.
func (h Header) HasMainPage() bool {
	return h.MainPage != NoPage
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header truncated (%d bytes)", ErrInvalidFormat, len(buf))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(buf[0:4]); magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#08x", ErrInvalidFormat, magic)
	}
	var h Header
	h.MajorVersion = le.Uint16(buf[4:6])
	h.MinorVersion = le.Uint16(buf[6:8])
	copy(h.UUID[:], buf[8:24])
	h.EntryCount = le.Uint32(buf[24:28])
	h.ClusterCount = le.Uint32(buf[28:32])
	h.URLPtrPos = le.Uint64(buf[32:40])
	h.TitlePtrPos = le.Uint64(buf[40:48])
	h.ClusterPtrPos = le.Uint64(buf[48:56])
	h.MIMEListPos = le.Uint64(buf[56:64])
	h.MainPage = le.Uint32(buf[64:68])
	h.LayoutPage = le.Uint32(buf[68:72])
	h.ChecksumPos = le.Uint64(buf[72:80])
	return h, nil
}

// validate checks that every table the header points at fits in size bytes.
func (h Header) validate(size int64) error {
	if size < HeaderSize {
		return fmt.Errorf("%w: archive shorter than header", ErrInvalidFormat)
	}
	end := uint64(size)
	if h.ChecksumPos != 0 {
		if h.ChecksumPos < HeaderSize || h.ChecksumPos > end || end-h.ChecksumPos < 16 {
			return fmt.Errorf("%w: checksum position %d outside archive", ErrInvalidFormat, h.ChecksumPos)
		}
		end = h.ChecksumPos
	}
	if err := checkTable("mime list", h.MIMEListPos, 1, 1, end); err != nil {
		return err
	}
	if err := checkTable("url pointer list", h.URLPtrPos, uint64(h.EntryCount), 8, end); err != nil {
		return err
	}
	if err := checkTable("cluster pointer list", h.ClusterPtrPos, uint64(h.ClusterCount), 8, end); err != nil {
		return err
	}
	if h.MainPage != NoPage && h.MainPage >= h.EntryCount {
		return fmt.Errorf("%w: main page %d beyond %d entries", ErrInvalidFormat, h.MainPage, h.EntryCount)
	}
	return nil
}

func checkTable(name string, pos, count, width, end uint64) error {
	if pos < HeaderSize || pos > end {
		return fmt.Errorf("%w: %s position %d outside archive", ErrInvalidFormat, name, pos)
	}
	if count > (end-pos)/width {
		return fmt.Errorf("%w: %s of %d items overruns archive", ErrInvalidFormat, name, count)
	}
	return nil
}
