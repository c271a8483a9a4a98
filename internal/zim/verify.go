package zim

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

const verifyChunk = 1 << 20

// Checksum returns the MD5 stored at the checksum position.
func (a *Archive) Checksum() ([]byte, error) {
	if a.hdr.ChecksumPos == 0 {
		return nil, ErrNoChecksum
	}
	sum := make([]byte, md5.Size)
	if err := readFull(a.r, sum, int64(a.hdr.ChecksumPos)); err != nil {
		return nil, fmt.Errorf("zim: read checksum: %w", err)
	}
	return sum, nil
}

// Verify hashes every byte before the checksum position and compares the
// result with the stored checksum. progress, when non-nil, receives the number
// of bytes hashed so far after every chunk.
func (a *Archive) Verify(ctx context.Context, progress func(done, total int64)) error {
	want, err := a.Checksum()
	if err != nil {
		return err
	}
	total := int64(a.hdr.ChecksumPos)
	h := md5.New()
	buf := make([]byte, verifyChunk)
	for off := int64(0); off < total; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(int64(len(buf)), total-off)
		if err := readFull(a.r, buf[:n], off); err != nil {
			return fmt.Errorf("zim: verify at %d: %w", off, err)
		}
		h.Write(buf[:n])
		off += n
		if progress != nil {
			progress(off, total)
		}
	}
	if got := h.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: computed %s, stored %s", ErrChecksumMismatch, hex.EncodeToString(got), hex.EncodeToString(want))
	}
	return nil
}
