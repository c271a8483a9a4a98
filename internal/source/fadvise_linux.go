//go:build linux

package source

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseRandom disables kernel readahead; archive reads jump between tables.
func adviseRandom(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
