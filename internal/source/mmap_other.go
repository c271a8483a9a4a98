//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package source

import (
	"fmt"
	"os"
)

func mapFile(_ *os.File, path string, _ int64) (Local, error) {
	return nil, fmt.Errorf("source: mmap of %s not supported on this platform", path)
}
