//go:build !windows

package proxy

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// readNoFollow reads a credential file, refusing a symlink in the final path
// component. A missing file is reported as os.ErrNotExist.
func readNoFollow(path string) ([]byte, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("refusing to read %s: is a symlink", path)
		}
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	return io.ReadAll(f)
}
