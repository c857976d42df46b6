//go:build windows

package proxy

import "os"

// readNoFollow reads a credential file. O_NOFOLLOW does not exist on Windows
// and creating symlinks there needs privileges.
func readNoFollow(path string) ([]byte, error) {
	return os.ReadFile(path)
}
