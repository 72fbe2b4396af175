package gpib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// lockResource takes an advisory flock on a per-resource lockfile so two
// processes cannot open the same instrument at once. The lock lives for the
// lifetime of the session; the file itself is left behind, which is fine for
// advisory locks.
func lockResource(resource string) (func(), error) {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', ' ':
			return '-'
		}
		return r
	}, resource)
	path := filepath.Join(os.TempDir(), "rampctl-"+name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lockfile %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("instrument %s is in use by another process", resource)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
