//go:build !unix

package strategy

// raiseFileLimit is a no-op on platforms without RLIMIT_NOFILE.
func raiseFileLimit() (before, after uint64, err error) {
	return 0, 0, nil
}
