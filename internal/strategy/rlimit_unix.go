//go:build unix

package strategy

import "golang.org/x/sys/unix"

// targetFileLimit is the soft RLIMIT_NOFILE floor dataloader worker
// pools need on hosts with conservative defaults.
const targetFileLimit = 4096

// raiseFileLimit lifts the soft open-file limit towards
// targetFileLimit, bounded by the hard limit.
func raiseFileLimit() (before, after uint64, err error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, 0, err
	}
	before = lim.Cur
	if lim.Cur >= targetFileLimit {
		return before, before, nil
	}
	want := uint64(targetFileLimit)
	if lim.Max != unix.RLIM_INFINITY && want > lim.Max {
		want = lim.Max
	}
	lim.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return before, before, err
	}
	return before, want, nil
}
