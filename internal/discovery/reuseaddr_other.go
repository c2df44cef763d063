//go:build !unix

package discovery

import "syscall"

// reuseAddrControl is a no-op on non-Unix platforms; SO_REUSEADDR is a
// best-effort convenience for co-located test clusters, not a correctness
// requirement.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
