//go:build !linux

package netsock

import "github.com/pkg/errors"

// SendOOB always returns an error on platforms other than Linux;
// out-of-band send needs raw socket control that isn't portable, and this
// feature is secondary enough not to block a build elsewhere.
func (c *Conn) SendOOB(b byte) error {
	return errors.New("netsock: out-of-band send is only supported on linux")
}

// SupportsOOB reports whether SendOOB can actually work on this platform.
func SupportsOOB() bool { return false }

// TryReadOOB never finds anything outside Linux.
func (c *Conn) TryReadOOB(b *byte) (ok bool, err error) { return false, nil }
