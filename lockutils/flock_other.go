//go:build !unix

package lockutils

import "errors"

func lockFile(path string) (func(), error) {
	return nil, errors.New("lockutils: external locks are not supported on this platform")
}
