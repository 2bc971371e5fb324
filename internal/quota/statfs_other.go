//go:build !unix

package quota

import "errors"

var errStatfsUnsupported = errors.New("statfs unsupported")

func freeBytes(string) (int64, error) {
	return 0, errStatfsUnsupported
}
