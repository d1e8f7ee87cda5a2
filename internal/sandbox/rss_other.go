//go:build !linux

package sandbox

import "errors"

func groupRSS(int) (int64, error) {
	return 0, errors.New("sandbox: resident set sampling needs /proc")
}
