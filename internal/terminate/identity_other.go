//go:build !linux && !darwin

package terminate

import "errors"

var errIdentityUnsupported = errors.New("process identity unsupported on this platform")

func processName(pid int) (string, error) { return "", errIdentityUnsupported }
func processStartTime(pid int) (int64, error) { return 0, errIdentityUnsupported }
