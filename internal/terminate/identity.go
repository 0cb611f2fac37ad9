package terminate

import (
	"path/filepath"
)

// VerifyProcess checks that pid still belongs to the job recorded for it, so
// a recycled PID is never signaled. expectedCommand is the job's argv[0] and
// expectedStartTime the value ProcessStartTime reported when the job began.
// Zero values skip the corresponding check.
func VerifyProcess(pid int, expectedCommand string, expectedStartTime int64) bool {
	if expectedStartTime != 0 {
		actual, err := processStartTime(pid)
		if err != nil || actual != expectedStartTime {
			return false
		}
	}

	if expectedCommand == "" {
		return true
	}

	actual, err := processName(pid)
	if err != nil {
		return false
	}
	// The kernel truncates comm (15 bytes on Linux), so a full-length name
	// is compared as a prefix.
	want := filepath.Base(expectedCommand)
	if len(actual) >= 15 && len(want) > len(actual) {
		want = want[:len(actual)]
	}
	return actual == want
}

// ProcessStartTime returns the OS-reported start time for a process. The value
// is platform-specific (clock ticks since boot on Linux, Unix seconds on
// Darwin) but stable for the life of the process.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}
