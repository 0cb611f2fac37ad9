//go:build linux || darwin

package terminate

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessWalker walks the live process table.
type ProcessWalker struct{}

// DefaultWalker returns the process-table walker on this platform.
func DefaultWalker() TreeWalker { return ProcessWalker{} }

// Descendants returns every process below pid, parents before children.
func (ProcessWalker) Descendants(pid int) ([]int, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("looking up pid %d: %w", pid, err)
	}

	var out []int
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.Children()
		if err != nil {
			if errors.Is(err, process.ErrorNoChildren) || p != root {
				continue
			}
			return nil, fmt.Errorf("listing children of %d: %w", pid, err)
		}
		for _, c := range children {
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out, nil
}
