//go:build linux

package worker

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/twitter/hpcsched/resources"
)

// affinity returns the cores this process is allowed to run on.
func affinity() (map[resources.Index]bool, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "sched_getaffinity")
	}
	allowed := map[resources.Index]bool{}
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			allowed[resources.Index(i)] = true
		}
	}
	if len(allowed) == 0 {
		return nil, errors.New("empty affinity set")
	}
	return allowed, nil
}
