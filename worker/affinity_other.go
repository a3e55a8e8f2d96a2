//go:build !linux

package worker

import (
	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/resources"
)

func affinity() (map[resources.Index]bool, error) {
	return nil, errors.New("cpu affinity is only known on linux")
}
