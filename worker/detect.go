package worker

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/resources"
)

// MemResource is the name of the detected memory sum resource.
const MemResource = "mem"

// DetectDescriptor describes this host: the cores this process may run on,
// grouped by socket, plus its physical memory. Generic resources the host
// cannot discover, like GPUs, are appended from extra.
func DetectDescriptor(extra ...resources.GenericDescriptor) (resources.Descriptor, error) {
	groups, err := detectCpus()
	if err != nil {
		return resources.Descriptor{}, err
	}
	generic := append([]resources.GenericDescriptor(nil), extra...)
	hasMem := false
	for _, g := range extra {
		hasMem = hasMem || g.Name == MemResource
	}
	if !hasMem {
		if vm, err := mem.VirtualMemory(); err != nil {
			log.WithFields(
				log.Fields{
					"err": err,
				}).Info("Could not detect memory, not offering it")
		} else {
			generic = append(generic, resources.GenericDescriptor{
				Name: MemResource,
				Kind: resources.KindSum,
				Size: resources.Units(int64(vm.Total)),
			})
		}
	}
	d := resources.NewDescriptor(groups, generic...)
	if err := d.Validate(); err != nil {
		return d, errors.Wrap(err, "detected descriptor")
	}
	return d, nil
}

func detectCpus() ([][]resources.Index, error) {
	allowed, err := affinity()
	if err != nil {
		log.WithFields(
			log.Fields{
				"err": err,
			}).Debug("No cpu affinity, offering every core")
		allowed = nil
	}

	infos, err := cpu.Info()
	if err == nil && len(infos) > 0 && infos[0].PhysicalID != "" {
		return groupBySocket(infos, allowed), nil
	}

	n, err := cpu.Counts(true)
	if err != nil {
		return nil, errors.Wrap(err, "counting cpus")
	}
	if n <= 0 {
		return nil, errors.New("no cpus detected")
	}
	var ids []resources.Index
	for i := 0; i < n; i++ {
		if allowed == nil || allowed[resources.Index(i)] {
			ids = append(ids, resources.Index(i))
		}
	}
	return [][]resources.Index{ids}, nil
}

// groupBySocket turns one InfoStat per logical cpu into core ids per socket,
// keeping only the allowed cores when an affinity set is known.
func groupBySocket(infos []cpu.InfoStat, allowed map[resources.Index]bool) [][]resources.Index {
	sockets := map[string][]resources.Index{}
	for _, info := range infos {
		id := resources.Index(info.CPU)
		if allowed != nil && !allowed[id] {
			continue
		}
		sockets[info.PhysicalID] = append(sockets[info.PhysicalID], id)
	}
	keys := make([]string, 0, len(sockets))
	for k := range sockets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	groups := make([][]resources.Index, 0, len(keys))
	for _, k := range keys {
		ids := sockets[k]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		groups = append(groups, ids)
	}
	return groups
}
