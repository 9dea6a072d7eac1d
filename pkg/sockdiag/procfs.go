package sockdiag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcOwners finds socket holders by walking every process's descriptor
// table, the way ss -p does.
type ProcOwners struct {
	fs procfs.FS
}

func NewProcOwners(procRoot string) (*ProcOwners, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", procRoot, err)
	}
	return &ProcOwners{fs: fs}, nil
}

// PIDs stops walking as soon as every inode is found. Processes that exit
// or deny access mid-walk are skipped.
func (o *ProcOwners) PIDs(inodes map[uint32]struct{}) map[uint32]uint32 {
	out := make(map[uint32]uint32, len(inodes))
	procs, err := o.fs.AllProcs()
	if err != nil {
		return out
	}
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, target := range targets {
			inode, ok := socketInode(target)
			if !ok {
				continue
			}
			if _, want := inodes[inode]; !want {
				continue
			}
			if _, done := out[inode]; !done {
				out[inode] = uint32(p.PID)
			}
		}
		if len(out) == len(inodes) {
			break
		}
	}
	return out
}

// socketInode parses a descriptor link target of the form "socket:[12345]".
func socketInode(target string) (uint32, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
