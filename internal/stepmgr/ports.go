package stepmgr

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
)

// portManager hands out rendezvous port reservations. A port can be
// reserved by several steps as long as their node sets do not overlap.
type portManager struct {
	first, last uint16
	nodeCount   int
	// Nodes on which each port is currently reserved.
	inUse map[uint16]*bitmap.Bitmap
}

func newPortManager(first, last uint16, nodeCount int) *portManager {
	return &portManager{
		first:     first,
		last:      last,
		nodeCount: nodeCount,
		inUse:     map[uint16]*bitmap.Bitmap{},
	}
}

// alloc reserves step.ResvPortCnt ports free on every node of the step
// and records them on the step.
func (p *portManager) alloc(step *StepRecord) error {
	if p.first == 0 || p.last < p.first {
		return errors.New("no reserved port range configured")
	}
	var picked []uint16
	for port := p.first; port <= p.last && len(picked) < int(step.ResvPortCnt); port++ {
		used := p.inUse[port]
		if used != nil {
			overlap := used.Copy()
			overlap.And(step.StepNodeBitmap)
			if overlap.SetCount() > 0 {
				continue
			}
		}
		picked = append(picked, port)
		if port == p.last {
			break
		}
	}
	if len(picked) < int(step.ResvPortCnt) {
		return errors.Errorf("insufficient free ports for step %d.%d: need %d",
			step.Job.JobID, step.StepID, step.ResvPortCnt)
	}
	for _, port := range picked {
		if p.inUse[port] == nil {
			p.inUse[port] = bitmap.New(p.nodeCount)
		}
		p.inUse[port].Or(step.StepNodeBitmap)
	}
	step.ResvPortArray = picked
	step.ResvPorts = formatPortRanges(picked)
	return nil
}

// free returns a step's port reservations; safe to call when none exist.
func (p *portManager) free(step *StepRecord) {
	if len(step.ResvPortArray) == 0 || step.StepNodeBitmap == nil {
		return
	}
	for _, port := range step.ResvPortArray {
		if used := p.inUse[port]; used != nil {
			used.AndNot(step.StepNodeBitmap)
		}
	}
	step.ResvPortArray = nil
}

func formatPortRanges(ports []uint16) string {
	var sb strings.Builder
	for i := 0; i < len(ports); {
		j := i
		for j+1 < len(ports) && ports[j+1] == ports[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(ports[i])))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(int(ports[j])))
		}
		i = j + 1
	}
	return sb.String()
}
