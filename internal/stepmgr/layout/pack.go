package layout

import (
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/pack"
)

// maxLayoutNodes bounds unpacked layouts against corrupt state files.
const maxLayoutNodes = 1 << 20

// Pack writes the layout in state-file order.
func (l *StepLayout) Pack(buf *pack.Buffer) {
	buf.PackString(l.NodeList)
	buf.PackU32(uint32(l.NodeCnt))
	buf.PackU32(l.TaskCnt)
	for _, t := range l.Tasks {
		buf.PackU16(t)
	}
	for _, ids := range l.TaskIDs {
		buf.PackU32(uint32(len(ids)))
		for _, id := range ids {
			buf.PackU32(id)
		}
	}
}

// Unpack is the inverse of Pack.
func Unpack(buf *pack.Buffer) (*StepLayout, error) {
	nodeList, err := buf.UnpackString()
	if err != nil {
		return nil, err
	}
	nodeCnt, err := buf.UnpackU32()
	if err != nil {
		return nil, err
	}
	if nodeCnt == 0 || nodeCnt > maxLayoutNodes {
		return nil, errors.Errorf("layout: invalid node count %d", nodeCnt)
	}
	taskCnt, err := buf.UnpackU32()
	if err != nil {
		return nil, err
	}
	l := &StepLayout{
		NodeList: nodeList,
		NodeCnt:  int(nodeCnt),
		TaskCnt:  taskCnt,
		Tasks:    make([]uint16, nodeCnt),
		TaskIDs:  make([][]uint32, nodeCnt),
	}
	for i := range l.Tasks {
		if l.Tasks[i], err = buf.UnpackU16(); err != nil {
			return nil, err
		}
	}
	for i := range l.TaskIDs {
		n, err := buf.UnpackU32()
		if err != nil {
			return nil, err
		}
		if n > taskCnt {
			return nil, errors.Errorf("layout: node %d claims %d of %d tasks", i, n, taskCnt)
		}
		if n == 0 {
			continue // a node without tasks keeps a nil id list, as Create leaves it
		}
		ids := make([]uint32, n)
		for j := range ids {
			if ids[j], err = buf.UnpackU32(); err != nil {
				return nil, err
			}
		}
		l.TaskIDs[i] = ids
	}
	return l, nil
}
