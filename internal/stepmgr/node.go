package stepmgr

import (
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/common/hostlist"
)

// NodeRecord is one entry of the global node table.
type NodeRecord struct {
	Name string
	// CPUs as reported by the node.
	CPUs uint16
	// CPUs from the node's configuration line; used under fast schedule.
	ConfigCPUs uint16

	Down          bool
	PowerSave     bool
	NotResponding bool
}

// NodeTable is the dense, stably indexed global node table. Node sets are
// bitmaps over these indices.
type NodeTable struct {
	nodes  []NodeRecord
	byName map[string]int
}

func NewNodeTable(nodes []NodeRecord) *NodeTable {
	t := &NodeTable{
		nodes:  nodes,
		byName: make(map[string]int, len(nodes)),
	}
	for i := range nodes {
		t.byName[nodes[i].Name] = i
	}
	return t
}

func (t *NodeTable) Count() int {
	return len(t.nodes)
}

func (t *NodeTable) Node(i int) *NodeRecord {
	return &t.nodes[i]
}

// Find returns the index of the named node, or -1.
func (t *NodeTable) Find(name string) int {
	if i, ok := t.byName[name]; ok {
		return i
	}
	return -1
}

// UpBitmap returns the nodes currently usable for scheduling.
func (t *NodeTable) UpBitmap() *bitmap.Bitmap {
	up := bitmap.New(len(t.nodes))
	for i := range t.nodes {
		if !t.nodes[i].Down {
			up.Set(i)
		}
	}
	return up
}

// BitmapToNames renders a node set as a compressed hostlist expression.
func (t *NodeTable) BitmapToNames(bm *bitmap.Bitmap) string {
	hl := hostlist.New()
	for i := 0; i < bm.Size(); i++ {
		if bm.Test(i) {
			hl.Push(t.nodes[i].Name)
		}
	}
	return hl.RangedString()
}

// NamesToBitmap parses a hostlist expression into a node set. Unknown
// names are an error.
func (t *NodeTable) NamesToBitmap(expr string) (*bitmap.Bitmap, error) {
	names, err := hostlist.Expand(expr)
	if err != nil {
		return nil, err
	}
	bm := bitmap.New(len(t.nodes))
	for _, name := range names {
		i := t.Find(name)
		if i < 0 {
			return nil, errors.Errorf("unknown node %q", name)
		}
		bm.Set(i)
	}
	return bm, nil
}
