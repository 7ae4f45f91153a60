package stepmgr

import (
	"fmt"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/common/pack"
	"github.com/flotillaproject/flotilla/internal/stepmgr/configuration"
	"github.com/flotillaproject/flotilla/internal/stepmgr/jobres"
)

var testStart = time.Date(2011, 3, 14, 12, 0, 0, 0, time.UTC)

// jobTable is a minimal JobSource for tests.
type jobTable struct {
	jobs []*JobRecord
}

func (t *jobTable) add(job *JobRecord) *jobTable {
	t.jobs = append(t.jobs, job)
	return t
}

func (t *jobTable) Find(jobID uint32) *JobRecord {
	for _, job := range t.jobs {
		if job.JobID == jobID {
			return job
		}
	}
	return nil
}

func (t *jobTable) ForEach(f func(*JobRecord)) {
	for _, job := range t.jobs {
		f(job)
	}
}

func (t *jobTable) Count() int {
	return len(t.jobs)
}

// recordingAgent captures queued node messages.
type recordingAgent struct {
	requests []*AgentArgs
}

func (a *recordingAgent) QueueRequest(args *AgentArgs) {
	a.requests = append(a.requests, args)
}

// recordingSwitch counts release calls and optionally supports partial
// completion.
type recordingSwitch struct {
	NoopSwitch
	partComp      bool
	completed     []string
	partCompleted []string
}

func (s *recordingSwitch) PartComplete() bool {
	return s.partComp
}

func (s *recordingSwitch) StepComplete(info SwitchJobInfo, nodeList string) error {
	s.completed = append(s.completed, nodeList)
	return nil
}

func (s *recordingSwitch) StepPartComplete(info SwitchJobInfo, nodeList string) error {
	s.partCompleted = append(s.partCompleted, nodeList)
	return nil
}

// recordingSrun captures completion notifications.
type recordingSrun struct {
	completed []*StepRecord
}

func (s *recordingSrun) StepComplete(step *StepRecord) {
	s.completed = append(s.completed, step)
}

// fakeGres limits usable CPUs per job-local node index.
type fakeGres struct {
	NoopGres
	// usable CPUs per node index honouring live steps
	avail map[int]uint32
	// usable CPUs per node index ignoring live steps
	total map[int]uint32
}

func (g *fakeGres) StepStateValidate(gres string, jobGres GresList, jobID, stepID uint32) (GresList, error) {
	if gres == "" {
		return nil, nil
	}
	return gres, nil
}

func (g *fakeGres) StepTest(stepGres, jobGres GresList, nodeIdx int, ignoreAlloc bool, jobID, stepID uint32) uint32 {
	src := g.avail
	if ignoreAlloc {
		src = g.total
	}
	if src == nil {
		return NoVal
	}
	if v, ok := src[nodeIdx]; ok {
		return v
	}
	return NoVal
}

// allowAuth grants operator rights to one uid.
type allowAuth struct {
	operator int
}

func (a allowAuth) IsOperator(uid int) bool                           { return uid == a.operator }
func (a allowAuth) IsAccountCoordinator(uid int, account string) bool { return false }

func testNodeTable(n int) *NodeTable {
	nodes := make([]NodeRecord, n)
	for i := range nodes {
		nodes[i] = NodeRecord{
			Name:       fmt.Sprintf("tux%d", i),
			CPUs:       4,
			ConfigCPUs: 4,
		}
	}
	return NewNodeTable(nodes)
}

type testJobOpt func(*JobRecord)

func withMemory(mbPerNode uint32) testJobOpt {
	return func(job *JobRecord) {
		res := job.Resources
		res.MemoryAllocated = make([]uint32, res.NHosts)
		res.MemoryUsed = make([]uint32, res.NHosts)
		for i := range res.MemoryAllocated {
			res.MemoryAllocated[i] = mbPerNode
		}
	}
}

// testJob builds a running job over the first nodeCnt nodes of the table
// with cpusPerNode CPUs each, core accounting enabled (one socket,
// cpusPerNode cores per node) and every core owned by the job.
func testJob(jobID uint32, table *NodeTable, nodeCnt int, cpusPerNode uint16, opts ...testJobOpt) *JobRecord {
	nodeBitmap := bitmap.New(table.Count())
	for i := 0; i < nodeCnt; i++ {
		nodeBitmap.Set(i)
	}
	coreCnt := nodeCnt * int(cpusPerNode)
	coreBitmap := bitmap.New(coreCnt)
	coreBitmap.SetRange(0, coreCnt-1)

	job := &JobRecord{
		JobID:      jobID,
		UserID:     1000,
		Name:       "interactive",
		Partition:  "debug",
		Nodes:      table.BitmapToNames(nodeBitmap),
		BatchHost:  table.Node(0).Name,
		State:      JobRunning,
		NodeBitmap: nodeBitmap,
		NextStepID: 1, // skip the first-step boot checks by default
		TotalCPUs:  uint32(nodeCnt) * uint32(cpusPerNode),
		CPUCount:   uint32(nodeCnt) * uint32(cpusPerNode),
		StartTime:  testStart.Add(-time.Hour),
		EndTime:    testStart.Add(24 * time.Hour),
		TimeLimit:  Infinite,
		Resources: &jobres.Resources{
			NodeBitmap:       nodeBitmap.Copy(),
			NHosts:           nodeCnt,
			CPUs:             repeatU16(cpusPerNode, nodeCnt),
			CPUsUsed:         make([]uint16, nodeCnt),
			CPUArrayValue:    []uint16{cpusPerNode},
			CPUArrayReps:     []uint32{uint32(nodeCnt)},
			CoreBitmap:       coreBitmap,
			CoreBitmapUsed:   bitmap.New(coreCnt),
			SocketsPerNode:   []uint16{1},
			CoresPerSocket:   []uint16{cpusPerNode},
			SockCoreRepCount: []uint32{uint32(nodeCnt)},
		},
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

func repeatU16(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type testEnv struct {
	m     *Manager
	clock *clocktesting.FakePassiveClock
	table *NodeTable
	jobs  *jobTable
	agent *recordingAgent
	sw    *recordingSwitch
	srun  *recordingSrun
}

func newTestEnv(table *NodeTable, jobs *jobTable, mutate ...func(*Params)) *testEnv {
	env := &testEnv{
		clock: clocktesting.NewFakePassiveClock(testStart),
		table: table,
		jobs:  jobs,
		agent: &recordingAgent{},
		sw:    &recordingSwitch{},
		srun:  &recordingSrun{},
	}
	params := Params{
		Config: configuration.DefaultConfig(),
		Clock:  env.clock,
		Nodes:  table,
		Jobs:   jobs,
		Switch: env.sw,
		Agent:  env.agent,
		Srun:   env.srun,
	}
	for _, f := range mutate {
		f(&params)
	}
	env.m = NewManager(params)
	return env
}

// basicRequest is a plain non-exclusive block request.
func basicRequest(jobID, numTasks, cpuCount, minNodes uint32) *StepCreateRequest {
	return &StepCreateRequest{
		JobID:       jobID,
		UserID:      1000,
		MinNodes:    minNodes,
		NumTasks:    numTasks,
		CPUCount:    cpuCount,
		Relative:    NoVal16,
		ResvPortCnt: NoVal16,
	}
}

// dumpToBuffer round-trips a step through the state format.
func dumpToBuffer(m *Manager, step *StepRecord, version uint16) (*pack.Buffer, error) {
	buf := pack.NewBuffer()
	if err := m.DumpStepState(step, buf, version); err != nil {
		return nil, err
	}
	return pack.NewBufferFrom(buf.Bytes()), nil
}
