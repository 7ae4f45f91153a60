package stepmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/stepmgr/layout"
)

func TestCreateStepTwoNodes(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	// 4 tasks at 2 cpus each over two 4-cpu nodes
	step, err := env.m.CreateStep(basicRequest(1, 4, 8, 2), false)
	require.NoError(t, err)

	assert.Equal(t, []uint16{4, 4}, job.Resources.CPUsUsed)
	assert.Equal(t, []uint16{2, 2}, step.Layout.Tasks)
	assert.Equal(t, uint16(2), step.CPUsPerTask)
	assert.Equal(t, "tux[0-1]", step.Layout.NodeList)
	assert.True(t, step.StepNodeBitmap.IsSubsetOf(job.NodeBitmap))
}

func TestCreateStepExclusiveBusy(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	first := basicRequest(1, 4, 8, 2)
	first.Exclusive = true
	step1, err := env.m.CreateStep(first, false)
	require.NoError(t, err)

	second := basicRequest(1, 2, 2, 1)
	second.Exclusive = true
	_, err = env.m.CreateStep(second, false)
	var busy *flotillaerrors.ErrNodesBusy
	require.ErrorAs(t, err, &busy)

	// releasing the first step frees the CPUs for the second
	require.NoError(t, env.m.CompleteStep(1, step1.StepID, 1000))
	second = basicRequest(1, 2, 2, 1)
	second.Exclusive = true
	step2, err := env.m.CreateStep(second, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), step2.Layout.TaskCnt)
}

func TestCreateStepMemoryConstraint(t *testing.T) {
	table := testNodeTable(4)
	job := testJob(1, table, 4, 8, withMemory(8192))
	env := newTestEnv(table, (&jobTable{}).add(job))

	req := basicRequest(1, 16, 16, 1)
	req.MemPerCPU = 1024
	step, err := env.m.CreateStep(req, false)
	require.NoError(t, err)

	assert.Equal(t, 2, step.NodeCount())
	for i := 0; i < 2; i++ {
		assert.Equal(t, uint16(8), job.Resources.CPUsUsed[i])
		assert.Equal(t, uint32(8192), job.Resources.MemoryUsed[i])
	}
	for i := 2; i < 4; i++ {
		assert.Equal(t, uint16(0), job.Resources.CPUsUsed[i])
		assert.Equal(t, uint32(0), job.Resources.MemoryUsed[i])
	}
}

func TestCreateStepIDsMonotonic(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	var last uint32
	for i := 0; i < 3; i++ {
		step, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, step.StepID, last)
		}
		last = step.StepID
	}
}

func TestCreateStepIDExhaustion(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	job.NextStepID = MaxStepID
	env := newTestEnv(table, (&jobTable{}).add(job))

	_, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	var tooMany *flotillaerrors.ErrTooManySteps
	assert.ErrorAs(t, err, &tooMany)
	assert.Empty(t, job.StepList)
}

func TestCreateStepOvercommitExclusive(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	req := basicRequest(1, 2, 0, 1)
	req.Overcommit = true
	req.Exclusive = true
	step, err := env.m.CreateStep(req, false)
	require.NoError(t, err)

	// coerced to one exclusively held CPU per task
	assert.False(t, req.Overcommit)
	assert.Equal(t, uint32(2), req.CPUCount)
	assert.Equal(t, uint16(1), step.CPUsPerTask)
}

func TestCreateStepBatch(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	step, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), true)
	require.NoError(t, err)
	assert.True(t, step.BatchStep)
	assert.Nil(t, step.Layout)
	// the batch script consumes no step resources
	assert.Equal(t, []uint16{0, 0}, job.Resources.CPUsUsed)
}

func TestCreateStepValidation(t *testing.T) {
	table := testNodeTable(2)

	tests := map[string]struct {
		mutateJob func(*JobRecord)
		mutateReq func(*StepCreateRequest)
		mutateCfg func(*Params)
		wantErr   interface{}
	}{
		"unknown job": {
			mutateReq: func(r *StepCreateRequest) { r.JobID = 99 },
			wantErr:   new(*flotillaerrors.ErrInvalidJobID),
		},
		"pending job": {
			mutateJob: func(j *JobRecord) { j.State = JobPending },
			wantErr:   new(*flotillaerrors.ErrDuplicateJobID),
		},
		"suspended job": {
			mutateJob: func(j *JobRecord) { j.State = JobSuspended },
			wantErr:   new(*flotillaerrors.ErrDisabled),
		},
		"finished job": {
			mutateJob: func(j *JobRecord) { j.State = JobComplete },
			wantErr:   new(*flotillaerrors.ErrAlreadyDone),
		},
		"wrong user": {
			mutateReq: func(r *StepCreateRequest) { r.UserID = 1001 },
			wantErr:   new(*flotillaerrors.ErrAccessDenied),
		},
		"bad distribution": {
			mutateReq: func(r *StepCreateRequest) { r.TaskDist = layout.Distribution(99) },
			wantErr:   new(*flotillaerrors.ErrBadDistribution),
		},
		"arbitrary under elan": {
			mutateReq: func(r *StepCreateRequest) { r.TaskDist = layout.Arbitrary },
			mutateCfg: func(p *Params) { p.Config.SwitchType = "switch/elan" },
			wantErr:   new(*flotillaerrors.ErrTaskDistArbitraryUnsupported),
		},
		"oversized string": {
			mutateReq: func(r *StepCreateRequest) { r.Gres = strings.Repeat("g", 1025) },
			wantErr:   new(*flotillaerrors.ErrPathnameTooLong),
		},
		"zero tasks": {
			mutateReq: func(r *StepCreateRequest) { r.NumTasks = 0 },
			wantErr:   new(*flotillaerrors.ErrBadTaskCount),
		},
		"task count over node capacity": {
			mutateReq: func(r *StepCreateRequest) { r.NumTasks = 2000; r.CPUCount = 0 },
			wantErr:   new(*flotillaerrors.ErrBadTaskCount),
		},
		"max below min nodes": {
			mutateReq: func(r *StepCreateRequest) { r.MinNodes = 2; r.MaxNodes = 1 },
			wantErr:   new(*flotillaerrors.ErrInvalidNodeCount),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			job := testJob(1, table, 2, 4)
			if tc.mutateJob != nil {
				tc.mutateJob(job)
			}
			var mutators []func(*Params)
			if tc.mutateCfg != nil {
				mutators = append(mutators, tc.mutateCfg)
			}
			env := newTestEnv(table, (&jobTable{}).add(job), mutators...)
			req := basicRequest(1, 2, 0, 1)
			if tc.mutateReq != nil {
				tc.mutateReq(req)
			}
			_, err := env.m.CreateStep(req, false)
			require.Error(t, err)
			assert.ErrorAs(t, err, tc.wantErr)
			assert.Empty(t, job.StepList, "failed create must leave no record behind")
		})
	}
}

func TestCreateStepTimeLimitEnforcement(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	job.PartitionMaxTime = 60
	env := newTestEnv(table, (&jobTable{}).add(job), func(p *Params) {
		p.Config.EnforcePartitionLimits = true
	})

	req := basicRequest(1, 2, 0, 1)
	req.TimeLimit = 120
	_, err := env.m.CreateStep(req, false)
	var limit *flotillaerrors.ErrInvalidTimeLimit
	require.ErrorAs(t, err, &limit)
	assert.Empty(t, job.StepList)

	req = basicRequest(1, 2, 0, 1)
	req.TimeLimit = 30
	step, err := env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), step.TimeLimit)
}

func TestCreateStepDefaultsNameAndNetwork(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	job.Network = "ip"
	env := newTestEnv(table, (&jobTable{}).add(job))

	step, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)
	assert.Equal(t, "interactive", step.Name)
	assert.Equal(t, "ip", step.Network)

	req := basicRequest(1, 1, 0, 1)
	req.Name = "mpi"
	req.Network = "sn_all"
	step, err = env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, "mpi", step.Name)
	assert.Equal(t, "sn_all", step.Network)
}

func TestCreateStepReservedPorts(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	// zero means derive from the layout: max tasks on a node plus one
	req := basicRequest(1, 4, 8, 2)
	req.ResvPortCnt = 0
	step, err := env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), step.ResvPortCnt)
	assert.Len(t, step.ResvPortArray, 3)
	assert.Equal(t, "12000-12002", step.ResvPorts)
}
