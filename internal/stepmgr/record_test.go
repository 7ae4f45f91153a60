package stepmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindStepRecord(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	first, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)
	second, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)

	assert.Equal(t, first, FindStepRecord(job, first.StepID))
	assert.Equal(t, second, FindStepRecord(job, second.StepID))
	// NoVal means "any"; the first step in creation order wins
	assert.Equal(t, first, FindStepRecord(job, NoVal))
	assert.Nil(t, FindStepRecord(job, 77))
	assert.Nil(t, FindStepRecord(nil, NoVal))
}

func TestDeleteStepRecords(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	withSwitch, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)
	batch, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), true)
	require.NoError(t, err)

	// the batch step holds no interconnect state and is dropped; the
	// other survives the filtered pass
	env.m.DeleteStepRecords(job, DeleteNoSwitchOnly)
	assert.NotNil(t, FindStepRecord(job, withSwitch.StepID))
	assert.Nil(t, FindStepRecord(job, batch.StepID))

	env.m.DeleteStepRecords(job, DeleteAll)
	assert.Empty(t, job.StepList)
	assert.Len(t, env.sw.completed, 1)
}

func TestLastJobUpdate(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))
	assert.True(t, env.m.LastJobUpdate().IsZero())

	step, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)
	created := env.m.LastJobUpdate()
	assert.False(t, created.IsZero())

	env.clock.SetTime(testStart.Add(1))
	require.NoError(t, env.m.CompleteStep(1, step.StepID, 1000))
	assert.True(t, env.m.LastJobUpdate().After(created))
}

func TestPortManager(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job), func(p *Params) {
		p.Config.ResvPortFirst = 20000
		p.Config.ResvPortLast = 20003
	})

	req := basicRequest(1, 1, 0, 1)
	req.NodeList = "tux0"
	req.ResvPortCnt = 2
	step1, err := env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, "20000-20001", step1.ResvPorts)

	// overlapping node set gets different ports
	req = basicRequest(1, 1, 0, 1)
	req.NodeList = "tux0"
	req.ResvPortCnt = 2
	step2, err := env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, "20002-20003", step2.ResvPorts)

	// the range is exhausted for this node set
	req = basicRequest(1, 1, 0, 1)
	req.NodeList = "tux0"
	req.ResvPortCnt = 1
	_, err = env.m.CreateStep(req, false)
	require.Error(t, err)

	// a disjoint node set can reuse the same ports
	req = basicRequest(1, 1, 0, 1)
	req.NodeList = "tux1"
	req.ResvPortCnt = 2
	step3, err := env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, "20000-20001", step3.ResvPorts)

	// releasing a step frees its ports
	require.NoError(t, env.m.CompleteStep(1, step1.StepID, 1000))
	req = basicRequest(1, 1, 0, 1)
	req.NodeList = "tux0"
	req.ResvPortCnt = 2
	step4, err := env.m.CreateStep(req, false)
	require.NoError(t, err)
	assert.Equal(t, "20000-20001", step4.ResvPorts)
}

func TestFormatPortRanges(t *testing.T) {
	assert.Equal(t, "", formatPortRanges(nil))
	assert.Equal(t, "8000", formatPortRanges([]uint16{8000}))
	assert.Equal(t, "8000-8002,8005", formatPortRanges([]uint16{8000, 8001, 8002, 8005}))
}
