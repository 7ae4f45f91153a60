package stepmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/pack"
)

type stepInfo struct {
	jobID    uint32
	stepID   uint32
	userID   uint32
	cpuCount uint32
	taskCnt  uint32
	runTime  time.Duration
	nodeList string
	name     string
}

func unpackInfoResponse(t *testing.T, data []byte) (time.Time, []stepInfo) {
	t.Helper()
	buf := pack.NewBufferFrom(data)
	now, err := buf.UnpackTime()
	require.NoError(t, err)
	count, err := buf.UnpackU32()
	require.NoError(t, err)
	infos := make([]stepInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var info stepInfo
		info.jobID, err = buf.UnpackU32()
		require.NoError(t, err)
		info.stepID, err = buf.UnpackU32()
		require.NoError(t, err)
		_, err = buf.UnpackU16() // ckpt_interval
		require.NoError(t, err)
		info.userID, err = buf.UnpackU32()
		require.NoError(t, err)
		info.cpuCount, err = buf.UnpackU32()
		require.NoError(t, err)
		info.taskCnt, err = buf.UnpackU32()
		require.NoError(t, err)
		_, err = buf.UnpackU32() // time_limit
		require.NoError(t, err)
		_, err = buf.UnpackTime() // start_time
		require.NoError(t, err)
		info.runTime, err = buf.UnpackDuration()
		require.NoError(t, err)
		for _, field := range []*string{nil, nil, &info.nodeList, &info.name, nil, nil, nil, nil} {
			s, err := buf.UnpackString()
			require.NoError(t, err)
			if field != nil {
				*field = s
			}
		}
		infos = append(infos, info)
	}
	return now, infos
}

func TestPackStepInfoResponse(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	_, err := env.m.CreateStep(basicRequest(1, 4, 8, 2), false)
	require.NoError(t, err)
	env.clock.SetTime(testStart.Add(5 * time.Minute))

	buf := pack.NewBuffer()
	require.NoError(t, env.m.PackStepInfoResponse(NoVal, NoVal, 1000, 0, buf))

	now, infos := unpackInfoResponse(t, buf.Bytes())
	assert.True(t, now.Equal(testStart.Add(5*time.Minute)))
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(1), infos[0].jobID)
	assert.Equal(t, uint32(1000), infos[0].userID)
	assert.Equal(t, uint32(8), infos[0].cpuCount)
	assert.Equal(t, uint32(4), infos[0].taskCnt)
	assert.Equal(t, "tux[0-1]", infos[0].nodeList)
	assert.Equal(t, "interactive", infos[0].name)
	assert.Equal(t, 5*time.Minute, infos[0].runTime)
}

func TestPackStepInfoRunTimeWhileSuspended(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	step, err := env.m.CreateStep(basicRequest(1, 2, 0, 2), false)
	require.NoError(t, err)
	step.PreSusTime = 2 * time.Minute
	job.State = JobSuspended
	env.clock.SetTime(testStart.Add(time.Hour))

	buf := pack.NewBuffer()
	require.NoError(t, env.m.PackStepInfoResponse(1, step.StepID, 1000, 0, buf))
	_, infos := unpackInfoResponse(t, buf.Bytes())
	require.Len(t, infos, 1)
	assert.Equal(t, 2*time.Minute, infos[0].runTime)
}

func TestPackStepInfoFiltering(t *testing.T) {
	table := testNodeTable(2)
	hidden := testJob(1, table, 2, 4)
	hidden.PartitionHidden = true
	visible := testJob(2, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(hidden).add(visible))

	_, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)
	req := basicRequest(2, 1, 0, 1)
	req.JobID = 2
	_, err = env.m.CreateStep(req, false)
	require.NoError(t, err)

	buf := pack.NewBuffer()
	require.NoError(t, env.m.PackStepInfoResponse(NoVal, NoVal, 1000, 0, buf))
	_, infos := unpackInfoResponse(t, buf.Bytes())
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(2), infos[0].jobID)

	// ShowAll lifts the partition filter
	buf = pack.NewBuffer()
	require.NoError(t, env.m.PackStepInfoResponse(NoVal, NoVal, 1000, ShowAll, buf))
	_, infos = unpackInfoResponse(t, buf.Bytes())
	assert.Len(t, infos, 2)
}

func TestPackStepInfoPrivateJobData(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job), func(p *Params) {
		p.Config.PrivateJobData = true
		p.Auth = allowAuth{operator: 700}
	})
	_, err := env.m.CreateStep(basicRequest(1, 1, 0, 1), false)
	require.NoError(t, err)

	// a stranger sees nothing and gets the invalid-id error
	buf := pack.NewBuffer()
	err = env.m.PackStepInfoResponse(NoVal, NoVal, 4242, 0, buf)
	var invalid *flotillaerrors.ErrInvalidJobID
	assert.ErrorAs(t, err, &invalid)

	// an operator sees the step
	buf = pack.NewBuffer()
	require.NoError(t, env.m.PackStepInfoResponse(NoVal, NoVal, 700, 0, buf))
	_, infos := unpackInfoResponse(t, buf.Bytes())
	assert.Len(t, infos, 1)
}

func TestPackStepInfoUnknownJob(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job))

	buf := pack.NewBuffer()
	err := env.m.PackStepInfoResponse(99, NoVal, 1000, 0, buf)
	var invalid *flotillaerrors.ErrInvalidJobID
	assert.ErrorAs(t, err, &invalid)
}

func TestPackStepInfoFrontEnd(t *testing.T) {
	table := testNodeTable(2)
	job := testJob(1, table, 2, 4)
	env := newTestEnv(table, (&jobTable{}).add(job), func(p *Params) {
		p.Config.FrontEnd = true
	})
	req := basicRequest(1, 1, 0, 1)
	req.NodeList = "tux1"
	_, err := env.m.CreateStep(req, false)
	require.NoError(t, err)

	buf := pack.NewBuffer()
	require.NoError(t, env.m.PackStepInfoResponse(NoVal, NoVal, 1000, 0, buf))
	_, infos := unpackInfoResponse(t, buf.Bytes())
	require.Len(t, infos, 1)
	// steps report the job's whole allocation in front-end mode
	assert.Equal(t, "tux[0-1]", infos[0].nodeList)
	assert.Equal(t, job.CPUCount, infos[0].taskCnt)
}
