package stepmgr

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/bitmap"
	"github.com/flotillaproject/flotilla/internal/common/pack"
	"github.com/flotillaproject/flotilla/internal/stepmgr/layout"
)

// State file protocol versions. The previous version is identical except
// that it carries no GRES plugin state.
const (
	ProtocolVersionPrevious uint16 = 1
	ProtocolVersionCurrent  uint16 = 2
)

// DumpStepState writes one step to a state buffer, to be restored with
// LoadStepState after a controller restart.
func (m *Manager) DumpStepState(step *StepRecord, buf *pack.Buffer, version uint16) error {
	job := step.Job

	buf.PackU32(step.StepID)
	buf.PackU16(boolToU16(step.CyclicAlloc))
	buf.PackU16(step.Port)
	buf.PackU16(step.CkptInterval)
	buf.PackU16(step.CPUsPerTask)
	buf.PackU16(step.ResvPortCnt)

	buf.PackU8(boolToU8(step.NoKill))

	buf.PackU32(step.CPUCount)
	buf.PackU32(step.MemPerCPU)
	buf.PackU32(step.ExitCode)
	if step.ExitCode != NoVal {
		if step.ExitNodeBitmap != nil {
			buf.PackString(step.ExitNodeBitmap.Fmt())
			buf.PackU16(uint16(step.ExitNodeBitmap.Size()))
		} else {
			buf.PackString("")
			buf.PackU16(0)
		}
	}
	if step.CoreBitmapJob != nil {
		buf.PackU32(uint32(step.CoreBitmapJob.Size()))
		buf.PackString(step.CoreBitmapJob.Fmt())
	} else {
		buf.PackU32(0)
	}

	buf.PackU32(step.TimeLimit)
	buf.PackTime(step.StartTime)
	buf.PackDuration(step.PreSusTime)
	buf.PackDuration(step.TotSusTime)
	buf.PackTime(step.CkptTime)

	buf.PackString(step.Host)
	buf.PackString(step.ResvPorts)
	buf.PackString(step.Name)
	buf.PackString(step.Network)
	buf.PackString(step.CkptDir)

	buf.PackString(step.Gres)
	if version >= ProtocolVersionCurrent {
		if err := m.gres.StepStatePack(step.GresList, buf, job.JobID, step.StepID, version); err != nil {
			return err
		}
	}

	buf.PackU16(boolToU16(step.BatchStep))
	if !step.BatchStep {
		step.Layout.Pack(buf)
		if err := m.sw.PackJobInfo(step.SwitchJob, buf); err != nil {
			return err
		}
	}
	return m.ckpt.PackJobInfo(step.CheckJob, buf, version)
}

// LoadStepState restores one step of a job from a state buffer. The step
// record is reused when one with the same id already exists, otherwise a
// new record is created.
func (m *Manager) LoadStepState(job *JobRecord, buf *pack.Buffer, version uint16) error {
	var err error
	fail := func(stage string) error {
		return errors.Wrapf(err, "load step state: job %d: %s", job.JobID, stage)
	}

	stepID, err := buf.UnpackU32()
	if err != nil {
		return fail("step_id")
	}
	cyclicAlloc, err := buf.UnpackU16()
	if err != nil {
		return fail("cyclic_alloc")
	}
	port, err := buf.UnpackU16()
	if err != nil {
		return fail("port")
	}
	ckptInterval, err := buf.UnpackU16()
	if err != nil {
		return fail("ckpt_interval")
	}
	cpusPerTask, err := buf.UnpackU16()
	if err != nil {
		return fail("cpus_per_task")
	}
	resvPortCnt, err := buf.UnpackU16()
	if err != nil {
		return fail("resv_port_cnt")
	}
	noKill, err := buf.UnpackU8()
	if err != nil {
		return fail("no_kill")
	}
	cpuCount, err := buf.UnpackU32()
	if err != nil {
		return fail("cpu_count")
	}
	memPerCPU, err := buf.UnpackU32()
	if err != nil {
		return fail("mem_per_cpu")
	}
	exitCode, err := buf.UnpackU32()
	if err != nil {
		return fail("exit_code")
	}
	exitBitFmt := ""
	exitBitCnt := uint16(0)
	if exitCode != NoVal {
		if exitBitFmt, err = buf.UnpackString(); err != nil {
			return fail("exit_node_bitmap")
		}
		if exitBitCnt, err = buf.UnpackU16(); err != nil {
			return fail("exit_node_bitmap size")
		}
	}
	coreSize, err := buf.UnpackU32()
	if err != nil {
		return fail("core_bitmap size")
	}
	coreFmt := ""
	if coreSize != 0 {
		if coreFmt, err = buf.UnpackString(); err != nil {
			return fail("core_bitmap")
		}
	}
	timeLimit, err := buf.UnpackU32()
	if err != nil {
		return fail("time_limit")
	}
	startTime, err := buf.UnpackTime()
	if err != nil {
		return fail("start_time")
	}
	preSusTime, err := buf.UnpackDuration()
	if err != nil {
		return fail("pre_sus_time")
	}
	totSusTime, err := buf.UnpackDuration()
	if err != nil {
		return fail("tot_sus_time")
	}
	ckptTime, err := buf.UnpackTime()
	if err != nil {
		return fail("ckpt_time")
	}
	host, err := buf.UnpackString()
	if err != nil {
		return fail("host")
	}
	resvPorts, err := buf.UnpackString()
	if err != nil {
		return fail("resv_ports")
	}
	name, err := buf.UnpackString()
	if err != nil {
		return fail("name")
	}
	network, err := buf.UnpackString()
	if err != nil {
		return fail("network")
	}
	ckptDir, err := buf.UnpackString()
	if err != nil {
		return fail("ckpt_dir")
	}
	gres, err := buf.UnpackString()
	if err != nil {
		return fail("gres")
	}
	var gresList GresList
	if version >= ProtocolVersionCurrent {
		if gresList, err = m.gres.StepStateUnpack(buf, job.JobID, stepID, version); err != nil {
			return fail("gres state")
		}
	}
	batchStep, err := buf.UnpackU16()
	if err != nil {
		return fail("batch_step")
	}
	var stepLayout *layout.StepLayout
	var switchJob SwitchJobInfo
	if batchStep == 0 {
		if stepLayout, err = layout.Unpack(buf); err != nil {
			return fail("step_layout")
		}
		if switchJob, err = m.sw.UnpackJobInfo(buf); err != nil {
			return fail("switch state")
		}
	}
	checkJob, err := m.ckpt.UnpackJobInfo(buf, version)
	if err != nil {
		return fail("checkpoint state")
	}

	// validity test as possible
	if cyclicAlloc > 1 {
		return errors.Errorf("load step state: invalid data for %d.%d: cyclic_alloc=%d",
			job.JobID, stepID, cyclicAlloc)
	}
	if noKill > 1 {
		return errors.Errorf("load step state: invalid data for %d.%d: no_kill=%d",
			job.JobID, stepID, noKill)
	}

	step := FindStepRecord(job, stepID)
	if step == nil {
		if step, err = m.createStepRecord(job); err != nil {
			return err
		}
	}

	step.StepID = stepID
	step.CPUCount = cpuCount
	step.CPUsPerTask = cpusPerTask
	step.CyclicAlloc = cyclicAlloc != 0
	step.ResvPortCnt = resvPortCnt
	step.ResvPorts = resvPorts
	step.Name = name
	step.Network = network
	step.NoKill = noKill != 0
	step.CkptDir = ckptDir
	step.Gres = gres
	step.GresList = gresList
	step.Port = port
	step.CkptInterval = ckptInterval
	step.MemPerCPU = memPerCPU
	step.Host = host
	step.BatchStep = batchStep != 0
	step.StartTime = startTime
	step.TimeLimit = timeLimit
	step.PreSusTime = preSusTime
	step.TotSusTime = totSusTime
	step.CkptTime = ckptTime
	step.Layout = stepLayout
	step.SwitchJob = switchJob
	step.CheckJob = checkJob
	step.ExitCode = exitCode

	if exitBitFmt != "" || exitBitCnt != 0 {
		// only present when a completion was in flight at save time
		step.ExitNodeBitmap = bitmap.New(int(exitBitCnt))
		if err := step.ExitNodeBitmap.Unfmt(exitBitFmt); err != nil {
			log.WithError(err).Errorf("error recovering exit node bitmap from %q", exitBitFmt)
		}
	}
	if coreSize != 0 {
		step.CoreBitmapJob = bitmap.New(int(coreSize))
		if err := step.CoreBitmapJob.Unfmt(coreFmt); err != nil {
			log.WithError(err).Errorf("error recovering core bitmap from %q", coreFmt)
		}
	}

	if !step.BatchStep {
		nodeList := ""
		if step.Layout != nil {
			nodeList = step.Layout.NodeList
		}
		m.sw.StepAllocated(step.SwitchJob, nodeList)
	}
	log.Infof("recovered step %d.%d", job.JobID, stepID)
	return nil
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func boolToU16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
