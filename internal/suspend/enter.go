package suspend

import (
	"context"
	"log"
	"time"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// devicesAndEnter takes the device tree down, drives the low-level
// entry loop, and brings the devices back up. The resume branch is
// shared: every path that suspended devices resumes them before the
// error propagates, and platform recovery runs before resume when
// device suspend itself failed.
func (c *Controller) devicesAndEnter(ctx context.Context, state State) error {
	needOps := state.NeedsPlatform()
	ops := c.platformOps()

	if needOps && ops == nil {
		return apperrors.NotImplemented(state.String())
	}

	c.tracer.TransitionStart(state)
	defer c.tracer.TransitionEnd()
	// End pairs with Begin but also closes a failed Begin, so it runs
	// on every exit from here on.
	defer func() {
		if needOps && ops.End != nil {
			ops.End()
		}
	}()

	if needOps && ops.Begin != nil {
		if err := ops.Begin(state); err != nil {
			return err
		}
	}

	c.observer.DevicesSuspending(state)

	c.console.SuspendOutput()
	c.tracer.Stop()

	resumeDevices := func() {
		began := time.Now()
		c.devices.ResumeEnd(state)
		log.Printf("suspend: devices resumed in %v", time.Since(began))
		c.tracer.Start()
		c.console.ResumeOutput()
		c.observer.DevicesResumed(state)
	}
	recoverPlatform := func() {
		if needOps && ops.Recover != nil {
			ops.Recover()
		}
	}

	began := time.Now()
	if err := c.devices.SuspendStart(state); err != nil {
		log.Printf("suspend: some devices failed to suspend")
		c.stats.StepFailed(StepDevices)
		recoverPlatform()
		resumeDevices()
		return err
	}
	log.Printf("suspend: devices suspended in %v", time.Since(began))

	if c.checkpoint(TestDevices) {
		recoverPlatform()
		resumeDevices()
		return nil
	}

	var err error
	reentries := 0
	for {
		var wakeup bool
		wakeup, err = c.enterOnce(ctx, state, ops)
		if err != nil || wakeup {
			break
		}
		if !needOps || ops.SuspendAgain == nil || !ops.SuspendAgain() {
			break
		}
		if c.maxReentries > 0 {
			reentries++
			if reentries > c.maxReentries {
				log.Printf("suspend: re-entry cap of %d reached, staying awake", c.maxReentries)
				break
			}
		}
	}

	resumeDevices()
	return err
}

// enterOnce is the low-level entry ladder. Each step is undone by its
// counterpart during unwind: Prepare by Finish, the late device phase
// by the early resume phase, PrepareLate by Wake, offline processors
// by online, masked interrupts by unmask, suspended core services by
// their resume. The wakeup result reports an out-of-band wake event
// that aborted the entry without being an error.
func (c *Controller) enterOnce(ctx context.Context, state State, ops *PlatformOps) (wakeup bool, err error) {
	needOps := state.NeedsPlatform()

	platformFinish := func() {
		if needOps && ops.Finish != nil {
			ops.Finish()
		}
	}
	platformWake := func() {
		if needOps && ops.Wake != nil {
			ops.Wake()
		}
		c.devices.ResumeStart(state)
		platformFinish()
	}
	onlineCPUs := func() {
		c.cpus.OnlineSecondaries()
		platformWake()
	}

	if needOps && ops.Prepare != nil {
		if err = ops.Prepare(); err != nil {
			platformFinish()
			return false, err
		}
	}

	if err = c.devices.SuspendEnd(state); err != nil {
		log.Printf("suspend: some devices failed to power down")
		c.stats.StepFailed(StepDevicesLate)
		platformFinish()
		return false, err
	}

	if needOps && ops.PrepareLate != nil {
		if err = ops.PrepareLate(); err != nil {
			platformWake()
			return false, err
		}
	}

	if c.checkpoint(TestPlatform) {
		platformWake()
		return false, nil
	}

	// A freeze is frozen tasks plus suspended devices plus an idle
	// machine, so park here, as soon as the devices are down.
	if state == StateFreeze {
		if werr := c.gate.Wait(ctx); werr != nil {
			err = apperrors.Wrap(apperrors.CodeSuspendAborted, "freeze wait canceled before wakeup", werr)
		}
		platformWake()
		return false, err
	}

	if err = c.cpus.OfflineSecondaries(); err != nil || c.checkpoint(TestProcessors) {
		onlineCPUs()
		return false, err
	}

	c.irq.Mask()
	if !c.irq.Masked() {
		panic("suspend: interrupts still serviceable after mask")
	}

	if serr := c.syscore.Suspend(); serr == nil {
		wakeup = c.wakeup.Pending()
		if !c.checkpoint(TestCore) && !wakeup {
			if err = ops.Enter(state); err != nil {
				c.stats.StepFailed(StepPlatform)
			}
			// A real entry attempt consumes the armed events check.
			c.wakeup.Disarm()
		}
		c.syscore.Resume()
	} else {
		err = serr
		c.stats.StepFailed(StepCore)
	}

	c.irq.Unmask()
	if c.irq.Masked() {
		panic("suspend: interrupts still masked after unmask")
	}

	onlineCPUs()
	return wakeup, err
}
