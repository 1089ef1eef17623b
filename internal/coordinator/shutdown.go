package coordinator

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
)

// shutdownDrainPollInterval and shutdownDrainMaxAttempts are vars, not
// consts, so tests can shrink them instead of waiting out a real drain.
var (
	shutdownDrainPollInterval = 2 * time.Second
	shutdownDrainMaxAttempts  = 60
)

type shutdownState struct {
	inProgress bool
}

// ShutdownManager arbitrates host power-off requests: at most one
// shutdown flow runs at a time, and if a VM is in the way it must be
// drained to Stopped before the host command is issued.
type ShutdownManager struct {
	mu     sync.Mutex
	state  shutdownState
	client *proxmox.Client
}

// NewShutdownManager constructs a ShutdownManager bound to client.
func NewShutdownManager(client *proxmox.Client) *ShutdownManager {
	return &ShutdownManager{client: client}
}

// Shutdown evaluates and, if needed, runs the host shutdown flow.
func (m *ShutdownManager) Shutdown(ctx context.Context, action *LaunchAction) (ShutdownResult, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.shutdown")
	defer span.End()

	m.mu.Lock()
	inProgress := m.state.inProgress
	m.mu.Unlock()
	if inProgress {
		logging.Op().Warn("host shutdown requested while shutdown already in progress", "action", actionString(action))
		observability.SetSpanError(span, ErrShutdownInProgress)
		return ShutdownResult{}, ErrShutdownInProgress
	}

	logging.Op().Info("evaluating host shutdown preconditions", "action", actionString(action))
	vms, err := m.client.ListVMs(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return ShutdownResult{}, err
	}
	runningVM := findRunning(vms)

	if runningVM != nil {
		if action == nil {
			logging.Op().Info("host shutdown requires VM action selection", "running_vmid", runningVM.VMID)
			observability.SetSpanOK(span)
			return shutdownNeedsAction(runningVM), nil
		}
		if *action == ActionCancel {
			logging.Op().Info("host shutdown cancelled by client")
			observability.SetSpanOK(span)
			return shutdownCancelled(), nil
		}
	} else if action != nil && *action == ActionCancel {
		logging.Op().Info("host shutdown cancelled before work started")
		observability.SetSpanOK(span)
		return shutdownCancelled(), nil
	}

	m.mu.Lock()
	m.state.inProgress = true
	m.mu.Unlock()
	logging.Op().Info("host shutdown flow marked in progress", "action", actionString(action))

	flowErr := m.runFlow(ctx, runningVM, action)

	m.mu.Lock()
	m.state.inProgress = false
	m.mu.Unlock()

	if flowErr != nil {
		observability.SetSpanError(span, flowErr)
		return ShutdownResult{}, flowErr
	}
	logging.Op().Info("host shutdown flow completed successfully")
	observability.SetSpanOK(span)
	return shutdownStarted(), nil
}

func (m *ShutdownManager) runFlow(ctx context.Context, runningVM *proxmox.VmInfo, action *LaunchAction) error {
	if runningVM != nil {
		selected := ActionTerminate
		if action != nil {
			selected = *action
		}
		logging.Op().Info("resolving running VM before host shutdown", "running_vmid", runningVM.VMID)

		if err := m.executeAction(ctx, runningVM.VMID, selected); err != nil {
			return err
		}

		drainStart := time.Now()
		for attempt := 1; attempt <= shutdownDrainMaxAttempts; attempt++ {
			status, err := m.client.VMStatus(ctx, runningVM.VMID)
			if err != nil {
				return err
			}
			logging.Op().Debug("waiting for VM to stop before host shutdown", "running_vmid", runningVM.VMID, "attempt", attempt, "status", status)
			if status == proxmox.StatusStopped {
				logging.Op().Info("VM stopped before host shutdown", "running_vmid", runningVM.VMID)
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(shutdownDrainPollInterval):
			}
		}

		status, err := m.client.VMStatus(ctx, runningVM.VMID)
		if err != nil {
			return err
		}
		logging.Op().Debug("final VM status check before host shutdown", "running_vmid", runningVM.VMID, "status", status)
		if status != proxmox.StatusStopped {
			return &ShutdownFailedError{Message: fmt.Sprintf("Timed out waiting for VM %d to stop", runningVM.VMID)}
		}
		metrics.ObserveDrainDuration("shutdown", time.Since(drainStart).Seconds())
	}

	logging.Op().Info("initiating host shutdown command")
	go HostShutdownCommand()
	return nil
}

// HostShutdownCommand runs the host power-off command, waits for it to
// exit and logs the result. runFlow starts it in its own goroutine, so
// the shutdown flow never waits on it; there is no way to guarantee it
// completes, matching this system's Non-goals. It is a package variable so callers embedding
// this coordinator in a test harness can replace it with a no-op
// instead of letting a test process invoke a real power-off.
var HostShutdownCommand = func() {
	cmd := exec.Command("shutdown", "-h", "now")
	if err := cmd.Run(); err != nil {
		logging.Op().Warn("failed to execute shutdown command", "error", err)
		return
	}
	logging.Op().Info("shutdown command executed successfully")
}

func (m *ShutdownManager) executeAction(ctx context.Context, vmid int, action LaunchAction) error {
	logging.Op().Info("executing VM action", "vmid", vmid, "action", action)
	var err error
	switch action {
	case ActionShutdown:
		err = m.client.ShutdownVM(ctx, vmid)
	case ActionHibernate:
		err = m.client.HibernateVM(ctx, vmid)
	case ActionTerminate:
		err = m.client.TerminateVM(ctx, vmid)
	case ActionCancel:
		// no-op
	}
	if err != nil {
		return err
	}
	logging.Op().Info("VM action command sent", "vmid", vmid, "action", action)
	return nil
}
