package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
)

const launchDrainPollInterval = 2 * time.Second

type launchState struct {
	inProgress      bool
	requestedAction *LaunchAction
}

// LaunchManager arbitrates launch requests for a single hypervisor
// client. At most one launch flow runs at a time; a second request
// arriving mid-flow is either rejected or, if it asks to terminate,
// recorded so the in-flight flow can escalate to it.
type LaunchManager struct {
	mu     sync.Mutex
	state  launchState
	client *proxmox.Client
}

// NewLaunchManager constructs a LaunchManager bound to client.
func NewLaunchManager(client *proxmox.Client) *LaunchManager {
	return &LaunchManager{client: client}
}

// Launch evaluates and, if needed, runs the launch flow for targetVMID.
// action is the client's choice for an in-the-way running VM, if any;
// nil means "no choice made yet".
func (m *LaunchManager) Launch(ctx context.Context, targetVMID int, action *LaunchAction) (LaunchResult, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.launch", observability.AttrVMID.Int(targetVMID))
	defer span.End()

	if result, done, err := m.tryQueueEscalation(targetVMID, action); done {
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		return result, err
	}

	logging.Op().Info("evaluating launch preconditions", "target_vmid", targetVMID, "action", actionString(action))
	vms, err := m.client.ListVMs(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return LaunchResult{}, err
	}
	runningVM := findRunning(vms)

	if runningVM != nil {
		if runningVM.VMID == targetVMID {
			logging.Op().Info("launch target is already running", "target_vmid", targetVMID)
			observability.SetSpanOK(span)
			return launchAlreadyRunning(), nil
		}

		easyKill := hasTag(runningVM.Tags, "easy-kill")
		if action == nil && easyKill {
			logging.Op().Info("auto-selecting terminate for easy-kill VM", "running_vmid", runningVM.VMID)
			terminate := ActionTerminate
			action = &terminate
		}

		switch {
		case action == nil:
			logging.Op().Info("launch requires user action due to running VM", "running_vmid", runningVM.VMID, "target_vmid", targetVMID)
			observability.SetSpanOK(span)
			return launchNeedsAction(runningVM), nil
		case *action == ActionCancel:
			logging.Op().Info("launch cancelled by client", "target_vmid", targetVMID)
			observability.SetSpanOK(span)
			return launchCancelled(), nil
		}
	} else if action != nil && *action == ActionCancel {
		logging.Op().Info("launch cancelled without active running VM", "target_vmid", targetVMID)
		observability.SetSpanOK(span)
		return launchCancelled(), nil
	}

	m.mu.Lock()
	m.state.inProgress = true
	m.state.requestedAction = action
	m.mu.Unlock()
	logging.Op().Info("launch flow marked in progress", "target_vmid", targetVMID, "action", actionString(action))

	flowErr := m.runFlow(ctx, targetVMID, runningVM, action)

	m.mu.Lock()
	m.state.inProgress = false
	m.state.requestedAction = nil
	m.mu.Unlock()

	if flowErr != nil {
		observability.SetSpanError(span, flowErr)
		return LaunchResult{}, flowErr
	}
	logging.Op().Info("launch flow completed successfully", "target_vmid", targetVMID)
	observability.SetSpanOK(span)
	return launchStarted(), nil
}

// tryQueueEscalation checks whether a launch is already in flight. If
// so, it either queues a terminate escalation (done=true, no error) or
// rejects the request (done=true, ErrLaunchInProgress). done=false
// means no flow is in progress and the caller should proceed normally.
func (m *LaunchManager) tryQueueEscalation(targetVMID int, action *LaunchAction) (LaunchResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.inProgress {
		return LaunchResult{}, false, nil
	}

	logging.Op().Warn("launch requested while another launch is in progress", "target_vmid", targetVMID, "action", actionString(action))
	if action != nil && *action == ActionTerminate {
		logging.Op().Info("queued terminate escalation for in-progress launch", "target_vmid", targetVMID)
		terminate := ActionTerminate
		m.state.requestedAction = &terminate
		return launchUpdated(), true, nil
	}
	return LaunchResult{}, true, ErrLaunchInProgress
}

func (m *LaunchManager) runFlow(ctx context.Context, targetVMID int, runningVM *proxmox.VmInfo, action *LaunchAction) error {
	if runningVM != nil {
		currentAction := ActionTerminate
		if action != nil {
			currentAction = *action
		}
		logging.Op().Info("resolving running VM before launch", "running_vmid", runningVM.VMID, "target_vmid", targetVMID)

		if err := m.executeAction(ctx, runningVM.VMID, currentAction); err != nil {
			return err
		}

		drainStart := time.Now()
		for {
			status, err := m.client.VMStatus(ctx, runningVM.VMID)
			if err != nil {
				return err
			}
			logging.Op().Debug("waiting for running VM to stop", "running_vmid", runningVM.VMID, "status", status)
			if status == proxmox.StatusStopped {
				logging.Op().Info("running VM is stopped; proceeding with launch", "running_vmid", runningVM.VMID)
				metrics.ObserveDrainDuration("launch", time.Since(drainStart).Seconds())
				break
			}

			m.mu.Lock()
			requested := m.state.requestedAction
			m.mu.Unlock()

			if requested != nil && *requested == ActionTerminate && currentAction != ActionTerminate {
				logging.Op().Warn("escalating action to terminate during launch", "running_vmid", runningVM.VMID)
				if err := m.executeAction(ctx, runningVM.VMID, ActionTerminate); err != nil {
					return err
				}
				currentAction = ActionTerminate
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(launchDrainPollInterval):
			}
		}
	}

	logging.Op().Info("starting target VM", "target_vmid", targetVMID)
	return m.client.StartVM(ctx, targetVMID)
}

func (m *LaunchManager) executeAction(ctx context.Context, vmid int, action LaunchAction) error {
	logging.Op().Info("executing VM action for launch flow", "vmid", vmid, "action", action)
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
	logging.Op().Info("launch flow VM action command sent", "vmid", vmid, "action", action)
	return nil
}

func findRunning(vms []proxmox.VmInfo) *proxmox.VmInfo {
	for i := range vms {
		if vms[i].Status == proxmox.StatusRunning {
			return &vms[i]
		}
	}
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func actionString(action *LaunchAction) string {
	if action == nil {
		return ""
	}
	return string(*action)
}
