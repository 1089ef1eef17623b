// Package coordinator implements the launch and shutdown state machines
// that keep at most one VM running and serialize the switch to whichever
// VM a client has asked to run, plus the host power-off flow and the
// VM fork-by-clone helper.
package coordinator

import "github.com/stestagg/risky-proxmox-agent/internal/proxmox"

// LaunchAction is the action a client selects for a currently-running
// VM that stands in the way of a launch or host shutdown.
type LaunchAction string

const (
	ActionShutdown  LaunchAction = "shutdown"
	ActionHibernate LaunchAction = "hibernate"
	ActionTerminate LaunchAction = "terminate"
	ActionCancel    LaunchAction = "cancel"
)

// LaunchStatus is the terminal outcome reported for a /api/launch call.
type LaunchStatus string

const (
	LaunchStarted        LaunchStatus = "started"
	LaunchNeedsAction    LaunchStatus = "needs_action"
	LaunchUpdated        LaunchStatus = "updated"
	LaunchAlreadyRunning LaunchStatus = "already_running"
	LaunchCancelled      LaunchStatus = "cancelled"
)

// ShutdownStatus is the terminal outcome reported for a
// /api/host-shutdown call.
type ShutdownStatus string

const (
	ShutdownStarted     ShutdownStatus = "started"
	ShutdownNeedsAction ShutdownStatus = "needs_action"
	ShutdownCancelled   ShutdownStatus = "cancelled"
)

// RunningVMInfo is the minimal running-VM summary surfaced to a client
// that needs to pick an action.
type RunningVMInfo struct {
	VMID int
	Name string
}

func runningVMInfo(vm *proxmox.VmInfo) *RunningVMInfo {
	if vm == nil {
		return nil
	}
	return &RunningVMInfo{VMID: vm.VMID, Name: vm.Name}
}

var allowedActions = []LaunchAction{ActionShutdown, ActionHibernate, ActionTerminate, ActionCancel}

// LaunchResult is the outcome of a LaunchManager.Launch call.
type LaunchResult struct {
	Status         LaunchStatus
	Message        string
	RunningVM      *RunningVMInfo
	AllowedActions []LaunchAction
}

func launchStarted() LaunchResult {
	return LaunchResult{Status: LaunchStarted, Message: "Launch sequence started."}
}

func launchUpdated() LaunchResult {
	return LaunchResult{Status: LaunchUpdated, Message: "Launch updated to terminate current VM."}
}

func launchAlreadyRunning() LaunchResult {
	return LaunchResult{Status: LaunchAlreadyRunning, Message: "Target VM is already running."}
}

func launchCancelled() LaunchResult {
	return LaunchResult{Status: LaunchCancelled, Message: "Launch cancelled."}
}

func launchNeedsAction(vm *proxmox.VmInfo) LaunchResult {
	return LaunchResult{
		Status:         LaunchNeedsAction,
		Message:        "A VM is currently running; choose an action.",
		RunningVM:      runningVMInfo(vm),
		AllowedActions: allowedActions,
	}
}

// ShutdownResult is the outcome of a ShutdownManager.Shutdown call.
type ShutdownResult struct {
	Status         ShutdownStatus
	Message        string
	RunningVM      *RunningVMInfo
	AllowedActions []LaunchAction
}

func shutdownStarted() ShutdownResult {
	return ShutdownResult{Status: ShutdownStarted, Message: "Host shutdown sequence started."}
}

func shutdownCancelled() ShutdownResult {
	return ShutdownResult{Status: ShutdownCancelled, Message: "Host shutdown cancelled."}
}

func shutdownNeedsAction(vm *proxmox.VmInfo) ShutdownResult {
	return ShutdownResult{
		Status:         ShutdownNeedsAction,
		Message:        "A VM is currently running; choose an action before shutdown.",
		RunningVM:      runningVMInfo(vm),
		AllowedActions: allowedActions,
	}
}
