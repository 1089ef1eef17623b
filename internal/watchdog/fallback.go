// Package watchdog implements the fallback-VM auto-start poller: if no
// VM is running for two consecutive probes, it starts a configured
// fallback VM so the host is never left fully idle.
package watchdog

import (
	"context"
	"time"

	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
)

const (
	pollInterval = 30 * time.Second
	recheckDelay = 10 * time.Second
)

// Run polls every 30s; when no VM is running it waits 10s and checks
// again (dampening against a launch flow's brief Stopped window) before
// starting fallbackName. It intentionally does not coordinate with the
// launch manager's mutex: the reference behavior tolerates the race
// where a launch flow starts the target VM in the same window the
// watchdog decides to start the fallback VM. Run blocks until ctx is
// cancelled.
func Run(ctx context.Context, client *proxmox.Client, fallbackName string) {
	logging.Op().Info("fallback VM polling enabled", "fallback_name", fallbackName)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollAndStart(ctx, client, fallbackName); err != nil {
				logging.Op().Warn("fallback VM poll failed", "error", err)
			}
		}
	}
}

func pollAndStart(ctx context.Context, client *proxmox.Client, fallbackName string) error {
	vms, err := client.ListVMs(ctx)
	if err != nil {
		return err
	}
	if anyRunning(vms) {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(recheckDelay):
	}

	vms, err = client.ListVMs(ctx)
	if err != nil {
		return err
	}
	if anyRunning(vms) {
		return nil
	}

	for _, vm := range vms {
		if vm.Name == fallbackName {
			logging.Op().Info("no running VMs detected; starting fallback VM", "name", vm.Name, "vmid", vm.VMID)
			if err := client.StartVM(ctx, vm.VMID); err != nil {
				return err
			}
			metrics.RecordFallbackStart()
			return nil
		}
	}
	logging.Op().Warn("fallback VM not found; skipping auto-start", "fallback_name", fallbackName)
	return nil
}

func anyRunning(vms []proxmox.VmInfo) bool {
	for _, vm := range vms {
		if vm.Status == proxmox.StatusRunning {
			return true
		}
	}
	return false
}
