package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
)

const (
	forkWaitPollInterval = 2 * time.Second
	forkWaitMaxAttempts  = 30
)

// Fork clones vmid (via snapshot) under name and waits for the new VM
// to become visible in the cluster inventory before returning. Unlike
// launch and shutdown, concurrent forks are not serialized against
// each other.
func Fork(ctx context.Context, client *proxmox.Client, vmid int, name string) (int, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.fork", observability.AttrVMID.Int(vmid))
	defer span.End()

	newVMID, err := client.ForkVM(ctx, vmid, name)
	if err != nil {
		observability.SetSpanError(span, err)
		return 0, err
	}
	if err := waitForVM(ctx, client, newVMID); err != nil {
		observability.SetSpanError(span, err)
		return 0, err
	}
	observability.SetSpanOK(span)
	return newVMID, nil
}

func waitForVM(ctx context.Context, client *proxmox.Client, vmid int) error {
	logging.Op().Info("waiting for forked VM to appear in proxmox inventory", "vmid", vmid)
	for attempt := 1; attempt <= forkWaitMaxAttempts; attempt++ {
		vms, err := client.ListVMs(ctx)
		if err != nil {
			return err
		}
		for _, vm := range vms {
			if vm.VMID == vmid {
				logging.Op().Info("forked VM is now visible", "vmid", vmid, "attempt", attempt)
				return nil
			}
		}
		logging.Op().Debug("forked VM not visible yet; retrying", "vmid", vmid, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(forkWaitPollInterval):
		}
	}
	logging.Op().Warn("timed out waiting for forked VM to appear", "vmid", vmid)
	return &proxmox.Error{
		Kind:    proxmox.ErrKindAPI,
		Message: fmt.Sprintf("Timed out waiting for VM %d to appear", vmid),
		VMID:    vmid,
	}
}
