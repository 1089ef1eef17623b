package coordinator_test

import (
	"context"
	"testing"

	"github.com/stestagg/risky-proxmox-agent/internal/coordinator"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmoxtest"
)

func TestForkClonesAndWaitsForVisibility(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 150, Name: "template", Status: "stopped"})

	client := newClient(t, dummy)

	newVMID, err := coordinator.Fork(context.Background(), client, 150, "clone-of-template")
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if newVMID != 900 {
		t.Fatalf("Fork() newVMID = %d, want 900 (first id from the dummy allocator)", newVMID)
	}
	if got := dummy.Status(newVMID); got != "stopped" {
		t.Errorf("forked VM status = %q, want stopped", got)
	}
}
