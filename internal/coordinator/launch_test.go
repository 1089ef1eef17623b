package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stestagg/risky-proxmox-agent/internal/coordinator"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmoxtest"
)

func newClient(t *testing.T, dummy *proxmoxtest.Dummy) *proxmox.Client {
	t.Helper()
	return proxmox.New(dummy.Server.URL, "test", "secret", false)
}

func TestLaunchEasyKillAutoTerminates(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 100, Name: "easy", Tags: []string{"easy-kill"}, Status: "running"})
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 200, Name: "target", Status: "stopped"})

	client := newClient(t, dummy)
	mgr := coordinator.NewLaunchManager(client)

	result, err := mgr.Launch(context.Background(), 200, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.Status != coordinator.LaunchStarted {
		t.Fatalf("Launch() status = %v, want %v", result.Status, coordinator.LaunchStarted)
	}
	if got := dummy.Status(100); got != "stopped" {
		t.Errorf("VM 100 status = %q, want stopped", got)
	}
	if got := dummy.Status(200); got != "running" {
		t.Errorf("VM 200 status = %q, want running", got)
	}
}

func TestLaunchNeedsAction(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 300, Name: "work", Status: "running"})
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 400, Name: "game", Status: "stopped"})

	client := newClient(t, dummy)
	mgr := coordinator.NewLaunchManager(client)

	result, err := mgr.Launch(context.Background(), 400, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.Status != coordinator.LaunchNeedsAction {
		t.Fatalf("Launch() status = %v, want %v", result.Status, coordinator.LaunchNeedsAction)
	}
	if result.RunningVM == nil || result.RunningVM.VMID != 300 || result.RunningVM.Name != "work" {
		t.Fatalf("Launch() running_vm = %+v, want vmid=300 name=work", result.RunningVM)
	}
	if len(result.AllowedActions) != 4 {
		t.Fatalf("Launch() allowed_actions = %v, want 4 entries", result.AllowedActions)
	}
}

func TestLaunchAlreadyRunningMakesNoMutation(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 500, Name: "sole", Status: "running"})

	client := newClient(t, dummy)
	mgr := coordinator.NewLaunchManager(client)

	result, err := mgr.Launch(context.Background(), 500, nil)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.Status != coordinator.LaunchAlreadyRunning {
		t.Fatalf("Launch() status = %v, want %v", result.Status, coordinator.LaunchAlreadyRunning)
	}
	if got := dummy.Status(500); got != "running" {
		t.Errorf("VM 500 status = %q, want unchanged running", got)
	}
}

func TestLaunchEscalationTerminatesDrainingVM(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 100, Name: "stubborn", Status: "running", IgnorePoliteShutdown: true})
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 200, Name: "target", Status: "stopped"})

	client := newClient(t, dummy)
	mgr := coordinator.NewLaunchManager(client)

	shutdown := coordinator.ActionShutdown
	terminate := coordinator.ActionTerminate

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait until the first poll has observed the VM still running
		// under the polite shutdown, then queue a terminate escalation.
		time.Sleep(2*time.Second + 50*time.Millisecond)

		result, err := mgr.Launch(context.Background(), 200, &terminate)
		if err != nil {
			t.Errorf("escalation Launch() error = %v", err)
			return
		}
		if result.Status != coordinator.LaunchUpdated {
			t.Errorf("escalation Launch() status = %v, want %v", result.Status, coordinator.LaunchUpdated)
		}
	}()

	result, err := mgr.Launch(context.Background(), 200, &shutdown)
	<-done
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if result.Status != coordinator.LaunchStarted {
		t.Fatalf("Launch() status = %v, want %v", result.Status, coordinator.LaunchStarted)
	}
	if got := dummy.Status(100); got != "stopped" {
		t.Errorf("VM 100 status = %q, want stopped after escalation", got)
	}
	if got := dummy.Status(200); got != "running" {
		t.Errorf("VM 200 status = %q, want running", got)
	}
}
