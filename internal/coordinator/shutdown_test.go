package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmoxtest"
)

func TestShutdownNeedsActionWhenVMRunning(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 600, Name: "busy", Status: "running"})

	client := proxmox.New(dummy.Server.URL, "test", "secret", false)
	mgr := NewShutdownManager(client)

	result, err := mgr.Shutdown(context.Background(), nil)
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if result.Status != ShutdownNeedsAction {
		t.Fatalf("Shutdown() status = %v, want %v", result.Status, ShutdownNeedsAction)
	}
	if result.RunningVM == nil || result.RunningVM.VMID != 600 {
		t.Fatalf("Shutdown() running_vm = %+v, want vmid=600", result.RunningVM)
	}
}

func TestShutdownStartsHostCommandWhenClear(t *testing.T) {
	orig := HostShutdownCommand
	HostShutdownCommand = func() {}
	defer func() { HostShutdownCommand = orig }()

	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()

	client := proxmox.New(dummy.Server.URL, "test", "secret", false)
	mgr := NewShutdownManager(client)

	result, err := mgr.Shutdown(context.Background(), nil)
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if result.Status != ShutdownStarted {
		t.Fatalf("Shutdown() status = %v, want %v", result.Status, ShutdownStarted)
	}
}

func TestShutdownTimesOutWhenVMNeverQuiesces(t *testing.T) {
	origInterval, origAttempts := shutdownDrainPollInterval, shutdownDrainMaxAttempts
	shutdownDrainPollInterval = 10 * time.Millisecond
	shutdownDrainMaxAttempts = 3
	defer func() {
		shutdownDrainPollInterval, shutdownDrainMaxAttempts = origInterval, origAttempts
	}()

	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 700, Name: "stuck", Status: "running", IgnorePoliteShutdown: true})

	client := proxmox.New(dummy.Server.URL, "test", "secret", false)
	mgr := NewShutdownManager(client)

	action := ActionShutdown
	_, err := mgr.Shutdown(context.Background(), &action)
	if err == nil {
		t.Fatal("Shutdown() error = nil, want ShutdownFailedError")
	}
	var failed *ShutdownFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Shutdown() error = %v, want *ShutdownFailedError", err)
	}

	// The manager must clear its in-progress state even on failure, so
	// a subsequent call is not rejected with ErrShutdownInProgress.
	if _, err := mgr.Shutdown(context.Background(), &action); errors.Is(err, ErrShutdownInProgress) {
		t.Fatal("Shutdown() left in-progress state set after a failed flow")
	}
}

func TestShutdownRejectsConcurrentRequests(t *testing.T) {
	dummy := proxmoxtest.New("pve1")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 800, Name: "slow", Status: "running", IgnorePoliteShutdown: true})

	origInterval, origAttempts := shutdownDrainPollInterval, shutdownDrainMaxAttempts
	shutdownDrainPollInterval = 200 * time.Millisecond
	shutdownDrainMaxAttempts = 2
	defer func() {
		shutdownDrainPollInterval, shutdownDrainMaxAttempts = origInterval, origAttempts
	}()

	client := proxmox.New(dummy.Server.URL, "test", "secret", false)
	mgr := NewShutdownManager(client)

	action := ActionShutdown
	go func() { _, _ = mgr.Shutdown(context.Background(), &action) }()
	time.Sleep(50 * time.Millisecond)

	_, err := mgr.Shutdown(context.Background(), nil)
	if !errors.Is(err, ErrShutdownInProgress) {
		t.Fatalf("Shutdown() error = %v, want ErrShutdownInProgress", err)
	}
}
