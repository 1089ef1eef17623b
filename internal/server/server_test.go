package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stestagg/risky-proxmox-agent/internal/coordinator"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmoxtest"
)

func TestHandleListVMsEmpty(t *testing.T) {
	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	req := httptest.NewRequest("GET", "/api/vms", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []apiVM
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty inventory, got %d entries", len(got))
	}
}

func TestHandleListVMsReturnsInventory(t *testing.T) {
	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 101, Name: "build-box", Tags: []string{"easy-kill"}, Status: "running"})
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	req := httptest.NewRequest("GET", "/api/vms", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []apiVM
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].VMID != 101 || got[0].Status != "running" {
		t.Fatalf("unexpected inventory: %+v", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header to be set")
	}
}

func TestHandleLaunchNeedsAction(t *testing.T) {
	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 101, Name: "build-box", Status: "running"})
	dummy.InsertVM(proxmoxtest.VMEntry{VMID: 202, Name: "target", Status: "stopped"})
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	body, _ := json.Marshal(launchRequest{VMID: 202})
	req := httptest.NewRequest("POST", "/api/launch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got launchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "needs_action" {
		t.Fatalf("expected needs_action, got %q", got.Status)
	}
	if got.RunningVM == nil || got.RunningVM.VMID != 101 {
		t.Fatalf("expected running vm 101 in response, got %+v", got.RunningVM)
	}
}

func TestHandleLaunchRejectsUnknownAction(t *testing.T) {
	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	raw := "explode"
	body, _ := json.Marshal(launchRequest{VMID: 202, Action: &raw})
	req := httptest.NewRequest("POST", "/api/launch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHostShutdownStartsWhenNoVMRunning(t *testing.T) {
	orig := coordinator.HostShutdownCommand
	coordinator.HostShutdownCommand = func() {}
	defer func() { coordinator.HostShutdownCommand = orig }()

	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	req := httptest.NewRequest("POST", "/api/host-shutdown", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got shutdownResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "started" {
		t.Fatalf("expected started, got %q", got.Status)
	}
}

func TestReadyzStartsUnhealthy(t *testing.T) {
	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503 before MarkReady, got %d", rec.Code)
	}

	srv.MarkReady()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 after MarkReady, got %d", rec.Code)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	dummy := proxmoxtest.New("pve-node")
	defer dummy.Close()
	client := proxmox.New(dummy.Server.URL, "test@pam!agent", "secret", false)
	srv := New(client)
	handler := Router(srv, Config{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
