// Package proxmoxtest provides an in-memory stand-in for a Proxmox VE
// cluster, serving the same /api2/json endpoints the real client
// calls, for use in coordinator and request-surface tests.
package proxmoxtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// VMEntry is a single VM tracked by the dummy cluster.
type VMEntry struct {
	VMID   int
	Name   string
	Tags   []string
	Status string // "running" or "stopped"
	Notes  string

	// IgnorePoliteShutdown makes the VM stay running across
	// shutdown/hibernate calls, only quiescing on a terminate (stop)
	// call. Used to exercise the escalation path deterministically.
	IgnorePoliteShutdown bool
}

// Dummy is a single-node fake Proxmox cluster backed by an
// httptest.Server.
type Dummy struct {
	mu       sync.Mutex
	node     string
	vms      map[int]*VMEntry
	nextVMID int

	Server *httptest.Server
}

// New starts a dummy cluster with a single node named node.
func New(node string) *Dummy {
	d := &Dummy{
		node:     node,
		vms:      make(map[int]*VMEntry),
		nextVMID: 900,
	}
	d.Server = httptest.NewServer(d.router())
	return d
}

// Close shuts down the backing httptest.Server.
func (d *Dummy) Close() {
	d.Server.Close()
}

// InsertVM adds or replaces a VM entry.
func (d *Dummy) InsertVM(vm VMEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := vm
	d.vms[vm.VMID] = &cp
}

// SetStatus overwrites a VM's status.
func (d *Dummy) SetStatus(vmid int, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vm, ok := d.vms[vmid]; ok {
		vm.Status = status
	}
}

// Status returns a VM's current status, or "" if unknown.
func (d *Dummy) Status(vmid int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vm, ok := d.vms[vmid]; ok {
		return vm.Status
	}
	return ""
}

type apiResponse struct {
	Data any `json:"data"`
}

type resourceVM struct {
	VMID        int    `json:"vmid"`
	Name        string `json:"name"`
	Tags        string `json:"tags"`
	Status      string `json:"status"`
	Node        string `json:"node"`
	Description string `json:"description"`
}

func (d *Dummy) toResourceVM(vm *VMEntry) resourceVM {
	return resourceVM{
		VMID:        vm.VMID,
		Name:        vm.Name,
		Tags:        strings.Join(vm.Tags, ";"),
		Status:      vm.Status,
		Node:        d.node,
		Description: vm.Notes,
	}
}

func (d *Dummy) router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.URL.Query().Get("type") != "" && r.URL.Query().Get("type") != "vm" {
			writeJSON(w, apiResponse{Data: []resourceVM{}})
			return
		}
		resources := make([]resourceVM, 0, len(d.vms))
		for _, vm := range d.vms {
			resources = append(resources, d.toResourceVM(vm))
		}
		writeJSON(w, apiResponse{Data: resources})
	})

	mux.HandleFunc("GET /api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		id := d.nextVMID
		d.nextVMID++
		d.mu.Unlock()
		writeJSON(w, apiResponse{Data: strconv.Itoa(id)})
	})

	mux.HandleFunc("GET /api2/json/nodes/{node}/qemu/{vmid}/status/current", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.PathValue("node") != d.node {
			http.NotFound(w, r)
			return
		}
		vmid, _ := strconv.Atoi(r.PathValue("vmid"))
		vm, ok := d.vms[vmid]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, apiResponse{Data: map[string]string{"status": vm.Status}})
	})

	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/status/start", d.statusHandler("running"))
	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/status/shutdown", d.politeStatusHandler("stopped"))
	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/status/stop", d.statusHandler("stopped"))
	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/status/hibernate", d.politeStatusHandler("stopped"))

	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, apiResponse{Data: nil})
	})

	mux.HandleFunc("POST /api2/json/nodes/{node}/qemu/{vmid}/clone", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.PathValue("node") != d.node {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		newid, _ := strconv.Atoi(r.FormValue("newid"))
		name := r.FormValue("name")
		d.vms[newid] = &VMEntry{VMID: newid, Name: name, Status: "stopped"}
		writeJSON(w, apiResponse{Data: nil})
	})

	return mux
}

func (d *Dummy) statusHandler(newStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.PathValue("node") != d.node {
			http.NotFound(w, r)
			return
		}
		vmid, _ := strconv.Atoi(r.PathValue("vmid"))
		vm, ok := d.vms[vmid]
		if !ok {
			http.NotFound(w, r)
			return
		}
		vm.Status = newStatus
		writeJSON(w, apiResponse{Data: nil})
	}
}

// politeStatusHandler behaves like statusHandler except it leaves
// IgnorePoliteShutdown VMs untouched, simulating a guest that doesn't
// respond to ACPI shutdown/hibernate and must be escalated to terminate.
func (d *Dummy) politeStatusHandler(newStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.PathValue("node") != d.node {
			http.NotFound(w, r)
			return
		}
		vmid, _ := strconv.Atoi(r.PathValue("vmid"))
		vm, ok := d.vms[vmid]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if !vm.IgnorePoliteShutdown {
			vm.Status = newStatus
		}
		writeJSON(w, apiResponse{Data: nil})
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
