package server

import "github.com/stestagg/risky-proxmox-agent/internal/proxmox"

// apiVM is the wire representation of a single inventory entry.
type apiVM struct {
	VMID   int      `json:"vmid"`
	Name   string   `json:"name"`
	Tags   []string `json:"tags"`
	Status string   `json:"status"`
	Notes  string   `json:"notes,omitempty"`
}

func newAPIVM(vm proxmox.VmInfo) apiVM {
	tags := vm.Tags
	if tags == nil {
		tags = []string{}
	}
	return apiVM{
		VMID:   vm.VMID,
		Name:   vm.Name,
		Tags:   tags,
		Status: string(vm.Status),
		Notes:  vm.Notes,
	}
}

type launchRequest struct {
	VMID   int     `json:"vmid"`
	Action *string `json:"action"`
}

type runningVMResponse struct {
	VMID int    `json:"vmid"`
	Name string `json:"name"`
}

type launchResponse struct {
	Status         string             `json:"status"`
	Message        string             `json:"message"`
	RunningVM      *runningVMResponse `json:"running_vm,omitempty"`
	AllowedActions []string           `json:"allowed_actions"`
}

type shutdownRequest struct {
	Action *string `json:"action"`
}

type shutdownResponse struct {
	Status         string             `json:"status"`
	Message        string             `json:"message"`
	RunningVM      *runningVMResponse `json:"running_vm,omitempty"`
	AllowedActions []string           `json:"allowed_actions"`
}

type forkRequest struct {
	VMID int    `json:"vmid"`
	Name string `json:"name"`
}

type forkResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	VMID    int    `json:"vmid"`
}

type apiError struct {
	Error string `json:"error"`
}
