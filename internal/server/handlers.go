package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stestagg/risky-proxmox-agent/internal/coordinator"
	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := mapError(err)
	writeJSON(w, status, body)
}

func parseAction(raw *string) (*coordinator.LaunchAction, error) {
	if raw == nil {
		return nil, nil
	}
	switch coordinator.LaunchAction(*raw) {
	case coordinator.ActionShutdown, coordinator.ActionHibernate, coordinator.ActionTerminate, coordinator.ActionCancel:
		a := coordinator.LaunchAction(*raw)
		return &a, nil
	default:
		return nil, errors.New("unrecognized action: " + *raw)
	}
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	logging.Op().Info("listing VMs")
	vms, err := s.client.ListVMs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Op().Info("VM list retrieved", "vm_count", len(vms))
	resp := make([]apiVM, 0, len(vms))
	for _, vm := range vms {
		resp = append(resp, newAPIVM(vm))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	action, err := parseAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	if d := detailFrom(r.Context()); d != nil {
		d.VMID = req.VMID
		if req.Action != nil {
			d.Action = *req.Action
		}
	}

	logging.Op().Info("launch request received", "target_vmid", req.VMID, "action", req.Action)
	result, err := s.launchManager.Launch(r.Context(), req.VMID, action)
	if err != nil {
		metrics.RecordLaunch("error")
		writeError(w, err)
		return
	}
	logging.Op().Info("launch request completed", "target_vmid", req.VMID, "status", result.Status)
	metrics.RecordLaunch(string(result.Status))
	writeJSON(w, http.StatusOK, toLaunchResponse(result))
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}

	if d := detailFrom(r.Context()); d != nil {
		d.VMID = req.VMID
	}

	logging.Op().Info("fork request received", "source_vmid", req.VMID, "new_name", req.Name)
	newVMID, err := coordinator.Fork(r.Context(), s.client, req.VMID, req.Name)
	if err != nil {
		metrics.RecordFork("failed")
		writeError(w, err)
		return
	}
	logging.Op().Info("fork request completed", "new_vmid", newVMID)
	metrics.RecordFork("created")
	writeJSON(w, http.StatusOK, forkResponse{Status: "created", Message: "VM fork created.", VMID: newVMID})
}

func (s *Server) handleHostShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	action, err := parseAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	if d := detailFrom(r.Context()); d != nil && req.Action != nil {
		d.Action = *req.Action
	}

	logging.Op().Info("host shutdown request received", "action", req.Action)
	result, err := s.shutdownManager.Shutdown(r.Context(), action)
	if err != nil {
		metrics.RecordShutdown("error")
		writeError(w, err)
		return
	}
	logging.Op().Info("host shutdown request completed", "status", result.Status)
	metrics.RecordShutdown(string(result.Status))
	writeJSON(w, http.StatusOK, toShutdownResponse(result))
}

func toRunningVMResponse(vm *coordinator.RunningVMInfo) *runningVMResponse {
	if vm == nil {
		return nil
	}
	return &runningVMResponse{VMID: vm.VMID, Name: vm.Name}
}

func toAllowedActions(actions []coordinator.LaunchAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return out
}

func toLaunchResponse(r coordinator.LaunchResult) launchResponse {
	return launchResponse{
		Status:         string(r.Status),
		Message:        r.Message,
		RunningVM:      toRunningVMResponse(r.RunningVM),
		AllowedActions: toAllowedActions(r.AllowedActions),
	}
}

func toShutdownResponse(r coordinator.ShutdownResult) shutdownResponse {
	return shutdownResponse{
		Status:         string(r.Status),
		Message:        r.Message,
		RunningVM:      toRunningVMResponse(r.RunningVM),
		AllowedActions: toAllowedActions(r.AllowedActions),
	}
}
