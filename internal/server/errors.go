package server

import (
	"errors"
	"net/http"

	"github.com/stestagg/risky-proxmox-agent/internal/coordinator"
	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
)

// mapError translates any error returned from the proxmox client or a
// coordinator flow into an HTTP status and response body, per the
// error taxonomy: transport/API/parse failures talking to Proxmox map
// to 502, a conflicting in-flight flow maps to 409, and a failed
// shutdown drain maps to 502 as well (the host command was never
// issued).
func mapError(err error) (int, apiError) {
	var shutdownFailed *coordinator.ShutdownFailedError
	switch {
	case errors.Is(err, coordinator.ErrLaunchInProgress):
		logging.Op().Warn("rejected launch request while another launch is in progress")
		return http.StatusConflict, apiError{Error: "Launch already in progress"}
	case errors.Is(err, coordinator.ErrShutdownInProgress):
		logging.Op().Warn("rejected shutdown request while another shutdown is in progress")
		return http.StatusConflict, apiError{Error: "Shutdown already in progress"}
	case errors.As(err, &shutdownFailed):
		logging.Op().Warn("host shutdown workflow failed", "error", shutdownFailed.Error())
		return http.StatusBadGateway, apiError{Error: shutdownFailed.Error()}
	default:
		var pErr *proxmox.Error
		if errors.As(err, &pErr) {
			logging.Op().Warn("proxmox API call failed", "error", pErr.Error())
		}
		return http.StatusBadGateway, apiError{Error: err.Error()}
	}
}
