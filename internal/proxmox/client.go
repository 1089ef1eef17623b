// Package proxmox implements a minimal client for the subset of the
// Proxmox VE REST API this agent needs: inventory listing, VM power
// actions, and fork-by-clone.
package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
)

// Client talks to a single Proxmox VE cluster over its REST API using a
// token-based Authorization header. It resolves a VM's owning node on
// every call rather than caching it, since VMs can migrate between
// nodes and this agent has no cache-invalidation story.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client. insecureSSL disables TLS certificate validation,
// matching environments where Proxmox serves its own self-signed cert.
func New(baseURL, tokenID, tokenSecret string, insecureSSL bool) *Client {
	logging.Op().Info("creating proxmox client", "base_url", baseURL, "insecure_ssl", insecureSSL)
	transport := http.DefaultTransport
	if insecureSSL {
		transport = insecureTransport()
	}
	return &Client{
		baseURL: baseURL,
		token:   fmt.Sprintf("PVEAPIToken=%s=%s", tokenID, tokenSecret),
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

type apiResponse[T any] struct {
	Data T `json:"data"`
}

type resourceVM struct {
	VMID        int    `json:"vmid"`
	Name        string `json:"name"`
	Tags        string `json:"tags"`
	Status      string `json:"status"`
	Node        string `json:"node"`
	Description string `json:"description"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// ListVMs returns the current cluster VM inventory.
func (c *Client) ListVMs(ctx context.Context) ([]VmInfo, error) {
	ctx, span := observability.StartSpan(ctx, "proxmox.list_vms")
	defer span.End()

	logging.Op().Debug("fetching VM inventory from proxmox")
	var resources []resourceVM
	if err := c.get(ctx, "/cluster/resources?type=vm", &resources); err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall("list_vms", "error")
		return nil, err
	}

	vms := make([]VmInfo, 0, len(resources))
	for _, r := range resources {
		vms = append(vms, VmInfo{
			VMID:   r.VMID,
			Name:   r.Name,
			Tags:   ParseTags(r.Tags),
			Status: NormalizeStatus(r.Status),
			Notes:  strings.TrimSpace(r.Description),
		})
	}
	logging.Op().Info("fetched VM inventory", "vm_count", len(vms))
	observability.SetSpanOK(span)
	metrics.RecordHypervisorCall("list_vms", "ok")
	return vms, nil
}

// VMStatus fetches the current power state of a single VM.
func (c *Client) VMStatus(ctx context.Context, vmid int) (VmStatus, error) {
	ctx, span := observability.StartSpan(ctx, "proxmox.vm_status", observability.AttrVMID.Int(vmid))
	defer span.End()

	logging.Op().Debug("fetching VM status", "vmid", vmid)
	node, err := c.nodeForVMID(ctx, vmid)
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall("vm_status", "error")
		return StatusUnknown, err
	}

	var resp statusResponse
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/current", node, vmid)
	if err := c.get(ctx, path, &resp); err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall("vm_status", "error")
		return StatusUnknown, err
	}
	normalized := NormalizeStatus(resp.Status)
	logging.Op().Debug("fetched VM status", "vmid", vmid, "status", normalized)
	observability.SetSpanOK(span)
	metrics.RecordHypervisorCall("vm_status", "ok")
	return normalized, nil
}

// StartVM requests Proxmox start the VM.
func (c *Client) StartVM(ctx context.Context, vmid int) error {
	return c.postStatus(ctx, vmid, "start")
}

// StopVM requests a graceful guest shutdown. Proxmox has no distinct
// "stop" action short of the hard power-off exposed via TerminateVM;
// both StopVM and ShutdownVM call the same "shutdown" status action,
// matching the reference agent's behavior.
func (c *Client) StopVM(ctx context.Context, vmid int) error {
	return c.postStatus(ctx, vmid, "shutdown")
}

// ShutdownVM requests a graceful guest shutdown (ACPI signal).
func (c *Client) ShutdownVM(ctx context.Context, vmid int) error {
	return c.postStatus(ctx, vmid, "shutdown")
}

// HibernateVM suspends the VM to disk.
func (c *Client) HibernateVM(ctx context.Context, vmid int) error {
	return c.postStatus(ctx, vmid, "hibernate")
}

// TerminateVM hard powers off the VM (Proxmox "stop" status action).
func (c *Client) TerminateVM(ctx context.Context, vmid int) error {
	return c.postStatus(ctx, vmid, "stop")
}

// ForkVM snapshots vmid, clones a new full VM from that snapshot named
// name, and returns the new VM's id.
func (c *Client) ForkVM(ctx context.Context, vmid int, name string) (int, error) {
	ctx, span := observability.StartSpan(ctx, "proxmox.fork_vm",
		observability.AttrVMID.Int(vmid), attribute.String("rpa.fork.name", name))
	defer span.End()

	logging.Op().Info("forking VM", "source_vmid", vmid, "new_name", name)
	snapshot := fmt.Sprintf("fork-%d", time.Now().Unix())

	newID, err := c.nextVMID(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall("fork_vm", "error")
		return 0, err
	}
	if err := c.createSnapshot(ctx, vmid, snapshot); err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall("fork_vm", "error")
		return 0, err
	}
	if err := c.cloneVM(ctx, vmid, newID, name, snapshot); err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall("fork_vm", "error")
		return 0, err
	}
	logging.Op().Info("fork command sent", "source_vmid", vmid, "new_vmid", newID, "snapshot", snapshot)
	observability.SetSpanOK(span)
	metrics.RecordHypervisorCall("fork_vm", "ok")
	return newID, nil
}

func (c *Client) nodeForVMID(ctx context.Context, vmid int) (string, error) {
	logging.Op().Debug("resolving node for VM", "vmid", vmid)
	var resources []resourceVM
	if err := c.get(ctx, "/cluster/resources?type=vm", &resources); err != nil {
		return "", err
	}
	for _, r := range resources {
		if r.VMID == vmid {
			if r.Node == "" {
				return "", missingNodeError(vmid)
			}
			logging.Op().Debug("resolved node for VM", "vmid", vmid, "node", r.Node)
			return r.Node, nil
		}
	}
	return "", missingNodeError(vmid)
}

func (c *Client) postStatus(ctx context.Context, vmid int, action string) error {
	ctx, span := observability.StartSpan(ctx, "proxmox.post_status",
		observability.AttrVMID.Int(vmid), observability.AttrAction.String(action))
	defer span.End()

	logging.Op().Info("sending VM status action", "vmid", vmid, "action", action)
	node, err := c.nodeForVMID(ctx, vmid)
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall(action, "error")
		return err
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", node, vmid, action)
	if err := c.post(ctx, path); err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordHypervisorCall(action, "error")
		return err
	}
	observability.SetSpanOK(span)
	metrics.RecordHypervisorCall(action, "ok")
	return nil
}

func (c *Client) nextVMID(ctx context.Context) (int, error) {
	logging.Op().Debug("requesting next available VMID")
	var raw string
	if err := c.get(ctx, "/cluster/nextid", &raw); err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apiError("invalid next VMID: %s", err)
	}
	logging.Op().Debug("received next VMID", "next_vmid", id)
	return id, nil
}

func (c *Client) createSnapshot(ctx context.Context, vmid int, snapshot string) error {
	logging.Op().Info("creating VM snapshot for fork", "vmid", vmid, "snapshot", snapshot)
	node, err := c.nodeForVMID(ctx, vmid)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid)
	form := url.Values{"snapname": {snapshot}}
	return c.postForm(ctx, path, form)
}

func (c *Client) cloneVM(ctx context.Context, vmid, newid int, name, snapshot string) error {
	logging.Op().Info("cloning VM from snapshot", "source_vmid", vmid, "new_vmid", newid, "new_name", name, "snapshot", snapshot)
	node, err := c.nodeForVMID(ctx, vmid)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/clone", node, vmid)
	form := url.Values{
		"newid":    {strconv.Itoa(newid)},
		"name":     {name},
		"full":     {"1"},
		"snapname": {snapshot},
	}
	return c.postForm(ctx, path, form)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	u := c.endpoint(path)
	logging.Op().Debug("sending proxmox request", "method", "GET", "url", u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := ensureSuccess(resp)
	if err != nil {
		return err
	}
	logging.Op().Debug("proxmox request succeeded", "method", "GET", "url", u, "status", resp.StatusCode)

	var wrapped apiResponse[json.RawMessage]
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return parseError(err)
	}
	if err := json.Unmarshal(wrapped.Data, out); err != nil {
		return parseError(err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string) error {
	u := c.endpoint(path)
	logging.Op().Debug("sending proxmox request", "method", "POST", "url", u)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if _, err := ensureSuccess(resp); err != nil {
		return err
	}
	logging.Op().Debug("proxmox request succeeded", "method", "POST", "url", u, "status", resp.StatusCode)
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) error {
	u := c.endpoint(path)
	logging.Op().Debug("sending proxmox form request", "method", "POST", "url", u)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if _, err := ensureSuccess(resp); err != nil {
		return err
	}
	logging.Op().Debug("proxmox form request succeeded", "method", "POST", "url", u, "status", resp.StatusCode)
	return nil
}

func ensureSuccess(resp *http.Response) ([]byte, error) {
	body, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Op().Warn("proxmox request returned non-success status", "status", resp.StatusCode, "body", string(body))
		return nil, apiError("status %d, body %s", resp.StatusCode, string(body))
	}
	if readErr != nil {
		return nil, transportError(readErr)
	}
	return body, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.baseURL, "/") + "/api2/json" + path
}
