// Package kube drives a local k3s control plane for the kube subcommands.
// Linux uses the native k3s systemd unit, darwin a Lima VM. Like boxcli it
// sits beside the supervisor; the supervision path never touches it.
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupported reports an OS without a k3s story.
var ErrUnsupported = errors.New("kube is only supported on linux and darwin")

// MissingBinaryError names a required binary absent from PATH.
type MissingBinaryError struct {
	Bin string
}

func (e *MissingBinaryError) Error() string { return e.Bin + " not found on PATH" }

// Status is the cluster lifecycle snapshot.
type Status struct {
	Installed bool   `json:"installed"`
	Running   bool   `json:"running"`
	State     string `json:"state"` // running, stopped or not_installed
}

// Node is one cluster node.
type Node struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Roles   string `json:"roles"`
	Version string `json:"version"`
}

// Pod is one pod row.
type Pod struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Status    string `json:"status"`
	Ready     string `json:"ready"`
	Restarts  int    `json:"restarts"`
	Node      string `json:"node"`
}

// Manager shells out to systemctl, limactl and kubectl. In and Out carry
// interactive passthrough for sudo prompts and progress output.
type Manager struct {
	goos string
	In   io.Reader
	Out  io.Writer
}

func New() *Manager {
	return &Manager{goos: runtime.GOOS, In: os.Stdin, Out: os.Stdout}
}

// Start brings the control plane up. Already running is not an error.
func (m *Manager) Start(ctx context.Context) error {
	switch m.goos {
	case "linux":
		return m.startLinux(ctx)
	case "darwin":
		return m.startDarwin(ctx)
	default:
		return ErrUnsupported
	}
}

// Stop brings the control plane down.
func (m *Manager) Stop(ctx context.Context) error {
	switch m.goos {
	case "linux":
		return m.stopLinux(ctx)
	case "darwin":
		return m.run(ctx, "limactl", "stop", "k3s")
	default:
		return ErrUnsupported
	}
}

// Query reports the lifecycle snapshot, best effort.
func (m *Manager) Query(ctx context.Context) Status {
	switch m.goos {
	case "linux":
		return m.queryLinux(ctx)
	case "darwin":
		return m.queryDarwin(ctx)
	default:
		return Status{State: "not_installed"}
	}
}

func (m *Manager) startLinux(ctx context.Context) error {
	if !binaryExists("k3s") {
		return &MissingBinaryError{Bin: "k3s"}
	}
	if exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", "k3s").Run() == nil {
		fmt.Fprintln(m.Out, "k3s is already running")
		return nil
	}
	if err := m.run(ctx, "sudo", "systemctl", "start", "k3s"); err != nil {
		return err
	}
	return m.run(ctx, "sudo", "systemctl", "enable", "k3s")
}

func (m *Manager) stopLinux(ctx context.Context) error {
	if err := m.run(ctx, "sudo", "systemctl", "stop", "k3s"); err != nil {
		return err
	}
	// k3s leaves containerd shims behind; the install ships a cleanup script
	if _, err := os.Stat("/usr/local/bin/k3s-killall.sh"); err == nil {
		return m.run(ctx, "sudo", "/usr/local/bin/k3s-killall.sh")
	}
	return nil
}

func (m *Manager) startDarwin(ctx context.Context) error {
	if !binaryExists("limactl") {
		return &MissingBinaryError{Bin: "limactl"}
	}
	out, _ := exec.CommandContext(ctx, "limactl", "list", "--format", "{{.Name}}").Output()
	args := []string{"start", "--name=k3s", "template://k3s"}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "k3s" {
			args = []string{"start", "k3s"}
			break
		}
	}
	// VM boot takes minutes; leave it running in the background rather
	// than holding the caller. No CommandContext so a CLI exit does not
	// kill the boot.
	cmd := exec.Command("limactl", args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn limactl: %w", err)
	}
	_ = cmd.Process.Release()
	fmt.Fprintln(m.Out, "k3s VM starting in background")
	return nil
}

func (m *Manager) queryLinux(ctx context.Context) Status {
	if !binaryExists("k3s") {
		return Status{State: "not_installed"}
	}
	if exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", "k3s").Run() == nil {
		return Status{Installed: true, Running: true, State: "running"}
	}
	return Status{Installed: true, State: "stopped"}
}

func (m *Manager) queryDarwin(ctx context.Context) Status {
	if !binaryExists("limactl") {
		return Status{State: "not_installed"}
	}
	out, err := exec.CommandContext(ctx, "limactl", "list", "--format", "{{.Name}} {{.Status}}").Output()
	if err != nil {
		return Status{State: "not_installed"}
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "k3s ") {
			continue
		}
		if strings.Contains(line, "Running") {
			return Status{Installed: true, Running: true, State: "running"}
		}
		return Status{Installed: true, State: "stopped"}
	}
	return Status{State: "not_installed"}
}

// Namespaces lists namespace names. An unreachable cluster yields an empty
// list, not an error.
func (m *Manager) Namespaces(ctx context.Context) ([]string, error) {
	out, ok, err := kubectl(ctx, "get", "namespaces", "-o", "jsonpath={.items[*].metadata.name}")
	if err != nil || !ok {
		return nil, err
	}
	return strings.Fields(out), nil
}

type nodeList struct {
	Items []struct {
		Metadata struct {
			Name   string            `json:"name"`
			Labels map[string]string `json:"labels"`
		} `json:"metadata"`
		Status struct {
			NodeInfo struct {
				KubeletVersion string `json:"kubeletVersion"`
			} `json:"nodeInfo"`
			Conditions []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"conditions"`
		} `json:"status"`
	} `json:"items"`
}

// Nodes lists cluster nodes with readiness and role labels.
func (m *Manager) Nodes(ctx context.Context) ([]Node, error) {
	out, ok, err := kubectl(ctx, "get", "nodes", "-o", "json")
	if err != nil || !ok {
		return nil, err
	}
	var list nodeList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse nodes: %w", err)
	}
	nodes := make([]Node, 0, len(list.Items))
	for _, item := range list.Items {
		status := "Unknown"
		for _, cond := range item.Status.Conditions {
			if cond.Type != "Ready" {
				continue
			}
			if cond.Status == "True" {
				status = "Ready"
			} else {
				status = "NotReady"
			}
		}
		nodes = append(nodes, Node{
			Name:    item.Metadata.Name,
			Status:  status,
			Roles:   rolesFromLabels(item.Metadata.Labels),
			Version: item.Status.NodeInfo.KubeletVersion,
		})
	}
	return nodes, nil
}

// Pods lists pods in namespace, or across all namespaces when empty.
func (m *Manager) Pods(ctx context.Context, namespace string) ([]Pod, error) {
	args := []string{"get", "pods"}
	if namespace == "" {
		args = append(args, "--all-namespaces")
	} else {
		args = append(args, "-n", namespace)
	}
	args = append(args,
		"-o", "custom-columns=NAME:.metadata.name,NAMESPACE:.metadata.namespace,STATUS:.status.phase,READY:.status.containerStatuses[0].ready,RESTARTS:.status.containerStatuses[0].restartCount,NODE:.spec.nodeName",
		"--no-headers",
	)
	out, ok, err := kubectl(ctx, args...)
	if err != nil || !ok {
		return nil, err
	}
	var pods []Pod
	for _, line := range strings.Split(out, "\n") {
		cols := strings.Fields(line)
		if len(cols) == 0 {
			continue
		}
		restarts, _ := strconv.Atoi(col(cols, 4))
		pods = append(pods, Pod{
			Name:      col(cols, 0),
			Namespace: col(cols, 1),
			Status:    col(cols, 2),
			Ready:     col(cols, 3),
			Restarts:  restarts,
			Node:      col(cols, 5),
		})
	}
	return pods, nil
}

// PodLogs returns the last tail lines of one pod, timestamped.
func (m *Manager) PodLogs(ctx context.Context, namespace, name string, tail int) (string, error) {
	out, _, err := kubectl(ctx, "logs", name, "-n", namespace,
		"--tail="+strconv.Itoa(tail), "--timestamps=true")
	return out, err
}

// DeletePod force-deletes one pod.
func (m *Manager) DeletePod(ctx context.Context, namespace, name string) error {
	_, ok, err := kubectl(ctx, "delete", "pod", name, "-n", namespace, "--grace-period=0")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("kubectl delete pod %s failed", name)
	}
	return nil
}

// run executes a command with interactive passthrough, for sudo and
// progress output.
func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed binaries, fixed arguments
	cmd.Stdin = m.In
	cmd.Stdout = m.Out
	cmd.Stderr = m.Out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// kubectl captures stdout. A missing binary is a typed error; a failing
// invocation (cluster down) reports ok=false with no error so listings
// degrade to empty.
func kubectl(ctx context.Context, args ...string) (string, bool, error) {
	if !binaryExists("kubectl") {
		return "", false, &MissingBinaryError{Bin: "kubectl"}
	}
	out, err := exec.CommandContext(ctx, "kubectl", args...).Output()
	if err != nil {
		return "", false, nil
	}
	return string(out), true, nil
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func rolesFromLabels(labels map[string]string) string {
	var roles []string
	for k := range labels {
		if role, ok := strings.CutPrefix(k, "node-role.kubernetes.io/"); ok {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "<none>"
	}
	sort.Strings(roles)
	return strings.Join(roles, ",")
}

func col(cols []string, i int) string {
	if i < len(cols) {
		return cols[i]
	}
	return ""
}
