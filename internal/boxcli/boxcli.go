// Package boxcli shells out to the local container engine (docker or
// podman) for the box subcommands. It is a peer of the supervisor; nothing
// in the supervision path depends on it.
package boxcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoEngine reports that neither docker nor podman is on PATH.
var ErrNoEngine = errors.New("no container engine found (tried docker, podman)")

// Engine wraps one container engine binary.
type Engine struct {
	bin string
}

// Detect locates a container engine on PATH, docker first.
func Detect() (*Engine, error) {
	for _, bin := range []string{"docker", "podman"} {
		if path, err := exec.LookPath(bin); err == nil {
			return &Engine{bin: path}, nil
		}
	}
	return nil, ErrNoEngine
}

// New wraps an explicit engine binary, bypassing detection.
func New(bin string) *Engine {
	return &Engine{bin: bin}
}

// Name returns the engine binary without its directory.
func (e *Engine) Name() string { return filepath.Base(e.bin) }

// Container is one row of ps output. Docker emits JSON lines, podman a JSON
// array with slightly different keys; UnmarshalJSON accepts both.
type Container struct {
	ID      string
	Names   string
	Image   string
	Status  string
	Created string
	Ports   string
	Command string
}

func (c *Container) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.ID = firstString(raw, "ID", "Id")
	c.Names = joined(raw["Names"])
	c.Image = stringField(raw["Image"])
	c.Status = stringField(raw["Status"])
	c.Created = firstString(raw, "CreatedAt", "Created")
	c.Ports = stringField(raw["Ports"])
	c.Command = joined(raw["Command"])
	return nil
}

// Image is one row of images output.
type Image struct {
	Repository string
	Tag        string
	ID         string
	Size       string
	Created    string
}

func (i *Image) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	i.Repository = stringField(raw["Repository"])
	i.Tag = stringField(raw["Tag"])
	i.ID = firstString(raw, "ID", "Id")
	i.Size = stringField(raw["Size"])
	i.Created = firstString(raw, "CreatedAt", "CreatedSince", "Created")
	return nil
}

// Network is one row of network ls output.
type Network struct {
	ID     string
	Name   string
	Driver string
	Scope  string
}

// Volume is one row of volume ls output.
type Volume struct {
	Driver string
	Name   string
}

// PS lists containers, including stopped ones.
func (e *Engine) PS(ctx context.Context) ([]Container, error) {
	out, err := e.run(ctx, "ps", "-a", "--format", "json")
	if err != nil {
		return nil, err
	}
	return decodeRows[Container](out)
}

// Images lists cached images.
func (e *Engine) Images(ctx context.Context) ([]Image, error) {
	out, err := e.run(ctx, "images", "--format", "json")
	if err != nil {
		return nil, err
	}
	return decodeRows[Image](out)
}

// Networks lists networks from the engine's table output.
func (e *Engine) Networks(ctx context.Context) ([]Network, error) {
	out, err := e.run(ctx, "network", "ls")
	if err != nil {
		return nil, err
	}
	var nets []Network
	for _, cols := range parseTable(out) {
		nets = append(nets, Network{
			ID:     col(cols, 0),
			Name:   col(cols, 1),
			Driver: col(cols, 2),
			Scope:  col(cols, 3),
		})
	}
	return nets, nil
}

// Volumes lists volumes from the engine's table output.
func (e *Engine) Volumes(ctx context.Context) ([]Volume, error) {
	out, err := e.run(ctx, "volume", "ls")
	if err != nil {
		return nil, err
	}
	var vols []Volume
	for _, cols := range parseTable(out) {
		vols = append(vols, Volume{
			Driver: col(cols, 0),
			Name:   col(cols, 1),
		})
	}
	return vols, nil
}

// Stop stops the named containers.
func (e *Engine) Stop(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return errors.New("stop requires at least one container")
	}
	_, err := e.run(ctx, append([]string{"stop"}, names...)...)
	return err
}

// Remove removes the named containers.
func (e *Engine) Remove(ctx context.Context, force bool, names ...string) error {
	if len(names) == 0 {
		return errors.New("rm requires at least one container")
	}
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := e.run(ctx, append(args, names...)...)
	return err
}

// Pull fetches an image.
func (e *Engine) Pull(ctx context.Context, ref string) error {
	_, err := e.run(ctx, "pull", ref)
	return err
}

// RemoveImage deletes cached images.
func (e *Engine) RemoveImage(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return errors.New("rmi requires at least one image")
	}
	_, err := e.run(ctx, append([]string{"rmi"}, refs...)...)
	return err
}

// RemoveNetwork deletes networks.
func (e *Engine) RemoveNetwork(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return errors.New("network rm requires at least one network")
	}
	_, err := e.run(ctx, append([]string{"network", "rm"}, names...)...)
	return err
}

// RemoveVolume deletes volumes.
func (e *Engine) RemoveVolume(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return errors.New("volume rm requires at least one volume")
	}
	_, err := e.run(ctx, append([]string{"volume", "rm"}, names...)...)
	return err
}

// Logs returns the last tail lines of one container's output.
func (e *Engine) Logs(ctx context.Context, id string, tail int) (string, error) {
	return e.run(ctx, "logs", "--tail", strconv.Itoa(tail), id)
}

// run executes the engine binary. A nonzero exit with output on stdout is
// treated as success; some engines exit nonzero on partial listings.
func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.bin, args...) // #nosec G204 -- engine binary resolved at detect time
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && strings.TrimSpace(stdout.String()) == "" {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", e.Name(), args[0], msg)
	}
	return stdout.String(), nil
}

// decodeRows parses either a JSON array or one JSON object per line.
// Unparseable lines are skipped.
func decodeRows[T any](out string) ([]T, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []T{}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var rows []T
		if err := json.Unmarshal([]byte(trimmed), &rows); err != nil {
			return nil, fmt.Errorf("parse listing: %w", err)
		}
		return rows, nil
	}
	rows := []T{}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row T
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var columnSplit = regexp.MustCompile(`\s{2,}`)

// parseTable splits fixed-width table output: header row skipped, columns
// separated by runs of two or more spaces.
func parseTable(out string) [][]string {
	lines := strings.Split(out, "\n")
	if len(lines) <= 1 {
		return nil
	}
	var rows [][]string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, columnSplit.Split(line, -1))
	}
	return rows
}

func col(cols []string, i int) string {
	if i < len(cols) {
		return cols[i]
	}
	return ""
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := stringField(raw[k]); s != "" {
			return s
		}
	}
	return ""
}

// stringField decodes a JSON string, or renders a bare number as text.
// Structured values (podman's Ports objects) come back empty.
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// joined decodes a string, or joins a list of strings with commas
// (podman reports Names and Command as lists).
func joined(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ",")
	}
	return ""
}
