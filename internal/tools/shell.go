package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// Dangerous command patterns denied regardless of confirmation. The
// sandbox limits filesystem reach but commands still run as the server
// user.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\bprintenv\b|^\s*env\s*$`),
}

// JobManager tracks live shell processes so poll and kill can reach
// them. Persistent job state lives in the shell store; the manager only
// holds the process handles.
type JobManager struct {
	mu     sync.Mutex
	cmds   map[string]*exec.Cmd
	logger *slog.Logger
}

func NewJobManager(logger *slog.Logger) *JobManager {
	return &JobManager{
		cmds:   make(map[string]*exec.Cmd),
		logger: logger,
	}
}

// Start launches command under dir and streams its combined output into
// the shell store until exit.
func (m *JobManager) Start(ctx context.Context, shell store.ShellStore, sessionID, command, dir string) (*store.ShellJob, error) {
	job := &store.ShellJob{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Command:   command,
		Status:    store.ShellRunning,
		CreatedAt: time.Now(),
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	// Own process group so kill reaches grandchildren the shell spawns.
	setProcGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("shell: start: %w", err)
	}
	job.PID = cmd.Process.Pid

	if err := shell.Create(ctx, job); err != nil {
		killProcGroup(cmd)
		return nil, err
	}

	m.mu.Lock()
	m.cmds[job.ID] = cmd
	m.mu.Unlock()

	go m.pump(job.ID, cmd, stdout, shell)

	return job, nil
}

func (m *JobManager) pump(id string, cmd *exec.Cmd, out io.Reader, shell store.ShellStore) {
	ctx := context.Background()
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if aerr := shell.AppendOutput(ctx, id, string(buf[:n])); aerr != nil {
				m.logger.Warn("append shell output", "job", id, "error", aerr)
			}
		}
		if err != nil {
			break
		}
	}

	err := cmd.Wait()
	exitCode := 0
	status := store.ShellExited
	if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
		if exitCode < 0 {
			status = store.ShellKilled
		}
	} else if err != nil {
		exitCode = -1
	}

	if ferr := shell.Finish(ctx, id, status, exitCode); ferr != nil {
		m.logger.Warn("finish shell job", "job", id, "error", ferr)
	}

	m.mu.Lock()
	delete(m.cmds, id)
	m.mu.Unlock()
}

// Kill terminates a running job and its whole process group. Returns
// false when the process already exited.
func (m *JobManager) Kill(id string) bool {
	m.mu.Lock()
	cmd, ok := m.cmds[id]
	m.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	killProcGroup(cmd)
	return true
}

// RunShellCommandTool starts a non-blocking shell command and returns a
// job handle for polling.
type RunShellCommandTool struct {
	jobs *JobManager
}

func NewRunShellCommandTool(jobs *JobManager) *RunShellCommandTool {
	return &RunShellCommandTool{jobs: jobs}
}

func (t *RunShellCommandTool) Name() string               { return "run_shell_command" }
func (t *RunShellCommandTool) RequiresConfirmation() bool { return true }
func (t *RunShellCommandTool) Description() string {
	return "Start a shell command in the session sandbox. Returns a job id; use poll_shell_command to read output."
}

func (t *RunShellCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *RunShellCommandTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command, _ := args["command"].(string)
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return nil, fmt.Errorf("%w: command denied by safety policy", ErrBadRequest)
		}
	}

	fs := SandboxFromCtx(ctx)
	stores := StoresFromCtx(ctx)
	if fs == nil || stores == nil {
		return nil, fmt.Errorf("run_shell_command: missing sandbox or stores in context")
	}
	params := CallParamsFromCtx(ctx)

	job, err := t.jobs.Start(ctx, stores.Shell, params.SessionID, command, fs.Base())
	if err != nil {
		return nil, err
	}
	return NewResult(map[string]interface{}{
		"job_id": job.ID,
		"pid":    job.PID,
		"status": string(job.Status),
	}), nil
}

// PollShellCommandTool drains accumulated output from a shell job.
type PollShellCommandTool struct{}

func (t *PollShellCommandTool) Name() string               { return "poll_shell_command" }
func (t *PollShellCommandTool) RequiresConfirmation() bool { return false }
func (t *PollShellCommandTool) Description() string {
	return "Read output accumulated by a running or finished shell command"
}

func (t *PollShellCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job id returned by run_shell_command",
			},
		},
		"required": []string{"job_id"},
	}
}

func (t *PollShellCommandTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	stores := StoresFromCtx(ctx)
	if stores == nil {
		return nil, fmt.Errorf("poll_shell_command: no stores in context")
	}
	jobID, _ := args["job_id"].(string)

	output, err := stores.Shell.DrainOutput(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("poll_shell_command: %w", err)
	}
	job, err := stores.Shell.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("poll_shell_command: %w", err)
	}

	value := map[string]interface{}{
		"output": output,
		"status": string(job.Status),
	}
	if job.ExitCode != nil {
		value["exit_code"] = *job.ExitCode
	}
	return NewResult(value), nil
}

// KillShellCommandTool terminates a running shell job.
type KillShellCommandTool struct {
	jobs *JobManager
}

func NewKillShellCommandTool(jobs *JobManager) *KillShellCommandTool {
	return &KillShellCommandTool{jobs: jobs}
}

func (t *KillShellCommandTool) Name() string               { return "kill_shell_command" }
func (t *KillShellCommandTool) RequiresConfirmation() bool { return false }
func (t *KillShellCommandTool) Description() string {
	return "Terminate a running shell command"
}

func (t *KillShellCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job id returned by run_shell_command",
			},
		},
		"required": []string{"job_id"},
	}
}

func (t *KillShellCommandTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	jobID, _ := args["job_id"].(string)
	killed := t.jobs.Kill(jobID)

	stores := StoresFromCtx(ctx)
	status := "unknown"
	if stores != nil {
		if job, err := stores.Shell.Get(ctx, jobID); err == nil {
			status = string(job.Status)
		}
	}
	return NewResult(map[string]interface{}{
		"killed": killed,
		"status": status,
	}), nil
}
