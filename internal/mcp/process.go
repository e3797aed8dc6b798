package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"taskflow/internal/async"
	"taskflow/internal/logging"
)

// Transport is a bidirectional, newline-delimited message pipe to a provider.
type Transport interface {
	Start(ctx context.Context) error
	Write(data []byte) error
	Reader() io.Reader
	Stop(timeout time.Duration) error
}

// ProcessConfig configures a provider subprocess.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ProcessManager runs a provider as a subprocess speaking over stdio.
type ProcessManager struct {
	config   ProcessConfig
	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	logger   logging.Logger
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	waitDone chan error
}

var _ Transport = (*ProcessManager)(nil)

// NewProcessManager creates a new process manager.
func NewProcessManager(config ProcessConfig) *ProcessManager {
	return &ProcessManager{
		config: config,
		logger: logging.NewComponentLogger(fmt.Sprintf("mcp-process[%s]", config.Command)),
	}
}

// Start spawns the provider process. The process is not tied to ctx; it
// lives until Stop is called.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resolved, err := resolveExecutable(pm.config.Command)
	if err != nil {
		return err
	}

	pm.logger.Info("Starting provider: %s %v", pm.config.Command, pm.config.Args)
	pm.process = exec.Command(resolved, pm.config.Args...)
	pm.process.Env = mergeEnv(os.Environ(), pm.config.Env)

	if pm.stdin, err = pm.process.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if pm.stdout, err = pm.process.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if pm.stderr, err = pm.process.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := pm.process.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.running = true
	pm.stopChan = make(chan struct{})
	pm.waitDone = make(chan error, 1)
	pm.logger.Info("Provider started with PID: %d", pm.process.Process.Pid)

	stderr, stopChan, process, waitDone := pm.stderr, pm.stopChan, pm.process, pm.waitDone
	async.Go(pm.logger, "mcp.monitorStderr", func() {
		pm.monitorStderr(stderr, stopChan)
	})
	async.Go(pm.logger, "mcp.monitorExit", func() {
		waitDone <- process.Wait()
		pm.mu.Lock()
		pm.running = false
		pm.mu.Unlock()
	})
	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// mergeEnv overlays overrides on the inherited environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// Stop closes stdin and waits for the process to exit, killing it after
// timeout.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if pm.process == nil || pm.stopChan == nil {
		pm.mu.Unlock()
		return nil
	}
	select {
	case <-pm.stopChan:
		pm.mu.Unlock()
		return nil
	default:
	}
	close(pm.stopChan)
	process, stdin, waitDone := pm.process, pm.stdin, pm.waitDone
	pm.mu.Unlock()

	pm.logger.Info("Stopping provider (timeout: %v)", timeout)
	if stdin != nil {
		_ = stdin.Close()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-waitDone:
		pm.logger.Debug("Process exited: %v", err)
		return nil
	case <-timer.C:
		pm.logger.Warn("Graceful shutdown timeout, killing process")
		if process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill process: %w", err)
			}
		}
		return nil
	}
}

// Write sends data to the process stdin.
func (pm *ProcessManager) Write(data []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.stdin == nil {
		return fmt.Errorf("process not running")
	}
	n, err := pm.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d/%d bytes", n, len(data))
	}
	return nil
}

// Reader returns the process stdout.
func (pm *ProcessManager) Reader() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

func (pm *ProcessManager) monitorStderr(stderr io.Reader, stop <-chan struct{}) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-stop:
			return
		default:
			pm.logger.Debug("[STDERR] %s", scanner.Text())
		}
	}
}
