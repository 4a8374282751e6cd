package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"time"
)

// Result mirrors the execution payload returned to clients. ExecutionTime is
// in milliseconds.
type Result struct {
	Success       bool    `json:"success"`
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"executionTime"`
}

// Runner executes a snippet in the given language. Execution is a collaborator
// of the sync core, not part of it; implementations live behind this interface
// so the boundary can swap in a real sandbox.
type Runner interface {
	Run(ctx context.Context, language, code string) Result
}

// LocalRunner shells out to local toolchains with a hard timeout. It is a
// development convenience, not a sandbox.
type LocalRunner struct {
	Timeout time.Duration
}

func NewLocalRunner(timeout time.Duration) *LocalRunner {
	return &LocalRunner{Timeout: timeout}
}

func (r *LocalRunner) Run(ctx context.Context, language, code string) Result {
	start := time.Now()

	var res Result
	switch language {
	case "python":
		res = r.runFile(ctx, code, "*.py", "python3")
	case "javascript":
		res = r.runFile(ctx, code, "*.js", "node")
	case "typescript":
		res = r.runFile(ctx, code, "*.ts", "npx", "ts-node")
	default:
		res = Result{Error: fmt.Sprintf("Unsupported language: %s", language)}
	}

	res.ExecutionTime = float64(time.Since(start).Milliseconds())
	return res
}

func (r *LocalRunner) runFile(ctx context.Context, code, pattern string, argv ...string) Result {
	f, err := os.CreateTemp("", "codeconnect-"+pattern)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return Result{Error: err.Error()}
	}
	f.Close()

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := osexec.CommandContext(ctx, argv[0], append(argv[1:], f.Name())...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Error: "Execution timed out"}
	}
	if errors.Is(err, osexec.ErrNotFound) {
		return Result{Error: fmt.Sprintf("%s is not installed", argv[0])}
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return Result{Output: stdout.String(), Error: msg}
	}
	return Result{Success: true, Output: stdout.String()}
}
