// Package tools implements a fixed, sandboxed, read-only tool set
// invoked via TOOL_REQUEST markers.
// run_command uses argv-only execution (no shell interpolation).
// search_code, list_files and run_command run under a per-call timeout;
// read_file does not. read_file, search_code and list_files cap their
// output size; run_command returns its full stdout.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaigi-labs/kaigi/internal/model"
)

const (
	// DefaultTimeout is the per-tool-invocation deadline.
	DefaultTimeout = 10 * time.Second

	maxReadBytes     = 1 << 20 // 1 MiB ceiling, enforced before reading
	binarySniffBytes = 8 << 10 // first 8 KiB checked for null bytes
	maxSearchLines   = 100
	maxListFiles     = 200
	// maxConcurrentTools bounds the worker pool used to fan out tool
	// executions within a single round.
	maxConcurrentTools = 8
)

// runCommandWhitelist is the fixed, non-negotiable set of binaries
// run_command may invoke. Nothing else is permitted, ever.
var runCommandWhitelist = map[string]bool{
	"ls": true, "grep": true, "find": true, "cat": true, "head": true, "tail": true,
}

// Executor runs the fixed tool set against a configured working directory.
type Executor struct {
	workDir string
	timeout time.Duration
}

// NewExecutor constructs an Executor rooted at workDir. Absolute paths in
// requests are permitted but logged by the caller (the orchestrator),
// not rejected here.
func NewExecutor(workDir string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{workDir: workDir, timeout: timeout}
}

// ExecuteRound runs every parsed ToolRequest from a round concurrently,
// bounded by a small worker pool, each with its own timeout. A failure in
// one request never aborts the round or any other request — failures
// become a ToolExecutionRecord with success=false.
func (e *Executor) ExecuteRound(ctx context.Context, roundNum int, requestsByParticipant map[string][]model.ToolRequest) []model.ToolExecutionRecord {
	type job struct {
		participantID string
		req           model.ToolRequest
	}
	var jobs []job
	for pid, reqs := range requestsByParticipant {
		for _, r := range reqs {
			jobs = append(jobs, job{pid, r})
		}
	}

	records := make([]model.ToolExecutionRecord, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTools)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			records[i] = e.executeOne(gctx, roundNum, j.participantID, j.req)
			return nil // never propagate: each tool call is isolated
		})
	}
	_ = g.Wait()

	sort.SliceStable(records, func(i, k int) bool {
		if records[i].RequestingParticipantID != records[k].RequestingParticipantID {
			return records[i].RequestingParticipantID < records[k].RequestingParticipantID
		}
		return records[i].ToolName < records[k].ToolName
	})
	return records
}

func (e *Executor) executeOne(ctx context.Context, roundNum int, participantID string, req model.ToolRequest) model.ToolExecutionRecord {
	start := time.Now()
	rec := model.ToolExecutionRecord{
		RequestingParticipantID: participantID,
		ToolName:                req.Name,
		Arguments:               req.Arguments,
		RoundNum:                roundNum,
		Timestamp:               start,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out string
	var err error
	switch req.Name {
	case model.ToolReadFile:
		out, err = e.readFile(req.Arguments)
	case model.ToolSearchCode:
		out, err = e.searchCode(callCtx, req.Arguments)
	case model.ToolListFiles:
		out, err = e.listFiles(callCtx, req.Arguments)
	case model.ToolRunCommand:
		out, err = e.runCommand(callCtx, req.Arguments)
	default:
		err = fmt.Errorf("unknown tool %q", req.Name)
	}

	rec.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
		return rec
	}
	rec.Success = true
	rec.Output = out
	return rec
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// resolvePath joins a request path against workDir unless it's already
// absolute; absolute paths are permitted but are the caller's
// responsibility to log.
func (e *Executor) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workDir, path)
}

func (e *Executor) readFile(args map[string]any) (string, error) {
	path, ok := argString(args, "path")
	if !ok || strings.TrimSpace(path) == "" {
		return "", errors.New("read_file: path is required")
	}
	full := e.resolvePath(path)

	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("read_file: file exceeds %d byte ceiling", maxReadBytes)
	}

	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, info.Size())
	if _, err := f.Read(buf); err != nil && err.Error() != "EOF" {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if looksBinary(buf) {
		return "", errors.New("read_file: binary content detected")
	}
	return string(buf), nil
}

func looksBinary(buf []byte) bool {
	n := len(buf)
	if n > binarySniffBytes {
		n = binarySniffBytes
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}

func (e *Executor) searchCode(ctx context.Context, args map[string]any) (string, error) {
	pattern, ok := argString(args, "pattern")
	if !ok || pattern == "" {
		return "", errors.New("search_code: pattern is required")
	}
	path, ok := argString(args, "path")
	if !ok || path == "" {
		return "", errors.New("search_code: path is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("search_code: invalid pattern: %w", err)
	}
	root := e.resolvePath(path)
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("search_code: %w", err)
	}

	var lines []string
	truncated := false
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil || looksBinary(data) {
			return nil
		}
		for _, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				if len(lines) >= maxSearchLines {
					truncated = true
					return filepath.SkipAll
				}
				lines = append(lines, fmt.Sprintf("%s: %s", p, line))
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, context.DeadlineExceeded) && !errors.Is(walkErr, filepath.SkipAll) {
		return "", fmt.Errorf("search_code: %w", walkErr)
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("search_code: %w", ctx.Err())
	}
	out := strings.Join(lines, "\n")
	if truncated {
		out += "\n... (truncated at 100 matches)"
	}
	return out, nil
}

func (e *Executor) listFiles(ctx context.Context, args map[string]any) (string, error) {
	pattern, _ := argString(args, "pattern")
	path, ok := argString(args, "path")
	if !ok || path == "" {
		path = "."
	}
	root := e.resolvePath(path)
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("list_files: %w", err)
	}

	var paths []string
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() {
			return nil
		}
		if pattern != "" {
			matched, _ := filepath.Match(pattern, d.Name())
			if !matched {
				return nil
			}
		}
		paths = append(paths, p)
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("list_files: %w", walkErr)
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("list_files: %w", ctx.Err())
	}
	sort.Strings(paths)
	if len(paths) > maxListFiles {
		paths = paths[:maxListFiles]
	}
	return strings.Join(paths, "\n"), nil
}

func (e *Executor) runCommand(ctx context.Context, args map[string]any) (string, error) {
	command, ok := argString(args, "command")
	if !ok || command == "" {
		return "", errors.New("run_command: command is required")
	}
	if !runCommandWhitelist[command] {
		return "", fmt.Errorf("run_command: %q is not in the allowed command set", command)
	}

	var strArgs []string
	if raw, ok := args["args"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return "", errors.New("run_command: args must be a list of strings")
		}
		for _, a := range list {
			s, ok := a.(string)
			if !ok {
				return "", errors.New("run_command: args must be a list of strings")
			}
			strArgs = append(strArgs, s)
		}
	}

	cmd := exec.CommandContext(ctx, command, strArgs...)
	cmd.Dir = e.workDir
	cmd.Env = sanitizedEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", fmt.Errorf("run_command: timed out after %s", e.timeout)
	}
	if err != nil {
		return "", fmt.Errorf("run_command: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// sanitizedEnv inherits only PATH: the environment is sanitized to
// inherit PATH only.
func sanitizedEnv() []string {
	return []string{"PATH=" + os.Getenv("PATH")}
}

// BuildContextPreamble renders the shared preamble prepended to every
// participant's prompt in round r+1, listing round r's tool executions:
// requester, tool name, arguments, and truncated result text.
func BuildContextPreamble(records []model.ToolExecutionRecord, perRecordCap int) string {
	if len(records) == 0 {
		return ""
	}
	if perRecordCap <= 0 {
		perRecordCap = 4096
	}
	var b strings.Builder
	b.WriteString("## Tool results from the previous round\n\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- **%s** called `%s`(%v)", r.RequestingParticipantID, r.ToolName, r.Arguments)
		if !r.Success {
			fmt.Fprintf(&b, " → error: %s\n", r.Error)
			continue
		}
		out := r.Output
		if len(out) > perRecordCap {
			out = out[:perRecordCap] + "... (truncated)"
		}
		fmt.Fprintf(&b, "\n  ```\n  %s\n  ```\n", out)
	}
	return b.String()
}
