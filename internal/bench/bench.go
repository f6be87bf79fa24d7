// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package bench

// This file contains the build and measure runner.  Its contract is
// deliberately narrow, spawn the external compile script against a prepared
// submission directory, wait for it to finish, and classify the exit code.
// Timeouts and resource limits belong to the script, not to this code.

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/karlmutch/circbuf"
	"github.com/karlmutch/vtclean"

	"github.com/leaf-ai/arena-go-server/internal/submission"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// outputTail bounds how much of the script chatter is retained for
// diagnostics, the artifact files the script writes are the real record
const outputTail = 64 * 1024

// Runner invokes the external toolchain for one submission at a time.  The
// pipeline lock held by the caller serializes invocations, the build step is
// too heavy to run more than one concurrently.
//
type Runner struct {
	script string // Absolute location of the compile script
	logger *log.Logger
}

// NewRunner resolves the compile script beneath the server root.  A missing
// script is a startup failure, discovering it on the first submission would
// be far worse.
//
func NewRunner(rootDir string, logger *log.Logger) (runner *Runner, err kv.Error) {
	script, errGo := filepath.Abs(filepath.Join(rootDir, "runtime", "compile.sh"))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("dir", rootDir).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo = os.Stat(script); errGo != nil {
		return nil, kv.Wrap(errGo, "no compile script found").With("script", script).With("stack", stack.Trace().TrimRuntime())
	}
	return &Runner{
		script: script,
		logger: logger,
	}, nil
}

// Run executes the compile script for a prepared submission directory and
// returns the classified status.  The call blocks until the script exits,
// the HTTP response for a submission is its result page so there is nothing
// useful to do concurrently.  The raw exit code, modulo 256, is persisted
// into the submission directory before classification so that the store
// remains the system of record even for undocumented codes.
//
func (runner *Runner) Run(ctx context.Context, submissionDir string, symbol string) (status int, err kv.Error) {

	// #nosec
	cmd := exec.CommandContext(ctx, "/bin/bash", runner.script, submissionDir, symbol)

	tail, _ := circbuf.NewBuffer(outputTail)

	stdout, errGo := cmd.StdoutPipe()
	if errGo != nil {
		return submission.StatusCompileFailed, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	stderr, errGo := cmd.StderrPipe()
	if errGo != nil {
		return submission.StatusCompileFailed, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	drained := sync.WaitGroup{}
	drained.Add(2)
	for _, pipe := range []io.Reader{stdout, stderr} {
		go func(pipe io.Reader) {
			defer drained.Done()
			s := bufio.NewScanner(pipe)
			s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for s.Scan() {
				tail.Write([]byte(vtclean.Clean(s.Text(), true)))
				tail.Write([]byte{'\n'})
			}
		}(pipe)
	}

	runner.logger.Info("running submission", "dir", submissionDir, "script", runner.script, "symbol", symbol)

	if errGo = cmd.Start(); errGo != nil {
		return submission.StatusCompileFailed, kv.Wrap(errGo).With("script", runner.script, "dir", submissionDir).With("stack", stack.Trace().TrimRuntime())
	}

	drained.Wait()

	exitCode := 0
	if errGo = cmd.Wait(); errGo != nil {
		exit := &exec.ExitError{}
		if !errors.As(errGo, &exit) {
			return submission.StatusCompileFailed, kv.Wrap(errGo).With("script", runner.script, "dir", submissionDir).With("stack", stack.Trace().TrimRuntime())
		}
		exitCode = exit.ExitCode()
	}
	exitCode = exitCode & 0xff

	if errGo := os.WriteFile(filepath.Join(submissionDir, submission.ExitCodeFN), []byte(strconv.Itoa(exitCode)), 0600); errGo != nil {
		runner.logger.Warn("exit code could not be recorded", "dir", submissionDir, "error", errGo.Error())
	}

	status = submission.Classify(exitCode)
	runner.logger.Info("submission finished", "dir", submissionDir, "exit_code", exitCode, "status", status, "output", string(tail.Bytes()))

	return status, nil
}
