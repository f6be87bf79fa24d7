// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package io

// This file contains routines for performing file io against submission
// artifacts

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karlmutch/circbuf"
	"github.com/karlmutch/vtclean"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ReadTrimmed returns the contents of a file with leading and trailing
// newlines removed.  Artifact files are produced by several cooperating
// tools and may be missing at any point in a submissions lifecycle, so a
// file that cannot be read is reported as empty rather than as an error.
//
func ReadTrimmed(fn string) (content string) {
	data, errGo := os.ReadFile(filepath.Clean(fn))
	if errGo != nil {
		return ""
	}
	return strings.Trim(string(data), "\n")
}

// ReadLast will extract the last portion of data from a file up to a maximum
// specified by the caller.  Lines are cleaned of terminal escapes on the way
// through so that compiler and benchmark output can be safely logged.
//
func ReadLast(fn string, max uint32) (data string, err kv.Error) {
	file, errOs := os.Open(filepath.Clean(fn))
	if errOs != nil {
		return "", kv.Wrap(errOs, fn).With("stack", stack.Trace().TrimRuntime())
	}
	defer file.Close()

	fi, errOs := file.Stat()
	if errOs != nil {
		return "", kv.Wrap(errOs, fn).With("stack", stack.Trace().TrimRuntime())
	}

	// Suck up a lot of data to allow us to process lines with backspaces etc and still be left with
	// something useful
	//
	buf := make([]byte, 1024*1024)
	readStart := fi.Size() - int64(len(buf))

	if readStart <= 0 {
		readStart = 0
	}

	n, errOs := file.ReadAt(buf, readStart)
	if errOs != nil && errOs != io.EOF {
		return "", kv.Wrap(errOs, fn).With("stack", stack.Trace().TrimRuntime())
	}

	ring, _ := circbuf.NewBuffer(int64(max))
	s := bufio.NewScanner(bytes.NewReader(buf[:n]))
	for s.Scan() {
		ring.Write([]byte(vtclean.Clean(s.Text(), true)))
		ring.Write([]byte{'\n'})
	}
	return string(ring.Bytes()), nil
}
