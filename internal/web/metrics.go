// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package web

// This file contains the counters exported for the submission pipeline.
// The sampled gauges live with the prometheus endpoint in the command.

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/prometheus/client_golang/prometheus"
)

var (
	submissionsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_submissions_received_total",
			Help: "The number of submission forms that reached the admission gate.",
		},
		[]string{"task"},
	)
	admissionRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_admission_rejects_total",
			Help: "The number of submissions turned away by the admission gate.",
		},
		[]string{"task", "reason"},
	)
	runnerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_runner_outcomes_total",
			Help: "The number of build and measure runs by classified status.",
		},
		[]string{"task", "status"},
	)
)

func init() {
	if errGo := prometheus.Register(submissionsReceived); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := prometheus.Register(admissionRejects); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := prometheus.Register(runnerOutcomes); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
}

func taskLabel(task string) (labels prometheus.Labels) {
	return prometheus.Labels{"task": task}
}

func rejectLabel(task string, reason string) (labels prometheus.Labels) {
	return prometheus.Labels{"task": task, "reason": reason}
}

func statusLabel(task string, status int) (labels prometheus.Labels) {
	return prometheus.Labels{"task": task, "status": strconv.Itoa(status)}
}
