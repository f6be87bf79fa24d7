// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file contains the implementation of the prometheus endpoint for the
// server together with the sampled gauges that could be useful to observers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/leaf-ai/arena-go-server/internal/submission"
	"github.com/leaf-ai/arena-go-server/internal/web"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/lthibault/jitterbug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	boardEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arena_leaderboard_entries",
			Help: "The number of entries held in the in memory leaderboard projection.",
		},
		[]string{"host"},
	)
	submissionDirs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arena_submission_directories",
			Help: "The number of submission directories present in the store.",
		},
		[]string{"host"},
	)
	serverReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arena_server_ready",
			Help: "Set to one once the HTTP surface is accepting requests.",
		},
		[]string{"host"},
	)

	promHost, _ = os.Hostname()
)

func init() {
	if errGo := prometheus.Register(boardEntries); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := prometheus.Register(submissionDirs); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := prometheus.Register(serverReady); errGo != nil {
		fmt.Fprintln(os.Stderr, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
}

// runPrometheus starts the metrics endpoint and a sampling loop that
// refreshes the gauges on a jittered interval.  An empty prom-address
// disables the endpoint entirely.
//
func runPrometheus(ctx context.Context, server *web.Server, store *submission.Store, errorC chan<- kv.Error) {
	if len(*promAddrOpt) == 0 {
		return
	}

	host, port, errGo := net.SplitHostPort(*promAddrOpt)
	if errGo != nil {
		errorC <- kv.Wrap(errGo).With("address", *promAddrOpt).With("stack", stack.Trace().TrimRuntime())
		return
	}
	if _, errGo = strconv.Atoi(port); errGo != nil {
		errorC <- kv.Wrap(errGo, "badly formatted port number for the prometheus server").With("port", port).With("stack", stack.Trace().TrimRuntime())
		return
	}

	// The Handler function provides a default handler to expose metrics
	// via an HTTP server. "/metrics" is the usual endpoint for that.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	h := http.Server{
		Addr:    net.JoinHostPort(host, port),
		Handler: mux,
	}

	go func() {
		logger.Info(fmt.Sprintf("prometheus listening on %s", h.Addr))

		logger.Warn(fmt.Sprint(h.ListenAndServe(), stack.Trace().TrimRuntime()))
	}()

	go func() {
		<-ctx.Done()
		if errGo := h.Shutdown(context.Background()); errGo != nil {
			logger.Warn(fmt.Sprint("stopping due to signal", errGo), "stack", stack.Trace().TrimRuntime())
		}
	}()

	go sampleGauges(ctx, server, store)
}

// sampleGauges refreshes the exported gauges until the server stops.  The
// ticker is jittered so that a fleet of servers does not sample in lock
// step against shared storage.
//
func sampleGauges(ctx context.Context, server *web.Server, store *submission.Store) {
	t := jitterbug.New(*promRefreshOpt, &jitterbug.Norm{Stdev: *promRefreshOpt / 10})
	defer t.Stop()

	for {
		select {
		case <-t.C:
			boardEntries.With(prometheus.Labels{"host": promHost}).Set(float64(server.BoardSize()))

			if ids, err := store.List(); err == nil {
				submissionDirs.With(prometheus.Labels{"host": promHost}).Set(float64(len(ids)))
			}

			ready := float64(0)
			if server.Ready() {
				ready = 1
			}
			serverReady.With(prometheus.Labels{"host": promHost}).Set(ready)
		case <-ctx.Done():
			return
		}
	}
}
