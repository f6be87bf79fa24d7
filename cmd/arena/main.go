// Copyright 2020-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/leaf-ai/arena-go-server/internal/bench"
	"github.com/leaf-ai/arena-go-server/internal/board"
	"github.com/leaf-ai/arena-go-server/internal/submission"
	"github.com/leaf-ai/arena-go-server/internal/task"
	"github.com/leaf-ai/arena-go-server/internal/web"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize/english"

	"github.com/karlmutch/envflag"

	"github.com/jjeffery/kv" // MIT License
)

var (
	// TestMode will be set to true if the test flag is set during a build when the exe
	// runs
	TestMode = false

	// Spew contains the process wide configuration preferences for the structure dumping
	// package
	Spew *spew.ConfigState

	buildTime string
	gitHash   string

	logger = log.NewLogger("arena")

	// taskName is the positional argument popped from the command line
	// before the flag parser sees it
	taskName = ""

	hostOpt = flag.String("host", "0.0.0.0", "the bind address for the server")
	portOpt = flag.Int("port", 5000, "the bind port for the server")

	publicOpt      = flag.Bool("public", false, "run the server publicly, every row is linked and any viewer may open any submission")
	regenerateOpt  = flag.Bool("regenerate-leaderboard", false, "regenerate the leaderboard from the submission folder instead of the stored projection")
	rootDirOpt     = flag.String("root-dir", ".", "the directory holding the tasks, submissions, leaderboard, and runtime trees")
	cpuProfileOpt  = flag.String("cpu-profile", "", "write a cpu profile to file")
	promAddrOpt    = flag.String("prom-address", ":9090", "the address for the prometheus http server provisioned within the running server, empty disables it")
	promRefreshOpt = flag.Duration("prom-refresh", time.Duration(15*time.Second), "the refresh timer for the sampled prometheus metrics")
)

func init() {
	Spew = spew.NewDefaultConfig()

	Spew.Indent = "    "
	Spew.SortKeys = true

	// The short option aliases of the original command line are retained,
	// both spellings address the same value
	flag.BoolVar(publicOpt, "P", false, "alias for --public")
	flag.BoolVar(regenerateOpt, "R", false, "alias for --regenerate-leaderboard")
}

// initCPUProfiler is used to start a profiler for the CPU
func initCPUProfiler(ctx context.Context) {
	if len(*cpuProfileOpt) == 0 {
		return
	}
	output, errGo := filepath.Abs(*cpuProfileOpt)
	if errGo != nil {
		logger.Fatal(errGo.Error())
	}
	f, errGo := os.Create(output)
	if errGo != nil {
		logger.Fatal(errGo.Error())
	}
	logger.Info("profiling enabled", "output", output)
	pprof.StartCPUProfile(f)

	go func() {
		<-ctx.Done()
		pprof.StopCPUProfile()
		logger.Info("profiling stopped")
	}()
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "<task> [arguments]      classroom performance competition server      ", gitHash, "    ", buildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options can be read for environment variables by changing dashes '-' to underscores")
	fmt.Fprintln(os.Stderr, "and using upper case letters.  The task name is always positional.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

// popTask removes the positional task name from the argument list so that
// the flag package only sees options.  The first argument that is neither
// an option nor the value of a value bearing option is the task.
//
func popTask(args []string) (task string, rest []string) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = append(rest, args[i:]...)
			break
		}
		if len(arg) != 0 && arg[0] == '-' {
			rest = append(rest, arg)
			// A value bearing option written without '=' consumes the
			// following argument, that argument is not the task
			if !strings.Contains(arg, "=") && flagTakesValue(strings.TrimLeft(arg, "-")) && i+1 < len(args) {
				i++
				rest = append(rest, args[i])
			}
			continue
		}
		if len(task) == 0 && len(arg) != 0 {
			task = arg
			continue
		}
		rest = append(rest, arg)
	}
	return task, rest
}

// flagTakesValue reports whether a registered option consumes the argument
// that follows it.  Boolean options never do, unknown names are left for the
// flag parser to reject.
func flagTakesValue(name string) (takesValue bool) {
	registered := flag.Lookup(name)
	if registered == nil {
		return false
	}
	type boolFlag interface {
		IsBoolFlag() bool
	}
	if b, ok := registered.Value.(boolFlag); ok && b.IsBoolFlag() {
		return false
	}
	return true
}

// Go runtime entry point for production builds.  This function acts as an alias
// for the main.Main function.  This allows testing and code coverage features of
// go to invoke the logic within the server main without skipping important
// runtime initialization steps.
//
func main() {
	Main()
}

// Main is a production style main that will invoke the server as a go routine to allow
// a very simple supervisor and a test wrapper to coexist in terms of our logic.
//
func Main() {

	fmt.Printf("%s built at %s, against commit id %s\n", os.Args[0], buildTime, gitHash)

	flag.Usage = usage

	taskName, os.Args = popTask(os.Args[1:])
	os.Args = append([]string{path.Base(os.Args[0])}, os.Args...)

	// Use the go options parser to load command line options that have been set, and look
	// for these options inside the env variable table
	//
	envflag.Parse()

	if len(taskName) == 0 {
		usage()
		os.Exit(1)
	}

	doneC := make(chan struct{})
	quitCtx, cancel := context.WithCancel(context.Background())

	// Start the profiler as early as possible and only in production will there
	// be a command line option to do it
	go initCPUProfiler(quitCtx)

	if errs := EntryPoint(quitCtx, cancel, doneC); len(errs) != 0 {
		for _, err := range errs {
			logger.Error(err.Error())
		}
		os.Exit(1)
	}

	// After starting the application message handling loops
	// wait until the system has shutdown
	//
	<-quitCtx.Done()

	// Allow the servers to drain for a short period of time before exiting
	time.Sleep(time.Second)
}

// watchReportingChannels will monitor channels for events etc that will be reported
// to the output of the server.  Typically these events will originate inside
// libraries within the server implementation that dont use logging packages etc
func watchReportingChannels(quitCtx context.Context, cancel context.CancelFunc) (stopC chan os.Signal, errorC chan kv.Error, statusC chan []string) {
	stopC = make(chan os.Signal, 1)
	errorC = make(chan kv.Error)
	statusC = make(chan []string)
	go func() {
		for {
			select {
			case msgs := <-statusC:
				switch len(msgs) {
				case 0:
				case 1:
					logger.Info(msgs[0])
				default:
					logger.Info(msgs[0], msgs[1:])
				}
			case err := <-errorC:
				if err != nil {
					logger.Warn(fmt.Sprint(err))
				}
			case <-quitCtx.Done():
				return
			case <-stopC:
				logger.Warn("CTRL-C Seen")
				cancel()
				return
			}
		}
	}()
	return stopC, errorC, statusC
}

func validateServerOpts() (errs []kv.Error) {
	errs = []kv.Error{}

	if len(taskName) == 0 {
		errs = append(errs, kv.NewError("a task name must be supplied as the positional argument"))
	}
	if len(*rootDirOpt) == 0 {
		errs = append(errs, kv.NewError("the root-dir option must name the directory holding the tasks tree"))
	}
	if *portOpt <= 0 || *portOpt > 65535 {
		errs = append(errs, kv.NewError("the port option is out of range").With("port", *portOpt))
	}

	return errs
}

// EntryPoint enables both test and standard production infrastructure to
// invoke this server.
//
// quitCtx can be used by the invoking functions to stop the processing
// inside the server and exit from the EntryPoint function
//
// doneC is used by the EntryPoint function to indicate when it has terminated
// its processing
//
func EntryPoint(quitCtx context.Context, cancel context.CancelFunc, doneC chan struct{}) (errs []kv.Error) {

	defer close(doneC)

	// Start a go function that will monitor all of the error and status reporting channels
	// for events and report these events to the output of the process etc
	stopC, errorC, statusC := watchReportingChannels(quitCtx, cancel)

	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)

	logger.Info("version", "git_hash", gitHash)

	// Before continuing convert the server root to an absolute path so that
	// the compile script always receives absolute submission directories
	rootDir, errGo := filepath.Abs(*rootDirOpt)
	if errGo == nil {
		*rootDirOpt = rootDir
	}

	errs = validateServerOpts()

	// Now check for any fatal kv.before allowing the system to continue.  This allows
	// all kv.that could have occurred as a result of incorrect options to be flushed
	// out rather than having a frustrating single failure at a time loop for users
	// to fix things
	//
	if len(errs) != 0 {
		return errs
	}

	spec, err := task.LoadSpec(*rootDirOpt, taskName, logger)
	if err != nil {
		return append(errs, err)
	}
	logger.Info("task loaded", "task", spec.Name, "symbol", spec.Symbol)

	store, err := submission.NewStore(*rootDirOpt, spec.Name, logger)
	if err != nil {
		return append(errs, err)
	}

	runner, err := bench.NewRunner(*rootDirOpt, logger)
	if err != nil {
		return append(errs, err)
	}

	boardDir := filepath.Join(*rootDirOpt, "leaderboard", spec.Name)
	if errGo := os.MkdirAll(boardDir, 0700); errGo != nil {
		return append(errs, kv.Wrap(errGo).With("dir", boardDir))
	}

	brd, ids, err := seedBoard(store, boardDir)
	if err != nil {
		return append(errs, err)
	}
	logger.Info("leaderboard loaded", "entries", english.Plural(brd.Len(), "entry", "entries"))

	server := web.NewServer(*rootDirOpt, spec, store, runner, brd, ids, *publicOpt, logger)

	// Non blocking function that initializes the prometheus endpoint and its
	// sampled gauges
	runPrometheus(quitCtx, server, store, errorC)

	server.ListenAndServe(quitCtx, *hostOpt, *portOpt, errorC)

	select {
	case statusC <- []string{"server serving", "task", spec.Name}:
	default:
	}

	return nil
}

// seedBoard loads the in memory projection, from the persisted records in
// the normal case or by a scan of the submission store when the operator
// forces a rebuild.  The id counter is seeded from whichever source was
// used so that fresh ids always move past ids seen in earlier runs.
//
func seedBoard(store *submission.Store, boardDir string) (brd *board.Board, ids *submission.IDSource, err kv.Error) {
	brd = &board.Board{}
	ids = &submission.IDSource{}

	entries := []board.Entry{}
	seen := 0
	if *regenerateOpt {
		logger.Info("regenerating leaderboard from the submission store")
		if entries, seen, err = board.Rebuild(store, logger); err != nil {
			return nil, nil, err
		}
	} else {
		if entries, seen, err = board.LoadRecords(boardDir, logger); err != nil {
			return nil, nil, err
		}
	}

	brd.Replace(entries)
	ids.Seed(seen)
	return brd, ids, nil
}
