// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"

	"github.com/iteratorlee/samprof/pkg/buildinfo"
	"github.com/iteratorlee/samprof/pkg/cct"
	"github.com/iteratorlee/samprof/pkg/config"
	"github.com/iteratorlee/samprof/pkg/cupti"
	"github.com/iteratorlee/samprof/pkg/engine"
	"github.com/iteratorlee/samprof/pkg/logger"
	"github.com/iteratorlee/samprof/pkg/profiler"
	"github.com/iteratorlee/samprof/pkg/report"
	"github.com/iteratorlee/samprof/pkg/rlimit"
	"github.com/iteratorlee/samprof/pkg/rpc"
)

const defaultMemlockRlimit = 512 * 1024 * 1024 // ~512MB, enough for a handful of per-tid perf ring buffers.

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	HTTPAddress string `kong:"help='Address to bind the HTTP server to.',default=':7072'"`

	MemlockRlimit uint64 `kong:"help='Maximum bytes of memory that may be locked into RAM, for the CPU perf sampler ring buffers. 0 means no limit.',default='${default_memlock_rlimit}'"`

	// Demo-mode, no_rpc, single-shot profiling window.
	ProfilingDuration time.Duration `kong:"help='In no_rpc mode, how long to let a session run before the report is dumped to disk.',default='10s'"`
}

var (
	version string
	commit  string
	date    string
)

func main() {
	flags := flags{}
	kong.Parse(&flags, kong.Vars{
		"default_memlock_rlimit": fmt.Sprintf("%d", defaultMemlockRlimit),
	})

	logger := logger.NewLogger(flags.LogLevel, logger.LogFormatLogfmt, "samprofd")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("samprofd", "roman", "yellow", true)
	intro.Print()

	lim, err := rlimit.BumpMemlock(flags.MemlockRlimit, flags.MemlockRlimit)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to raise memlock rlimit", "err", err)
	} else {
		level.Debug(logger).Log("msg", "memlock rlimit", "cur", rlimit.HumanizeRLimit(lim.Cur), "max", rlimit.HumanizeRLimit(lim.Max))
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if bi, err := buildinfo.FetchBuildInfo(); err != nil {
		level.Warn(logger).Log("msg", "failed to fetch build info", "err", err)
	} else {
		if commit == "" {
			commit = bi.VcsRevision
		}
		if date == "" {
			date = bi.VcsTime
		}
		level.Info(logger).Log("msg", "samprofd initialized", "version", version, "commit", commit, "date", date)
	}

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	cfg := config.FromEnv()

	driver := cupti.NewSimulator(4)
	currentTid := func() cct.ThreadID { return cct.ThreadID(unix.Gettid()) }

	h := engine.Get(logger, reg, cfg, driver, nil, currentTid)
	defer h.Close() //nolint:errcheck

	var g okrun.Group

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NoRPC {
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting: single-shot dump-to-file session", "duration", flags.ProfilingDuration, "file", cfg.DumpFile)
			select {
			case <-time.After(flags.ProfilingDuration):
			case <-ctx.Done():
				return ctx.Err()
			}

			r := h.Report(ctx)
			b, err := report.Encode(r)
			if err != nil {
				return fmt.Errorf("encoding report: %w", err)
			}

			store := profiler.NewFileStore(logger, filepath.Dir(cfg.DumpFile))
			if err := store.Store(filepath.Base(cfg.DumpFile), b); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			level.Info(logger).Log("msg", "report written", "file", cfg.DumpFile)
			return nil
		}, func(error) {
			cancel()
		})
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		rpcServer := rpc.NewServer(logger, func(ctx context.Context, d time.Duration) (report.Report, error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return report.Report{}, ctx.Err()
			}
			return h.Report(ctx), nil
		})
		mux.Handle("/v1/profile", rpcServer.Handler())

		srv := &http.Server{
			Addr:         flags.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Info(logger).Log("msg", "starting: http server", "address", flags.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}, func(error) {
			srv.Close() //nolint:errcheck
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	return g.Run()
}
