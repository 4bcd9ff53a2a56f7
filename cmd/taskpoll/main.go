package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olgkv/taskpoll/internal/client"
	"github.com/olgkv/taskpoll/internal/domain"
	"github.com/olgkv/taskpoll/internal/logging"
	"github.com/olgkv/taskpoll/internal/poller"
)

var errTaskFailed = errors.New("task did not succeed")

type rootOptions struct {
	backend    string
	statusPath string
	token      string
	resource   string
	task       string
	timeout    time.Duration
	jsonOut    bool
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "taskpoll",
		Short:         "Follow long-running backend tasks until they finish",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.backend, "backend", envOr("TASKPOLL_BACKEND", "http://localhost:8000"), "backend base url")
	root.PersistentFlags().StringVar(&opts.statusPath, "status-path", client.DefaultStatusPath, "status endpoint template")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TASKPOLL_TOKEN"), "bearer token sent to the backend")
	root.PersistentFlags().StringVar(&opts.resource, "resource", "", "resource id, e.g. a closure id")
	root.PersistentFlags().StringVar(&opts.task, "task", "", "task id")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", poller.DefaultRequestTimeout, "timeout of a single status request")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print newline-delimited JSON instead of text")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	_ = root.MarkPersistentFlagRequired("resource")
	_ = root.MarkPersistentFlagRequired("task")

	root.AddCommand(newWatchCmd(opts), newStatusCmd(opts))
	return root
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		interval   time.Duration
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a task until it succeeds or fails",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(opts.logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			fetcher, handle, err := opts.client(logger)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout(), opts.jsonOut)
			sched := poller.New(fetcher, handle, poller.Options{
				Interval:       interval,
				MaxRetries:     poller.RetryLimit(maxRetries),
				RequestTimeout: opts.timeout,
				Logger:         logger,
			}, p.callbacks())
			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			<-sched.Done()

			if !sched.IsSuccessful() {
				if !sched.IsFinished() {
					p.print(domain.EventStopped, sched.Snapshot(), 0, nil)
				}
				return errTaskFailed
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", poller.DefaultInterval, "delay between status requests")
	cmd.Flags().IntVar(&maxRetries, "max-retries", poller.DefaultMaxRetries, "consecutive failed requests tolerated, 0 disables retries")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the current status of a task once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(opts.logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			fetcher, handle, err := opts.client(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			snap, err := fetcher.FetchStatus(ctx, handle)
			if err != nil {
				return fmt.Errorf("fetch status of %s: %w", handle, err)
			}
			typ := domain.EventProgress
			switch {
			case snap.IsFinished && snap.IsSuccessful:
				typ = domain.EventSuccess
			case snap.IsFinished:
				typ = domain.EventError
			}
			newPrinter(cmd.OutOrStdout(), opts.jsonOut).print(typ, snap, 0, nil)
			return nil
		},
	}
}

func (o *rootOptions) client(logger *zap.Logger) (*client.StatusClient, domain.TaskHandle, error) {
	handle := domain.TaskHandle{ResourceID: o.resource, TaskID: o.task}
	if !handle.Valid() {
		return nil, handle, errors.New("both --resource and --task are required")
	}
	c, err := client.New(o.backend,
		client.WithStatusPath(o.statusPath),
		client.WithSession(domain.Session{Token: o.token}),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, handle, err
	}
	return c, handle, nil
}

// printer renders scheduler callbacks as colored lines or NDJSON events.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	jsonOut bool
	enc     *json.Encoder
}

func newPrinter(out io.Writer, jsonOut bool) *printer {
	return &printer{out: out, jsonOut: jsonOut, enc: json.NewEncoder(out)}
}

func (p *printer) callbacks() poller.Callbacks {
	return poller.Callbacks{
		OnProgress: func(snap domain.Snapshot) {
			if !snap.IsFinished {
				p.print(domain.EventProgress, snap, 0, nil)
			}
		},
		OnRetry: func(attempt int, err error) {
			p.print(domain.EventRetry, domain.Snapshot{}, attempt, err)
		},
		OnSuccess: func(snap domain.Snapshot) {
			p.print(domain.EventSuccess, snap, 0, nil)
		},
		OnError: func(err error) {
			var failure *poller.Failure
			snap := domain.Snapshot{Message: err.Error()}
			if errors.As(err, &failure) {
				snap = failure.Snapshot
			}
			p.print(domain.EventError, snap, 0, err)
		},
	}
}

func (p *printer) print(typ domain.EventType, snap domain.Snapshot, attempt int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOut {
		ev := domain.Event{Type: typ, Snapshot: snap, Attempt: attempt, At: time.Now()}
		if err != nil {
			ev.Error = err.Error()
		}
		_ = p.enc.Encode(ev)
		return
	}

	switch typ {
	case domain.EventProgress:
		fmt.Fprintf(p.out, "[%3.0f%%] %s\n", snap.Progress, snap.Message)
	case domain.EventRetry:
		color.New(color.FgYellow).Fprintf(p.out, "retry %d: %v\n", attempt, err)
	case domain.EventSuccess:
		color.New(color.FgGreen, color.Bold).Fprintf(p.out, "SUCCESS %s\n", snap.Message)
	case domain.EventError:
		color.New(color.FgRed, color.Bold).Fprintf(p.out, "FAILURE %s\n", snap.Message)
	case domain.EventStopped:
		color.New(color.FgHiBlack).Fprintf(p.out, "stopped at %.0f%%: %s\n", snap.Progress, snap.Message)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
