// Command taskctl starts a background task on the task API, follows its
// progress and prints the finalized result.
//
//	taskctl -kind report -param title=Weekly -param rows=50
//	taskctl -catch 3f1c...-task-id
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuongbtq/taskpoll/internal/api/handler"
	"github.com/cuongbtq/taskpoll/internal/asyncjob"
	"github.com/cuongbtq/taskpoll/internal/bootstrap"
	"github.com/cuongbtq/taskpoll/internal/config"
	"github.com/joho/godotenv"
)

// paramFlag collects repeated -param key=value flags
type paramFlag url.Values

func (p paramFlag) String() string {
	return url.Values(p).Encode()
}

func (p paramFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	url.Values(p).Add(key, value)
	return nil
}

type options struct {
	configPath  string
	baseURL     string
	kind        string
	catch       string
	poll        time.Duration
	timeout     time.Duration
	abortPolicy string
	params      paramFlag
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	_ = godotenv.Load()

	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	client, err := asyncjob.NewClient(&asyncjob.Config{
		BaseURL:        cfg.Client.BaseURL,
		PollInterval:   cfg.Client.PollInterval,
		RequestTimeout: cfg.Client.RequestTimeout,
		AbortPolicy:    asyncjob.ParseAbortPolicy(cfg.Client.AbortPolicy),
		CSRFCookie:     cfg.Client.CSRFCookie,
		CSRFHeader:     cfg.Client.CSRFHeader,
		CSRFToken:      cfg.Client.CSRFToken,
		Logger:         appLogger.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	if cfg.Client.CSRFPath != "" && cfg.Client.CSRFToken == "" {
		if err := client.Prime(ctx, cfg.Client.CSRFPath); err != nil {
			return err
		}
	}

	submitOpts := []asyncjob.SubmitOption{
		asyncjob.OnProgress(func(p asyncjob.Progress) {
			if percent, ok := p.Percent(); ok {
				fmt.Fprintf(stderr, "progress: %d%%\n", percent)
				return
			}
			fmt.Fprintf(stderr, "progress: %g/%g\n", p.Current, p.Total)
		}),
	}

	var op *asyncjob.Operation
	if opts.catch != "" {
		op = client.Catch(ctx, asyncjob.Handle{
			TaskID:      opts.catch,
			StatusURL:   handler.StatusPath,
			FinalizeURL: handler.FinalizePath,
		}, submitOpts...)
	} else {
		op = client.Submit(ctx, startPath(opts.kind), url.Values(opts.params), submitOpts...)
	}

	payload, err := op.Wait(context.Background())
	if err != nil {
		var te *asyncjob.TaskError
		if errors.As(err, &te) {
			for field, msgs := range te.FormErrors {
				fmt.Fprintf(stderr, "%s: %s\n", field, strings.Join(msgs, " "))
			}
		}
		appLogger.Debug("Operation ended", slog.String("phase", op.Phase().String()))
		return err
	}

	fmt.Fprintln(stdout, payload.String())
	return nil
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	defaultConfigPath := os.Getenv("TASKCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/taskctl/config.yaml"
	}

	opts := &options{params: paramFlag{}}
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	fs.StringVar(&opts.baseURL, "base-url", "", "Task API base URL (overrides client.base_url)")
	fs.StringVar(&opts.kind, "kind", "", "Task kind to start")
	fs.StringVar(&opts.catch, "catch", "", "Follow an existing task id instead of starting one")
	fs.DurationVar(&opts.poll, "poll", 0, "Poll interval (overrides client.poll_interval)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Give up after this long")
	fs.StringVar(&opts.abortPolicy, "abort-policy", "", "silent or report (overrides client.abort_policy)")
	fs.Var(opts.params, "param", "Task parameter as key=value; repeatable")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if (opts.kind == "") == (opts.catch == "") {
		return nil, errors.New("exactly one of -kind or -catch is required")
	}
	return opts, nil
}

// loadConfig reads the config file when present and applies flag overrides
func loadConfig(opts *options) (*config.Config, error) {
	cfg := &config.Config{}
	if _, err := os.Stat(opts.configPath); err == nil {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.baseURL != "" {
		cfg.Client.BaseURL = opts.baseURL
	}
	if opts.poll > 0 {
		cfg.Client.PollInterval = opts.poll
	}
	if opts.abortPolicy != "" {
		cfg.Client.AbortPolicy = opts.abortPolicy
	}

	if err := cfg.ValidateClientConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func startPath(kind string) string {
	return "/api/v1/tasks/" + url.PathEscape(kind) + "/start"
}
