package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/taskpoll/internal/api/handler"
	"github.com/cuongbtq/taskpoll/internal/asyncjob"
	"github.com/cuongbtq/taskpoll/internal/config"
	"github.com/cuongbtq/taskpoll/internal/domain"
	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/cuongbtq/taskpoll/internal/tasks"
	"github.com/cuongbtq/taskpoll/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenDef always fails
type brokenDef struct{}

func (brokenDef) Kind() string                       { return "broken" }
func (brokenDef) Parse(url.Values) ([]byte, error)   { return []byte(`{}`), nil }
func (brokenDef) Finalize(*domain.Task) (any, error) { return nil, nil }
func (brokenDef) Run(context.Context, []byte, tasks.ProgressFunc) ([]byte, error) {
	return nil, errors.New("always broken")
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	registry := tasks.NewRegistry(tasks.NewReport(), tasks.NewGraph(), brokenDef{})

	exec := worker.NewInline(worker.NewProcessor(&worker.Config{
		Logger:   logger,
		Store:    store,
		Registry: registry,
		WorkerID: "inline",
	}), logger, time.Millisecond)

	srv := httptest.NewServer(SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Store:       store,
		Publisher:   exec,
		Registry:    registry,
		TaskTimeout: time.Minute,
	}, config.ServerConfig{CSRF: true}))

	t.Cleanup(func() {
		srv.Close()
		exec.Close()
	})
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, policy asyncjob.AbortPolicy) *asyncjob.Client {
	t.Helper()
	client, err := asyncjob.NewClient(&asyncjob.Config{
		BaseURL:      srv.URL,
		PollInterval: 10 * time.Millisecond,
		AbortPolicy:  policy,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, client.Prime(context.Background(), "/api/v1/csrf"))
	return client
}

func TestEndToEnd_ReportCompletes(t *testing.T) {
	srv := startServer(t)
	client := newClient(t, srv, asyncjob.AbortSilent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []asyncjob.Progress
	op := client.Submit(ctx, "/api/v1/tasks/report/start",
		url.Values{"title": {"End to end"}, "rows": {"4"}, "delay_ms": {"20"}},
		asyncjob.OnProgress(func(p asyncjob.Progress) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		}),
	)

	payload, err := op.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, asyncjob.PhaseCompleted, op.Phase())

	var info tasks.ReportInfo
	require.NoError(t, payload.Decode(&info))
	assert.Equal(t, "End to end", info.Title)
	assert.Equal(t, op.Handle().TaskID, info.ID)

	mu.Lock()
	defer mu.Unlock()
	for _, p := range seen {
		assert.Equal(t, float64(4), p.Total)
	}
}

func TestEndToEnd_FormErrors(t *testing.T) {
	srv := startServer(t)
	client := newClient(t, srv, asyncjob.AbortSilent)

	op := client.Submit(context.Background(), "/api/v1/tasks/report/start", url.Values{"rows": {"5000"}})
	_, err := op.Wait(context.Background())
	require.ErrorIs(t, err, asyncjob.ErrStartFailed)

	var te *asyncjob.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 400, te.StatusCode)
	assert.Contains(t, te.FormErrors, "title")
	assert.Contains(t, te.FormErrors, "rows")
}

func TestEndToEnd_JobFailure(t *testing.T) {
	srv := startServer(t)
	client := newClient(t, srv, asyncjob.AbortSilent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	op := client.Submit(ctx, "/api/v1/tasks/broken/start", url.Values{})
	_, err := op.Wait(ctx)
	require.ErrorIs(t, err, asyncjob.ErrJobFailed)
	assert.Equal(t, asyncjob.PhaseFailed, op.Phase())
}

func TestEndToEnd_CatchExistingTask(t *testing.T) {
	srv := startServer(t)
	client := newClient(t, srv, asyncjob.AbortSilent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := client.Submit(ctx, "/api/v1/tasks/graph/start", url.Values{"points": {"3"}, "delay_ms": {"0"}})
	_, err := first.Wait(ctx)
	require.NoError(t, err)

	caught := client.Catch(ctx, asyncjob.Handle{
		TaskID:      first.Handle().TaskID,
		StatusURL:   handler.StatusPath,
		FinalizeURL: handler.FinalizePath,
	})
	payload, err := caught.Wait(ctx)
	require.NoError(t, err)

	var chart tasks.Chart
	require.NoError(t, payload.Decode(&chart))
	assert.Len(t, chart.Data, 3)
	assert.Equal(t, "sin(x)", chart.Title)
}

func TestEndToEnd_WithoutCSRFPrime(t *testing.T) {
	srv := startServer(t)
	client, err := asyncjob.NewClient(&asyncjob.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "/api/v1/tasks/graph/start", url.Values{}).Wait(context.Background())
	require.ErrorIs(t, err, asyncjob.ErrStartFailed)

	var te *asyncjob.TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 403, te.StatusCode)
}
