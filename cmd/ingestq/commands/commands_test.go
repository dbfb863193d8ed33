package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/mhpenta/ingestq"
)

// sqliteEnv points the process config at a fresh sqlite file and returns an
// env file path that does not exist.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("INGESTQ_BACKEND", "sqlite")
	t.Setenv("INGESTQ_DB_SQLITE_PATH", filepath.Join(dir, "ingestq.db"))
	t.Setenv("INGESTQ_REDIS_ADDR", "")
	t.Setenv("INGESTQ_LOG_LEVEL", "error")
	return filepath.Join(dir, "missing.env")
}

func envOnly() []cli.Flag {
	return []cli.Flag{&cli.StringFlag{Name: "env"}}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestWithApp_OpensConfiguredBackend(t *testing.T) {
	envFile := sqliteEnv(t)
	ctx := context.Background()

	var jobID string
	cmd := &cli.Command{
		Name:  "enqueue",
		Flags: envOnly(),
		Action: withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
			assert.Equal(t, "sqlite", app.Config.Backend)
			assert.Nil(t, app.Redis)
			if err := app.Migrate(ctx); err != nil {
				return err
			}
			var err error
			jobID, err = app.Queue().Enqueue(ctx, ingestq.JobTypeIngestVideo, []byte(`{"video_id":"v1"}`),
				ingestq.WithDedupKey("v1"))
			return err
		}),
	}
	require.NoError(t, cmd.Run(ctx, []string{"enqueue", "--env", envFile}))
	require.NotEmpty(t, jobID)

	// A second invocation sees the job written by the first.
	app, err := NewAppContext(ctx, envFile)
	require.NoError(t, err)
	defer app.Close()
	job, err := app.Backend.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, ingestq.StatusPending, job.Status)
	assert.Equal(t, "v1", job.DedupKey)
}

func TestWithApp_ReturnsActionAndConfigErrors(t *testing.T) {
	envFile := sqliteEnv(t)
	ctx := context.Background()
	boom := errors.New("boom")

	cmd := &cli.Command{
		Name:   "fail",
		Flags:  envOnly(),
		Action: withApp(func(context.Context, *cli.Command, *AppContext) error { return boom }),
	}
	assert.ErrorIs(t, cmd.Run(ctx, []string{"fail", "--env", envFile}), boom)

	t.Setenv("INGESTQ_BACKEND", "mysql")
	called := false
	cmd = &cli.Command{
		Name:  "noop",
		Flags: envOnly(),
		Action: withApp(func(context.Context, *cli.Command, *AppContext) error {
			called = true
			return nil
		}),
	}
	err := cmd.Run(ctx, []string{"noop", "--env", envFile})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
	assert.False(t, called)
}

func TestServeAction_ServesAdminAPIUntilCanceled(t *testing.T) {
	envFile := sqliteEnv(t)
	addr := freeAddr(t)
	t.Setenv("INGESTQ_ADMIN_ADDR", addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := &cli.Command{
		Name: "serve",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env"},
			&cli.BoolFlag{Name: "all"},
			&cli.BoolFlag{Name: "migrate"},
		},
		Action: ServeAction,
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Run(ctx, []string{"serve", "--env", envFile, "--migrate"}) }()

	base := fmt.Sprintf("http://%s", addr)
	client := &http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	// The schema was applied, so backend-backed routes answer too.
	resp, err := client.Get(base + "/jobs/counts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
