package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexwatch/internal/config"
	"dexwatch/internal/eventbus"
	"dexwatch/internal/notifier"
	"dexwatch/internal/observability"
	rtsup "dexwatch/internal/runtime/supervisor"
	"dexwatch/internal/storage"
	"dexwatch/internal/task/scheduler"
	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []int64
}

func (a *recordingAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                     { return nil }

func (a *recordingAdapter) SendText(context.Context, kit.ChatTarget, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (a *recordingAdapter) SendMedia(_ context.Context, to kit.ChatTarget, _ kit.Media, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type staticSubscribers []int64

func (s staticSubscribers) Snapshot() []int64 { return s }

func newTestPipeline(t *testing.T, body string) (*pipeline, *recordingAdapter, storage.Store, config.FeedSettings) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := storage.Open(storage.Config{Driver: "file", SubscribersPath: filepath.Join(dir, "users.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs := config.FeedSettings{
		Name:          "dex",
		Title:         "New token",
		URL:           srv.URL,
		Format:        "json",
		SnapshotPath:  filepath.Join(dir, "dex.json"),
		FetchSchedule: "@every 1s",
		FetchInterval: time.Second,
		PruneSchedule: "0 * * * *",
		PruneInterval: time.Minute,
		Retention:     30 * time.Minute,
	}
	ad := &recordingAdapter{}
	p, err := openPipeline(context.Background(), fs, pipelineDeps{
		store:    store,
		adapter:  ad,
		media:    notifier.NewMediaResolver(srv.Client(), "dexwatch-test", logx.Nop()),
		http:     config.HTTPSettings{Timeout: time.Second, UserAgent: "dexwatch-test"},
		dispatch: notifier.Settings{FallbackImage: "./assets/fallback.png", RatePerSec: 1000},
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
	})
	require.NoError(t, err)
	return p, ad, store, fs
}

func TestPipelineDeliversAdmittedItemsOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, ad, _, _ := newTestPipeline(t, `[{"tokenAddress":"A","tokenName":"Alpha","tokenTicker":"ALP"}]`)
	require.NoError(t, p.resume(ctx))

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(logx.Nop()))
	p.run(sup, staticSubscribers{1, 2})

	require.NoError(t, p.updater.Tick(ctx))
	require.Eventually(t, func() bool { return ad.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.delivered.Contains("A"))
	assert.True(t, p.published.Contains("A"))

	require.NoError(t, p.updater.Tick(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, ad.count())

	cancel()
	require.NoError(t, sup.Wait(context.Background()))
}

func TestPipelineResumesSnapshotFromPreviousRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, _, store, fs := newTestPipeline(t, `[{"tokenAddress":"A"},{"tokenAddress":"B"}]`)
	require.NoError(t, p.updater.Tick(ctx))
	require.NoError(t, p.flush(ctx))

	// A second process over the same files with nothing delivered yet.
	ad := &recordingAdapter{}
	next, err := openPipeline(ctx, fs, pipelineDeps{
		store:    store,
		adapter:  ad,
		media:    notifier.NewMediaResolver(nil, "", logx.Nop()),
		dispatch: notifier.Settings{FallbackImage: "./assets/fallback.png", RatePerSec: 1000},
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
	})
	require.NoError(t, err)
	assert.True(t, next.published.Contains("A"))
	require.NoError(t, next.resume(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sup := rtsup.NewSupervisor(runCtx, rtsup.WithLogger(logx.Nop()))
	next.run(sup, staticSubscribers{7})
	require.Eventually(t, func() bool { return ad.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, next.delivered.Contains("B"))
}

func TestScheduleRunsFetchAndPruneOnStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, _, _, _ := newTestPipeline(t, `[]`)
	sched := scheduler.New(scheduler.Config{}, logx.Nop())
	require.NoError(t, p.schedule(sched))
	sched.Start(ctx)
	defer sched.Stop(context.Background())

	runs := func() map[string]scheduler.ScheduleInfo {
		out := map[string]scheduler.ScheduleInfo{}
		for _, si := range sched.Snapshot().Schedules {
			out[si.Name] = si
		}
		return out
	}
	require.Eventually(t, func() bool {
		r := runs()
		return r["dex.fetch"].Runs >= 1 && r["dex.prune"].Runs >= 1
	}, 2*time.Second, 10*time.Millisecond)

	r := runs()
	assert.Equal(t, "@every 1s", r["dex.fetch"].Spec)
	assert.Equal(t, "0 * * * *", r["dex.prune"].Spec)
	assert.Empty(t, r["dex.prune"].LastError)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline(t, `[]`)
	p.settings.PruneSchedule = "not a cron"
	assert.Error(t, p.schedule(scheduler.New(scheduler.Config{}, logx.Nop())))
}

func TestLogConfigTakesChatFromTelegramSection(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Telegram.LogChatID = -100
	cfg.Logging.Level = "debug"
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Telegram.ThreadID = 3

	lc := logConfig(cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Telegram.Enabled)
	assert.Equal(t, int64(-100), lc.Telegram.ChatID)
	assert.Equal(t, 3, lc.Telegram.ThreadID)
}

func TestServerConfigMapsMetricsSettings(t *testing.T) {
	t.Parallel()
	sc := serverConfig(config.MetricsSettings{Enabled: true, Addr: "127.0.0.1:0", Path: "/m", Pprof: true, Token: "x"})
	assert.Equal(t, "/m", sc.MetricsPath)
	assert.True(t, sc.Enabled)
	assert.True(t, sc.Pprof)
	assert.Equal(t, "x", sc.Token)
}

func TestApplyHotReloadsDebugServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, log := logx.New(logx.Config{Level: "error"}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	a := &App{log: log, logs: svc}
	a.debug = observability.NewServer(observability.ServerConfig{}, http.NotFoundHandler(), logx.Nop())

	cfg := &config.Config{}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	a.apply(ctx, cfg, config.Change{Sections: []string{"metrics"}})
	t.Cleanup(func() { a.debug.Stop(ctx) })

	require.Eventually(t, func() bool { return a.debug.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + a.debug.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
