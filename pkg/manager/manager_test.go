package manager

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdalboni/reportportal-manager/internal/rpfake"
	"github.com/mdalboni/reportportal-manager/internal/sysinfo"
	"github.com/mdalboni/reportportal-manager/pkg/bdd"
	"github.com/mdalboni/reportportal-manager/pkg/config"
	"github.com/mdalboni/reportportal-manager/pkg/models"
	"github.com/mdalboni/reportportal-manager/pkg/rpclient"
)

const (
	testProject = "web"
	testToken   = "token-1234"
)

type tickingClock struct {
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type collectedErrors struct {
	errs []error
}

func (c *collectedErrors) handle(err error) {
	c.errs = append(c.errs, err)
}

func newTestManager(t *testing.T, server *rpfake.Server, opts Options) (*Manager, *collectedErrors) {
	t.Helper()
	handler := &collectedErrors{}
	clock := &tickingClock{now: time.UnixMilli(1700000000000)}
	if opts.Service == nil {
		opts.Service = rpclient.NewClient(server.URL(), testProject, testToken)
	}
	opts.ErrorHandler = handler.handle
	opts.Clock = clock.Now
	m, err := New(opts)
	require.NoError(t, err)
	return m, handler
}

func defaultOptions() Options {
	return Options{
		Battery: "regression",
		Product: "Shop",
		Version: "2.3.1",
		Browser: "firefox",
		OS:      "linux",
	}
}

func TestNew_RequiresService(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLaunchNameAndDoc(t *testing.T) {
	m, err := New(Options{
		Battery: "smoke", Product: "Shop", Version: "1.0", Browser: "chrome", OS: "windows",
		Service: rpclient.NewClient("http://localhost", "p", "t"),
	})
	require.NoError(t, err)
	assert.Equal(t, "[smoke] Shop windows ", m.LaunchName())
	assert.Equal(t, "Shop v1.0 chrome", m.LaunchDoc())
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, "1700000000123", Timestamp(time.UnixMilli(1700000000123)))
}

func TestManager_FullRun(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()

	opts := defaultOptions()
	opts.Attributes = []models.Attribute{{Key: "build", Value: "42"}}
	m, handler := newTestManager(t, server, opts)
	ctx := context.Background()

	feature := &bdd.Feature{Name: "Checkout", Description: "Paying for things", Tags: []string{"@smoke"}}
	scenario := &bdd.Scenario{Name: "Pay by card", Tags: []string{"@smoke", "@owner:payments"}}
	ok := &bdd.Step{Name: "a cart with 2 items", Line: 5, Status: bdd.StatusPassed}
	bad := &bdd.Step{Name: "I pay", Line: 6, Status: bdd.StatusFailed, Err: errors.New("card declined")}

	require.NoError(t, m.StartService(ctx))
	launchID := m.LaunchUUID()
	require.NotEmpty(t, launchID)

	require.NoError(t, m.StartFeature(ctx, feature))
	require.NoError(t, m.StartScenario(ctx, scenario))
	assert.Equal(t, 2, m.Depth())

	require.NoError(t, m.StartStep(ctx, ok, nil))
	require.NoError(t, m.FinishStep(ctx, ok, nil))
	require.NoError(t, m.StartStep(ctx, bad, nil))
	require.NoError(t, m.FinishStep(ctx, bad, &models.Attachment{Name: "dom.html", ContentType: "text/html", Data: []byte("<p/>")}))

	scenario.Status = bdd.StatusFailed
	require.NoError(t, m.FinishScenario(ctx, scenario))
	feature.Status = bdd.StatusFailed
	require.NoError(t, m.FinishFeature(ctx, feature))
	require.NoError(t, m.FinishService(ctx))

	assert.Empty(t, handler.errs)
	assert.Empty(t, m.LaunchUUID())

	launch, found := server.Launch(launchID)
	require.True(t, found)
	assert.Equal(t, "[regression] Shop linux ", launch.Name)
	assert.Equal(t, "Shop v2.3.1 firefox", launch.Description)
	assert.Equal(t, "1700000000001", launch.StartTime)
	assert.Equal(t, []models.Attribute{{Key: "build", Value: "42"}}, launch.Attributes)
	assert.True(t, launch.Finished)
	assert.Equal(t, models.StatusFailed, launch.Status)

	items := server.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "Checkout", items[0].Name)
	assert.Equal(t, models.ItemTypeStory, items[0].Type)
	assert.Equal(t, "Paying for things", items[0].Description)
	assert.Equal(t, []models.Attribute{{Value: "smoke"}}, items[0].Attributes)
	assert.Equal(t, models.StatusFailed, items[0].Status)

	assert.Equal(t, "Pay by card", items[1].Name)
	assert.Equal(t, models.ItemTypeScenario, items[1].Type)
	assert.Equal(t, items[0].UUID, items[1].ParentUUID)
	assert.Equal(t, models.StatusFailed, items[1].Status)

	logs := server.Logs()
	require.Len(t, logs, 4)
	for _, l := range logs {
		assert.Equal(t, items[1].UUID, l.ItemUUID)
		assert.Equal(t, launchID, l.LaunchUUID)
	}
	assert.Equal(t, "a cart with 2 items[:5] - Has started...", logs[0].Message)
	assert.Equal(t, models.LogLevelInfo, logs[0].Level)
	assert.Equal(t, "a cart with 2 items[:5] - Has finished...", logs[1].Message)
	assert.Equal(t, "I pay[:6] - Has started...", logs[2].Message)

	assert.Equal(t, models.LogLevelError, logs[3].Level)
	assert.True(t, strings.HasPrefix(logs[3].Message, "I pay[:6] - Has failed...\ncard declined"), logs[3].Message)
	assert.Contains(t, logs[3].Message, "TestManager_FullRun", "stack frames should be included")
	assert.Equal(t, "dom.html", logs[3].AttachmentName)
}

func TestManager_OrderingErrors(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	t.Run("BeforeStart", func(t *testing.T) {
		m, handler := newTestManager(t, server, defaultOptions())

		err := m.StartFeature(ctx, &bdd.Feature{Name: "f"})
		assert.True(t, errors.Is(err, ErrLaunchNotStarted))
		err = m.StartStep(ctx, &bdd.Step{Name: "s"}, nil)
		assert.True(t, errors.Is(err, ErrLaunchNotStarted))
		err = m.FinishService(ctx)
		assert.True(t, errors.Is(err, ErrLaunchNotStarted))
		assert.Len(t, handler.errs, 3)
	})

	t.Run("DoubleStart", func(t *testing.T) {
		m, handler := newTestManager(t, server, defaultOptions())
		require.NoError(t, m.StartService(ctx))
		assert.True(t, errors.Is(m.StartService(ctx), ErrLaunchAlreadyStarted))
		assert.Len(t, handler.errs, 1)
	})

	t.Run("FinishWithoutItem", func(t *testing.T) {
		m, handler := newTestManager(t, server, defaultOptions())
		require.NoError(t, m.StartService(ctx))
		err := m.FinishScenario(ctx, &bdd.Scenario{Status: bdd.StatusPassed})
		assert.True(t, errors.Is(err, ErrNoOpenItem))
		require.Len(t, handler.errs, 1)
		assert.Equal(t, err, handler.errs[0])
	})

	t.Run("LaunchLevelLog", func(t *testing.T) {
		m, _ := newTestManager(t, server, defaultOptions())
		require.NoError(t, m.StartService(ctx))
		require.NoError(t, m.StartStep(ctx, &bdd.Step{Name: "orphan", Line: 1}, nil))

		logs := server.Logs()
		last := logs[len(logs)-1]
		assert.Equal(t, "orphan[:1] - Has started...", last.Message)
		assert.Empty(t, last.ItemUUID)
	})
}

func TestManager_JoinedLaunch(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	client := rpclient.NewClient(server.URL(), testProject, testToken)
	_, err := client.StartLaunch(ctx, &models.StartLaunchRQ{UUID: "shared", Name: "shared run", StartTime: "1"})
	require.NoError(t, err)

	opts := defaultOptions()
	opts.LaunchUUID = "shared"
	m, handler := newTestManager(t, server, opts)

	require.NoError(t, m.StartService(ctx))
	assert.Equal(t, "shared", m.LaunchUUID())
	require.NoError(t, m.StartFeature(ctx, &bdd.Feature{Name: "f"}))
	require.NoError(t, m.FinishFeature(ctx, &bdd.Feature{Status: bdd.StatusPassed}))
	require.NoError(t, m.FinishService(ctx))
	assert.Empty(t, handler.errs)

	launch, _ := server.Launch("shared")
	assert.False(t, launch.Finished, "joined launch must stay open")
	assert.Equal(t, []string{"start_launch", "start_item", "finish_item"}, server.Calls())
}

func TestManager_FailedItemStart(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	m, handler := newTestManager(t, server, defaultOptions())
	require.NoError(t, m.StartService(ctx))

	server.FailNext("start_item", http.StatusInternalServerError)
	err := m.StartFeature(ctx, &bdd.Feature{Name: "broken"})
	require.Error(t, err)
	var apiErr *rpclient.APIError
	assert.True(t, errors.As(err, &apiErr))

	// children and logs of the broken feature are not sent
	require.NoError(t, m.StartScenario(ctx, &bdd.Scenario{Name: "child"}))
	require.NoError(t, m.StartStep(ctx, &bdd.Step{Name: "s"}, nil))
	require.NoError(t, m.FinishScenario(ctx, &bdd.Scenario{Status: bdd.StatusPassed}))
	require.NoError(t, m.FinishFeature(ctx, &bdd.Feature{Status: bdd.StatusPassed}))
	assert.Equal(t, 0, m.Depth())

	require.NoError(t, m.FinishService(ctx))
	assert.Len(t, handler.errs, 1)
	assert.Equal(t, []string{"start_launch", "start_item", "finish_launch"}, server.Calls())
}

func TestManager_FailedLaunchIsReportedOnce(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	terminated := 0
	opts := defaultOptions()
	opts.OnTerminate = []TerminateFunc{func(context.Context) error { terminated++; return nil }}
	m, handler := newTestManager(t, server, opts)

	server.FailNext(rpclient.OpStartLaunch, http.StatusInternalServerError)
	assert.Error(t, m.StartService(ctx))
	assert.Empty(t, m.LaunchUUID())

	feature := &bdd.Feature{Name: "f"}
	scenario := &bdd.Scenario{Name: "s"}
	step := &bdd.Step{Name: "a step", Line: 3, Status: bdd.StatusPassed}
	assert.NoError(t, m.StartFeature(ctx, feature))
	assert.NoError(t, m.StartScenario(ctx, scenario))
	assert.NoError(t, m.StartStep(ctx, step, nil))
	assert.NoError(t, m.FinishStep(ctx, step, nil))
	assert.NoError(t, m.FinishScenario(ctx, scenario))
	assert.NoError(t, m.FinishFeature(ctx, feature))

	assert.NoError(t, m.FinishService(ctx))
	assert.Equal(t, 1, terminated, "metrics and tracing must still be flushed")
	assert.Len(t, handler.errs, 1)
	assert.Equal(t, []string{"start_launch"}, server.Calls())
}

func TestManager_FinishWithoutStartStillTerminates(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()

	terminated := 0
	opts := defaultOptions()
	opts.OnTerminate = []TerminateFunc{func(context.Context) error { terminated++; return nil }}
	m, handler := newTestManager(t, server, opts)

	err := m.FinishService(context.Background())
	assert.True(t, errors.Is(err, ErrLaunchNotStarted))
	assert.Equal(t, 1, terminated)
	assert.Len(t, handler.errs, 1)
}

func TestManager_CloseRunsHooksOnce(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	terminated := 0
	opts := defaultOptions()
	opts.OnTerminate = []TerminateFunc{func(context.Context) error { terminated++; return nil }}
	m, _ := newTestManager(t, server, opts)

	require.NoError(t, m.StartService(ctx))
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 1, terminated)

	// the launch is still open for other processes
	require.Len(t, server.Launches(), 1)
	assert.False(t, server.Launches()[0].Finished)
}

func TestManager_ErrorHandlerMayCallBack(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	var depths []int
	m, err := New(Options{
		Service: rpclient.NewClient(server.URL(), testProject, testToken),
	})
	require.NoError(t, err)
	m.errorHandler = func(error) {
		depths = append(depths, m.Depth())
		_ = m.LaunchUUID()
	}

	require.NoError(t, m.StartService(ctx))
	assert.Error(t, m.FinishFeature(ctx, &bdd.Feature{}))
	server.FailNext(rpclient.OpStartItem, http.StatusBadGateway)
	assert.Error(t, m.StartFeature(ctx, &bdd.Feature{Name: "f"}))
	assert.Equal(t, []int{0, 1}, depths)
}

func TestManager_NilEvents(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	m, handler := newTestManager(t, server, defaultOptions())
	require.NoError(t, m.StartService(ctx))

	errs := []error{
		m.StartFeature(ctx, nil),
		m.StartScenario(ctx, nil),
		m.StartStep(ctx, nil, nil),
		m.FinishStep(ctx, nil, nil),
		m.FinishScenario(ctx, nil),
		m.FinishFeature(ctx, nil),
	}
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrNilEvent), "%v", err)
	}
	assert.Len(t, handler.errs, len(errs))
	assert.Equal(t, []string{"start_launch"}, server.Calls())
}

func TestManager_Terminate(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()
	ctx := context.Background()

	var ran []string
	opts := defaultOptions()
	opts.OnTerminate = []TerminateFunc{
		func(context.Context) error { ran = append(ran, "metrics"); return errors.New("pushgateway down") },
		func(context.Context) error { ran = append(ran, "tracing"); return nil },
	}
	m, handler := newTestManager(t, server, opts)

	require.NoError(t, m.StartService(ctx))
	err := m.FinishService(ctx)
	assert.ErrorContains(t, err, "pushgateway down")
	assert.Equal(t, []string{"metrics", "tracing"}, ran)
	assert.Len(t, handler.errs, 1)

	// the launch itself was still finished
	require.Len(t, server.Launches(), 1)
	assert.True(t, server.Launches()[0].Finished)
}

func TestFormatTraceback(t *testing.T) {
	assert.Equal(t, "", FormatTraceback(nil))
	assert.Equal(t, "plain\n", FormatTraceback(fmt.Errorf("plain")))
	assert.True(t, strings.HasPrefix(FormatTraceback(errors.New("with stack")), "with stack\n"))

	err := errors.Wrap(errors.New("root"), "outer")
	tb := FormatTraceback(err)
	assert.Contains(t, tb, "root")
	assert.Contains(t, tb, "outer")
	assert.Contains(t, tb, "TestFormatTraceback")
}

func TestFromConfig(t *testing.T) {
	server := rpfake.Start(testProject, testToken)
	defer server.Close()

	orig := detectHost
	detectHost = func() sysinfo.Info {
		return sysinfo.Info{Platform: "debian", PlatformVersion: "12", KernelArch: "arm64", CPUModel: "Neoverse", CPUThreads: 4}
	}
	defer func() { detectHost = orig }()

	textfile := filepath.Join(t.TempDir(), "rp.prom")
	cfg := &config.Config{
		Endpoint:         server.URL(),
		Project:          testProject,
		Token:            testToken,
		Battery:          "nightly",
		Product:          "Shop",
		Version:          "3.0",
		Browser:          "chrome",
		Attributes:       map[string]string{"team": "web", "build": "7"},
		SystemAttributes: true,
		Timeout:          5 * time.Second,
	}
	cfg.Metrics.Textfile = textfile

	m, err := FromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "[nightly] Shop debian 12 ", m.LaunchName())

	ctx := context.Background()
	require.NoError(t, m.StartService(ctx))
	require.NoError(t, m.StartFeature(ctx, &bdd.Feature{Name: "f"}))
	require.NoError(t, m.FinishFeature(ctx, &bdd.Feature{Status: bdd.StatusPassed}))
	require.NoError(t, m.FinishService(ctx))

	launches := server.Launches()
	require.Len(t, launches, 1)
	attrs := launches[0].Attributes
	require.GreaterOrEqual(t, len(attrs), 3)
	assert.Equal(t, models.Attribute{Key: "build", Value: "7"}, attrs[0])
	assert.Equal(t, models.Attribute{Key: "team", Value: "web"}, attrs[1])
	assert.Equal(t, models.Attribute{Key: "os", Value: "debian 12", System: true}, attrs[2])

	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `rpmanager_items_total{status="PASSED",type="STORY"} 1`)
	assert.Contains(t, string(data), `rpmanager_api_requests_total{op="start_launch",outcome="success"} 1`)
}

func TestFromConfig_Invalid(t *testing.T) {
	_, err := FromConfig(context.Background(), &config.Config{}, nil)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestConfigAttributes(t *testing.T) {
	assert.Empty(t, ConfigAttributes(nil))
	assert.Equal(t, []models.Attribute{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}, ConfigAttributes(map[string]string{"b": "2", "a": "1"}))
}
