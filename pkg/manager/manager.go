// Package manager forwards BDD lifecycle events to ReportPortal.
//
// A run is a linear sequence driven by the test runner:
//
//	StartService
//	  StartFeature
//	    StartScenario
//	      StartStep / FinishStep (repeated)
//	    FinishScenario
//	  FinishFeature
//	FinishService
//
// Every operation is one API call. Nothing is retried, batched or persisted:
// failures go to the error handler and the run carries on.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mdalboni/reportportal-manager/pkg/bdd"
	"github.com/mdalboni/reportportal-manager/pkg/logging"
	"github.com/mdalboni/reportportal-manager/pkg/models"
)

// Launch name and description layouts
const (
	LaunchNameFormat = "[%s] %s %s "
	LaunchDocFormat  = "%s v%s %s"
)

var (
	// ErrLaunchNotStarted is returned when an item or log is reported before StartService
	ErrLaunchNotStarted = errors.New("launch not started")
	// ErrLaunchAlreadyStarted is returned by a second StartService
	ErrLaunchAlreadyStarted = errors.New("launch already started")
	// ErrNoOpenItem is returned when finishing with no feature or scenario open
	ErrNoOpenItem = errors.New("no open test item")
	// ErrNilEvent is returned when an operation receives a nil feature, scenario or step
	ErrNilEvent = errors.New("nil test event")
)

// Service is the subset of the ReportPortal client the manager calls
type Service interface {
	StartLaunch(ctx context.Context, rq *models.StartLaunchRQ) (*models.EntryCreatedRS, error)
	FinishLaunch(ctx context.Context, uuid string, rq *models.FinishExecutionRQ) (*models.MessageRS, error)
	StartItem(ctx context.Context, parentUUID string, rq *models.StartItemRQ) (*models.EntryCreatedRS, error)
	FinishItem(ctx context.Context, uuid string, rq *models.FinishExecutionRQ) (*models.MessageRS, error)
	SaveLog(ctx context.Context, rq *models.SaveLogRQ, attachment *models.Attachment) (*models.EntryCreatedRS, error)
}

// Recorder receives reporting counters
type Recorder interface {
	ItemFinished(itemType, status string)
	StepLogged(level string)
	LaunchEvent(event string)
}

// ErrorHandler receives every error raised while reporting. It is called
// after the manager has released its lock, so it may call back into the
// manager.
type ErrorHandler func(err error)

// TerminateFunc runs when the service terminates, after the launch is finished
type TerminateFunc func(ctx context.Context) error

// Options configure a Manager
type Options struct {
	Battery string
	Product string
	Version string
	Browser string
	OS      string

	// LaunchUUID joins a launch started elsewhere; the manager then neither
	// creates nor finishes the launch.
	LaunchUUID string
	Mode       models.LaunchMode
	Attributes []models.Attribute

	Service      Service
	Logger       *logging.Logger
	Recorder     Recorder
	ErrorHandler ErrorHandler
	Clock        func() time.Time
	OnTerminate  []TerminateFunc
}

type openItem struct {
	uuid     string
	name     string
	itemType models.ItemType
	started  bool
}

// Manager reports one launch. Calls are serialized; it is safe to use from
// several goroutines but items still nest in call order.
type Manager struct {
	service      Service
	logger       *logging.Logger
	recorder     Recorder
	errorHandler ErrorHandler
	clock        func() time.Time
	onTerminate  []TerminateFunc

	launchName string
	launchDoc  string
	mode       models.LaunchMode
	attributes []models.Attribute
	externalID string

	mu         sync.Mutex
	launchUUID string
	// launchFailed is set when the launch could not be started; later
	// operations are dropped without reporting again.
	launchFailed bool
	stack        []openItem
	terminated   bool
}

// New creates a manager. Options.Service is required.
func New(opts Options) (*Manager, error) {
	if opts.Service == nil {
		return nil, errors.New("a ReportPortal service is required")
	}

	m := &Manager{
		service:     opts.Service,
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		clock:       opts.Clock,
		onTerminate: opts.OnTerminate,
		launchName:  fmt.Sprintf(LaunchNameFormat, opts.Battery, opts.Product, opts.OS),
		launchDoc:   fmt.Sprintf(LaunchDocFormat, opts.Product, opts.Version, opts.Browser),
		mode:        opts.Mode,
		attributes:  opts.Attributes,
		externalID:  opts.LaunchUUID,
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	m.errorHandler = opts.ErrorHandler
	if m.errorHandler == nil {
		m.errorHandler = LogErrorHandler(m.logger)
	}
	return m, nil
}

// LaunchName returns the formatted launch name
func (m *Manager) LaunchName() string {
	return m.launchName
}

// LaunchDoc returns the formatted launch description
func (m *Manager) LaunchDoc() string {
	return m.launchDoc
}

// LaunchUUID returns the current launch, empty before StartService
func (m *Manager) LaunchUUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launchUUID
}

// Depth returns the number of open test items
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// Timestamp returns the current time as epoch milliseconds
func (m *Manager) Timestamp() string {
	return Timestamp(m.clock())
}

// Timestamp formats t as epoch milliseconds
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// StartService starts the launch
func (m *Manager) StartService(ctx context.Context) error {
	m.mu.Lock()
	err := m.startService(ctx)
	m.mu.Unlock()
	return m.report(err)
}

func (m *Manager) startService(ctx context.Context) error {
	if m.launchUUID != "" {
		return ErrLaunchAlreadyStarted
	}
	m.launchFailed = false
	m.terminated = false

	if m.externalID != "" {
		m.launchUUID = m.externalID
		m.recorder.LaunchEvent("joined")
		m.logger.Info("Joined existing launch", map[string]interface{}{"launch": m.launchUUID})
		return nil
	}

	rq := &models.StartLaunchRQ{
		UUID:        uuid.NewString(),
		Name:        m.launchName,
		Description: m.launchDoc,
		StartTime:   m.Timestamp(),
		Attributes:  m.attributes,
		Mode:        m.mode,
	}
	rs, err := m.service.StartLaunch(ctx, rq)
	if err != nil {
		m.launchFailed = true
		return errors.Wrap(err, "failed to start launch")
	}

	m.launchUUID = rq.UUID
	if rs != nil && rs.ID != "" {
		m.launchUUID = rs.ID
	}
	m.recorder.LaunchEvent("started")
	m.logger.Info("Launch started", map[string]interface{}{"launch": m.launchUUID, "name": m.launchName})
	return nil
}

// StartFeature starts a STORY item for the feature
func (m *Manager) StartFeature(ctx context.Context, feature *bdd.Feature) error {
	if feature == nil {
		return m.report(errors.Wrap(ErrNilEvent, "cannot start feature"))
	}
	return m.startItem(ctx, models.ItemTypeStory, feature.Name, feature.Description, feature.Tags)
}

// StartScenario starts a SCENARIO item under the open feature
func (m *Manager) StartScenario(ctx context.Context, scenario *bdd.Scenario) error {
	if scenario == nil {
		return m.report(errors.Wrap(ErrNilEvent, "cannot start scenario"))
	}
	return m.startItem(ctx, models.ItemTypeScenario, scenario.Name, scenario.Description, scenario.Tags)
}

// StartStep logs that the step has started against the open item
func (m *Manager) StartStep(ctx context.Context, step *bdd.Step, attachment *models.Attachment) error {
	if step == nil {
		return m.report(errors.Wrap(ErrNilEvent, "cannot start step"))
	}
	message := fmt.Sprintf("%s[:%d] - Has started...", step.Name, step.Line)
	return m.log(ctx, message, models.LogLevelInfo, attachment)
}

// FinishStep logs the step outcome. Failed steps are logged at ERROR with
// their traceback.
func (m *Manager) FinishStep(ctx context.Context, step *bdd.Step, attachment *models.Attachment) error {
	if step == nil {
		return m.report(errors.Wrap(ErrNilEvent, "cannot finish step"))
	}
	if step.Status == bdd.StatusFailed {
		message := fmt.Sprintf("%s[:%d] - Has failed...\n", step.Name, step.Line) + FormatTraceback(step.Err)
		return m.log(ctx, message, models.LogLevelError, attachment)
	}
	message := fmt.Sprintf("%s[:%d] - Has finished...", step.Name, step.Line)
	return m.log(ctx, message, models.LogLevelInfo, attachment)
}

// FinishScenario finishes the open scenario with its status
func (m *Manager) FinishScenario(ctx context.Context, scenario *bdd.Scenario) error {
	if scenario == nil {
		return m.report(errors.Wrap(ErrNilEvent, "cannot finish scenario"))
	}
	return m.finishItem(ctx, models.ItemTypeScenario, scenario.Status)
}

// FinishFeature finishes the open feature with its status
func (m *Manager) FinishFeature(ctx context.Context, feature *bdd.Feature) error {
	if feature == nil {
		return m.report(errors.Wrap(ErrNilEvent, "cannot finish feature"))
	}
	return m.finishItem(ctx, models.ItemTypeStory, feature.Status)
}

// FinishService finishes the launch and terminates the service: metrics
// are flushed and tracing is shut down. A joined launch is left open for
// whoever started it. Terminate runs even when the launch never started.
func (m *Manager) FinishService(ctx context.Context) error {
	m.mu.Lock()
	finishErr := m.finishService(ctx)
	m.mu.Unlock()

	finishErr = m.report(finishErr)
	if err := m.Close(ctx); err != nil && finishErr == nil {
		finishErr = err
	}
	return finishErr
}

func (m *Manager) finishService(ctx context.Context) error {
	if m.launchUUID == "" {
		if m.launchFailed {
			// already reported by StartService
			m.launchFailed = false
			m.stack = nil
			return nil
		}
		return ErrLaunchNotStarted
	}

	if len(m.stack) > 0 {
		m.logger.Warn("Finishing launch with open test items", map[string]interface{}{
			"open": len(m.stack),
			"top":  m.stack[len(m.stack)-1].name,
		})
	}

	var err error
	if m.externalID == "" {
		rq := &models.FinishExecutionRQ{EndTime: m.Timestamp()}
		if _, ferr := m.service.FinishLaunch(ctx, m.launchUUID, rq); ferr != nil {
			err = errors.Wrap(ferr, "failed to finish launch")
		} else {
			m.recorder.LaunchEvent("finished")
			m.logger.Info("Launch finished", map[string]interface{}{"launch": m.launchUUID})
		}
	}

	m.launchUUID = ""
	m.stack = nil
	return err
}

// Close runs the terminate hooks once: metrics export and tracing
// shutdown. FinishService calls it; callers that start a launch without
// finishing it, such as a CLI handing the launch to other processes,
// call it directly.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	hooks := m.onTerminate
	m.mu.Unlock()

	var first error
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			err = m.report(errors.Wrap(err, "failed to terminate service"))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (m *Manager) startItem(ctx context.Context, itemType models.ItemType, name, description string, tags []string) error {
	m.mu.Lock()
	err := m.startItemLocked(ctx, itemType, name, description, tags)
	m.mu.Unlock()
	return m.report(err)
}

func (m *Manager) startItemLocked(ctx context.Context, itemType models.ItemType, name, description string, tags []string) error {
	item := openItem{uuid: uuid.NewString(), name: name, itemType: itemType}

	if m.launchUUID == "" {
		if m.launchFailed {
			m.stack = append(m.stack, item)
			return nil
		}
		return errors.Wrapf(ErrLaunchNotStarted, "cannot start %s %q", itemType, name)
	}

	parent := ""
	if len(m.stack) > 0 {
		top := m.stack[len(m.stack)-1]
		if !top.started {
			// the parent never reached the server; its failure is already reported
			m.stack = append(m.stack, item)
			m.logger.Debug("Skipping item under unreported parent", map[string]interface{}{"name": name})
			return nil
		}
		parent = top.uuid
	}

	rq := &models.StartItemRQ{
		UUID:        item.uuid,
		LaunchUUID:  m.launchUUID,
		Name:        name,
		Description: description,
		StartTime:   m.Timestamp(),
		Type:        itemType,
		Attributes:  bdd.Attributes(tags),
	}
	rs, err := m.service.StartItem(ctx, parent, rq)
	if err != nil {
		m.stack = append(m.stack, item)
		return errors.Wrapf(err, "failed to start %s %q", itemType, name)
	}
	if rs != nil && rs.ID != "" {
		item.uuid = rs.ID
	}
	item.started = true
	m.stack = append(m.stack, item)
	return nil
}

func (m *Manager) finishItem(ctx context.Context, itemType models.ItemType, status bdd.Status) error {
	m.mu.Lock()
	err := m.finishItemLocked(ctx, itemType, status)
	m.mu.Unlock()
	return m.report(err)
}

func (m *Manager) finishItemLocked(ctx context.Context, itemType models.ItemType, status bdd.Status) error {
	if len(m.stack) == 0 {
		return errors.Wrapf(ErrNoOpenItem, "cannot finish %s", itemType)
	}
	item := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]

	if item.itemType != itemType {
		m.logger.Warn("Finishing item of unexpected type", map[string]interface{}{
			"expected": string(itemType),
			"actual":   string(item.itemType),
			"name":     item.name,
		})
	}
	if !item.started {
		return nil
	}

	rpStatus := status.RPStatus()
	rq := &models.FinishExecutionRQ{
		LaunchUUID: m.launchUUID,
		EndTime:    m.Timestamp(),
		Status:     rpStatus,
	}
	if _, err := m.service.FinishItem(ctx, item.uuid, rq); err != nil {
		return errors.Wrapf(err, "failed to finish %s %q", item.itemType, item.name)
	}
	m.recorder.ItemFinished(string(item.itemType), string(rpStatus))
	return nil
}

func (m *Manager) log(ctx context.Context, message string, level models.LogLevel, attachment *models.Attachment) error {
	m.mu.Lock()
	err := m.logLocked(ctx, message, level, attachment)
	m.mu.Unlock()
	return m.report(err)
}

func (m *Manager) logLocked(ctx context.Context, message string, level models.LogLevel, attachment *models.Attachment) error {
	if m.launchUUID == "" {
		if m.launchFailed {
			return nil
		}
		return errors.Wrap(ErrLaunchNotStarted, "cannot save log")
	}

	itemUUID := ""
	if len(m.stack) > 0 {
		top := m.stack[len(m.stack)-1]
		if !top.started {
			return nil
		}
		itemUUID = top.uuid
	}

	rq := &models.SaveLogRQ{
		LaunchUUID: m.launchUUID,
		ItemUUID:   itemUUID,
		Time:       m.Timestamp(),
		Message:    message,
		Level:      level,
	}
	if _, err := m.service.SaveLog(ctx, rq, attachment); err != nil {
		return errors.Wrap(err, "failed to save log")
	}
	m.recorder.StepLogged(string(level))
	return nil
}

// report hands a non-nil err to the error handler and returns it. Callers
// must not hold m.mu.
func (m *Manager) report(err error) error {
	if err != nil {
		m.errorHandler(err)
	}
	return err
}

type nopRecorder struct{}

func (nopRecorder) ItemFinished(string, string) {}
func (nopRecorder) StepLogged(string)           {}
func (nopRecorder) LaunchEvent(string)          {}
