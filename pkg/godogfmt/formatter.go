// Package godogfmt plugs the manager into godog as an output formatter.
//
// Register it once and select it by name:
//
//	godogfmt.Register(ctx, "reportportal", mgr)
//	godog.TestSuite{Options: &godog.Options{Format: "reportportal,pretty"}}.Run()
//
// godog reports no explicit scenario or feature end. A scenario ends when
// every one of its steps has a result; a feature ends when a scenario of
// another feature is reported, or at the run summary.
//
// The reporter keeps a single open feature and scenario, so scenarios are
// reported one at a time. With Options.Concurrency above one, a scenario
// that starts while another is being reported is held back with its step
// events and replayed once the earlier one has ended. Held-back scenarios
// of the open feature go first.
package godogfmt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/formatters"
	messages "github.com/cucumber/messages/go/v21"

	"github.com/mdalboni/reportportal-manager/pkg/bdd"
	"github.com/mdalboni/reportportal-manager/pkg/models"
)

// Reporter receives the run as a sequence of lifecycle calls.
// *manager.Manager implements it.
type Reporter interface {
	StartService(ctx context.Context) error
	StartFeature(ctx context.Context, feature *bdd.Feature) error
	StartScenario(ctx context.Context, scenario *bdd.Scenario) error
	StartStep(ctx context.Context, step *bdd.Step, attachment *models.Attachment) error
	FinishStep(ctx context.Context, step *bdd.Step, attachment *models.Attachment) error
	FinishScenario(ctx context.Context, scenario *bdd.Scenario) error
	FinishFeature(ctx context.Context, feature *bdd.Feature) error
	FinishService(ctx context.Context) error
}

// Description is shown by `godog --format help`
const Description = "Reports the run to ReportPortal."

// Register makes the formatter available to godog under name
func Register(ctx context.Context, name string, reporter Reporter) {
	godog.Format(name, Description, FormatterFunc(ctx, reporter))
}

// FormatterFunc returns a godog formatter factory bound to reporter
func FormatterFunc(ctx context.Context, reporter Reporter) godog.FormatterFunc {
	return func(suite string, out io.Writer) godog.Formatter {
		return New(ctx, suite, out, reporter)
	}
}

type featureRun struct {
	feature *bdd.Feature
	index   *astIndex
}

type stepEvent struct {
	step   *bdd.Step
	finish bool
}

type stepState struct {
	step     *bdd.Step
	finished bool
}

// pickleRun is one scenario in flight
type pickleRun struct {
	feature  *featureRun
	scenario *bdd.Scenario
	total    int
	done     int
	steps    map[string]*stepState
	// step events received while another scenario was being reported
	held []stepEvent
}

func (p *pickleRun) complete() bool {
	return p.done >= p.total
}

// Formatter translates godog events into Reporter calls. Errors returned by
// the reporter are not acted upon; the manager has already handed them to
// its error handler.
type Formatter struct {
	*godog.BaseFmt

	ctx      context.Context
	reporter Reporter

	mu       sync.Mutex
	started  bool
	features map[string]*featureRun
	last     *featureRun
	pickles  map[string]*pickleRun

	open    *featureRun // feature open on the reporter
	active  *pickleRun  // scenario open on the reporter
	waiting []*pickleRun
}

// New creates a formatter. out is only used by the embedded base formatter.
func New(ctx context.Context, suite string, out io.Writer, reporter Reporter) *Formatter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Formatter{
		BaseFmt:  godog.NewBaseFmt(suite, out),
		ctx:      ctx,
		reporter: reporter,
		features: make(map[string]*featureRun),
		pickles:  make(map[string]*pickleRun),
	}
}

// TestRunStarted starts the launch
func (f *Formatter) TestRunStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startLaunch()
}

// Feature registers a feature; it is started with its first scenario
func (f *Formatter) Feature(doc *messages.GherkinDocument, uri string, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startLaunch()

	feature := &bdd.Feature{URI: uri, Status: bdd.StatusUntested}
	if doc != nil && doc.Feature != nil {
		feature.Name = doc.Feature.Name
		feature.Description = strings.TrimSpace(doc.Feature.Description)
		for _, tag := range doc.Feature.Tags {
			feature.Tags = append(feature.Tags, tag.Name)
		}
	}
	run := &featureRun{feature: feature, index: newASTIndex(doc)}
	f.features[uri] = run
	f.last = run
}

// Pickle starts a scenario, or holds it back while another is reported
func (f *Formatter) Pickle(pickle *messages.Pickle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	feature := f.features[pickle.Uri]
	if feature == nil {
		feature = f.last
	}
	if feature == nil {
		feature = &featureRun{feature: &bdd.Feature{URI: pickle.Uri, Status: bdd.StatusUntested}, index: newASTIndex(nil)}
		f.features[pickle.Uri] = feature
		f.last = feature
	}

	scenario := &bdd.Scenario{
		Name:   pickle.Name,
		Tags:   feature.index.ownTags(pickle),
		Status: bdd.StatusUntested,
	}
	if sc, line := feature.index.scenario(pickle); sc != nil {
		scenario.Description = strings.TrimSpace(sc.Description)
		scenario.Line = line
	}

	run := &pickleRun{
		feature:  feature,
		scenario: scenario,
		total:    len(pickle.Steps),
		steps:    make(map[string]*stepState),
	}
	f.pickles[pickle.Id] = run
	f.waiting = append(f.waiting, run)
	f.advance()
}

// Defined marks the start of a step
func (f *Formatter) Defined(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if run := f.pickles[pickle.Id]; run != nil {
		f.startStep(run, ps)
	}
}

// Passed finishes a passed step
func (f *Formatter) Passed(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition) {
	f.finishStep(pickle, ps, bdd.StatusPassed, nil)
}

// Failed finishes a failed step
func (f *Formatter) Failed(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition, err error) {
	f.finishStep(pickle, ps, bdd.StatusFailed, err)
}

// Ambiguous is reported as a failure
func (f *Formatter) Ambiguous(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition, err error) {
	f.finishStep(pickle, ps, bdd.StatusFailed, err)
}

// Skipped finishes a skipped step
func (f *Formatter) Skipped(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition) {
	f.finishStep(pickle, ps, bdd.StatusSkipped, nil)
}

// Undefined finishes a step with no definition
func (f *Formatter) Undefined(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition) {
	f.finishStep(pickle, ps, bdd.StatusUndefined, nil)
}

// Pending finishes a pending step
func (f *Formatter) Pending(pickle *messages.Pickle, ps *messages.PickleStep, _ *formatters.StepDefinition) {
	f.finishStep(pickle, ps, bdd.StatusPending, nil)
}

// Summary reports whatever is still in flight and finishes the launch
func (f *Formatter) Summary() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		f.endScenario()
	}
	for len(f.waiting) > 0 {
		f.activate(f.next())
		f.endScenario()
	}
	f.closeFeature()
	if f.started {
		_ = f.reporter.FinishService(f.ctx)
		f.started = false
	}
}

func (f *Formatter) startLaunch() {
	if f.started {
		return
	}
	f.started = true
	_ = f.reporter.StartService(f.ctx)
}

func (f *Formatter) startStep(run *pickleRun, ps *messages.PickleStep) *stepState {
	if st, ok := run.steps[ps.Id]; ok {
		return st
	}
	step := &bdd.Step{Name: ps.Text, Status: bdd.StatusUntested}
	if s := run.feature.index.step(ps); s != nil {
		step.Keyword = strings.TrimSpace(s.Keyword)
		step.Line = lineOf(s.Location)
	}
	st := &stepState{step: step}
	run.steps[ps.Id] = st
	f.emit(run, stepEvent{step: step})
	return st
}

func (f *Formatter) finishStep(pickle *messages.Pickle, ps *messages.PickleStep, status bdd.Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run := f.pickles[pickle.Id]
	if run == nil {
		return
	}
	st := f.startStep(run, ps)
	if st.finished {
		return
	}
	st.finished = true
	st.step.Status = status
	st.step.Err = err
	if status == bdd.StatusFailed && err == nil {
		st.step.Err = fmt.Errorf("step %q failed", ps.Text)
	}
	run.scenario.Status = bdd.Worst(run.scenario.Status, status)
	run.done++
	f.emit(run, stepEvent{step: st.step, finish: true})

	if run == f.active && run.complete() {
		f.endScenario()
		f.advance()
	}
}

// emit sends a step event now when run is being reported, otherwise holds it
func (f *Formatter) emit(run *pickleRun, ev stepEvent) {
	if run != f.active {
		run.held = append(run.held, ev)
		return
	}
	f.send(ev)
}

func (f *Formatter) send(ev stepEvent) {
	if ev.finish {
		_ = f.reporter.FinishStep(f.ctx, ev.step, nil)
		return
	}
	_ = f.reporter.StartStep(f.ctx, ev.step, nil)
}

// advance reports waiting scenarios until one is left in flight
func (f *Formatter) advance() {
	for f.active == nil && len(f.waiting) > 0 {
		f.activate(f.next())
		if !f.active.complete() {
			return
		}
		f.endScenario()
	}
}

// next pops the waiting scenario to report next, preferring the open feature
func (f *Formatter) next() *pickleRun {
	i := 0
	for j, run := range f.waiting {
		if run.feature == f.open {
			i = j
			break
		}
	}
	run := f.waiting[i]
	f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
	return run
}

func (f *Formatter) activate(run *pickleRun) {
	if f.open != run.feature {
		f.closeFeature()
		f.open = run.feature
		_ = f.reporter.StartFeature(f.ctx, run.feature.feature)
	}
	f.active = run
	_ = f.reporter.StartScenario(f.ctx, run.scenario)
	held := run.held
	run.held = nil
	for _, ev := range held {
		f.send(ev)
	}
}

func (f *Formatter) endScenario() {
	run := f.active
	f.active = nil
	run.feature.feature.Status = bdd.Worst(run.feature.feature.Status, run.scenario.Status)
	_ = f.reporter.FinishScenario(f.ctx, run.scenario)
}

func (f *Formatter) closeFeature() {
	if f.open == nil {
		return
	}
	_ = f.reporter.FinishFeature(f.ctx, f.open.feature)
	f.open = nil
}
