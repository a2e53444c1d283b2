package godogfmt

import (
	messages "github.com/cucumber/messages/go/v21"
)

// astIndex resolves the AST node ids carried by pickles back to the
// gherkin document they were compiled from.
type astIndex struct {
	steps     map[string]*messages.Step
	scenarios map[string]*messages.Scenario
	rows      map[string]*messages.TableRow
	tags      map[string]bool
}

func newASTIndex(doc *messages.GherkinDocument) *astIndex {
	idx := &astIndex{
		steps:     make(map[string]*messages.Step),
		scenarios: make(map[string]*messages.Scenario),
		rows:      make(map[string]*messages.TableRow),
		tags:      make(map[string]bool),
	}
	if doc == nil || doc.Feature == nil {
		return idx
	}
	for _, tag := range doc.Feature.Tags {
		idx.tags[tag.Name] = true
	}
	for _, child := range doc.Feature.Children {
		switch {
		case child.Background != nil:
			idx.addSteps(child.Background.Steps)
		case child.Scenario != nil:
			idx.addScenario(child.Scenario)
		case child.Rule != nil:
			for _, rc := range child.Rule.Children {
				if rc.Background != nil {
					idx.addSteps(rc.Background.Steps)
				}
				if rc.Scenario != nil {
					idx.addScenario(rc.Scenario)
				}
			}
		}
	}
	return idx
}

func (idx *astIndex) addSteps(steps []*messages.Step) {
	for _, s := range steps {
		idx.steps[s.Id] = s
	}
}

func (idx *astIndex) addScenario(sc *messages.Scenario) {
	idx.scenarios[sc.Id] = sc
	idx.addSteps(sc.Steps)
	for _, ex := range sc.Examples {
		for _, row := range ex.TableBody {
			idx.rows[row.Id] = row
		}
	}
}

// scenario returns the scenario a pickle was compiled from and the line
// it starts on. Outline pickles report the line of their example row.
func (idx *astIndex) scenario(pickle *messages.Pickle) (*messages.Scenario, int) {
	if len(pickle.AstNodeIds) == 0 {
		return nil, 0
	}
	sc := idx.scenarios[pickle.AstNodeIds[0]]
	if sc == nil {
		return nil, 0
	}
	line := lineOf(sc.Location)
	if len(pickle.AstNodeIds) > 1 {
		if row := idx.rows[pickle.AstNodeIds[len(pickle.AstNodeIds)-1]]; row != nil {
			line = lineOf(row.Location)
		}
	}
	return sc, line
}

func (idx *astIndex) step(ps *messages.PickleStep) *messages.Step {
	if len(ps.AstNodeIds) == 0 {
		return nil
	}
	return idx.steps[ps.AstNodeIds[0]]
}

// ownTags drops the tags a pickle inherits from its feature
func (idx *astIndex) ownTags(pickle *messages.Pickle) []string {
	var tags []string
	for _, t := range pickle.Tags {
		if idx.tags[t.Name] {
			continue
		}
		tags = append(tags, t.Name)
	}
	return tags
}

func lineOf(loc *messages.Location) int {
	if loc == nil {
		return 0
	}
	return int(loc.Line)
}
