package pipeline

import (
	"fmt"
	"strings"

	"github.com/jadenj13/droidline/internals/git"
)

// WorkItem is a tracker issue as seen by the scan loop. It is refreshed
// on every scan and never edited locally.
type WorkItem = git.Issue

type Stage int

const (
	StageNone Stage = iota
	StageContextBuilder
	StageRefinement
	StageDoR
	StageTechLead
	StageSpecGate
	StageDev
	StageDoD
	StageCodeReview
	StageRelease
)

func (s Stage) String() string {
	switch s {
	case StageContextBuilder:
		return "context-builder"
	case StageRefinement:
		return "refinement"
	case StageDoR:
		return "dor"
	case StageTechLead:
		return "techlead"
	case StageSpecGate:
		return "spec-gate"
	case StageDev:
		return "dev"
	case StageDoD:
		return "dod"
	case StageCodeReview:
		return "code-review"
	case StageRelease:
		return "release"
	default:
		return "none"
	}
}

// NextStage is the stage that follows s on success. Release is last and
// returns StageNone: the item is done.
func NextStage(s Stage) Stage {
	if s == StageNone || s == StageRelease {
		return StageNone
	}
	return s + 1
}

type LabelConfig struct {
	Ready            string `yaml:"ready"`
	Planner          string `yaml:"planner"`
	DoR              string `yaml:"dor"`
	TechLead         string `yaml:"techlead"`
	SpecGate         string `yaml:"spec_gate"`
	Dev              string `yaml:"dev"`
	Test             string `yaml:"test"`
	CodeReview       string `yaml:"code_review"`
	ChangesRequested string `yaml:"changes_requested"`
	Release          string `yaml:"release"`

	Done           string `yaml:"done"`
	Blocked        string `yaml:"blocked"`
	Reset          string `yaml:"reset"`
	InProgress     string `yaml:"in_progress"`
	ReviewRequired string `yaml:"review_required"`
}

func DefaultLabels() LabelConfig {
	return LabelConfig{
		Ready:            "agent:ready",
		Planner:          "agent:planner",
		DoR:              "agent:dor",
		TechLead:         "agent:techlead",
		SpecGate:         "agent:spec-gate",
		Dev:              "agent:dev",
		Test:             "agent:test",
		CodeReview:       "agent:code-review",
		ChangesRequested: "agent:changes-requested",
		Release:          "agent:release",
		Done:             "agent:done",
		Blocked:          "agent:blocked",
		Reset:            "agent:reset",
		InProgress:       "agent:in-progress",
		ReviewRequired:   "agent:review-required",
	}
}

func (c LabelConfig) named() []struct{ name, value string } {
	return []struct{ name, value string }{
		{"ready", c.Ready},
		{"planner", c.Planner},
		{"dor", c.DoR},
		{"techlead", c.TechLead},
		{"spec_gate", c.SpecGate},
		{"dev", c.Dev},
		{"test", c.Test},
		{"code_review", c.CodeReview},
		{"changes_requested", c.ChangesRequested},
		{"release", c.Release},
		{"done", c.Done},
		{"blocked", c.Blocked},
		{"reset", c.Reset},
		{"in_progress", c.InProgress},
		{"review_required", c.ReviewRequired},
	}
}

// Validate rejects empty and duplicate (case-insensitive) label values.
func (c LabelConfig) Validate() error {
	seen := make(map[string]string)
	for _, l := range c.named() {
		if strings.TrimSpace(l.value) == "" {
			return fmt.Errorf("label %s is empty", l.name)
		}
		key := strings.ToLower(l.value)
		if other, ok := seen[key]; ok {
			return fmt.Errorf("labels %s and %s share the value %q", other, l.name, l.value)
		}
		seen[key] = l.name
	}
	return nil
}

// StageLabels are the per-stage labels, excluding the generic ready label.
func (c LabelConfig) StageLabels() []string {
	return []string{
		c.Planner, c.DoR, c.TechLead, c.SpecGate, c.Dev, c.Test,
		c.CodeReview, c.ChangesRequested, c.Release,
	}
}

// PipelineLabels is every label the pipeline owns: ready, stage and
// control labels. A reset strips all of them.
func (c LabelConfig) PipelineLabels() []string {
	out := make([]string, 0, 15)
	for _, l := range c.named() {
		out = append(out, l.value)
	}
	return out
}

// LabelsForStage returns the labels that route an item to s.
func (c LabelConfig) LabelsForStage(s Stage) []string {
	switch s {
	case StageContextBuilder:
		return []string{c.Ready}
	case StageRefinement:
		return []string{c.Planner}
	case StageDoR:
		return []string{c.DoR}
	case StageTechLead:
		return []string{c.TechLead}
	case StageSpecGate:
		return []string{c.SpecGate}
	case StageDev:
		return []string{c.Dev}
	case StageDoD:
		return []string{c.Test}
	case StageCodeReview:
		return []string{c.CodeReview, c.ChangesRequested}
	case StageRelease:
		return []string{c.Release}
	default:
		return nil
	}
}

// LabelForStage is the label applied to hand an item to s.
func (c LabelConfig) LabelForStage(s Stage) string {
	if labels := c.LabelsForStage(s); len(labels) > 0 {
		return labels[0]
	}
	return ""
}

// SelectStage maps an item's labels to the stage to run next. Labels
// are checked from the last stage to the first so that an item carrying
// a stale earlier label alongside its current one (for example ready
// and dev while a label swap is in flight) routes to the later stage.
func SelectStage(item WorkItem, labels LabelConfig) Stage {
	switch {
	case item.HasLabel(labels.Release):
		return StageRelease
	case item.HasAnyLabel(labels.CodeReview, labels.ChangesRequested):
		return StageCodeReview
	case item.HasLabel(labels.Test):
		return StageDoD
	case item.HasLabel(labels.Dev):
		return StageDev
	case item.HasLabel(labels.SpecGate):
		return StageSpecGate
	case item.HasLabel(labels.TechLead):
		return StageTechLead
	case item.HasLabel(labels.DoR):
		return StageDoR
	case item.HasLabel(labels.Planner):
		return StageRefinement
	case item.HasLabel(labels.Ready):
		return StageContextBuilder
	default:
		return StageNone
	}
}

// isActive reports whether an item is mid-pipeline, which makes the
// coordinator poll at the fast interval.
func isActive(item *WorkItem, labels LabelConfig) bool {
	if item == nil {
		return false
	}
	return SelectStage(*item, labels) != StageNone || item.HasLabel(labels.InProgress)
}
