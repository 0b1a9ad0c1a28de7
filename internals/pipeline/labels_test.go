package pipeline

import (
	"strings"
	"testing"
)

func issueWith(labels ...string) WorkItem {
	return WorkItem{Number: 1, Title: "t", Labels: labels}
}

func TestSelectStage(t *testing.T) {
	l := DefaultLabels()
	tests := []struct {
		name   string
		labels []string
		want   Stage
	}{
		{"no labels", nil, StageNone},
		{"unrelated", []string{"bug", "frontend"}, StageNone},
		{"ready", []string{l.Ready}, StageContextBuilder},
		{"planner", []string{l.Planner}, StageRefinement},
		{"dor", []string{l.DoR}, StageDoR},
		{"techlead", []string{l.TechLead}, StageTechLead},
		{"spec gate", []string{l.SpecGate}, StageSpecGate},
		{"dev", []string{l.Dev}, StageDev},
		{"test", []string{l.Test}, StageDoD},
		{"code review", []string{l.CodeReview}, StageCodeReview},
		{"changes requested", []string{l.ChangesRequested}, StageCodeReview},
		{"release", []string{l.Release}, StageRelease},
		{"dev beats ready", []string{l.Ready, l.Dev}, StageDev},
		{"dev beats ready regardless of order", []string{l.Dev, l.Ready}, StageDev},
		{"release beats everything", []string{l.Ready, l.Planner, l.Dev, l.Test, l.CodeReview, l.Release}, StageRelease},
		{"review beats test", []string{l.Test, l.ChangesRequested}, StageCodeReview},
		{"spec gate beats techlead", []string{l.TechLead, l.SpecGate}, StageSpecGate},
		{"case insensitive", []string{strings.ToUpper(l.Dev)}, StageDev},
		{"control labels only", []string{l.InProgress, l.ReviewRequired}, StageNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectStage(issueWith(tt.labels...), l); got != tt.want {
				t.Errorf("SelectStage(%v) = %s, want %s", tt.labels, got, tt.want)
			}
		})
	}
}

// Any per-stage label must win over a stale generic ready label.
func TestSelectStageNeverRoutesStageLabelToContextBuilder(t *testing.T) {
	l := DefaultLabels()
	for _, stageLabel := range l.StageLabels() {
		got := SelectStage(issueWith(l.Ready, stageLabel), l)
		if got == StageContextBuilder || got == StageNone {
			t.Errorf("ready + %s resolved to %s", stageLabel, got)
		}
	}
}

func TestLabelsForStageRoundTrip(t *testing.T) {
	l := DefaultLabels()
	for s := StageContextBuilder; s <= StageRelease; s++ {
		for _, label := range l.LabelsForStage(s) {
			if got := SelectStage(issueWith(label), l); got != s {
				t.Errorf("label %s for %s selects %s", label, s, got)
			}
		}
	}
	if l.LabelForStage(StageNone) != "" {
		t.Error("StageNone has a label")
	}
}

func TestNextStage(t *testing.T) {
	tests := []struct {
		in, want Stage
	}{
		{StageContextBuilder, StageRefinement},
		{StageRefinement, StageDoR},
		{StageDoD, StageCodeReview},
		{StageCodeReview, StageRelease},
		{StageRelease, StageNone},
		{StageNone, StageNone},
	}
	for _, tt := range tests {
		if got := NextStage(tt.in); got != tt.want {
			t.Errorf("NextStage(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLabelConfigValidate(t *testing.T) {
	if err := DefaultLabels().Validate(); err != nil {
		t.Fatalf("default labels invalid: %v", err)
	}

	empty := DefaultLabels()
	empty.Blocked = " "
	if err := empty.Validate(); err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Errorf("empty label: err = %v", err)
	}

	dup := DefaultLabels()
	dup.Dev = "AGENT:READY"
	if err := dup.Validate(); err == nil {
		t.Error("duplicate label accepted")
	}
}

func TestPipelineLabelsCoverStageAndControlLabels(t *testing.T) {
	l := DefaultLabels()
	all := l.PipelineLabels()
	for _, want := range append(l.StageLabels(), l.Ready, l.Done, l.Blocked, l.Reset, l.InProgress, l.ReviewRequired) {
		if !containsFold(all, want) {
			t.Errorf("PipelineLabels missing %s", want)
		}
	}
}
