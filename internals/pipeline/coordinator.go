package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultFastInterval = 30 * time.Second
	DefaultIdleInterval = 5 * time.Minute
)

type Tracker interface {
	ListOpenIssues(ctx context.Context) ([]WorkItem, error)
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
}

// CheckpointStore is the authority on whether a stage run is in flight
// for an item.
type CheckpointStore interface {
	IsWorkflowInProgress(ctx context.Context, number int) (bool, error)
	Reset(ctx context.Context, number int) error
}

type StageRequest struct {
	Item  WorkItem
	Stage Stage
}

type StageRunner interface {
	Run(ctx context.Context, req StageRequest) error
}

// Coordinator runs one scan cycle at a time, woken either by
// RequestScan or by an adaptive poll timer.
type Coordinator struct {
	tracker     Tracker
	checkpoints CheckpointStore
	runner      StageRunner
	labels      LabelConfig

	fast time.Duration
	idle time.Duration

	// signals holds at most one pending wake-up; extra requests coalesce.
	signals chan struct{}
	log     *slog.Logger
}

type Option func(*Coordinator)

// WithPollIntervals sets the poll delay used while an item is mid-pipeline
// (fast) and otherwise (idle). An idle interval <= 0 disables polling.
func WithPollIntervals(fast, idle time.Duration) Option {
	return func(c *Coordinator) {
		c.fast = fast
		c.idle = idle
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func NewCoordinator(tracker Tracker, checkpoints CheckpointStore, runner StageRunner, labels LabelConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		tracker:     tracker,
		checkpoints: checkpoints,
		runner:      runner,
		labels:      labels,
		fast:        DefaultFastInterval,
		idle:        DefaultIdleInterval,
		signals:     make(chan struct{}, 1),
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestScan asks for a scan without blocking. If one is already
// pending the request is dropped: the pending signal covers it.
func (c *Coordinator) RequestScan() {
	select {
	case c.signals <- struct{}{}:
	default:
		c.log.Debug("scan request dropped, scan already pending")
	}
}

// Run requests an initial scan and then loops until ctx is cancelled.
// Scan failures are logged and never end the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("scan loop started", "fast", c.fast, "idle", c.idle)
	c.RequestScan()

	var last *WorkItem
	for {
		var timer *time.Timer
		var timeout <-chan time.Time
		if delay, ok := c.nextDelay(last); ok {
			timer = time.NewTimer(delay)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
		case <-c.signals:
			c.drain()
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			c.log.Info("scan loop stopped")
			return err
		}

		item, err := c.ScanOnce(ctx)
		if err != nil {
			c.log.Error("scan failed", "err", err)
		}
		last = item
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case <-c.signals:
		default:
			return
		}
	}
}

// nextDelay returns false when polling is disabled and only signals may
// wake the loop.
func (c *Coordinator) nextDelay(last *WorkItem) (time.Duration, bool) {
	if c.idle <= 0 {
		return 0, false
	}
	if c.fast > 0 && isActive(last, c.labels) {
		return c.fast, true
	}
	return c.idle, true
}

// ScanOnce runs a single scan cycle and returns the item it acted on, if
// any.
func (c *Coordinator) ScanOnce(ctx context.Context) (*WorkItem, error) {
	items, err := c.tracker.ListOpenIssues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}

	item, ok := c.pick(items)
	if !ok {
		c.log.Debug("no actionable issues", "open", len(items))
		return nil, nil
	}
	log := c.log.With("issue", item.Number)

	if item.HasLabel(c.labels.Reset) {
		log.Info("resetting issue")
		return &item, c.reset(ctx, item)
	}

	stage := SelectStage(item, c.labels)
	if stage == StageNone {
		return &item, nil
	}

	running, err := c.checkpoints.IsWorkflowInProgress(ctx, item.Number)
	if err != nil {
		return &item, fmt.Errorf("check checkpoint for #%d: %w", item.Number, err)
	}
	if running {
		log.Info("workflow already in progress, skipping", "stage", stage)
		return &item, nil
	}

	log.Info("dispatching stage", "stage", stage, "title", item.Title)
	if err := c.runner.Run(ctx, StageRequest{Item: item, Stage: stage}); err != nil {
		return &item, fmt.Errorf("run %s for #%d: %w", stage, item.Number, err)
	}
	return &item, nil
}

// pick returns the first item, in tracker order, that is neither done
// nor blocked and carries a ready, stage or reset label.
func (c *Coordinator) pick(items []WorkItem) (WorkItem, bool) {
	wanted := append([]string{c.labels.Ready, c.labels.Reset}, c.labels.StageLabels()...)
	for _, item := range items {
		if item.HasAnyLabel(c.labels.Done, c.labels.Blocked) {
			continue
		}
		if item.HasAnyLabel(wanted...) {
			return item, true
		}
	}
	return WorkItem{}, false
}

// reset clears the item's checkpoint and leaves the ready label as its
// only pipeline label.
func (c *Coordinator) reset(ctx context.Context, item WorkItem) error {
	if err := c.checkpoints.Reset(ctx, item.Number); err != nil {
		return fmt.Errorf("reset checkpoint for #%d: %w", item.Number, err)
	}

	owned := c.labels.PipelineLabels()
	var errs []error
	for _, label := range item.Labels {
		if strings.EqualFold(label, c.labels.Ready) || !containsFold(owned, label) {
			continue
		}
		if err := c.tracker.RemoveLabel(ctx, item.Number, label); err != nil {
			errs = append(errs, fmt.Errorf("remove %s from #%d: %w", label, item.Number, err))
		}
	}
	if !item.HasLabel(c.labels.Ready) {
		if err := c.tracker.AddLabel(ctx, item.Number, c.labels.Ready); err != nil {
			errs = append(errs, fmt.Errorf("add %s to #%d: %w", c.labels.Ready, item.Number, err))
		}
	}
	return errors.Join(errs...)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
