package curation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"railwatch/internal/logger"
	"railwatch/internal/metrics"
	"railwatch/internal/model"
	"railwatch/internal/repository"
	"railwatch/internal/service/phash"
	"railwatch/internal/service/websocket"
)

// AnnotateRedirect is where the operator continues after accepting a batch.
const AnnotateRedirect = "/annotate/?idx=0"

// Fingerprinter computes perceptual hashes of images on disk.
type Fingerprinter interface {
	Fingerprint(path string) (phash.Hash, error)
	Forget(path string)
}

// FaultStore is the part of the review store the engine needs.
type FaultStore interface {
	Get(ctx context.Context, id int64) (*model.FaultRecord, error)
	ScanPending(ctx context.Context) ([]model.FaultRecord, error)
	DeleteBatch(ctx context.Context, ids []int64) error
	ImagePath(f *model.FaultRecord) string
}

// Materializer moves an image into the training dataset.
type Materializer interface {
	Materialize(srcPath string, decision model.Decision) (string, error)
}

// Publisher pushes events to live dashboards.
type Publisher interface {
	Publish(eventType string, data interface{})
}

// Result describes what one Resolve call did.
type Result struct {
	Decision  model.Decision `json:"decision"`
	TargetID  int64          `json:"target_id"`
	Count     int            `json:"count"`
	CopiedIDs []int64        `json:"copied_ids"`
	Failed    []int64        `json:"failed_ids"`
	Images    []string       `json:"images"`
	BatchID   string         `json:"batch_id,omitempty"`
	Redirect  string         `json:"redirect,omitempty"`
	// Warning is set when the images were moved but not queued for annotation.
	Warning   string         `json:"warning,omitempty"`
}

// ParseDecision maps operator input to a decision.
func ParseDecision(action string) (model.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "yes", "accept":
		return model.Accept, nil
	case "no", "reject":
		return model.Reject, nil
	}
	return "", fmt.Errorf("%w: invalid action %q", model.ErrInvalidInput, action)
}

type Options struct {
	Threshold int // maximum Hamming distance for two images to match
	Workers   int // parallel fingerprinting limit
}

// Engine resolves a confirm action on one fault into a batch disposal of the
// fault and every pending perceptual near-duplicate of it.
type Engine struct {
	store       FaultStore
	dataset     Materializer
	hasher      Fingerprinter
	annotations repository.AnnotationRepository
	publisher   Publisher
	metrics     *metrics.Metrics
	logger      *logger.Logger
	opts        Options

	// mu serializes Resolve so each record is disposed of exactly once.
	mu sync.Mutex
}

func NewEngine(store FaultStore, dataset Materializer, hasher Fingerprinter, annotations repository.AnnotationRepository,
	publisher Publisher, m *metrics.Metrics, logger *logger.Logger, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{
		store:       store,
		dataset:     dataset,
		hasher:      hasher,
		annotations: annotations,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		opts:        opts,
	}
}

type candidate struct {
	record model.FaultRecord
	path   string
	hash   phash.Hash
	ok     bool
}

// Resolve applies decision to the target fault and all of its pending
// near-duplicates. A target that no longer exists yields ErrNotFound with a
// zero Result, so repeating a call is harmless.
func (e *Engine) Resolve(ctx context.Context, targetID int64, decision model.Decision) (Result, error) {
	if decision != model.Accept && decision != model.Reject {
		return Result{}, fmt.Errorf("%w: invalid decision %q", model.ErrInvalidInput, decision)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	target, err := e.store.Get(ctx, targetID)
	if err != nil {
		return Result{}, err
	}

	targetHash, err := e.hasher.Fingerprint(e.store.ImagePath(target))
	if err != nil {
		e.metrics.RecordHashError()
		return Result{}, fmt.Errorf("failed to fingerprint target %d: %w", targetID, err)
	}

	group, err := e.findGroup(ctx, targetHash)
	if err != nil {
		return Result{}, err
	}
	if len(group) == 0 {
		return Result{}, fmt.Errorf("%w for fault %d", model.ErrNoDuplicates, targetID)
	}
	e.logger.Info("Fault %d: %d visually similar pending images (threshold %d)", targetID, len(group), e.opts.Threshold)

	res := Result{
		Decision:  decision,
		TargetID:  targetID,
		CopiedIDs: []int64{},
		Failed:    []int64{},
		Images:    []string{},
	}

	var items []model.AnnotationItem
	now := time.Now()
	for _, c := range group {
		name, err := e.dataset.Materialize(c.path, decision)
		if err != nil {
			e.logger.Error("Failed to move fault %d (%s) into the dataset: %v", c.record.ID, c.record.Image, err)
			e.metrics.RecordMaterializeFailure()
			res.Failed = append(res.Failed, c.record.ID)
			continue
		}
		res.CopiedIDs = append(res.CopiedIDs, c.record.ID)
		res.Images = append(res.Images, name)

		var proposals []model.Box
		if c.record.Box != nil {
			proposals = []model.Box{*c.record.Box}
		}
		items = append(items, model.AnnotationItem{ImageName: name, Proposals: proposals, CreatedAt: now})
	}

	if err := e.store.DeleteBatch(ctx, res.CopiedIDs); err != nil {
		return Result{}, fmt.Errorf("failed to remove resolved faults: %w", err)
	}
	for _, c := range group {
		e.hasher.Forget(c.path)
	}
	res.Count = len(res.CopiedIDs)

	if decision == model.Accept && len(items) > 0 {
		batchID := uuid.NewString()
		for i := range items {
			items[i].BatchID = batchID
		}
		if err := e.annotations.InsertBatch(ctx, items); err != nil {
			// the images are already in the dataset; only the annotate queue is missing
			e.logger.Error("Failed to queue annotation batch %s: %v", batchID, err)
			res.Warning = fmt.Sprintf("%d images were added to the dataset but could not be queued for annotation", len(items))
		} else {
			res.BatchID = batchID
			res.Redirect = AnnotateRedirect
		}
	}

	e.logger.Info("Fault %d resolved as %s: %d moved, %d failed", targetID, decision, res.Count, len(res.Failed))
	e.metrics.RecordResolve(string(decision), res.Count)
	if e.publisher != nil {
		e.publisher.Publish(websocket.EventFaultsResolve, res)
	}
	return res, nil
}

// findGroup fingerprints every pending record and returns those within the
// threshold of targetHash, ordered by id.
func (e *Engine) findGroup(ctx context.Context, targetHash phash.Hash) ([]candidate, error) {
	records, err := e.store.ScanPending(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range records {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := candidate{record: records[i], path: e.store.ImagePath(&records[i])}
			h, err := e.hasher.Fingerprint(c.path)
			if err != nil {
				e.logger.Warning("Skipping fault %d: %v", c.record.ID, err)
				e.metrics.RecordHashError()
			} else {
				c.hash, c.ok = h, true
			}
			candidates[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var group []candidate
	for _, c := range candidates {
		if c.ok && phash.Similar(c.hash, targetHash, e.opts.Threshold) {
			group = append(group, c)
		}
	}
	return group, nil
}
