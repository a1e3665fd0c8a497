package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/innerchild2401/arsfafe/internal/config"
	"github.com/innerchild2401/arsfafe/internal/index"
	"github.com/innerchild2401/arsfafe/internal/llm"
	"github.com/innerchild2401/arsfafe/internal/segment"
	"github.com/innerchild2401/arsfafe/internal/store"
)

// Oracle is the language-model collaborator used during ingestion.
type Oracle interface {
	segment.Oracle
	Label(ctx context.Context, text string, n int) ([]string, error)
	Summarize(ctx context.Context, text, title string) (string, error)
	SummarizeDocument(ctx context.Context, summaries []string, title string) (string, error)
	Tag(ctx context.Context, text string) (llm.ActionTags, error)
}

// KeywordIndex receives child units for lexical search.
type KeywordIndex interface {
	Index(ctx context.Context, entries []index.Entry) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// Orchestrator manages the document ingestion pipeline.
type Orchestrator struct {
	jobs     *JobStore
	queue    chan *Job
	store    *store.Store
	index    KeywordIndex
	oracle   Oracle
	embedder llm.Embedder
	log      *slog.Logger
	cfg      config.Config

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates the pipeline. Call Start to launch workers.
func NewOrchestrator(cfg config.Config, st *store.Store, kw KeywordIndex, oracle Oracle, embedder llm.Embedder, log *slog.Logger) *Orchestrator {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.StaleProcessingAfter <= 0 {
		cfg.StaleProcessingAfter = 2 * time.Minute
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	return &Orchestrator{
		jobs:     NewJobStore(cfg.JobTTL),
		queue:    make(chan *Job, cfg.MaxQueueSize),
		store:    st,
		index:    kw,
		oracle:   oracle,
		embedder: embedder,
		log:      log,
		cfg:      cfg,
	}
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	workers := max(o.cfg.WorkerCount, 1)
	for range workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w := NewWorker(o.store, o.index, o.oracle, o.embedder, o.log, workerConfig(o.cfg))
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					w.Process(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.jobs.Cleanup()
			}
		}
	}()
	o.log.Info("pipeline started", "workers", workers, "queue_size", cap(o.queue))
}

// Stop gracefully shuts down the pipeline.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit queues a job without blocking. When the queue is full the job
// fails and the document is moved to error.
func (o *Orchestrator) Submit(ctx context.Context, job *Job) error {
	o.jobs.Put(job)

	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.stopped {
		select {
		case o.queue <- job:
			return nil
		default:
		}
	}

	job.SetStatus(StatusFailed, "queue_full")
	job.AddError(ErrQueueFull.Error())
	err := o.store.Transition(ctx, job.DocID,
		[]store.Status{store.StatusUploaded, store.StatusProcessing}, store.StatusError, "queue full")
	if err != nil {
		o.log.Error("mark queue-full document failed", "doc_id", job.DocID, "error", err)
	}
	return fmt.Errorf("%w (%d)", ErrQueueFull, cap(o.queue))
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func workerConfig(cfg config.Config) WorkerConfig {
	return WorkerConfig{
		Segment: segment.Config{
			WindowSize: cfg.WindowSize,
			Retries:    cfg.WindowRetries,
		},
		PDFFallbackPdftotext: cfg.PDFFallbackPdftotext,
		EmbedBatchSize:       cfg.EmbedBatchSize,
		LabelCount:           cfg.LabelCount,
		SummarizeSections:    cfg.SummarizeSections,
		TagActions:           cfg.TagActions,
	}
}
