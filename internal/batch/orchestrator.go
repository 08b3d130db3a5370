// Package batch runs uploaded files through the transcription pipeline
// strictly one at a time, persists their state, and fans progress out
// to live observers. One file failing never stops the rest of its
// batch.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audioscribe/backend/internal/live"
	"github.com/audioscribe/backend/internal/pipeline"
)

// PipelineRunner processes one file. *pipeline.Pipeline satisfies it.
type PipelineRunner interface {
	Run(ctx context.Context, job pipeline.Job) <-chan pipeline.Event
}

// Emitter publishes frames to live observers. *live.Hub satisfies it;
// tests substitute a recorder.
type Emitter interface {
	PublishJSON(topic string, v any)
	SetSnapshot(topic string, fn func() [][]byte)
}

var (
	ErrNotFound  = errors.New("batch not found")
	ErrQueueFull = errors.New("batch queue is full")
	ErrFinished  = errors.New("batch already finished")
)

type Options struct {
	// QueueSize caps batches waiting for the worker; Enqueue refuses
	// beyond it. Defaults to 100.
	QueueSize int
	// OnFileDone runs after a file reaches a terminal status and its
	// row is persisted. Used for transcript export and upload cleanup.
	OnFileDone func(f *File)
}

// Orchestrator owns the batch tables and the single worker that drains
// the queue. Files inside a batch run in upload order; cancellation
// takes effect at file boundaries only, so the in-flight file always
// reaches a terminal state.
type Orchestrator struct {
	db      *sql.DB
	pipe    PipelineRunner
	emitter Emitter
	opts    Options

	pending chan string

	mu    sync.Mutex
	stops map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *sql.DB, pipe PipelineRunner, emitter Emitter, opts Options) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		db:      db,
		pipe:    pipe,
		emitter: emitter,
		opts:    opts,
		pending: make(chan string, opts.QueueSize),
		stops:   make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start marks rows interrupted by a previous run as failed and launches
// the worker goroutine.
func (o *Orchestrator) Start() error {
	if err := o.recoverInterrupted(); err != nil {
		return err
	}
	o.wg.Add(1)
	go o.worker()
	o.logf("worker started")
	return nil
}

// Stop halts the worker. An in-flight pipeline run is canceled through
// its context and the file is recorded as interrupted.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Enqueue persists a new batch and hands it to the worker. The batch
// starts as soon as the worker reaches it.
func (o *Orchestrator) Enqueue(specs []FileSpec) (*Batch, error) {
	if len(specs) == 0 {
		return nil, errors.New("batch has no files")
	}
	now := time.Now()
	b := &Batch{
		ID:         uuid.New().String(),
		State:      StatePending,
		TotalFiles: len(specs),
		CreatedAt:  now,
	}
	files := make([]*File, 0, len(specs))
	for i, spec := range specs {
		files = append(files, &File{
			ID:        uuid.New().String(),
			BatchID:   b.ID,
			Index:     i,
			Name:      spec.Name,
			Path:      spec.Path,
			Size:      spec.Size,
			Language:  spec.Language,
			Status:    FileStatusPending,
			CreatedAt: now,
		})
	}
	if err := o.insertBatch(b, files); err != nil {
		return nil, err
	}
	b.Files = files

	select {
	case o.pending <- b.ID:
	default:
		o.db.Exec(`DELETE FROM batch_files WHERE batch_id = ?`, b.ID)
		o.db.Exec(`DELETE FROM batches WHERE id = ?`, b.ID)
		return nil, ErrQueueFull
	}
	o.installSnapshots(b.ID, files)
	o.logf("enqueued batch %s with %d file(s)", b.ID, len(files))
	return b, nil
}

// Cancel requests that a batch stop after the in-flight file. Files not
// yet started are marked with a cancellation error and counted as
// failed.
func (o *Orchestrator) Cancel(batchID string) error {
	state, err := o.batchState(batchID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state != StatePending && state != StateProcessing {
		return ErrFinished
	}
	o.mu.Lock()
	o.stops[batchID] = true
	o.mu.Unlock()
	o.logf("cancel requested for batch %s", batchID)
	return nil
}

func (o *Orchestrator) stopRequested(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stops[batchID]
}

func (o *Orchestrator) clearStop(batchID string) {
	o.mu.Lock()
	delete(o.stops, batchID)
	o.mu.Unlock()
}

// Get returns a batch with its files in order.
func (o *Orchestrator) Get(batchID string) (*Batch, error) {
	b, err := o.loadBatch(batchID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Files, err = o.loadFiles(batchID)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetFile returns a single file row.
func (o *Orchestrator) GetFile(fileID string) (*File, error) {
	f, err := o.loadFile(fileID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return f, err
}

// QueueDepth reports how many batches are waiting for the worker.
func (o *Orchestrator) QueueDepth() int {
	return len(o.pending)
}

// List returns all batches, newest first, without their files.
func (o *Orchestrator) List() ([]*Batch, error) {
	rows, err := o.db.Query(
		`SELECT id, state, total_files, completed_files, failed_files, created_at, started_at, completed_at
		 FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := []*Batch{}
	for rows.Next() {
		b := &Batch{}
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(&b.ID, &b.State, &b.TotalFiles, &b.CompletedFiles, &b.FailedFiles,
			&b.CreatedAt, &startedAt, &completedAt)
		if err != nil {
			return nil, err
		}
		if startedAt.Valid {
			b.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			b.CompletedAt = &completedAt.Time
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case batchID := <-o.pending:
			o.processBatch(batchID)
		}
	}
}

func (o *Orchestrator) processBatch(batchID string) {
	defer o.clearStop(batchID)

	state, err := o.batchState(batchID)
	if err != nil {
		o.logf("load batch %s: %v", batchID, err)
		return
	}
	if state != StatePending {
		o.logf("batch %s is %s, skipping", batchID, state)
		return
	}
	files, err := o.loadFiles(batchID)
	if err != nil {
		o.logf("load files for batch %s: %v", batchID, err)
		return
	}
	if err := o.markBatchStarted(batchID); err != nil {
		o.logf("mark batch %s started: %v", batchID, err)
		return
	}

	topic := live.BatchTopic(batchID)
	total := len(files)
	completed, failed := 0, 0
	canceled := false

	o.logf("batch %s started with %d file(s)", batchID, total)
	o.emitter.PublishJSON(topic, live.NewBatchStatus(total, 0, 0))

	for _, f := range files {
		select {
		case <-o.ctx.Done():
			o.markInterrupted(batchID, files)
			return
		default:
		}
		if o.stopRequested(batchID) {
			canceled = true
		}
		if canceled {
			o.skipCanceled(topic, f)
			failed++
		} else if o.processFile(topic, f) {
			completed++
		} else {
			failed++
		}
		o.updateBatchCounters(batchID, completed, failed)
		o.emitter.PublishJSON(topic, live.NewBatchStatus(total, completed, failed))
	}

	finalState := StateCompleted
	if canceled {
		finalState = StateCanceled
	}
	if err := o.markBatchDone(batchID, finalState, completed, failed); err != nil {
		o.logf("mark batch %s done: %v", batchID, err)
	}
	o.emitter.PublishJSON(topic, live.NewBatchComplete(total, completed, failed))
	o.logf("batch %s %s: %d completed, %d failed", batchID, finalState, completed, failed)
}

// processFile drains one pipeline run, mirroring every event to the
// file channel and the batch channel. Returns true when the file
// completed.
func (o *Orchestrator) processFile(batchTopic string, f *File) bool {
	fileTopic := live.FileTopic(f.ID)
	o.emitter.PublishJSON(batchTopic, live.NewFileStart(f.ID, f.Name, f.Index))

	events := o.pipe.Run(o.ctx, pipeline.Job{
		ID:         f.ID,
		SourcePath: f.Path,
		Name:       f.Name,
		Language:   f.Language,
	})

	var terminal *pipeline.Event
	lastProgress := 0
	for ev := range events {
		if ev.Status.Terminal() {
			ev := ev
			terminal = &ev
			continue
		}
		lastProgress = ev.Progress
		if err := o.updateFileProgress(f.ID, string(ev.Status), ev.Progress); err != nil {
			o.logf("update file %s: %v", f.ID, err)
		}
		o.emitter.PublishJSON(fileTopic, live.FileStatus{
			Status:   string(ev.Status),
			Progress: ev.Progress,
			Message:  ev.Message,
		})
		o.emitter.PublishJSON(batchTopic, live.NewFileProgress(f.ID, string(ev.Status), ev.Progress, ev.Message))
	}

	if terminal == nil {
		// The run's context died before a terminal event could be
		// delivered.
		msg := "processing interrupted"
		if err := o.markFileFailed(f.ID, msg, lastProgress); err != nil {
			o.logf("mark file %s failed: %v", f.ID, err)
		}
		o.finishFile(f)
		return false
	}

	if terminal.Status == pipeline.StatusCompleted {
		if err := o.markFileCompleted(f.ID, terminal.Transcript); err != nil {
			o.logf("mark file %s completed: %v", f.ID, err)
		}
		transcript := terminal.Transcript
		o.emitter.PublishJSON(fileTopic, live.FileStatus{
			Status:     string(pipeline.StatusCompleted),
			Progress:   100,
			Message:    terminal.Message,
			Transcript: &transcript,
		})
		o.emitter.PublishJSON(batchTopic, live.NewFileComplete(f.ID, string(pipeline.StatusCompleted), &transcript, ""))
		o.logf("file %s (%s) completed", f.ID, f.Name)
		o.finishFile(f)
		return true
	}

	if err := o.markFileFailed(f.ID, terminal.Message, terminal.Progress); err != nil {
		o.logf("mark file %s failed: %v", f.ID, err)
	}
	o.emitter.PublishJSON(fileTopic, live.FileStatus{
		Status:   string(pipeline.StatusError),
		Progress: terminal.Progress,
		Error:    terminal.Message,
	})
	o.emitter.PublishJSON(batchTopic, live.NewFileComplete(f.ID, string(pipeline.StatusError), nil, terminal.Message))
	o.logf("file %s (%s) failed: %s", f.ID, f.Name, terminal.Message)
	o.finishFile(f)
	return false
}

// skipCanceled records a never-started file as failed with a
// cancellation message, keeping the one-start-one-terminal shape on the
// batch channel.
func (o *Orchestrator) skipCanceled(batchTopic string, f *File) {
	cerr := &pipeline.CancellationError{Reason: "batch canceled"}
	msg := cerr.Error()
	if err := o.markFileFailed(f.ID, msg, 0); err != nil {
		o.logf("mark file %s canceled: %v", f.ID, err)
	}
	o.emitter.PublishJSON(batchTopic, live.NewFileStart(f.ID, f.Name, f.Index))
	o.emitter.PublishJSON(live.FileTopic(f.ID), live.FileStatus{
		Status: string(pipeline.StatusError),
		Error:  msg,
	})
	o.emitter.PublishJSON(batchTopic, live.NewFileComplete(f.ID, string(pipeline.StatusError), nil, msg))
	o.finishFile(f)
}

// markInterrupted handles a worker shutdown mid-batch.
func (o *Orchestrator) markInterrupted(batchID string, files []*File) {
	const reason = "interrupted by server shutdown"
	for _, f := range files {
		cur, err := o.loadFile(f.ID)
		if err != nil || cur.Done() {
			continue
		}
		o.markFileFailed(f.ID, reason, cur.Progress)
	}
	b, err := o.loadBatch(batchID)
	if err != nil {
		return
	}
	o.markBatchDone(batchID, StateFailed, b.CompletedFiles, b.TotalFiles-b.CompletedFiles)
	o.logf("batch %s interrupted", batchID)
}

func (o *Orchestrator) finishFile(f *File) {
	if o.opts.OnFileDone == nil {
		return
	}
	cur, err := o.loadFile(f.ID)
	if err != nil {
		o.logf("reload file %s: %v", f.ID, err)
		return
	}
	o.opts.OnFileDone(cur)
}

// installSnapshots registers late-joiner snapshot builders for the
// batch topic and each file topic. Snapshots read current rows, so a
// client attaching mid-run sees where processing stands, not a replay.
func (o *Orchestrator) installSnapshots(batchID string, files []*File) {
	o.emitter.SetSnapshot(live.BatchTopic(batchID), func() [][]byte {
		msg, err := o.batchSnapshot(batchID)
		if err != nil {
			o.logf("snapshot batch %s: %v", batchID, err)
			return nil
		}
		return [][]byte{live.Encode(msg)}
	})
	for _, f := range files {
		fileID := f.ID
		o.emitter.SetSnapshot(live.FileTopic(fileID), func() [][]byte {
			cur, err := o.loadFile(fileID)
			if err != nil {
				o.logf("snapshot file %s: %v", fileID, err)
				return nil
			}
			return [][]byte{live.Encode(fileFrame(cur))}
		})
	}
}

func (o *Orchestrator) batchSnapshot(batchID string) (*live.BatchStatus, error) {
	b, err := o.loadBatch(batchID)
	if err != nil {
		return nil, err
	}
	files, err := o.loadFiles(batchID)
	if err != nil {
		return nil, err
	}
	msg := live.NewBatchStatus(b.TotalFiles, b.CompletedFiles, b.FailedFiles)
	msg.Files = make([]live.FileSnapshot, 0, len(files))
	for _, f := range files {
		snap := live.FileSnapshot{
			FileID:       f.ID,
			FileName:     f.Name,
			FileIndex:    f.Index,
			Status:       f.Status,
			Progress:     f.Progress,
			ErrorMessage: f.ErrorMessage,
		}
		if f.Status == string(pipeline.StatusCompleted) {
			t := f.Transcript
			snap.Transcript = &t
		}
		msg.Files = append(msg.Files, snap)
	}
	return &msg, nil
}

// fileFrame renders a file row as a single-file channel frame.
func fileFrame(f *File) live.FileStatus {
	frame := live.FileStatus{Status: f.Status, Progress: f.Progress}
	switch f.Status {
	case string(pipeline.StatusCompleted):
		t := f.Transcript
		frame.Transcript = &t
	case string(pipeline.StatusError):
		frame.Error = f.ErrorMessage
	}
	return frame
}

func (o *Orchestrator) logf(format string, args ...any) {
	log.Printf("[batch] "+format, args...)
}
