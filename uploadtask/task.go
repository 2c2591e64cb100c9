// Package uploadtask implements the per-file upload state machine: it
// drives a file from idle through parallel hashing and chunked upload to
// success, retrying failed chunks with exponential backoff and reporting
// progress via an event bus. A task negotiates a session, streams data in
// bounded units, retries transport failures, and emits terminal
// success/error exactly once.
package uploadtask

import (
	"context"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"

	"github.com/SajanLamichhane/chunkflow/adapter"
	"github.com/SajanLamichhane/chunkflow/chunksize"
	"github.com/SajanLamichhane/chunkflow/climiter"
	"github.com/SajanLamichhane/chunkflow/digest"
	"github.com/SajanLamichhane/chunkflow/eventbus"
	"github.com/SajanLamichhane/chunkflow/progressstore"
	"github.com/SajanLamichhane/chunkflow/protocol"
)

// Source is the byte source a Task slices and hashes. An *os.File or any
// other io.ReaderAt satisfies it once its length is known.
type Source interface {
	io.ReaderAt
}

// Options configures a Task's retry policy, concurrency, and chunk-size
// negotiation, and optionally seeds a resumed task's identity.
type Options struct {
	Concurrency        int
	RetryCount         int
	RetryDelay         time.Duration
	InitialChunkSize   int64
	MinChunkSize       int64
	MaxChunkSize       int64
	TargetTime         time.Duration
	PreferredChunkSize int64

	// Resume* seed a task reconstructed from a persisted UploadRecord
	// after a restart. ResumeUploadedChunks is a hint only: when
	// ResumeUploadToken is set, the chunk-level verifyHash answer replaces
	// it before any chunk is scheduled; otherwise a chunk named here is
	// not resubmitted to uploadChunk. Either way a skipped chunk's hash is
	// still recomputed locally so mergeFile's ordered list is always
	// complete without depending on bytes that crossed a restart.
	ResumeTaskID         string
	ResumeUploadToken    string
	ResumeUploadedChunks []int
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = protocol.DefaultConcurrency
	}
	if o.RetryCount <= 0 {
		o.RetryCount = protocol.DefaultRetryCount
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = protocol.DefaultRetryDelay
	}
	if o.InitialChunkSize <= 0 {
		o.InitialChunkSize = protocol.DefaultChunkSize
	}
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = protocol.MinChunkSize
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = protocol.MaxChunkSize
	}
	if o.TargetTime <= 0 {
		o.TargetTime = protocol.DefaultTargetTime
	}
	return o
}

// Progress is the snapshot returned by Task.GetProgress.
type Progress struct {
	UploadedBytes  int64
	TotalBytes     int64
	Percentage     float64
	Speed          float64
	RemainingTime  float64
	UploadedChunks int
	TotalChunks    int
}

// Task is a single file's upload state machine. The zero value is not
// usable; construct with New.
type Task struct {
	taskID  string
	file    protocol.FileInfo
	source  Source
	adapter adapter.RequestAdapter
	store   *progressstore.Store
	bus     *eventbus.Bus
	opts    Options

	mu             sync.Mutex
	status         protocol.TaskStatus
	chunks         []digest.Slice
	chunkHashes    []string
	uploaded       map[int]bool
	pendingExclude map[int]bool // resumed-as-already-uploaded, still subject to verifyHash
	uploadToken    string
	fileHash       string
	bytesUploaded  int64
	startedAt      time.Time

	// emitMu serializes progress snapshots with their emission so that
	// progress events observed by handlers are monotonic even when chunk
	// goroutines complete concurrently.
	emitMu sync.Mutex

	limiter  *climiter.Limiter
	adj      *chunksize.Adjuster
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Task for file, backed by source (must yield exactly
// file.Size bytes), driven through adapter, persisting progress to store,
// and emitting lifecycle events on bus. Any of store/bus may be nil to
// disable that concern.
func New(file protocol.FileInfo, source Source, a adapter.RequestAdapter, store *progressstore.Store, bus *eventbus.Bus, opts Options) (*Task, error) {
	if a == nil {
		return nil, errors.Extend(errors.New("adapter is required"), ErrInvalidArgument)
	}
	if file.Size < 0 {
		return nil, errors.Extend(errors.New("file size must be non-negative"), ErrInvalidArgument)
	}
	opts = opts.withDefaults()

	id := opts.ResumeTaskID
	if id == "" {
		id = newTaskID()
	}
	exclude := make(map[int]bool, len(opts.ResumeUploadedChunks))
	for _, idx := range opts.ResumeUploadedChunks {
		exclude[idx] = true
	}

	return &Task{
		taskID:         id,
		file:           file,
		source:         source,
		adapter:        a,
		store:          store,
		bus:            bus,
		opts:           opts,
		status:         protocol.StatusIdle,
		uploaded:       make(map[int]bool),
		pendingExclude: exclude,
		uploadToken:    opts.ResumeUploadToken,
	}, nil
}

func newTaskID() string {
	return hex.EncodeToString(fastrand.Bytes(16))
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.taskID }

// GetStatus returns the task's current status.
func (t *Task) GetStatus() protocol.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// On subscribes handler to topic on the task's event bus. It is a no-op
// (returning 0) if the task has no bus.
func (t *Task) On(topic string, handler eventbus.Handler) uint64 {
	if t.bus == nil {
		return 0
	}
	return t.bus.On(topic, handler)
}

// Off removes a subscription registered via On.
func (t *Task) Off(id uint64) {
	if t.bus != nil {
		t.bus.Off(id)
	}
}

func (t *Task) emit(topic string, payload interface{}) {
	if t.bus != nil {
		t.bus.Emit(topic, payload)
	}
}

// GetProgress returns a snapshot of upload progress.
func (t *Task) GetProgress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

func (t *Task) progressLocked() Progress {
	total := t.file.Size
	uploaded := t.bytesUploaded
	var pct float64
	if total > 0 {
		pct = float64(uploaded) / float64(total) * 100
	} else if t.status == protocol.StatusSuccess {
		pct = 100
	}
	var speed, remaining float64
	if !t.startedAt.IsZero() {
		elapsed := time.Since(t.startedAt).Seconds()
		if elapsed > 0 {
			speed = float64(uploaded) / elapsed
		}
		if speed > 0 {
			remaining = float64(total-uploaded) / speed
		}
	}
	return Progress{
		UploadedBytes:  uploaded,
		TotalBytes:     total,
		Percentage:     pct,
		Speed:          speed,
		RemainingTime:  remaining,
		UploadedChunks: len(t.uploaded),
		TotalChunks:    len(t.chunks),
	}
}

// transitionLocked moves the task to next if the current status allows it,
// returning ErrInvalidTransition otherwise. Must be called with t.mu held.
func (t *Task) transitionLocked(next protocol.TaskStatus) error {
	if t.status.Terminal() {
		return ErrInvalidTransition
	}
	switch next {
	case protocol.StatusUploading:
		if t.status != protocol.StatusIdle && t.status != protocol.StatusPaused {
			return ErrInvalidTransition
		}
	case protocol.StatusPaused:
		if t.status != protocol.StatusUploading {
			return ErrInvalidTransition
		}
	case protocol.StatusSuccess, protocol.StatusError, protocol.StatusCancelled:
		// reachable from any non-terminal state.
	}
	t.status = next
	return nil
}

// Start begins the upload: createFile, build the chunk plan, and launch the
// parallel hash and upload activities. Start is valid only from idle.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.status != protocol.StatusIdle {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	if err := t.transitionLocked(protocol.StatusUploading); err != nil {
		t.mu.Unlock()
		return err
	}
	t.startedAt = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	t.cancelFn = cancel
	t.mu.Unlock()
	t.emit(protocol.EventStart, nil)

	resp, err := t.adapter.CreateFile(ctx, protocol.CreateFileRequest{
		FileName:           t.file.Name,
		FileSize:           t.file.Size,
		FileType:           t.file.MIMEType,
		PreferredChunkSize: t.opts.PreferredChunkSize,
	})
	if err != nil {
		t.fail(errors.Extend(err, ErrNetwork))
		return nil
	}

	t.mu.Lock()
	t.uploadToken = resp.UploadToken
	chunkSize := resp.NegotiatedChunkSize
	if chunkSize <= 0 {
		chunkSize = t.opts.InitialChunkSize
	}
	t.chunks = digest.Plan(t.file.Size, chunkSize)
	t.chunkHashes = make([]string, len(t.chunks))
	for idx := range t.uploaded {
		delete(t.uploaded, idx)
	}
	t.mu.Unlock()

	t.persistInitial()

	adj, err := chunksize.New(chunksize.Config{
		InitialSize: chunkSize,
		MinSize:     t.opts.MinChunkSize,
		MaxSize:     t.opts.MaxChunkSize,
		TargetTime:  t.opts.TargetTime,
	})
	if err != nil {
		adj = nil // negotiated size was outside our own bounds; skip adaptive resizing.
	}
	limiter := climiter.New(t.opts.Concurrency)
	t.mu.Lock()
	t.limiter = limiter
	t.adj = adj
	t.mu.Unlock()

	t.wg.Add(2)
	go t.runHash(ctx)
	go t.runUpload(ctx, limiter, adj)

	go func() {
		t.wg.Wait()
		t.maybeMerge(ctx)
	}()
	return nil
}

func (t *Task) persistInitial() {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	rec := progressstore.UploadRecord{
		TaskID:      t.taskID,
		File:        t.file,
		UploadToken: t.uploadToken,
	}
	for idx := range t.pendingExclude {
		rec.UploadedChunks = append(rec.UploadedChunks, idx)
	}
	sort.Ints(rec.UploadedChunks)
	t.mu.Unlock()
	t.store.SaveRecord(rec)
}

func (t *Task) runHash(ctx context.Context) {
	defer t.wg.Done()
	r := io.NewSectionReader(t.source, 0, t.file.Size)
	hash, err := digest.Stream(r, t.file.Size, func(pct int) {
		t.emit(protocol.EventHashProgress, protocol.HashProgressPayload{Percent: pct})
	})
	if err != nil {
		t.fail(err)
		return
	}
	t.mu.Lock()
	t.fileHash = hash
	t.file.FileHash = hash
	done := t.status.Terminal()
	t.mu.Unlock()
	if done {
		return
	}
	t.emit(protocol.EventHashComplete, protocol.HashCompletePayload{Hash: hash})

	resp, err := t.adapter.VerifyHash(ctx, protocol.VerifyHashRequest{
		UploadToken: t.uploadToken,
		FileHash:    hash,
	})
	if err != nil {
		t.fail(errors.Extend(err, ErrNetwork))
		return
	}
	if resp.FileExists {
		t.succeed(resp.FileURL, ctx)
	}
}

// verifyExistingChunks asks the server which of this task's chunks it
// already holds, marking them uploaded-in-advance. Only resumed tasks pay
// for this pass: a fresh upload starts sending immediately, while a
// resumed one first hashes every chunk (a local read, much cheaper than a
// transfer) so that chunks surviving on the server are not re-sent.
// Indices in the response refer to the order of the supplied hash list.
func (t *Task) verifyExistingChunks(ctx context.Context) error {
	t.mu.Lock()
	n := len(t.chunks)
	t.mu.Unlock()

	hashes := make([]string, n)
	for i := 0; i < n; i++ {
		data, err := readSlice(t.source, t.chunkSlice(i))
		if err != nil {
			return err
		}
		hashes[i] = digest.Bytes(data)
	}
	t.mu.Lock()
	copy(t.chunkHashes, hashes)
	t.mu.Unlock()

	resp, err := t.adapter.VerifyHash(ctx, protocol.VerifyHashRequest{
		UploadToken: t.uploadTokenSnapshot(),
		ChunkHashes: hashes,
	})
	if err != nil {
		return errors.Extend(err, ErrNetwork)
	}
	t.mu.Lock()
	// The server's answer supersedes the persisted index list: the plan
	// was rebuilt by createFile and may no longer line up with the
	// indices recorded under the previous session's chunk size.
	for idx := range t.pendingExclude {
		delete(t.pendingExclude, idx)
	}
	for _, idx := range resp.ExistingChunks {
		if idx >= 0 && idx < n {
			t.pendingExclude[idx] = true
		}
	}
	t.mu.Unlock()
	return nil
}

// runUpload schedules uploadChunk for every chunk not already known
// present, honoring pause/cancel signals and the configured concurrency.
func (t *Task) runUpload(ctx context.Context, limiter *climiter.Limiter, adj *chunksize.Adjuster) {
	defer t.wg.Done()

	if t.opts.ResumeUploadToken != "" {
		if err := t.verifyExistingChunks(ctx); err != nil {
			t.fail(err)
			return
		}
	}

	t.mu.Lock()
	n := len(t.chunks)
	t.mu.Unlock()

	var chunkWG sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		t.mu.Lock()
		skip := t.pendingExclude[i] || t.status.Terminal()
		t.mu.Unlock()

		slice := t.chunkSlice(i)
		data, err := readSlice(t.source, slice)
		if err != nil {
			t.fail(err)
			return
		}
		hash := digest.Bytes(data)
		t.mu.Lock()
		t.chunkHashes[i] = hash
		t.mu.Unlock()

		if skip {
			t.mu.Lock()
			t.uploaded[i] = true
			t.mu.Unlock()
			continue
		}

		chunkWG.Add(1)
		go func() {
			defer chunkWG.Done()
			t.uploadOneChunk(ctx, limiter, adj, i, hash, data)
		}()

		// cooperative pause check between submissions: don't launch any
		// new chunk while paused.
		for t.GetStatus() == protocol.StatusPaused {
			time.Sleep(25 * time.Millisecond)
			if t.GetStatus().Terminal() {
				break
			}
		}
		if t.GetStatus().Terminal() {
			break
		}
	}
	chunkWG.Wait()
}

func (t *Task) chunkSlice(i int) digest.Slice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks[i]
}

func readSlice(src Source, s digest.Slice) ([]byte, error) {
	buf := make([]byte, s.Size())
	_, err := src.ReadAt(buf, s.Start)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (t *Task) uploadOneChunk(ctx context.Context, limiter *climiter.Limiter, adj *chunksize.Adjuster, index int, hash string, data []byte) {
	if t.GetStatus().Terminal() {
		return
	}
	token := t.uploadTokenSnapshot()

	var lastErr error
	for attempt := 0; attempt <= t.opts.RetryCount; attempt++ {
		// Hold queued chunks while paused; a chunk already inside the
		// limiter runs to completion, but nothing new starts.
		for t.GetStatus() == protocol.StatusPaused {
			time.Sleep(25 * time.Millisecond)
		}
		if t.GetStatus().Terminal() {
			return
		}
		start := time.Now()
		_, err := climiter.Run(limiter, func() (protocol.UploadChunkResponse, error) {
			return t.adapter.UploadChunk(ctx, protocol.UploadChunkRequest{
				UploadToken: token,
				ChunkIndex:  index,
				ChunkHash:   hash,
				ChunkBytes:  data,
			})
		})
		if err == nil {
			if adj != nil {
				// The adjuster is not safe for concurrent use; chunk
				// goroutines feed it under the task lock. The adjusted
				// size seeds the plan of the next upload, never this one.
				t.mu.Lock()
				adj.Adjust(time.Since(start))
				t.mu.Unlock()
			}
			t.recordChunkSuccess(index, int64(len(data)))
			return
		}
		if err == climiter.ErrCleared {
			// Cancel cleared the queue; discard silently.
			return
		}
		lastErr = err
		t.emit(protocol.EventChunkError, protocol.ChunkErrorPayload{ChunkIndex: index, Error: err})
		if attempt < t.opts.RetryCount {
			time.Sleep(t.opts.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	t.fail(errors.Extend(lastErr, ErrRetriesExhausted))
}

func (t *Task) uploadTokenSnapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadToken
}

// NextChunkSize returns the chunk size the adaptive controller settled on
// over this task's uploads, for seeding the plan of a subsequent task.
// Zero before Start, or when adaptation was disabled.
func (t *Task) NextChunkSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.adj == nil {
		return 0
	}
	return t.adj.CurrentSize()
}

func (t *Task) recordChunkSuccess(index int, size int64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.uploaded[index] = true
	t.bytesUploaded += size
	uploadedIdx := make([]int, 0, len(t.uploaded))
	for idx := range t.uploaded {
		uploadedIdx = append(uploadedIdx, idx)
	}
	sort.Ints(uploadedIdx)
	token := t.uploadToken
	p := t.progressLocked()
	t.mu.Unlock()

	if t.store != nil {
		t.store.UpdateRecord(t.taskID, progressstore.Patch{UploadedChunks: &uploadedIdx, UploadToken: &token})
	}
	t.emit(protocol.EventChunkSuccess, protocol.ChunkSuccessPayload{ChunkIndex: index})
	t.emit(protocol.EventProgress, protocol.ProgressPayload{
		UploadedBytes:  p.UploadedBytes,
		TotalBytes:     p.TotalBytes,
		Percentage:     p.Percentage,
		Speed:          p.Speed,
		RemainingTime:  p.RemainingTime,
		UploadedChunks: p.UploadedChunks,
		TotalChunks:    p.TotalChunks,
	})
}

// maybeMerge calls mergeFile once every chunk has been accounted for and the
// task has not already reached a terminal state via the hash/instant-upload
// path or a chunk failure.
func (t *Task) maybeMerge(ctx context.Context) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	if t.fileHash == "" {
		t.mu.Unlock()
		t.fail(errors.New("file hash never completed"))
		return
	}
	hashes := append([]string(nil), t.chunkHashes...)
	token := t.uploadToken
	fileHash := t.fileHash
	t.mu.Unlock()

	resp, err := t.adapter.MergeFile(ctx, protocol.MergeFileRequest{
		UploadToken: token,
		FileHash:    fileHash,
		ChunkHashes: hashes,
	})
	if err != nil {
		t.fail(errors.Extend(err, ErrNetwork))
		return
	}
	if !resp.Success {
		t.fail(errors.New("server rejected merge"))
		return
	}
	t.succeed(resp.FileURL, ctx)
}

func (t *Task) succeed(fileURL string, ctx context.Context) {
	t.mu.Lock()
	if err := t.transitionLocked(protocol.StatusSuccess); err != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if t.cancelFn != nil {
		t.cancelFn()
	}
	if t.store != nil {
		t.store.DeleteRecord(t.taskID)
	}
	t.emit(protocol.EventSuccess, protocol.SuccessPayload{FileURL: fileURL})
}

func (t *Task) fail(cause error) {
	t.mu.Lock()
	if err := t.transitionLocked(protocol.StatusError); err != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.emit(protocol.EventError, protocol.ErrorPayload{Error: cause})
}

// Pause stops submitting new chunk uploads; already-started chunks run to
// completion. Valid only from uploading.
func (t *Task) Pause() error {
	t.mu.Lock()
	if err := t.transitionLocked(protocol.StatusPaused); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.emit(protocol.EventPause, nil)
	return nil
}

// Resume re-enters uploading. Valid only from paused; since runUpload's
// submission loop polls status between chunks, resuming simply flips the
// status back and lets that loop proceed.
func (t *Task) Resume() error {
	t.mu.Lock()
	if err := t.transitionLocked(protocol.StatusUploading); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.emit(protocol.EventResume, nil)
	return nil
}

// Cancel marks the task cancelled, clears any not-yet-started work, and
// best-effort deletes its progress record. In-flight uploads are allowed to
// finish but their results are discarded.
func (t *Task) Cancel() error {
	t.mu.Lock()
	if err := t.transitionLocked(protocol.StatusCancelled); err != nil {
		t.mu.Unlock()
		return err
	}
	limiter := t.limiter
	t.mu.Unlock()
	if limiter != nil {
		limiter.ClearQueue()
	}
	if t.cancelFn != nil {
		t.cancelFn()
	}
	if t.store != nil {
		t.store.DeleteRecord(t.taskID)
	}
	t.emit(protocol.EventCancel, nil)
	return nil
}
