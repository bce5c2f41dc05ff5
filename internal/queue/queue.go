// Package queue provides the durable ingest buffer. Accepted records are
// fsynced to a segmented local log before the write is acknowledged, so a
// crash between accept and commit loses nothing: on restart the log is
// replayed and unacknowledged entries are redelivered to the committer.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	engineerrors "github.com/skylarkdb/skylark/internal/errors"
	"github.com/skylarkdb/skylark/pkg/types"
)

const (
	frameEnqueue = "enqueue"
	frameAck     = "ack"
)

// frame is one log record: either an enqueued entry or an acknowledgment
// marker recording that a project's entries up to a sequence are committed.
type frame struct {
	Kind      string            `json:"kind"`
	Entry     *types.QueueEntry `json:"entry,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	AckUpTo   uint64            `json:"ack_up_to,omitempty"`
}

// Options configures the queue.
type Options struct {
	// MaxBytes bounds the live (unacknowledged) payload bytes; Enqueue
	// rejects with a queue-full error past this.
	MaxBytes int64

	// MaxSegmentBytes triggers rotation to a new log segment file.
	MaxSegmentBytes int64

	// FlushRows / FlushBytes / MaxDelay decide when a project's pending
	// entries form a ready batch.
	FlushRows  int
	FlushBytes int64
	MaxDelay   time.Duration
}

type projectState struct {
	pending      []types.QueueEntry
	pendingBytes int64
	nextSeq      uint64
	ackedThrough uint64
}

// Queue is the durable ingest buffer. Safe for concurrent use.
type Queue struct {
	dir  string
	opts Options

	mu        sync.Mutex
	segment   *os.File
	segmentID uint64
	offset    int64
	projects  map[string]*projectState
	liveBytes int64

	deadLetter *os.File
}

// NewQueue opens the queue at dir, replaying any existing log segments to
// rebuild the unacknowledged backlog.
func NewQueue(dir string, opts Options) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("queue: failed to create directory: %w", err)
	}

	q := &Queue{
		dir:      dir,
		opts:     opts,
		projects: make(map[string]*projectState),
	}
	if err := q.recover(); err != nil {
		return nil, err
	}
	if err := q.openSegment(); err != nil {
		return nil, err
	}

	dl, err := os.OpenFile(filepath.Join(dir, "deadletter.jsonl"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		q.segment.Close()
		return nil, fmt.Errorf("queue: failed to open dead letter file: %w", err)
	}
	q.deadLetter = dl

	return q, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("queue_%016x.log", id)
}

// recover replays all segments in order and rebuilds per-project state.
func (q *Queue) recover() error {
	ids, err := q.segmentIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		frames, err := readFrames(filepath.Join(q.dir, segmentName(id)))
		if err != nil {
			return err
		}
		for _, f := range frames {
			q.applyFrame(f)
		}
		if id >= q.segmentID {
			q.segmentID = id
		}
	}
	return nil
}

func (q *Queue) applyFrame(f *frame) {
	switch f.Kind {
	case frameEnqueue:
		if f.Entry == nil {
			return
		}
		st := q.state(f.Entry.ProjectID)
		if f.Entry.Seq <= st.ackedThrough {
			return
		}
		size := entrySize(f.Entry)
		st.pending = append(st.pending, *f.Entry)
		st.pendingBytes += size
		q.liveBytes += size
		if f.Entry.Seq >= st.nextSeq {
			st.nextSeq = f.Entry.Seq + 1
		}
	case frameAck:
		st := q.state(f.ProjectID)
		q.dropAcked(st, f.AckUpTo)
	}
}

func (q *Queue) state(projectID string) *projectState {
	st, ok := q.projects[projectID]
	if !ok {
		st = &projectState{nextSeq: 1}
		q.projects[projectID] = st
	}
	return st
}

func (q *Queue) dropAcked(st *projectState, upTo uint64) {
	if upTo > st.ackedThrough {
		st.ackedThrough = upTo
	}
	if upTo >= st.nextSeq {
		st.nextSeq = upTo + 1
	}
	n := 0
	for _, e := range st.pending {
		if e.Seq > upTo {
			st.pending[n] = e
			n++
		} else {
			size := entrySize(&e)
			st.pendingBytes -= size
			q.liveBytes -= size
		}
	}
	st.pending = st.pending[:n]
}

func entrySize(e *types.QueueEntry) int64 {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func (q *Queue) segmentIDs() ([]uint64, error) {
	files, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read directory: %w", err)
	}
	var ids []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(file.Name(), "queue_%016x.log", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (q *Queue) openSegment() error {
	path := filepath.Join(q.dir, segmentName(q.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("queue: failed to open segment: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("queue: failed to seek segment: %w", err)
	}
	q.segment = file
	q.offset = offset
	return nil
}

// Enqueue validates and durably appends a record, returning its per-project
// sequence number. The record is on disk and fsynced when this returns.
func (q *Queue) Enqueue(projectID string, record types.Record) (uint64, error) {
	if err := record.Validate(); err != nil {
		q.deadLetterRecord(projectID, record, err)
		return 0, engineerrors.NewMalformedRecord("record failed validation", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.MaxBytes > 0 && q.liveBytes >= q.opts.MaxBytes {
		return 0, engineerrors.NewQueueFull(fmt.Sprintf("ingest buffer at %d of %d bytes", q.liveBytes, q.opts.MaxBytes))
	}

	st := q.state(projectID)
	entry := types.QueueEntry{
		ProjectID: projectID,
		Seq:       st.nextSeq,
		ArrivedAt: time.Now().UnixNano(),
		Record:    record,
	}

	if err := q.writeFrame(&frame{Kind: frameEnqueue, Entry: &entry}); err != nil {
		return 0, err
	}

	size := entrySize(&entry)
	st.pending = append(st.pending, entry)
	st.pendingBytes += size
	st.nextSeq++
	q.liveBytes += size
	return entry.Seq, nil
}

// deadLetterRecord appends a rejected record to the dead letter file so it
// can be inspected later. Best effort; failures are not surfaced to the
// caller since the record was invalid anyway.
func (q *Queue) deadLetterRecord(projectID string, record types.Record, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deadLetter == nil {
		return
	}
	line, err := json.Marshal(map[string]interface{}{
		"project_id":  projectID,
		"rejected_at": time.Now().UnixNano(),
		"reason":      cause.Error(),
		"record":      record,
	})
	if err != nil {
		return
	}
	q.deadLetter.Write(append(line, '\n'))
}

func (q *Queue) writeFrame(f *frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("queue: failed to serialize frame: %w", err)
	}
	compressed := snappy.Encode(nil, payload)
	crc := computeCRC32(compressed)

	if err := binary.Write(q.segment, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return fmt.Errorf("queue: failed to write length: %w", err)
	}
	if err := binary.Write(q.segment, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("queue: failed to write CRC: %w", err)
	}
	if _, err := q.segment.Write(compressed); err != nil {
		return fmt.Errorf("queue: failed to write payload: %w", err)
	}
	if err := q.segment.Sync(); err != nil {
		return fmt.Errorf("queue: failed to fsync: %w", err)
	}

	q.offset += int64(8 + len(compressed))
	if q.opts.MaxSegmentBytes > 0 && q.offset >= q.opts.MaxSegmentBytes {
		return q.rotateSegment()
	}
	return nil
}

func (q *Queue) rotateSegment() error {
	if q.segment != nil {
		if err := q.segment.Close(); err != nil {
			return fmt.Errorf("queue: failed to close segment: %w", err)
		}
	}
	q.segmentID++
	return q.openSegment()
}

// ReadyBatches returns, per project, the pending entries that should be
// flushed now: projects at or past the row or byte threshold, and projects
// whose oldest entry has waited longer than MaxDelay. Entries stay pending
// until Acknowledge.
func (q *Queue) ReadyBatches(now time.Time) []types.FlushBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batches []types.FlushBatch
	for projectID, st := range q.projects {
		if len(st.pending) == 0 {
			continue
		}
		ready := false
		if q.opts.FlushRows > 0 && len(st.pending) >= q.opts.FlushRows {
			ready = true
		}
		if q.opts.FlushBytes > 0 && st.pendingBytes >= q.opts.FlushBytes {
			ready = true
		}
		if q.opts.MaxDelay > 0 && now.UnixNano()-st.pending[0].ArrivedAt >= int64(q.opts.MaxDelay) {
			ready = true
		}
		if !ready {
			continue
		}

		n := len(st.pending)
		if q.opts.FlushRows > 0 && n > q.opts.FlushRows {
			n = q.opts.FlushRows
		}
		entries := make([]types.QueueEntry, n)
		copy(entries, st.pending[:n])
		batches = append(batches, types.FlushBatch{ProjectID: projectID, Entries: entries})
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].ProjectID < batches[j].ProjectID })
	return batches
}

// DrainAll returns every pending entry for every project, regardless of
// thresholds. Used on shutdown to flush the backlog.
func (q *Queue) DrainAll() []types.FlushBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batches []types.FlushBatch
	for projectID, st := range q.projects {
		if len(st.pending) == 0 {
			continue
		}
		entries := make([]types.QueueEntry, len(st.pending))
		copy(entries, st.pending)
		batches = append(batches, types.FlushBatch{ProjectID: projectID, Entries: entries})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ProjectID < batches[j].ProjectID })
	return batches
}

// Acknowledge durably marks a project's entries up to and including upTo as
// committed. Acked entries are dropped from the backlog and skipped on
// replay after restart.
func (q *Queue) Acknowledge(projectID string, upTo uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.writeFrame(&frame{Kind: frameAck, ProjectID: projectID, AckUpTo: upTo}); err != nil {
		return err
	}
	q.dropAcked(q.state(projectID), upTo)
	q.maybeTruncate()
	return nil
}

// maybeTruncate deletes all log segments once nothing is pending, so the log
// does not grow without bound. State (sequences, ack watermarks) is carried
// forward by a fresh marker frame in the new segment.
func (q *Queue) maybeTruncate() {
	if q.liveBytes != 0 {
		return
	}
	for _, st := range q.projects {
		if len(st.pending) > 0 {
			return
		}
	}

	ids, err := q.segmentIDs()
	if err != nil {
		return
	}
	if len(ids) == 1 && q.offset == 0 {
		return
	}

	q.segment.Close()
	for _, id := range ids {
		os.Remove(filepath.Join(q.dir, segmentName(id)))
	}
	q.segmentID++
	if err := q.openSegment(); err != nil {
		return
	}
	// Re-emit ack watermarks so replay after restart still skips committed
	// sequences.
	for projectID, st := range q.projects {
		if st.ackedThrough > 0 {
			q.writeFrame(&frame{Kind: frameAck, ProjectID: projectID, AckUpTo: st.ackedThrough})
		}
	}
}

// Pending returns the number of unacknowledged entries for a project.
func (q *Queue) Pending(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.projects[projectID]; ok {
		return len(st.pending)
	}
	return 0
}

// LiveBytes returns the total unacknowledged payload bytes across projects.
func (q *Queue) LiveBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.liveBytes
}

// Close fsyncs and closes the log.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deadLetter != nil {
		q.deadLetter.Close()
		q.deadLetter = nil
	}
	if q.segment != nil {
		if err := q.segment.Sync(); err != nil {
			return fmt.Errorf("queue: failed to fsync on close: %w", err)
		}
		if err := q.segment.Close(); err != nil {
			return fmt.Errorf("queue: failed to close segment: %w", err)
		}
		q.segment = nil
	}
	return nil
}

// readFrames reads all frames from one segment, stopping at a truncated
// tail and skipping corrupt entries.
func readFrames(path string) ([]*frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to open segment: %w", err)
	}
	defer file.Close()

	var frames []*frame
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("queue: failed to read length: %w", err)
		}
		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			return nil, fmt.Errorf("queue: failed to read CRC: %w", err)
		}
		compressed := make([]byte, length)
		if _, err := io.ReadFull(file, compressed); err != nil {
			// Truncated tail from a crash mid-write.
			break
		}
		if computeCRC32(compressed) != crc {
			continue
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			continue
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}
		frames = append(frames, &f)
	}
	return frames, nil
}

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFFFFFF
}
