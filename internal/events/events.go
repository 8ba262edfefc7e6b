// Package events carries upload lifecycle notifications from the engine to
// progress renderers, metrics and logs without coupling them to each other.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-ingest/internal/constants"
)

// EventType identifies an event
type EventType string

const (
	EventLog      EventType = "log"
	EventProgress EventType = "progress"

	EventUploadStarted   EventType = "upload_started"
	EventUploadCompleted EventType = "upload_completed"
	EventUploadFailed    EventType = "upload_failed"

	EventPartStarted   EventType = "part_started"
	EventPartCommitted EventType = "part_committed"
	EventPartFailed    EventType = "part_failed"

	EventChunkRetried EventType = "chunk_retried" // Transport failure, same chunk resent
	EventChunkSplit   EventType = "chunk_split"   // Server failure, chunk halved

	EventCompleteRetried EventType = "complete_retried"
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

func base(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now()}
}

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level    LogLevel
	Message  string
	UploadID string
	Error    error
}

// ProgressEvent reports overall upload progress
type ProgressEvent struct {
	BaseEvent
	UploadID     string
	Filename     string
	BytesCurrent int64
	BytesTotal   int64
	Progress     float64 // 0.0 to 1.0
}

// UploadEvent covers start, completion and failure of a whole upload
type UploadEvent struct {
	BaseEvent
	UploadID string
	Filename string
	Size     int64
	Parts    int
	Handle   string // Set on completion
	URL      string
	Duration time.Duration
	Error    error
}

// PartEvent covers one part's lifecycle
type PartEvent struct {
	BaseEvent
	UploadID string
	Part     int
	Offset   int64
	Size     int64
	ETag     string
	Duration time.Duration
	Error    error
}

// ChunkEvent describes a chunk that was resent or split
type ChunkEvent struct {
	BaseEvent
	UploadID    string
	Part        int
	Offset      int64
	Size        int64
	NewSize     int64 // Chunk size after a split
	StatusCode  int
	RetriesLeft int
	Error       error
}

// RetryEvent describes a retried completion or commit request
type RetryEvent struct {
	BaseEvent
	UploadID string
	Attempt  int
	Delay    time.Duration
	Error    error
}

// EventBus manages event subscriptions and publishing.
//
// A nil *EventBus is valid and drops everything, so engine code can publish
// unconditionally.
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to the given event types
func (eb *EventBus) Subscribe(types ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	for _, t := range types {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking. Events that
// don't fit a subscriber's buffer are dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	sent := make(map[chan Event]struct{})
	deliver := func(ch chan Event) {
		if _, dup := sent[ch]; dup {
			return
		}
		sent[ch] = struct{}{}
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
	for _, ch := range eb.subscribers[event.Type()] {
		deliver(ch)
	}
	for _, ch := range eb.all {
		deliver(ch)
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	if eb == nil {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	// A channel subscribed to several types appears in several lists
	closed := make(map[chan Event]struct{})
	closeOnce := func(ch chan Event) {
		if _, ok := closed[ch]; ok {
			return
		}
		closed[ch] = struct{}{}
		close(ch)
	}
	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			closeOnce(ch)
		}
	}
	for _, ch := range eb.all {
		closeOnce(ch)
	}
}

// Unsubscribe removes ch from every subscription list
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}
	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// DroppedEvents returns the number of events dropped due to full buffers
func (eb *EventBus) DroppedEvents() int64 {
	if eb == nil {
		return 0
	}
	return eb.droppedEvents.Load()
}

// PublishLog publishes a log event
func (eb *EventBus) PublishLog(level LogLevel, uploadID, message string, err error) {
	eb.Publish(&LogEvent{
		BaseEvent: base(EventLog),
		Level:     level,
		Message:   message,
		UploadID:  uploadID,
		Error:     err,
	})
}

// PublishProgress publishes overall progress for an upload
func (eb *EventBus) PublishProgress(uploadID, filename string, current, total int64) {
	var fraction float64
	if total > 0 {
		fraction = float64(current) / float64(total)
	}
	eb.Publish(&ProgressEvent{
		BaseEvent:    base(EventProgress),
		UploadID:     uploadID,
		Filename:     filename,
		BytesCurrent: current,
		BytesTotal:   total,
		Progress:     fraction,
	})
}

// PublishUpload publishes an upload lifecycle event of type t
func (eb *EventBus) PublishUpload(t EventType, e UploadEvent) {
	e.BaseEvent = base(t)
	eb.Publish(&e)
}

// PublishPart publishes a part lifecycle event of type t
func (eb *EventBus) PublishPart(t EventType, e PartEvent) {
	e.BaseEvent = base(t)
	eb.Publish(&e)
}

// PublishChunk publishes a chunk retry or split event of type t
func (eb *EventBus) PublishChunk(t EventType, e ChunkEvent) {
	e.BaseEvent = base(t)
	eb.Publish(&e)
}

// PublishRetry publishes a completion retry
func (eb *EventBus) PublishRetry(e RetryEvent) {
	e.BaseEvent = base(EventCompleteRetried)
	eb.Publish(&e)
}
