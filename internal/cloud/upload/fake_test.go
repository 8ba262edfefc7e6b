package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/models"
)

const testURL = "https://ingest.test"

// chunkCall is one chunk request seen by fakeTransport.
type chunkCall struct {
	Part    int
	Offset  int64
	Size    int64
	Attempt int // 0 for the first request of this exact range
	Status  int // 0 when answered with a transport failure
	Body    []byte
}

func (c chunkCall) key() string {
	return fmt.Sprintf("%d/%d/%d", c.Part, c.Offset, c.Size)
}

// chunkScript answers a chunk request. Returning 0 simulates a transport failure.
type chunkScript func(c chunkCall) int

// jsonScript answers the n-th (0-based) JSON request to one endpoint.
type jsonScript func(n int, payload map[string]any) storage.Response

// fakeTransport is a scripted storage.Transport. Callbacks run on their own
// goroutine like a real transport.
type fakeTransport struct {
	mu       sync.Mutex
	chunkFn  chunkScript
	jsonFns  map[string]jsonScript
	block    bool
	chunks   []chunkCall
	attempts map[string]int
	payloads map[string][]map[string]any
	sent     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		jsonFns:  make(map[string]jsonScript),
		attempts: make(map[string]int),
		payloads: make(map[string][]map[string]any),
		sent:     make(chan struct{}, 1024),
	}
}

func (f *fakeTransport) Send(ctx context.Context, req storage.Request, callback func(storage.Response)) {
	part, _ := strconv.Atoi(req.Header.Get(HeaderPart))
	offset, _ := strconv.ParseInt(req.Header.Get(HeaderOffset), 10, 64)
	call := chunkCall{
		Part:   part,
		Offset: offset,
		Size:   int64(len(req.Body)),
		Body:   append([]byte(nil), req.Body...),
	}

	f.mu.Lock()
	call.Attempt = f.attempts[call.key()]
	f.attempts[call.key()]++
	block := f.block
	status := nethttp.StatusOK
	if f.chunkFn != nil && !block {
		status = f.chunkFn(call)
	}
	call.Status = status
	if !block {
		f.chunks = append(f.chunks, call)
	}
	f.mu.Unlock()

	select {
	case f.sent <- struct{}{}:
	default:
	}

	if block {
		go func() {
			<-ctx.Done()
			callback(storage.Response{Err: ctx.Err()})
		}()
		return
	}

	go func() {
		if req.OnProgress != nil {
			req.OnProgress(call.Size)
		}
		switch status {
		case 0:
			callback(storage.Response{Err: fmt.Errorf("%w: connection reset by peer", storage.ErrTransport)})
		case nethttp.StatusOK:
			h := nethttp.Header{}
			h.Set("ETag", fmt.Sprintf("etag-%d-%d", call.Part, call.Offset))
			callback(storage.Response{StatusCode: status, Header: h})
		default:
			callback(storage.Response{StatusCode: status, Header: nethttp.Header{}, Body: []byte("rejected")})
		}
	}()
}

func (f *fakeTransport) SendJSON(ctx context.Context, url string, header nethttp.Header, payload any, callback func(storage.Response)) {
	path := strings.TrimPrefix(url, testURL)

	raw, err := json.Marshal(payload)
	if err != nil {
		go callback(storage.Response{Err: fmt.Errorf("%w: %w", storage.ErrMalformedPayload, err)})
		return
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)

	f.mu.Lock()
	n := len(f.payloads[path])
	f.payloads[path] = append(f.payloads[path], decoded)
	fn := f.jsonFns[path]
	f.mu.Unlock()

	resp := defaultJSONResponse(path)
	if fn != nil {
		resp = fn(n, decoded)
	}
	go callback(resp)
}

func defaultJSONResponse(path string) storage.Response {
	switch path {
	case constants.StartPath:
		return okJSON(`{"uri":"/bucket/key","region":"us-east-1","upload_id":"up-1"}`)
	case constants.CompletePath:
		return okJSON(`{"handle":"h-1","url":"https://cdn.test/h-1","filename":"data.bin","key":"bucket/key"}`)
	default:
		return okJSON(`{}`)
	}
}

func okJSON(body string) storage.Response {
	return storage.Response{StatusCode: nethttp.StatusOK, Header: nethttp.Header{}, Body: []byte(body)}
}

func statusResponse(code int) storage.Response {
	return storage.Response{StatusCode: code, Header: nethttp.Header{}, Body: []byte("unavailable")}
}

// failFirst answers code for the first n requests and the default afterwards.
func failFirst(n, code int, path string) jsonScript {
	return func(i int, _ map[string]any) storage.Response {
		if i < n {
			return statusResponse(code)
		}
		return defaultJSONResponse(path)
	}
}

func (f *fakeTransport) onChunk(fn chunkScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkFn = fn
}

func (f *fakeTransport) onJSON(path string, fn jsonScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jsonFns[path] = fn
}

func (f *fakeTransport) blockChunks() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = true
}

func (f *fakeTransport) chunkCalls() []chunkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chunkCall(nil), f.chunks...)
}

func (f *fakeTransport) jsonCalls(path string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.payloads[path]...)
}

// waitSent blocks until at least one chunk request was issued.
func (f *fakeTransport) waitSent(t *testing.T) {
	t.Helper()
	select {
	case <-f.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk request was sent")
	}
}

// succeeded returns the successful chunks of part ordered by offset.
func succeeded(calls []chunkCall, part int) []chunkCall {
	var out []chunkCall
	for _, c := range calls {
		if c.Part == part && c.Status == nethttp.StatusOK {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// checkCoverage verifies the successful chunks of part tile [0, size) exactly.
func checkCoverage(t *testing.T, calls []chunkCall, part int, size int64) {
	t.Helper()
	var next int64
	for _, c := range succeeded(calls, part) {
		if c.Offset != next {
			t.Fatalf("part %d: chunk at %d, expected %d (gap or overlap)", part, c.Offset, next)
		}
		next = c.Offset + c.Size
	}
	if next != size {
		t.Fatalf("part %d: covered %d bytes, want %d", part, next, size)
	}
}

// memReader is an in-memory storage.Reader.
type memReader struct {
	data []byte
	pos  int
}

func newMemReader(size int) *memReader {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return &memReader{data: data}
}

func (m *memReader) Seek(position uint64) error {
	if position > uint64(len(m.data)) {
		return errors.New("seek beyond end")
	}
	m.pos = int(position)
	return nil
}

func (m *memReader) Read(amount int) ([]byte, error) {
	end := m.pos + amount
	if end > len(m.data) {
		end = len(m.data)
	}
	out := m.data[m.pos:end]
	m.pos = end
	return out, nil
}

func testServices(transport storage.Transport) *Services {
	return &Services{
		Transport: transport,
		Retry:     inthttp.Config{MaxAttempts: 5, BackoffBase: time.Millisecond},
	}
}

func testDescriptor(src *memReader, opts models.UploadOptions) *models.UploadDescriptor {
	if opts.Store.Location == "" {
		opts.Store.Location = "s3"
	}
	return &models.UploadDescriptor{
		APIKey:    "key-1",
		UploadURL: testURL,
		URI:       "/bucket/key",
		Region:    "us-east-1",
		UploadID:  "up-1",
		Filename:  "data.bin",
		MIMEType:  "application/octet-stream",
		Size:      int64(len(src.data)),
		Options:   opts,
		Reader:    storage.NewSerialReader(src),
	}
}
