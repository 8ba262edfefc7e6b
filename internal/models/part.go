package models

import "fmt"

// Part is a contiguous slice of the file with its own commit. Numbers start at 1.
type Part struct {
	Number int
	Offset int64 // Into the file
	Size   int64
}

func (p Part) String() string {
	return fmt.Sprintf("part %d [%d+%d]", p.Number, p.Offset, p.Size)
}

// Partition splits size bytes into parts of partSize; the last part holds the remainder.
func Partition(size, partSize int64) []Part {
	if size <= 0 || partSize <= 0 {
		return nil
	}
	parts := make([]Part, 0, (size+partSize-1)/partSize)
	for offset := int64(0); offset < size; offset += partSize {
		n := partSize
		if size-offset < n {
			n = size - offset
		}
		parts = append(parts, Part{Number: len(parts) + 1, Offset: offset, Size: n})
	}
	return parts
}

// Chunk is a byte range within a part, the unit sent in one request
type Chunk struct {
	Part   int
	Offset int64 // Within the part
	Size   int64
}

// End returns the offset just past the chunk
func (c Chunk) End() int64 {
	return c.Offset + c.Size
}

func (c Chunk) String() string {
	return fmt.Sprintf("part %d chunk [%d+%d]", c.Part, c.Offset, c.Size)
}

// OutcomeKind classifies how a chunk upload ended
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeTransportFailure
	OutcomeServerFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeServerFailure:
		return "server_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChunkOutcome is the result of one chunk upload
type ChunkOutcome struct {
	Kind       OutcomeKind
	ETag       string // Success only
	StatusCode int    // ServerFailure only
	Err        error
}

// PartETag pairs a committed part with its ETag in the completion payload
type PartETag struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}
