// Package codec provides record serialization for command output.
package codec

import (
	"bufio"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONLWriter writes records as JSON Lines: one JSON value per line.
// It is not safe for concurrent use.
type JSONLWriter struct {
	w   *bufio.Writer
	enc *jsoniter.Encoder
	n   int
}

// NewJSONLWriter creates a writer that buffers output until Flush.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	bw := bufio.NewWriter(w)
	return &JSONLWriter{w: bw, enc: json.NewEncoder(bw)}
}

// Write encodes one record followed by a newline.
func (j *JSONLWriter) Write(record any) error {
	if err := j.enc.Encode(record); err != nil {
		return err
	}
	j.n++
	return nil
}

// Count returns the number of records written.
func (j *JSONLWriter) Count() int {
	return j.n
}

// Flush writes buffered output to the underlying writer.
func (j *JSONLWriter) Flush() error {
	return j.w.Flush()
}

// DecodeJSONL reads JSON Lines into values of type T, skipping blank lines.
func DecodeJSONL[T any](r io.Reader) ([]T, error) {
	var records []T
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record T
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
