package codec_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/objstream/internal/codec"
	"github.com/pithecene-io/objstream/objstream"
)

func TestJSONL_WriteDecode(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []objstream.ObjectAttrs{
		{Bucket: "b", Name: "a.txt", Size: 3, Generation: 7, Updated: updated},
		{Bucket: "b", Name: "dir/b.bin", Size: 1 << 20, ContentType: "application/octet-stream", Updated: updated},
	}

	var buf bytes.Buffer
	w := codec.NewJSONLWriter(&buf)
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("output written before Flush")
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if w.Count() != 2 {
		t.Errorf("Count() = %d, want 2", w.Count())
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("output has %d lines, want 2", lines)
	}
	if !strings.Contains(buf.String(), `"content_type":"application/octet-stream"`) {
		t.Errorf("output missing snake_case field: %s", buf.String())
	}

	decoded, err := codec.DecodeJSONL[objstream.ObjectAttrs](&buf)
	if err != nil {
		t.Fatalf("DecodeJSONL failed: %v", err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("decoded %d records, want %d", len(decoded), len(records))
	}
	for i := range records {
		if !decoded[i].Updated.Equal(records[i].Updated) {
			t.Errorf("record %d updated = %v, want %v", i, decoded[i].Updated, records[i].Updated)
		}
		decoded[i].Updated = records[i].Updated
		if decoded[i] != records[i] {
			t.Errorf("record %d = %+v, want %+v", i, decoded[i], records[i])
		}
	}
}

func TestJSONL_SkipsBlankLines(t *testing.T) {
	in := "{\"name\":\"a\"}\n\n{\"name\":\"b\"}\n"
	decoded, err := codec.DecodeJSONL[map[string]any](strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeJSONL failed: %v", err)
	}
	if len(decoded) != 2 || decoded[1]["name"] != "b" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestJSONL_Empty(t *testing.T) {
	decoded, err := codec.DecodeJSONL[map[string]any](strings.NewReader(""))
	if err != nil {
		t.Fatalf("DecodeJSONL failed: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("decoded %d records, want 0", len(decoded))
	}
}
