package compression

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"frame_ID":{"12":{"ADAS":[{"FCW":false}]}}}`+"\n", 200))

	for _, alg := range []Algorithm{None, Zstd, LZ4} {
		var buf bytes.Buffer
		w, err := NewWriter(&buf, alg)
		if err != nil {
			t.Fatalf("%s: writer error: %v", alg, err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("%s: write error: %v", alg, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s: close error: %v", alg, err)
		}
		if alg != None && buf.Len() >= len(payload) {
			t.Fatalf("%s: expected compression, got %d >= %d", alg, buf.Len(), len(payload))
		}

		br := bufio.NewReader(&buf)
		detected, err := Detect(br)
		if err != nil {
			t.Fatalf("%s: detect error: %v", alg, err)
		}
		if detected != alg {
			t.Fatalf("detected %s, wrote %s", detected, alg)
		}

		r, err := NewReader(br, detected)
		if err != nil {
			t.Fatalf("%s: reader error: %v", alg, err)
		}
		got, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatalf("%s: read error: %v", alg, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("%s: payload mismatch", alg)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	for _, alg := range []Algorithm{None, Zstd, LZ4} {
		got, err := ParseAlgorithm(alg.String())
		if err != nil || got != alg {
			t.Fatalf("ParseAlgorithm(%q) = %v, %v", alg.String(), got, err)
		}
	}
	if _, err := ParseAlgorithm("gzip"); err == nil {
		t.Fatalf("expected error for gzip")
	}
	if Zstd.Extension() != ".zst" || None.Extension() != "" {
		t.Fatalf("unexpected extensions")
	}
}

func TestDetectShortInput(t *testing.T) {
	alg, err := Detect(bufio.NewReader(bytes.NewReader([]byte{0x28})))
	if err != nil || alg != None {
		t.Fatalf("expected None for short input, got %v %v", alg, err)
	}
}
