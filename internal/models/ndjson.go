package models

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const maxLineSize = 4 * 1024 * 1024

// EncodeNDJSON renders records one JSON object per line, without a
// trailing newline.
func EncodeNDJSON(records []IngestRecord) ([]byte, error) {
	var buf bytes.Buffer
	for i, r := range records {
		line, err := MarshalRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// ScanNDJSON calls fn for every non-blank line of r. Lines that fail to
// decode are reported through err and scanning continues.
func ScanNDJSON(r io.Reader, fn func(line int, rec IngestRecord, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := UnmarshalRecord(line)
		fn(n, rec, err)
	}
	return scanner.Err()
}
