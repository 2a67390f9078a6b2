package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BartekS5/syncflow/internal/etl"
)

// CSVSource reads a headered CSV file. The cursor position is the number of
// data rows already consumed; every Fetch reopens the file and skips to it,
// so the same cursor always yields the same rows.
type CSVSource struct {
	path      string
	delimiter rune
}

func NewCSVSource(path string, delimiter rune) *CSVSource {
	if delimiter == 0 {
		delimiter = ','
	}
	return &CSVSource{path: path, delimiter: delimiter}
}

func (s *CSVSource) Fetch(ctx context.Context, cursor etl.Cursor, limit int) (*etl.Batch, error) {
	offset := 0
	if cursor.Position != "" {
		n, err := strconv.Atoi(cursor.Position)
		if err != nil || n < 0 {
			return nil, etl.Permanent("bad_cursor", fmt.Errorf("csv offset %q is not a row count", cursor.Position))
		}
		offset = n
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, etl.SystemError("source_file", fmt.Errorf("opening csv %s: %w", s.path, err))
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = s.delimiter
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	headers, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &etl.Batch{Next: etl.Cursor{Position: strconv.Itoa(offset)}}, nil
	}
	if err != nil {
		return nil, etl.MalformedResponseError(fmt.Errorf("reading csv headers: %w", err))
	}

	for skipped := 0; skipped < offset; skipped++ {
		if _, err := r.Read(); errors.Is(err, io.EOF) {
			return &etl.Batch{Next: etl.Cursor{Position: strconv.Itoa(skipped)}}, nil
		} else if err != nil {
			return nil, etl.MalformedResponseError(fmt.Errorf("csv row %d: %w", skipped+1, err))
		}
	}

	batch := &etl.Batch{}
	row := offset
	for len(batch.Records) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return nil, etl.MalformedResponseError(fmt.Errorf("csv row %d: %w", row, err))
		}
		data := make(map[string]any, len(headers))
		for j, h := range headers {
			if j < len(fields) {
				data[h] = fields[j]
			}
		}
		batch.Records = append(batch.Records, etl.RawRecord{Position: strconv.Itoa(row), Payload: data})
	}

	if len(batch.Records) == limit {
		_, err := r.Read()
		batch.HasMore = !errors.Is(err, io.EOF)
	}
	batch.Next = etl.Cursor{Position: strconv.Itoa(row)}
	return batch, nil
}
