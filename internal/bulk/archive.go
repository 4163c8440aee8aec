package bulk

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// preambleLines is the number of metadata lines in front of the header row of
// the indicator CSV files.
const preambleLines = 4

// maxEntryBytes caps the decompressed size of a single archive entry.
const maxEntryBytes = 256 << 20

var (
	// ErrNoCSV is returned for archives without any CSV entry.
	ErrNoCSV = errors.New("archive contains no csv files")
	// ErrEntryTooLarge is returned when an entry decompresses past the cap.
	ErrEntryTooLarge = errors.New("archive entry exceeds size limit")
)

// File is one decoded CSV entry of the archive.
type File struct {
	Filename string           `json:"filename"`
	Data     []map[string]any `json:"data"`
}

// ParseArchive decodes every CSV entry of a zip archive. Entries are returned
// sorted by file name.
func ParseArchive(data []byte) ([]File, error) {
	return parseArchive(data, maxEntryBytes)
}

func parseArchive(data []byte, limit int64) ([]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	var files []File
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() || !strings.EqualFold(path.Ext(entry.Name), ".csv") {
			continue
		}
		rows, err := readEntry(entry, limit)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name, err)
		}
		files = append(files, File{Filename: path.Base(entry.Name), Data: rows})
	}
	if len(files) == 0 {
		return nil, ErrNoCSV
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

func readEntry(entry *zip.File, limit int64) ([]map[string]any, error) {
	if entry.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, entry.UncompressedSize64)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}
	defer func() { _ = rc.Close() }()
	// The header size may lie, so the stream is capped as well.
	return ParseCSV(charmap.ISO8859_1.NewDecoder().Reader(&cappedReader{r: rc, left: limit}))
}

// cappedReader fails with ErrEntryTooLarge once more than left bytes are read.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrEntryTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrEntryTooLarge
	}
	return n, err
}

// ParseCSV converts a World Bank CSV export into one object per row. The
// metadata preamble is skipped when present, and a trailing unnamed column is
// dropped.
func ParseCSV(r io.Reader) ([]map[string]any, error) {
	br := bufio.NewReader(r)
	if err := skipPreamble(br); err != nil {
		return nil, err
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header[0] = trimBOM(header[0])
	for len(header) > 0 && strings.TrimSpace(header[len(header)-1]) == "" {
		header = header[:len(header)-1]
	}

	rows := make([]map[string]any, 0)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(header))
		for i, column := range header {
			if i >= len(record) {
				row[column] = nil
				continue
			}
			row[column] = cellValue(record[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// skipPreamble drops the leading metadata lines of indicator exports, which
// start with a "Data Source" line. Metadata exports have no preamble.
func skipPreamble(br *bufio.Reader) error {
	peek, err := br.Peek(32)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return fmt.Errorf("peek csv: %w", err)
	}
	trimmed := strings.TrimLeft(trimBOM(string(peek)), `"`)
	if !strings.HasPrefix(trimmed, "Data Source") {
		return nil
	}
	for i := 0; i < preambleLines; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("skip preamble: %w", err)
		}
	}
	return nil
}

// trimBOM strips a byte order mark, including one already decoded as Latin-1.
func trimBOM(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.TrimPrefix(s, "\u00ef\u00bb\u00bf")
}

func cellValue(raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	if isNumber(v) {
		return json.Number(v)
	}
	return v
}

func isNumber(v string) bool {
	c := v[0]
	if c != '-' && (c < '0' || c > '9') {
		return false
	}
	return json.Valid([]byte(v))
}
