package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"campus-import/internal/models"
)

// ParsedFile is the header list plus raw rows extracted from an upload,
// with the detection metadata stored on ImportFile.
type ParsedFile struct {
	Headers   []string
	Rows      []map[string]string
	Encoding  string
	Delimiter string
	SheetName string
}

type FileService struct{}

func NewFileService() *FileService {
	return &FileService{}
}

// Parse dispatches on the declared source type.
func (s *FileService) Parse(sourceType models.SourceType, data []byte) (*ParsedFile, error) {
	switch sourceType {
	case models.SourceCSV:
		return s.ParseCSV(data)
	case models.SourceXLSX:
		return s.ParseXLSX(data)
	default:
		return nil, fmt.Errorf("unsupported source type %q", sourceType)
	}
}

// ParseCSV decodes the bytes to UTF-8 (BOM stripping, latin-1 fallback),
// sniffs the delimiter from the header line, and reads header + data rows.
// Short rows are padded; long rows are truncated to the header width.
func (s *FileService) ParseCSV(data []byte) (*ParsedFile, error) {
	decoded, encodingName, err := decodeToUTF8(data)
	if err != nil {
		return nil, fmt.Errorf("encoding detection failed: %w", err)
	}

	delimiter := sniffDelimiter(decoded)

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file: no header row found")
		}
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(rows)+2, err)
		}

		row := make(map[string]string, len(headers))
		for i, header := range headers {
			if header == "" {
				continue
			}
			if i < len(record) {
				row[header] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return &ParsedFile{
		Headers:   headers,
		Rows:      rows,
		Encoding:  encodingName,
		Delimiter: string(delimiter),
	}, nil
}

// ParseXLSX reads the first sheet of an Excel workbook.
func (s *FileService) ParseXLSX(data []byte) (*ParsedFile, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in Excel file")
	}
	sheetName := sheets[0]

	records, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty file: no header row found")
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}

	var rows []map[string]string
	for _, record := range records[1:] {
		row := make(map[string]string, len(headers))
		for i, header := range headers {
			if header == "" {
				continue
			}
			if i < len(record) {
				row[header] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return &ParsedFile{
		Headers:   headers,
		Rows:      rows,
		Encoding:  "utf-8",
		SheetName: sheetName,
	}, nil
}

// Checksum streams the reader through sha256 and rewinds it to the start so
// later phases can re-read the same bytes.
func (s *FileService) Checksum(r io.ReadSeeker) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum read failed: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("checksum rewind failed: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var bomUTF8 = []byte{0xEF, 0xBB, 0xBF}

// decodeToUTF8 strips a UTF-8 BOM and falls back to ISO-8859-1 for byte
// streams that are not valid UTF-8 (common in exports from older school
// software).
func decodeToUTF8(data []byte) ([]byte, string, error) {
	if bytes.HasPrefix(data, bomUTF8) {
		return data[len(bomUTF8):], "utf-8-bom", nil
	}
	if utf8.Valid(data) {
		return data, "utf-8", nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", err
	}
	return decoded, "iso-8859-1", nil
}

// sniffDelimiter counts candidate separators in the header line and picks
// the most frequent, defaulting to comma.
func sniffDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}

	best := ','
	bestCount := bytes.Count(line, []byte{','})
	for _, candidate := range []byte{';', '\t', '|'} {
		if count := bytes.Count(line, []byte{candidate}); count > bestCount {
			best = rune(candidate)
			bestCount = count
		}
	}
	return best
}
