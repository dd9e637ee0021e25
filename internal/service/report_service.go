package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"campus-import/internal/models"
)

// ReportService renders operator-facing XLSX artifacts: the per-row error
// report for a batch and blank upload templates derived from a mapping.
type ReportService struct {
	batches  BatchStore
	mappings MappingStore
}

func NewReportService(batches BatchStore, mappings MappingStore) *ReportService {
	return &ReportService{batches: batches, mappings: mappings}
}

// ErrorReport exports every errored row of a batch, one line per violation,
// so a school secretary can fix the source file and re-upload.
func (s *ReportService) ErrorReport(ctx context.Context, batchID string) (*bytes.Buffer, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Import Errors"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}

	headers := []string{"Row", "Status", "Disposition", "Field", "Code", "Message", "Note"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
	}

	line := 2
	chunk := 500
	for offset := 0; ; offset += chunk {
		rows, err := s.batches.GetRowsByStatus(ctx, batchID, models.RowErrored, chunk, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch error rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if len(row.Errors) == 0 {
				line = writeErrorLine(f, sheetName, line, &row, models.RowError{})
				continue
			}
			for _, violation := range row.Errors {
				line = writeErrorLine(f, sheetName, line, &row, violation)
			}
		}
		if len(rows) < chunk {
			break
		}
	}

	// Summary block under the listing.
	f.SetCellValue(sheetName, fmt.Sprintf("A%d", line+1), "Batch:")
	f.SetCellValue(sheetName, fmt.Sprintf("B%d", line+1), batch.ID)
	f.SetCellValue(sheetName, fmt.Sprintf("A%d", line+2), "Total Rows:")
	f.SetCellValue(sheetName, fmt.Sprintf("B%d", line+2), batch.TotalRows)
	f.SetCellValue(sheetName, fmt.Sprintf("A%d", line+3), "Valid Rows:")
	f.SetCellValue(sheetName, fmt.Sprintf("B%d", line+3), batch.ValidRows)
	f.SetCellValue(sheetName, fmt.Sprintf("A%d", line+4), "Error Rows:")
	f.SetCellValue(sheetName, fmt.Sprintf("B%d", line+4), batch.ErrorRows)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	f.SetCellStyle(sheetName, "A1", lastHeader, headerStyle)
	f.SetColWidth(sheetName, "F", "F", 50)
	f.SetColWidth(sheetName, "G", "G", 40)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.WriteToBuffer()
}

func writeErrorLine(f *excelize.File, sheetName string, line int,
	row *models.StagingStudentRow, violation models.RowError) int {
	values := []interface{}{
		row.RowIndex, string(row.Status), string(row.Disposition),
		violation.Field, violation.Code, violation.Message, row.Note,
	}
	for col, value := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, line)
		f.SetCellValue(sheetName, cell, value)
	}
	return line + 1
}

// Template renders an empty upload file whose header row matches the
// mapping's expected source columns.
func (s *ReportService) Template(ctx context.Context, establishmentID, mappingID string) (*bytes.Buffer, error) {
	mapping, err := s.mappings.GetByID(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping: %w", err)
	}
	if mapping == nil || mapping.EstablishmentID != establishmentID {
		return nil, fmt.Errorf("mapping %s does not belong to this establishment", mappingID)
	}

	columns := make([]string, 0, len(mapping.FieldMappings))
	for source := range mapping.FieldMappings {
		columns = append(columns, source)
	}
	sort.Strings(columns)

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Students"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}
	for i, column := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, column)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D0E0F0"}, Pattern: 1},
	})
	if len(columns) > 0 {
		lastHeader, _ := excelize.CoordinatesToCellName(len(columns), 1)
		f.SetCellStyle(sheetName, "A1", lastHeader, headerStyle)
	}

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.WriteToBuffer()
}
