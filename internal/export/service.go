// Package export renders a filtered audit listing as an xlsx report.
package export

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/history"
)

// Lister is the slice of the history service the exporter needs.
type Lister interface {
	List(ctx context.Context, params history.ListParams) (history.ListResult, error)
}

type Service struct {
	lister   Lister
	pageSize int
	maxRows  int
}

type Option func(*Service)

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithMaxRows caps how many records one report may contain.
func WithMaxRows(max int) Option {
	return func(s *Service) {
		if max > 0 {
			s.maxRows = max
		}
	}
}

func NewService(lister Lister, opts ...Option) *Service {
	service := &Service{
		lister:   lister,
		pageSize: 1000,
		maxRows:  100000,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

var columns = []string{"Date", "Action", "Entity type", "Entity id", "User login", "Operator", "Comment"}

// WriteXLSX streams the filtered listing into w as a single-sheet workbook.
// The caller's paging is ignored; the report walks the whole result set up to
// the row cap.
func (s *Service) WriteXLSX(ctx context.Context, w io.Writer, params history.ListParams) error {
	book := excelize.NewFile()
	defer func() { _ = book.Close() }()

	sheet := book.GetSheetName(0)
	stream, err := book.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to open stream writer: %w", err)
	}

	headerRow := make([]any, len(columns))
	for i, column := range columns {
		headerRow[i] = column
	}
	if err := stream.SetRow("A1", headerRow); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}

	rowIndex := 2
	offset := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page := params
		page.Page = domain.PageRequest{Offset: offset, Limit: s.pageSize}
		result, err := s.lister.List(ctx, page)
		if err != nil {
			return fmt.Errorf("failed to list audit records: %w", err)
		}
		if len(result.Data) == 0 {
			break
		}

		for _, record := range result.Data {
			cell, err := excelize.CoordinatesToCellName(1, rowIndex)
			if err != nil {
				return fmt.Errorf("failed to address row %d: %w", rowIndex, err)
			}
			row := []any{
				record.CreatedAt.String(),
				record.ActionType.String(),
				record.EntityType,
				record.EntityID,
				record.UserLogin,
				record.Operator,
				record.BusinessComment,
			}
			if err := stream.SetRow(cell, row); err != nil {
				return fmt.Errorf("failed to write row %d: %w", rowIndex, err)
			}
			rowIndex++
			if rowIndex-2 >= s.maxRows {
				break
			}
		}

		if rowIndex-2 >= s.maxRows || len(result.Data) < s.pageSize {
			break
		}
		offset += s.pageSize
	}

	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush workbook: %w", err)
	}
	if _, err := book.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
