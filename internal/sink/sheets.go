package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// Sheets appends rows to one worksheet of a Google spreadsheet. The
// worksheet is created on first use when the spreadsheet does not have
// it yet.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	worksheet     string
	logger        *zap.Logger
}

// NewSheets builds a Sheets sink. spreadsheetID accepts either the bare
// key or a full docs.google.com URL. credentialsFile points at a service
// account JSON; empty falls back to application default credentials.
func NewSheets(ctx context.Context, spreadsheetID, worksheet, credentialsFile string, logger *zap.Logger) (*Sheets, error) {
	id := NormalizeSpreadsheetID(spreadsheetID)
	if id == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	if worksheet == "" {
		worksheet = "Jobs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, option.WithScopes(sheets.SpreadsheetsScope))
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: id, worksheet: worksheet, logger: logger}, nil
}

// NormalizeSpreadsheetID reduces a spreadsheet URL to its bare key.
// Bare keys pass through unchanged.
func NormalizeSpreadsheetID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimSuffix(id, "/")
	if strings.Contains(id, "docs.google.com") {
		if _, after, found := strings.Cut(id, "/d/"); found {
			if idx := strings.IndexByte(after, '/'); idx != -1 {
				after = after[:idx]
			}
			return after
		}
	}
	return id
}

// EnsureHeader creates the worksheet if missing and writes the fixed
// header when the sheet is empty.
func (s *Sheets) EnsureHeader(ctx context.Context) error {
	if err := s.ensureWorksheet(ctx); err != nil {
		return err
	}
	resp, err := s.svc.Spreadsheets.Values.
		Get(s.spreadsheetID, s.rangeRef("A1:I1")).
		Context(ctx).Do()
	if err != nil {
		return classifySheetsErr("read header", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}

	header := make([]any, len(pipeline.SinkHeader))
	for i, col := range pipeline.SinkHeader {
		header[i] = col
	}
	_, err = s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.rangeRef("A1"), &sheets.ValueRange{Values: [][]any{header}}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return classifySheetsErr("write header", err)
	}
	s.logger.Info("sheet header written", zap.String("worksheet", s.worksheet))
	return nil
}

// Append appends rows below the current content and returns how many
// landed.
func (s *Sheets) Append(ctx context.Context, rows [][]string) (int, error) {
	values := make([][]any, len(rows))
	for i, row := range rows {
		cells := make([]any, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		values[i] = cells
	}
	resp, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.rangeRef("A1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return 0, classifySheetsErr("append rows", err)
	}
	appended := len(rows)
	if resp.Updates != nil && resp.Updates.UpdatedRows > 0 {
		appended = int(resp.Updates.UpdatedRows)
	}
	return appended, nil
}

// ExistingRows returns the data rows currently in the worksheet, header
// excluded. The writer uses it to rebuild its duplicate guard on resume.
func (s *Sheets) ExistingRows(ctx context.Context) ([][]string, error) {
	resp, err := s.svc.Spreadsheets.Values.
		Get(s.spreadsheetID, s.rangeRef("A2:I")).
		Context(ctx).Do()
	if err != nil {
		return nil, classifySheetsErr("read rows", err)
	}
	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, cell := range raw {
			row[i] = fmt.Sprint(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Sheets) ensureWorksheet(ctx context.Context) error {
	meta, err := s.svc.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return classifySheetsErr("read spreadsheet", err)
	}
	for _, sh := range meta.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.worksheet {
			return nil
		}
	}
	_, err = s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title: s.worksheet,
					GridProperties: &sheets.GridProperties{
						RowCount:    1000,
						ColumnCount: int64(len(pipeline.SinkHeader)),
					},
				},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return classifySheetsErr("create worksheet", err)
	}
	s.logger.Info("worksheet created", zap.String("worksheet", s.worksheet))
	return nil
}

func (s *Sheets) rangeRef(cells string) string {
	return fmt.Sprintf("'%s'!%s", s.worksheet, cells)
}

// classifySheetsErr marks quota and server errors as retryable; the
// rest, wrong spreadsheet ID or missing permissions, are definitive.
func classifySheetsErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return pipeline.Transient("sheets "+op, err)
		}
		return fmt.Errorf("sheets %s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.Transient("sheets "+op, err)
	}
	return fmt.Errorf("sheets %s: %w", op, err)
}
