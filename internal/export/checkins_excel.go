package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"presence/internal/presence"
)

// CheckinsWorkbook builds an xlsx with one sheet of currently open check-ins
// and one of recent history.
type CheckinsWorkbook struct {
	File *excelize.File
}

const timeFmt = "2006-01-02 15:04:05"

// NewCheckinsWorkbook renders the two sheets.
func NewCheckinsWorkbook(current, history []presence.CurrentCheckIn) (*CheckinsWorkbook, error) {
	f := excelize.NewFile()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	sheets := []struct {
		title string
		rows  []presence.CurrentCheckIn
	}{
		{"Current", current},
		{"History", history},
	}
	header := []string{"Student Number", "Name", "Space", "Time In", "Time Out"}

	for i, sheet := range sheets {
		name := sheet.title
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else {
			if _, err := f.NewSheet(name); err != nil {
				return nil, fmt.Errorf("new sheet: %w", err)
			}
		}

		for col, h := range header {
			cell := fmt.Sprintf("%s1", colName(col+1))
			if err := f.SetCellStr(name, cell, h); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
		end := colName(len(header)) + "1"
		_ = f.SetCellStyle(name, "A1", end, bold)
		_ = f.AutoFilter(name, "A1:"+end, nil)

		for r, ci := range sheet.rows {
			timeOut := ""
			if ci.TimeOut != nil {
				timeOut = ci.TimeOut.Format(timeFmt)
			}
			values := []string{ci.StudentNumber, ci.Name, ci.SpaceName, ci.TimeIn.Format(timeFmt), timeOut}
			for c, val := range values {
				cell := fmt.Sprintf("%s%d", colName(c+1), r+2)
				if err := f.SetCellStr(name, cell, val); err != nil {
					return nil, fmt.Errorf("set cell %s: %w", cell, err)
				}
			}
		}

		for c := 1; c <= len(header); c++ {
			_ = f.SetColWidth(name, colName(c), colName(c), 22)
		}
	}
	return &CheckinsWorkbook{File: f}, nil
}

// FileName returns the dated download name for the workbook.
func FileName() string {
	return fmt.Sprintf("checkins-%s.xlsx", time.Now().Format("2006-01-02"))
}

func colName(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+(n%26))) + s
		n /= 26
	}
	return s
}
