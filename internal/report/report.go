// Package report renders runtime snapshots as .xlsx workbooks.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sweeney/envctl/internal/coordinator"
)

// ContentType is the MIME type of Write's output.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names.
const (
	SheetControllers  = "Controllers"
	SheetActuators    = "Actuators"
	SheetMeasurements = "Measurements"
)

var (
	controllerHeader  = []any{"ID", "Name", "Kind", "State", "Period (s)", "Cycles", "Last cycle", "Detail"}
	actuatorHeader    = []any{"ID", "Name", "On", "Mode", "Magnitude", "Off at", "Last writer", "Last change", "Last error"}
	measurementHeader = []any{"Device", "Channel", "Measurement", "Unit", "Value", "Time"}
)

// Write renders snap as a workbook with one sheet per section.
func Write(w io.Writer, snap coordinator.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetControllers); err != nil {
		return err
	}
	for _, s := range []string{SheetActuators, SheetMeasurements} {
		if _, err := f.NewSheet(s); err != nil {
			return fmt.Errorf("sheet %s: %w", s, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	var rows [][]any
	for _, c := range snap.Controllers {
		rows = append(rows, []any{c.ID, c.Name, string(c.Kind), c.State, c.Period, c.Cycles, stamp(c.LastCycle), Detail(c)})
	}
	if err := writeSheet(f, SheetControllers, controllerHeader, rows, bold); err != nil {
		return err
	}

	rows = rows[:0]
	for _, a := range snap.Actuators {
		rows = append(rows, []any{a.ID, a.Name, a.On, string(a.Mode), a.Magnitude, stamp(a.OffAt), a.LastWriter, stamp(a.LastChange), a.LastError})
	}
	if err := writeSheet(f, SheetActuators, actuatorHeader, rows, bold); err != nil {
		return err
	}

	rows = rows[:0]
	for _, m := range snap.Measurements {
		rows = append(rows, []any{m.DeviceID, m.Channel, m.Measurement, m.Unit, m.Value, stamp(m.Time)})
	}
	if err := writeSheet(f, SheetMeasurements, measurementHeader, rows, bold); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeSheet(f *excelize.File, sheet string, header []any, rows [][]any, style int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("sheet %s: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", sheet, i+2, err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Detail summarizes the kind-specific state of a controller on one line.
func Detail(c coordinator.ControllerSnapshot) string {
	switch {
	case c.Input != nil:
		return fmt.Sprintf("failures=%d", c.Input.Failures)
	case c.PID != nil:
		return fmt.Sprintf("mode=%s setpoint=%g output=%g", c.PID.Mode, c.PID.Setpoint, c.PID.Terms.Output)
	case c.Rule != nil:
		return fmt.Sprintf("trigger=%s firings=%d", c.Rule.Trigger, c.Rule.Firings)
	}
	return ""
}
