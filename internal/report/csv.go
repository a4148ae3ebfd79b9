package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/session"
)

var csvHeader = []string{"Datetime", "Close", "SMA1", "SMA2", "Action"}

const csvTimeLayout = "2006-01-02 15:04:05.999999999"

// WriteCSV writes the action log with a header row.
func WriteCSV(w io.Writer, rows []backtest.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Datetime.Format(csvTimeLayout),
			formatFloat(r.Close),
			formatFloat(r.SMA1),
			formatFloat(r.SMA2),
			r.Action.String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVWriter rewrites the action log file after every successful cycle.
type CSVWriter struct {
	path string
}

func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

func (c *CSVWriter) Name() string { return "csv" }

func (c *CSVWriter) Report(_ context.Context, res session.CycleResult) error {
	if res.Err != nil || res.Result == nil {
		return nil
	}
	return c.Write(res.Result.Rows)
}

// Write replaces the file. Readers never see a half-written log.
func (c *CSVWriter) Write(rows []backtest.Row) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close csv: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace csv: %w", err)
	}
	return nil
}
