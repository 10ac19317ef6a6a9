package vjf

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// Exporter defines an export interface for filtered posteriors.
type Exporter interface {
	Write(DiagonalGaussian) error
	Close() error
}

// CSVExporter writes one line per time step: for each state dimension the
// posterior mean and its +/- 2 standard deviation bounds, across the batch.
type CSVExporter struct {
	delimiter string
	hdlr      *os.File
}

// NewCSVExporter initializes a new CSV export with one header per state
// dimension.
func NewCSVExporter(headers []string, filepath, filename string) (e *CSVExporter, err error) {
	f, err := os.Create(fmt.Sprintf("%s/%s", filepath, filename))
	if err != nil {
		return
	}
	delimiter := ","
	hdr := make([]string, len(headers)*3)
	for i := 0; i < len(headers)*3; i += 3 {
		hdr[i] = headers[i/3]
		hdr[i+1] = hdr[i] + "+2s"
		hdr[i+2] = hdr[i] + "-2s"
	}
	f.WriteString(fmt.Sprintf("# Creation date (UTC): %s\n%s\n", time.Now(), strings.Join(hdr, delimiter)))
	e = &CSVExporter{delimiter, f}
	return
}

// Write appends the posterior's mean and 2-sigma bounds. Batch rows are
// written consecutively.
func (e CSVExporter) Write(q DiagonalGaussian) error {
	r, c := q.Mean.Dims()
	for i := 0; i < r; i++ {
		vals := make([]string, c*3)
		for j := 0; j < c; j++ {
			twoSigma := 2 * math.Exp(0.5*q.Logvar.At(i, j))
			mu := q.Mean.At(i, j)
			vals[j*3] = fmt.Sprintf("%f", mu)
			vals[j*3+1] = fmt.Sprintf("%f", mu+twoSigma)
			vals[j*3+2] = fmt.Sprintf("%f", mu-twoSigma)
		}
		if _, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteRawLn writes a raw line to the CSV file.
func (e CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// Close closes the file.
func (e CSVExporter) Close() (err error) {
	err = e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s\n", time.Now().UTC()))
	if err != nil {
		return
	}
	return e.hdlr.Close()
}
