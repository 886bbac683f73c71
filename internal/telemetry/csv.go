package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaberg/bench-charger/internal/domain"
	"github.com/sirupsen/logrus"
)

// CSVHeader is the first row of every log file.
var CSVHeader = []string{
	"Timestamp",
	"Elapsed Time (s)",
	"Voltage (V)",
	"Current (A)",
	"Amp-hours (Ah)",
	"Watt-hours (Wh)",
}

// TimestampLayout is ISO-8601 with microseconds and zone offset.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// UniquePath returns path if it is free. Otherwise 1, 2, ... is appended to
// the full file stem until a free name is found: log.csv -> log1.csv,
// log2.csv -> log21.csv.
func UniquePath(path string, exists func(string) bool) string {
	if !exists(path) {
		return path
	}

	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, stem+strconv.Itoa(i)+ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

// FileExists treats any stat result other than "does not exist" as taken,
// so an unreadable path is never overwritten.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// CSVSink appends one row per sample to a log file. Each row is flushed as it
// is written so an aborted session still leaves a usable log.
type CSVSink struct {
	path   string
	f      *os.File
	w      *csv.Writer
	logger *logrus.Logger
}

// NewCSVSink picks a non-colliding file name based on requested, creates it
// and writes the header.
func NewCSVSink(requested string, logger *logrus.Logger) (*CSVSink, error) {
	path := UniquePath(requested, FileExists)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	// O_EXCL: never clobber a file that appeared after the existence check.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	s := &CSVSink{path: path, f: f, w: csv.NewWriter(f), logger: logger}
	if err := s.writeRow(CSVHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write log header: %w", err)
	}

	if path != requested {
		logger.WithFields(logrus.Fields{"requested": requested, "path": path}).Info("Log file exists; using a new name")
	} else {
		logger.WithField("path", path).Info("Logging samples to CSV")
	}
	return s, nil
}

// Path returns the file actually written.
func (s *CSVSink) Path() string { return s.path }

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) OnSample(sample domain.Sample) error {
	return s.writeRow(FormatRow(sample))
}

func (s *CSVSink) OnSessionEnd(domain.Summary) error {
	s.w.Flush()
	flushErr := s.w.Error()
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	switch {
	case flushErr != nil:
		return flushErr
	case syncErr != nil:
		return syncErr
	default:
		return closeErr
	}
}

func (s *CSVSink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// FormatRow renders a sample with the log file's fixed precision.
func FormatRow(s domain.Sample) []string {
	return []string{
		s.Timestamp.Format(TimestampLayout),
		strconv.FormatFloat(s.Elapsed, 'f', 2, 64),
		strconv.FormatFloat(s.Voltage, 'f', 4, 64),
		strconv.FormatFloat(s.Current, 'f', 4, 64),
		strconv.FormatFloat(s.AmpHours, 'f', 4, 64),
		strconv.FormatFloat(s.WattHours, 'f', 4, 64),
	}
}
