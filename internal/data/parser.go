// internal/data/parser.go
package data

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const datasetColumns = 8

// LoadDatasetFile reads the telemetry dataset at path.
func LoadDatasetFile(path string, logger zerolog.Logger) ([]TelemetryFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return LoadDataset(f, logger)
}

// LoadDataset parses comma-separated telemetry rows. The first row is a header
// and is skipped. Malformed rows are logged and dropped.
func LoadDataset(r io.Reader, logger zerolog.Logger) ([]TelemetryFrame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var frames []TelemetryFrame
	header := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				logger.Warn().Err(err).Int("line", perr.Line).Msg("Skipping malformed dataset row")
				header = false
				continue
			}
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		if header {
			header = false
			continue
		}
		line, _ := reader.FieldPos(0)
		frame, err := ParseFrame(record)
		if err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed dataset row")
			continue
		}
		frames = append(frames, frame)
	}

	logger.Debug().Int("frames", len(frames)).Msg("Dataset loaded")
	return frames, nil
}

// ParseFrame converts one dataset record into a frame.
func ParseFrame(record []string) (TelemetryFrame, error) {
	if len(record) < datasetColumns {
		return TelemetryFrame{}, fmt.Errorf("%w: expected %d columns, got %d", ErrParse, datasetColumns, len(record))
	}

	code, err := strconv.Atoi(strings.TrimSpace(record[2]))
	if err != nil {
		return TelemetryFrame{}, fmt.Errorf("%w: event code %q", ErrParse, record[2])
	}

	var values [4]float64
	for i := range values {
		raw := strings.TrimSpace(record[4+i])
		values[i], err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return TelemetryFrame{}, fmt.Errorf("%w: column %d value %q", ErrParse, 5+i, raw)
		}
	}

	return TelemetryFrame{
		DeviceID:     strings.TrimSpace(record[0]),
		TimeInterval: strings.TrimSpace(record[1]),
		EventCode:    code,
		Description:  strings.TrimSpace(record[3]),
		WindSpeed:    values[0],
		Temperature:  values[1],
		RotorSpeed:   values[2],
		Power:        values[3],
	}, nil
}

// LoadDeviceIDsFile reads the device identifier list at path.
func LoadDeviceIDsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device list: %w", err)
	}
	defer f.Close()
	return LoadDeviceIDs(f)
}

// LoadDeviceIDs reads newline-delimited device ids, skipping blank lines and
// repeats. Order is preserved.
func LoadDeviceIDs(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	var ids []string
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	return ids, nil
}
