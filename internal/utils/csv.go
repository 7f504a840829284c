package utils

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"trailstopbot/internal/domain"
)

// WriteTicksToCSV writes ticks as "time,symbol,price" rows with a header.
func WriteTicksToCSV(ticks []*domain.Tick, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"time", "symbol", "price"})

	for _, tick := range ticks {
		writer.Write([]string{
			tick.At.Format(time.RFC3339),
			tick.Symbol,
			strconv.FormatFloat(tick.Price, 'f', -1, 64),
		})
	}
	return writer.Error()
}

// ReadTicksFromCSV reads rows written by WriteTicksToCSV.
func ReadTicksFromCSV(filename string) ([]*domain.Tick, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty tick file %s", filename)
	}

	ticks := make([]*domain.Tick, 0, len(records)-1)
	for i, record := range records[1:] { // Skip header
		if len(record) != 3 {
			return nil, fmt.Errorf("row %d of %s: expected 3 fields, got %d", i+2, filename, len(record))
		}
		at, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return nil, fmt.Errorf("row %d of %s: bad time %q: %w", i+2, filename, record[0], err)
		}
		price, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d of %s: bad price %q: %w", i+2, filename, record[2], err)
		}
		ticks = append(ticks, &domain.Tick{At: at, Symbol: record[1], Price: price})
	}
	return ticks, nil
}
