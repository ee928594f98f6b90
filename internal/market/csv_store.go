package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fxlab/fxbacktester/pkg/backtest"
	"github.com/fxlab/fxbacktester/pkg/strategy"
)

var csvHeader = []string{"Date", "Open", "High", "Low", "Close", "Volume"}

// Accepted Date layouts, most specific first. pandas writes the space-separated forms.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CSVStore keeps one CSV file per instrument and timeframe, named like eurusd_1y.csv or
// eurusd_5dm.csv for intraday bars
type CSVStore struct {
	dir string
}

// NewCSVStore creates a store rooted at dir
func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{dir: dir}
}

// Path returns the file backing a series
func (s *CSVStore) Path(in strategy.Instrument, tf strategy.Timeframe) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", in.FileStem(), tf.FileKey()))
}

// Load reads a series. Rows with an empty close are skipped, as the downloader would
// have dropped them.
func (s *CSVStore) Load(in strategy.Instrument, tf strategy.Timeframe) ([]*backtest.Candlestick, error) {
	path := s.Path(in, tf)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	candles, err := ReadCSV(f, in.Ticker)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Debug().Str("path", path).Int("bars", len(candles)).Msg("Loaded series from CSV")
	return candles, nil
}

// Save writes a series, replacing any previous file
func (s *CSVStore) Save(in strategy.Instrument, tf strategy.Timeframe, candles []*backtest.Candlestick) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := s.Path(in, tf)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := WriteCSV(f, candles); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	log.Info().Str("path", path).Int("bars", len(candles)).Msg("Saved series")
	return nil
}

// Exists reports whether the store has a file for the series
func (s *CSVStore) Exists(in strategy.Instrument, tf strategy.Timeframe) bool {
	_, err := os.Stat(s.Path(in, tf))
	return err == nil
}

// WriteCSV encodes candles with a Date,Open,High,Low,Close,Volume header
func WriteCSV(w io.Writer, candles []*backtest.Candlestick) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range candles {
		row := []string{
			c.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes a series. Columns are located by header name, so extra columns such as
// "Adj Close" are ignored.
func ReadCSV(r io.Reader, symbol string) ([]*backtest.Candlestick, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	dateCol, ok := cols["date"]
	if !ok {
		if dateCol, ok = cols["datetime"]; !ok {
			return nil, fmt.Errorf("missing Date column: %w", backtest.ErrInvalidInput)
		}
	}
	closeCol, ok := cols["close"]
	if !ok {
		return nil, fmt.Errorf("missing Close column: %w", backtest.ErrInvalidInput)
	}

	var candles []*backtest.Candlestick
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		closeStr := field(rec, closeCol)
		if closeStr == "" || strings.EqualFold(closeStr, "nan") {
			continue
		}
		closePx, err := strconv.ParseFloat(closeStr, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad close %q: %w", line, closeStr, backtest.ErrInvalidInput)
		}
		stamp, err := parseDate(field(rec, dateCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		candles = append(candles, &backtest.Candlestick{
			Symbol:    symbol,
			Timestamp: stamp,
			Open:      optionalFloat(rec, cols, "open", closePx),
			High:      optionalFloat(rec, cols, "high", closePx),
			Low:       optionalFloat(rec, cols, "low", closePx),
			Close:     closePx,
			Volume:    optionalFloat(rec, cols, "volume", 0),
		})
	}
	return candles, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}

func optionalFloat(rec []string, cols map[string]int, name string, def float64) float64 {
	i, ok := cols[name]
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(field(rec, i), 64)
	if err != nil {
		return def
	}
	return v
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q: %w", s, backtest.ErrInvalidInput)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
