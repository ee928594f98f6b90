package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fxlab/fxbacktester/pkg/strategy"
)

// variant is one menu entry; Code names its output directory and summary CSV
type variant struct {
	Code       string
	Label      string
	StrategyID string
}

type family struct {
	Title    string
	Header   string
	Variants []variant
}

var families = []family{
	{
		Title:  "SMA Crossover Strategy",
		Header: "SMA STRATEGIES",
		Variants: []variant{
			{Code: "sma1", Label: "SMA1 - Optimized for Max. Net Return", StrategyID: "sma-crossover"},
			{Code: "sma2", Label: "SMA2 - SMA + Momentum strategy Optimized for Max. Net Return", StrategyID: "momentum-sma"},
		},
	},
	{
		Title:  "Momentum Strategy",
		Header: "MOMENTUM STRATEGIES",
		Variants: []variant{
			{Code: "mm1", Label: "MM1 - Optimized for Max. Net Return", StrategyID: "momentum"},
			{Code: "mm2", Label: "MM2 - SMA + Momentum strategy Optimized for Max. Net Return", StrategyID: "momentum-sma"},
		},
	},
	{
		Title:  "Mean Reversion Strategy",
		Header: "MEAN REVERSION STRATEGIES",
		Variants: []variant{
			{Code: "mr1", Label: "MR1 - Optimized for Max. Net Return", StrategyID: "mean-reversion"},
		},
	},
	{
		Title:  "EMA Crossover Strategy",
		Header: "EMA STRATEGIES",
		Variants: []variant{
			{Code: "ema1", Label: "EMA1 - Optimized for Max. Net Return", StrategyID: "ema-crossover"},
			{Code: "ema2", Label: "EMA2 - EMA + Momentum strategy Optimized for Max. Net Return", StrategyID: "momentum-ema"},
		},
	},
}

var timeframeLabels = map[string]string{
	"1y":  "1 Year",
	"6mo": "6 Months",
	"5d":  "5 Days",
}

// lookupVariant accepts a menu code such as "ema2" or a strategy identifier. A strategy
// identifier maps to its first menu entry.
func lookupVariant(name string) (variant, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, f := range families {
		for _, v := range f.Variants {
			if v.Code == key || v.StrategyID == key {
				return v, nil
			}
		}
	}
	return variant{}, fmt.Errorf("unknown strategy %q", name)
}

// Selection is one fully chosen run
type Selection struct {
	Variant    variant
	Instrument strategy.Instrument
	Timeframe  strategy.Timeframe
}

// Menu walks the main, strategy, pair and timeframe menus
type Menu struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewMenu reads answers from r and prints menus to w
func NewMenu(r io.Reader, w io.Writer) *Menu {
	return &Menu{in: bufio.NewScanner(r), out: w}
}

// Next returns the next selection; ok is false when the user exits or input ends
func (m *Menu) Next() (sel Selection, ok bool, err error) {
	for {
		titles := make([]string, 0, len(families)+1)
		for _, f := range families {
			titles = append(titles, f.Title)
		}
		titles = append(titles, "Exit")

		choice, err := m.choose("MAIN MENU", titles)
		if err != nil {
			return Selection{}, false, eofAsExit(err)
		}
		if choice == len(titles) {
			return Selection{}, false, nil
		}

		fam := families[choice-1]
		labels := make([]string, 0, len(fam.Variants)+1)
		for _, v := range fam.Variants {
			labels = append(labels, v.Label)
		}
		labels = append(labels, "Return to Main Menu")

		choice, err = m.choose(fam.Header, labels)
		if err != nil {
			return Selection{}, false, eofAsExit(err)
		}
		if choice == len(labels) {
			continue
		}
		sel.Variant = fam.Variants[choice-1]

		instruments := strategy.Instruments()
		pairs := make([]string, len(instruments))
		for i, in := range instruments {
			pairs[i] = in.Pair
		}
		choice, err = m.choose("DATA MENU", pairs)
		if err != nil {
			return Selection{}, false, eofAsExit(err)
		}
		sel.Instrument = instruments[choice-1]

		timeframes := strategy.Timeframes()
		names := make([]string, len(timeframes))
		for i, tf := range timeframes {
			names[i] = timeframeLabels[tf.Name]
		}
		choice, err = m.choose("TIMEFRAME MENU", names)
		if err != nil {
			return Selection{}, false, eofAsExit(err)
		}
		sel.Timeframe = timeframes[choice-1]

		return sel, true, nil
	}
}

// choose prints a numbered menu and returns the 1-based answer, asking again on bad input
func (m *Menu) choose(header string, options []string) (int, error) {
	rule := strings.Repeat("-", 45)
	for {
		fmt.Fprintln(m.out, rule)
		fmt.Fprintf(m.out, "%*s\n", (len(rule)+len(header))/2, header)
		fmt.Fprintln(m.out, rule)
		for i, opt := range options {
			fmt.Fprintf(m.out, "(%d) %s\n", i+1, opt)
		}
		fmt.Fprint(m.out, "Enter menu number: ")

		if !m.in.Scan() {
			if err := m.in.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		n, err := strconv.Atoi(strings.TrimSpace(m.in.Text()))
		if err == nil && n >= 1 && n <= len(options) {
			return n, nil
		}
		fmt.Fprintln(m.out, "Please enter a valid input")
	}
}

func eofAsExit(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
