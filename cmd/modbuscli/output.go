package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus"
)

// Color codes
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorBold  = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

type bitResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

type registerResult struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	Hex     string `json:"hex"`
}

func outputBitValues(title string, values []modbus.BitValue) error {
	switch viper.GetString("output") {
	case "json":
		results := make([]bitResult, len(values))
		for i, v := range values {
			results[i] = bitResult{Address: v.Index, Value: v.Value}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "hex":
		for _, v := range values {
			bit := 0
			if v.Value {
				bit = 1
			}
			fmt.Printf("0x%04X: %d\n", v.Index, bit)
		}
		return nil
	default:
		return outputBitTable(title, values)
	}
}

func outputBitTable(title string, values []modbus.BitValue) error {
	fmt.Printf("\n%s (Count: %d)\n", color(colorBold, title), len(values))
	fmt.Println(strings.Repeat("-", 40))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(w, "-------\t-----\t------")

	for _, v := range values {
		var valStr, statusStr string
		if v.Value {
			valStr = "1"
			statusStr = color(colorGreen, "ON")
		} else {
			valStr = "0"
			statusStr = color(colorRed, "OFF")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", v.Index, valStr, statusStr)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputRegisterValues(title string, values []modbus.RegisterValue) error {
	switch viper.GetString("output") {
	case "json":
		results := make([]registerResult, len(values))
		for i, v := range values {
			results[i] = registerResult{
				Address: v.Index,
				Value:   v.Value,
				Hex:     fmt.Sprintf("0x%04X", v.Value),
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "hex":
		for _, v := range values {
			fmt.Printf("0x%04X: 0x%04X\n", v.Index, v.Value)
		}
		return nil
	default:
		return outputRegisterTable(title, values)
	}
}

func outputRegisterTable(title string, values []modbus.RegisterValue) error {
	fmt.Printf("\n%s (Count: %d)\n", color(colorBold, title), len(values))
	fmt.Println(strings.Repeat("-", 40))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tHEX")
	fmt.Fprintln(w, "-------\t-----\t---")

	for _, v := range values {
		fmt.Fprintf(w, "%d\t%d\t%s\n", v.Index, v.Value,
			color(colorCyan, fmt.Sprintf("0x%04X", v.Value)))
	}
	w.Flush()
	fmt.Println()
	return nil
}
