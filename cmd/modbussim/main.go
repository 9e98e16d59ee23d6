// Package main provides a multi-unit Modbus server simulator for TCP,
// TLS and serial RTU, configured from a YAML file.
package main

import (
	"fmt"
	"os"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
