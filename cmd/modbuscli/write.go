package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	writeAddr   uint16
	writeValues []string
)

var writeCmd = &cobra.Command{
	Use:     "write",
	Aliases: []string{"w"},
	Short:   "Write data to a Modbus device",
	Long:    `Write coils or holding registers to a Modbus device.`,
}

// Write single coil (FC05)
var writeCoilCmd = &cobra.Command{
	Use:     "coil",
	Aliases: []string{"c"},
	Short:   "Write single coil (FC05)",
	Long: `Write a single coil (discrete output) using function code 05.

Value can be: 1, 0, true, false, on, off`,
	Example: `  modbuscli write coil -a 0 -V 1 -H 192.168.1.100
  modbuscli w c -a 100 -V on`,
	RunE: runWriteCoil,
}

// Write multiple coils (FC15)
var writeCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"cs"},
	Short:   "Write multiple coils (FC15)",
	Example: `  modbuscli write coils -a 0 -V 1,0,1,1,0 -H 192.168.1.100`,
	RunE:    runWriteCoils,
}

// Write single register (FC06)
var writeRegisterCmd = &cobra.Command{
	Use:     "register",
	Aliases: []string{"reg"},
	Short:   "Write single register (FC06)",
	Long: `Write a single holding register using function code 06.

Value can be decimal, hexadecimal (0x prefix), or binary (0b prefix).`,
	Example: `  modbuscli write register -a 0 -V 1234 -H 192.168.1.100
  modbuscli w reg -a 100 -V 0xFF00`,
	RunE: runWriteRegister,
}

// Write multiple registers (FC16)
var writeRegistersCmd = &cobra.Command{
	Use:     "registers",
	Aliases: []string{"regs"},
	Short:   "Write multiple registers (FC16)",
	Example: `  modbuscli write registers -a 0 -V 100,200,300 -H 192.168.1.100
  modbuscli w regs -a 100 -V "0x1234 0x5678"`,
	RunE: runWriteRegisters,
}

func init() {
	writeCmd.AddCommand(writeCoilCmd)
	writeCmd.AddCommand(writeCoilsCmd)
	writeCmd.AddCommand(writeRegisterCmd)
	writeCmd.AddCommand(writeRegistersCmd)

	for _, cmd := range []*cobra.Command{writeCoilCmd, writeCoilsCmd, writeRegisterCmd, writeRegistersCmd} {
		cmd.Flags().Uint16VarP(&writeAddr, "address", "a", 0, "Starting address")
		cmd.Flags().StringSliceVarP(&writeValues, "values", "V", nil, "Values to write")
		cmd.MarkFlagRequired("values")
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid coil value %q (use 1, 0, true, false, on, off)", s)
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register value %q: %w", s, err)
	}
	return uint16(v), nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Fields(strings.ReplaceAll(v, ",", " "))...)
	}
	return out
}

func runWriteCoil(cmd *cobra.Command, args []string) error {
	vals := splitValues(writeValues)
	if len(vals) != 1 {
		return fmt.Errorf("write coil takes exactly one value")
	}
	value, err := parseBool(vals[0])
	if err != nil {
		return err
	}

	ch, rt, err := openChannel()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ch.WriteSingleCoil(ctx, requestParam(), writeAddr, value); err != nil {
		return fmt.Errorf("write coil failed: %w", err)
	}

	outputSuccess("Wrote coil %d = %v", writeAddr, value)
	return nil
}

func runWriteCoils(cmd *cobra.Command, args []string) error {
	vals := splitValues(writeValues)
	if len(vals) == 0 {
		return fmt.Errorf("no values given")
	}
	values := make([]bool, len(vals))
	for i, s := range vals {
		v, err := parseBool(s)
		if err != nil {
			return err
		}
		values[i] = v
	}

	ch, rt, err := openChannel()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ch.WriteMultipleCoils(ctx, requestParam(), writeAddr, values); err != nil {
		return fmt.Errorf("write coils failed: %w", err)
	}

	outputSuccess("Wrote %d coils starting at %d", len(values), writeAddr)
	return nil
}

func runWriteRegister(cmd *cobra.Command, args []string) error {
	vals := splitValues(writeValues)
	if len(vals) != 1 {
		return fmt.Errorf("write register takes exactly one value")
	}
	value, err := parseUint16(vals[0])
	if err != nil {
		return err
	}

	ch, rt, err := openChannel()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ch.WriteSingleRegister(ctx, requestParam(), writeAddr, value); err != nil {
		return fmt.Errorf("write register failed: %w", err)
	}

	outputSuccess("Wrote register %d = %d (0x%04X)", writeAddr, value, value)
	return nil
}

func runWriteRegisters(cmd *cobra.Command, args []string) error {
	vals := splitValues(writeValues)
	if len(vals) == 0 {
		return fmt.Errorf("no values given")
	}
	values := make([]uint16, len(vals))
	for i, s := range vals {
		v, err := parseUint16(s)
		if err != nil {
			return err
		}
		values[i] = v
	}

	ch, rt, err := openChannel()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ch.WriteMultipleRegisters(ctx, requestParam(), writeAddr, values); err != nil {
		return fmt.Errorf("write registers failed: %w", err)
	}

	outputSuccess("Wrote %d registers starting at %d", len(values), writeAddr)
	return nil
}
