package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus"
)

var (
	readAddr  uint16
	readCount uint16
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from a Modbus device",
	Long:    `Read coils, discrete inputs, holding registers, or input registers from a Modbus device.`,
}

// Read coils (FC01)
var readCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Read coils (FC01)",
	Example: `  modbuscli read coils -a 0 -c 10 -H 192.168.1.100
  modbuscli r c -a 100 -c 8`,
	RunE: runReadBits(modbus.FuncReadCoils, "Coils"),
}

// Read discrete inputs (FC02)
var readDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Read discrete inputs (FC02)",
	Example: `  modbuscli read discrete-inputs -a 0 -c 10 -H 192.168.1.100
  modbuscli r di -a 100 -c 8`,
	RunE: runReadBits(modbus.FuncReadDiscreteInputs, "Discrete Inputs"),
}

// Read holding registers (FC03)
var readHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read holding registers (FC03)",
	Example: `  modbuscli read holding-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r hr -a 100 -c 4`,
	RunE: runReadRegisters(modbus.FuncReadHoldingRegisters, "Holding Registers"),
}

// Read input registers (FC04)
var readInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read input registers (FC04)",
	Example: `  modbuscli read input-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r ir -a 100 -c 4`,
	RunE: runReadRegisters(modbus.FuncReadInputRegisters, "Input Registers"),
}

func init() {
	readCmd.AddCommand(readCoilsCmd)
	readCmd.AddCommand(readDiscreteInputsCmd)
	readCmd.AddCommand(readHoldingRegistersCmd)
	readCmd.AddCommand(readInputRegistersCmd)

	for _, cmd := range []*cobra.Command{readCoilsCmd, readDiscreteInputsCmd, readHoldingRegistersCmd, readInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	}
}

func runReadBits(fc modbus.FunctionCode, title string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ch, rt, err := openChannel()
		if err != nil {
			return err
		}
		defer rt.Close()
		defer ch.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		r := modbus.Range(readAddr, readCount)
		var values []modbus.BitValue
		if fc == modbus.FuncReadCoils {
			values, err = ch.ReadCoils(ctx, requestParam(), r)
		} else {
			values, err = ch.ReadDiscreteInputs(ctx, requestParam(), r)
		}
		if err != nil {
			return fmt.Errorf("%s read failed: %w", title, err)
		}

		return outputBitValues(title, values)
	}
}

func runReadRegisters(fc modbus.FunctionCode, title string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ch, rt, err := openChannel()
		if err != nil {
			return err
		}
		defer rt.Close()
		defer ch.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		r := modbus.Range(readAddr, readCount)
		var values []modbus.RegisterValue
		if fc == modbus.FuncReadHoldingRegisters {
			values, err = ch.ReadHoldingRegisters(ctx, requestParam(), r)
		} else {
			values, err = ch.ReadInputRegisters(ctx, requestParam(), r)
		}
		if err != nil {
			return fmt.Errorf("%s read failed: %w", title, err)
		}

		return outputRegisterValues(title, values)
	}
}
