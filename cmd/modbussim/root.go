package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus"
)

var (
	cfgFile string
	verbose bool
)

// simConfig is the YAML layout of a simulator configuration.
type simConfig struct {
	Listen   string `mapstructure:"listen"`
	Mode     string `mapstructure:"mode"` // tcp, tls, rtu
	ReadOnly bool   `mapstructure:"read_only"`

	TLS struct {
		Cert     string `mapstructure:"cert"`
		Key      string `mapstructure:"key"`
		CA       string `mapstructure:"ca"`
		PeerCert string `mapstructure:"peer_cert"`
	} `mapstructure:"tls"`

	Serial struct {
		Device   string `mapstructure:"device"`
		Baud     int    `mapstructure:"baud"`
		DataBits int    `mapstructure:"data_bits"`
		Parity   string `mapstructure:"parity"`
		StopBits int    `mapstructure:"stop_bits"`
	} `mapstructure:"serial"`

	Units []unitConfig `mapstructure:"units"`
}

type unitConfig struct {
	ID               uint8           `mapstructure:"id"`
	Coils            map[uint16]bool `mapstructure:"coils"`
	DiscreteInputs   map[uint16]bool `mapstructure:"discrete_inputs"`
	HoldingRegisters map[uint16]uint16 `mapstructure:"holding_registers"`
	InputRegisters   map[uint16]uint16 `mapstructure:"input_registers"`
}

var rootCmd = &cobra.Command{
	Use:   "modbussim",
	Short: "A multi-unit Modbus server simulator",
	Long: `modbussim serves a configurable set of Modbus units over plain TCP,
TLS (Modbus Security) or a serial line (RTU).

Example configuration:

  listen: ":502"
  mode: tcp
  units:
    - id: 1
      coils:
        0: true
        1: false
      holding_registers:
        0: 1234
        1: 5678`,
	Version: version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./modbussim.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("modbussim")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("listen", fmt.Sprintf(":%d", modbus.DefaultPort))
	viper.SetDefault("mode", "tcp")
	viper.SetDefault("serial.baud", 19200)
	viper.SetDefault("serial.data_bits", 8)
	viper.SetDefault("serial.parity", "E")
	viper.SetDefault("serial.stop_bits", 1)

	viper.SetEnvPrefix("MODBUSSIM")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func run(cmd *cobra.Command, args []string) error {
	var config simConfig
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}
	if len(config.Units) == 0 {
		// A bare simulator still answers on unit 1.
		config.Units = []unitConfig{{ID: 1}}
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	devices := buildDevices(config)

	var serverOpts []modbus.ServerOption
	serverOpts = append(serverOpts, modbus.WithServerLogger(logger))
	if config.ReadOnly {
		serverOpts = append(serverOpts, modbus.WithAuthorization(modbus.ReadOnly{}))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch config.Mode {
	case "rtu":
		server := modbus.NewSerialServer(modbus.SerialConfig{
			Device:   config.Serial.Device,
			BaudRate: config.Serial.Baud,
			DataBits: config.Serial.DataBits,
			Parity:   config.Serial.Parity,
			StopBits: config.Serial.StopBits,
			Timeout:  time.Second,
		}, devices, serverOpts...)

		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutting down")
			server.Close()
		}()

		logger.Info("serving RTU", slog.String("device", config.Serial.Device))
		return server.Serve()

	case "tls":
		tlsConfig, err := buildTLSConfig(config)
		if err != nil {
			return err
		}
		server := modbus.NewServer(devices, serverOpts...)

		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutting down")
			server.Close()
		}()

		return server.ListenAndServeTLS(config.Listen, tlsConfig)

	case "tcp":
		server := modbus.NewServer(devices, serverOpts...)

		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutting down")
			server.Close()
		}()

		return server.ListenAndServe(config.Listen)

	default:
		return fmt.Errorf("unknown mode %q (use tcp, tls or rtu)", config.Mode)
	}
}

func buildDevices(config simConfig) *modbus.DeviceMap {
	devices := modbus.NewDeviceMap()
	for _, unit := range config.Units {
		unit := unit
		devices.Add(modbus.UnitID(unit.ID), nil, func(db *modbus.Database) {
			for index, value := range unit.Coils {
				db.AddCoil(index, value)
			}
			for index, value := range unit.DiscreteInputs {
				db.AddDiscreteInput(index, value)
			}
			for index, value := range unit.HoldingRegisters {
				db.AddHoldingRegister(index, value)
			}
			for index, value := range unit.InputRegisters {
				db.AddInputRegister(index, value)
			}
		})
	}
	return devices
}

func buildTLSConfig(config simConfig) (*modbus.TLSConfig, error) {
	if config.TLS.Cert == "" || config.TLS.Key == "" {
		return nil, fmt.Errorf("tls mode requires tls.cert and tls.key")
	}
	cert, err := tls.LoadX509KeyPair(config.TLS.Cert, config.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &modbus.TLSConfig{
		Certificates: []tls.Certificate{cert},
	}

	switch {
	case config.TLS.PeerCert != "":
		pinned, err := loadCertificate(config.TLS.PeerCert)
		if err != nil {
			return nil, err
		}
		tlsConfig.Mode = modbus.SelfSigned
		tlsConfig.PeerCertificate = pinned
	case config.TLS.CA != "":
		pemData, err := os.ReadFile(config.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", config.TLS.CA)
		}
		tlsConfig.Mode = modbus.AuthorityBased
		tlsConfig.RootCAs = pool
	default:
		return nil, fmt.Errorf("tls mode requires tls.ca or tls.peer_cert")
	}

	return tlsConfig, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
