package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus"
)

var (
	cfgFile string

	// Global flags
	host      string
	port      int
	unitID    uint8
	timeout   time.Duration
	outputFmt string
	verbose   bool
	noColor   bool

	// Serial flags select RTU mode when device is set
	device   string
	baudRate int
	dataBits int
	parity   string
	stopBits int

	// TLS flags
	useTLS     bool
	caFile     string
	certFile   string
	keyFile    string
	peerCert   string
	serverName string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbuscli",
	Short: "A Modbus client CLI for TCP, TLS and serial RTU",
	Long: `modbuscli is a command-line interface for interacting with Modbus devices
over plain TCP, TLS (Modbus Security) or a serial line (RTU).

Examples:
  # Read 10 holding registers from address 0
  modbuscli read hr -a 0 -c 10 -H 192.168.1.100

  # Write value 1234 to register 100
  modbuscli write register -a 100 -V 1234 -H 192.168.1.100

  # Read coils over a serial line
  modbuscli read coils -a 0 -c 8 --device /dev/ttyUSB0 --baud 19200

  # Read over TLS with an authority-signed certificate
  modbuscli read hr -a 0 -c 10 -H 192.168.1.100 -p 802 --tls \
      --ca ca.pem --cert client.pem --key client-key.pem`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbuscli.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", modbus.DefaultPort, "Modbus server port")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID (1-247)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", modbus.DefaultTimeout, "Operation timeout")

	// Serial flags
	rootCmd.PersistentFlags().StringVar(&device, "device", "", "Serial device for RTU mode (e.g. /dev/ttyUSB0)")
	rootCmd.PersistentFlags().IntVar(&baudRate, "baud", 19200, "Serial baud rate")
	rootCmd.PersistentFlags().IntVar(&dataBits, "data-bits", 8, "Serial data bits")
	rootCmd.PersistentFlags().StringVar(&parity, "parity", "E", "Serial parity: N, E, O")
	rootCmd.PersistentFlags().IntVar(&stopBits, "stop-bits", 1, "Serial stop bits")

	// TLS flags
	rootCmd.PersistentFlags().BoolVar(&useTLS, "tls", false, "Connect with TLS")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "PEM file with trusted root CAs")
	rootCmd.PersistentFlags().StringVar(&certFile, "cert", "", "PEM file with the client certificate")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key", "", "PEM file with the client private key")
	rootCmd.PersistentFlags().StringVar(&peerCert, "peer-cert", "", "PEM file with the pinned server certificate (self-signed mode)")
	rootCmd.PersistentFlags().StringVar(&serverName, "server-name", "", "Expected server name (defaults to host)")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, hex")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("unit", rootCmd.PersistentFlags().Lookup("unit"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbuscli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getAddress() string {
	return fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
}

func requestParam() modbus.RequestParam {
	return modbus.RequestParam{
		UnitID:  modbus.UnitID(unitID),
		Timeout: timeout,
	}
}

// openChannel creates an enabled channel according to the connection
// flags. The caller closes both the channel and the runtime.
func openChannel() (*modbus.Channel, *modbus.Runtime, error) {
	rt := modbus.NewRuntime(1, modbus.WithRuntimeLogger(logger))

	opts := []modbus.Option{
		modbus.WithLogger(logger),
		modbus.WithConnectTimeout(timeout),
	}
	if verbose {
		opts = append(opts, modbus.WithDecodeLevel(modbus.DecodeHeader))
	}

	var (
		ch  *modbus.Channel
		err error
	)
	switch {
	case device != "":
		ch, err = modbus.NewRTUChannel(rt, modbus.SerialConfig{
			Device:   device,
			BaudRate: baudRate,
			DataBits: dataBits,
			Parity:   parity,
			StopBits: stopBits,
		}, opts...)
	case useTLS:
		tlsConfig, cfgErr := buildTLSConfig()
		if cfgErr != nil {
			rt.Close()
			return nil, nil, cfgErr
		}
		ch, err = modbus.NewTLSChannel(rt, getAddress(), tlsConfig, opts...)
	default:
		ch, err = modbus.NewTCPChannel(rt, getAddress(), opts...)
	}
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	ch.Enable()
	return ch, rt, nil
}

func buildTLSConfig() (*modbus.TLSConfig, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("TLS requires --cert and --key")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	name := serverName
	if name == "" {
		name = viper.GetString("host")
	}

	config := &modbus.TLSConfig{
		ServerName:   name,
		Certificates: []tls.Certificate{cert},
	}

	switch {
	case peerCert != "":
		pinned, err := loadCertificate(peerCert)
		if err != nil {
			return nil, err
		}
		config.Mode = modbus.SelfSigned
		config.PeerCertificate = pinned
	case caFile != "":
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		config.Mode = modbus.AuthorityBased
		config.RootCAs = pool
	default:
		return nil, fmt.Errorf("TLS requires --ca or --peer-cert")
	}

	return config, nil
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
