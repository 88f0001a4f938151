package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"gopkg.in/ini.v1"
)

var rootCmd = &cobra.Command{
	Use:          "canbridge",
	Short:        "USB to CAN bridge speaking SLCAN or gs_usb",
	SilenceUsage: true,
}

const (
	flagPort       = "port"
	flagBaudrate   = "baudrate"
	flagBitrate    = "bitrate"
	flagDebug      = "debug"
	flagConfig     = "config"
	flagController = "controller"
	flagInterface  = "interface"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagPort, "p", "-", "serial port, - = stdio")
	pf.IntP(flagBaudrate, "b", 115200, "serial baudrate")
	pf.IntP(flagBitrate, "r", 500_000, "CAN bitrate")
	pf.BoolP(flagDebug, "d", false, "debug logging")
	pf.StringP(flagConfig, "c", "", "ini config file")
	pf.String(flagController, "vcan", "CAN controller: vcan or socketcan")
	pf.StringP(flagInterface, "i", "can0", "socketcan interface name")
	rootCmd.PersistentPreRunE = setup
}

// setup loads the optional ini file and applies its values to every flag
// the command line did not set, then configures logging.
func setup(cmd *cobra.Command, _ []string) error {
	if path, _ := cmd.Flags().GetString(flagConfig); path != "" {
		cfg, err := ini.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config %q: %w", path, err)
		}
		section := cfg.Section("canbridge")
		for _, name := range []string{flagPort, flagBaudrate, flagBitrate, flagDebug, flagController, flagInterface} {
			if cmd.Flags().Changed(name) || !section.HasKey(name) {
				continue
			}
			if err := cmd.Flags().Set(name, section.Key(name).String()); err != nil {
				return fmt.Errorf("config key %q: %w", name, err)
			}
		}
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug, _ := cmd.Flags().GetBool(flagDebug); debug {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// openPort opens the host-facing byte stream: a serial port, or stdio
// when the port is "-" (the bridge is then driven by slcand or a pipe).
func openPort(cmd *cobra.Command) (tritoncan.StreamPort, error) {
	portName, _ := cmd.Flags().GetString(flagPort)
	if portName == "-" {
		return stdioPort{}, nil
	}
	baudrate, _ := cmd.Flags().GetInt(flagBaudrate)
	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q : %v", portName, err)
	}
	p.SetReadTimeout(1 * time.Millisecond)
	p.ResetOutputBuffer()
	p.ResetInputBuffer()
	return p, nil
}

type stdioPort struct{}

func (stdioPort) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioPort) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioPort) Close() error                { return nil }

// logStats reports bridge counters once in a while under debug logging.
func logStats(ctx context.Context, name string, stats interface {
	String() string
}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debugf("[%s] %s", name, stats)
		}
	}
}
