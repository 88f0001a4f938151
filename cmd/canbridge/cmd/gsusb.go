package cmd

import (
	"context"
	"errors"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/evm100/TritonCAN/pkg/bridge"
	"github.com/evm100/TritonCAN/pkg/gsusb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var gsusbCmd = &cobra.Command{
	Use:   "gsusb",
	Short: "Run the gs_usb bulk-frame bridge",
	Long:  "Bridges gs_usb host frames, framed as fixed 20-byte packets on the serial port (or stdio), to the selected CAN controller.",
	RunE:  runGSUSB,
}

func init() {
	rootCmd.AddCommand(gsusbCmd)
}

func runGSUSB(cmd *cobra.Command, _ []string) error {
	port, err := openPort(cmd)
	if err != nil {
		return err
	}
	ctrl, err := openController(cmd)
	if err != nil {
		port.Close()
		return err
	}
	pport := tritoncan.NewStreamPacketPort(port, gsusb.HostFrameSize)
	b := bridge.NewGSUSB(pport, tritoncan.NewTransport(ctrl), gsusb.Config{})
	go logStats(cmd.Context(), "gsusb", b.Stats())
	log.Info("gs_usb bridge running")
	if err := b.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
