package cmd

import (
	"context"
	"errors"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/evm100/TritonCAN/pkg/bridge"
	"github.com/evm100/TritonCAN/pkg/slcan"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const flagReinitOnS = "reinit-on-s"

var slcanCmd = &cobra.Command{
	Use:   "slcan",
	Short: "Run the Lawicel SLCAN bridge",
	Long:  "Bridges SLCAN lines on the serial port (or stdio) to the selected CAN controller. Pair with slcand on the host side.",
	RunE:  runSLCAN,
}

func init() {
	slcanCmd.Flags().Bool(flagReinitOnS, false, "allow S<n> on an open channel to retime the controller in place")
	rootCmd.AddCommand(slcanCmd)
}

func runSLCAN(cmd *cobra.Command, _ []string) error {
	port, err := openPort(cmd)
	if err != nil {
		return err
	}
	ctrl, err := openController(cmd)
	if err != nil {
		port.Close()
		return err
	}
	reinit, _ := cmd.Flags().GetBool(flagReinitOnS)
	b := bridge.NewSLCAN(port, tritoncan.NewTransport(ctrl), slcan.Config{
		ReinitOnSetBitrate: reinit,
	})
	go logStats(cmd.Context(), "slcan", b.Stats())
	log.Info("SLCAN bridge running")
	if err := b.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
