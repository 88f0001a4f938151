package cmd

import (
	"fmt"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Dump frames seen on the selected controller",
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctrl, err := openController(cmd)
	if err != nil {
		return err
	}
	bitrate, _ := cmd.Flags().GetInt(flagBitrate)
	bt, err := tritoncan.TimingForBitrate(bitrate)
	if err != nil {
		return err
	}
	transport := tritoncan.NewTransport(ctrl)
	if err := transport.ConfigureAndStart(bt); err != nil {
		return err
	}
	defer transport.Stop()

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		f, ok, err := transport.Receive(300 * time.Millisecond)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println(f.ColorString())
		}
	}
}
