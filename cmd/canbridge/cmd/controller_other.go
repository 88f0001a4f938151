//go:build !linux

package cmd

import (
	"fmt"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/spf13/cobra"
)

func openController(cmd *cobra.Command) (tritoncan.Controller, error) {
	name, _ := cmd.Flags().GetString(flagController)
	switch name {
	case "vcan":
		return tritoncan.NewVirtualBus().NewController(), nil
	case "socketcan":
		return nil, fmt.Errorf("socketcan is only available on linux")
	}
	return nil, fmt.Errorf("unknown controller %q", name)
}
