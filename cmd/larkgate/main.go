package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "larkgate",
	Short: "Feishu/Lark channel gateway",
	Long:  "larkgate bridges Feishu/Lark messaging into an in-process message bus over the platform's websocket long connection.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
