package main

import (
	"os"

	"github.com/prodogs/DocumentEvaluator-sub001/cli"
	"github.com/prodogs/DocumentEvaluator-sub001/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("service exited with error")
		os.Exit(1)
	}
}
