package main

import (
	"log"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/loomchat/loom/internal/cli"
)

func main() {
	zapCfg := zap.NewProductionConfig()
	zapCfg.OutputPaths = []string{"stderr"}

	zapLog, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zapLog.Sync()

	cli.Execute(zapr.NewLogger(zapLog))
}
