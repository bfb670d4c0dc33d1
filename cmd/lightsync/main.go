package main

import (
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/framework"
)

func main() {
	if err := framework.Run(framework.Input{}); err != nil {
		logger.Fatal(err)
	}
}
