// Command cantest opens the driver from a config file and reports the
// firmware version of every motor board.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CodedInternet/canmotion/onboard"
	"github.com/CodedInternet/canmotion/onboard/canbus"
	"github.com/edaniels/golog"
)

func main() {
	configFile := flag.String("config", "canmotion.yaml", "driver configuration")
	simulated := flag.Bool("sim", false, "probe simulated boards")
	flag.Parse()

	logger := golog.NewDevelopmentLogger("cantest")

	config, err := onboard.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal(err)
	}

	var bus canbus.Transport
	if *simulated {
		bus = onboard.NewSimulatorForConfig(config, logger).Bus()
	} else {
		bus, err = canbus.NewCANBus(config.General.Interface)
		if err != nil {
			logger.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	driver, err := onboard.Open(ctx, config, bus, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer driver.Close()

	failed := false
	for _, board := range driver.Boards() {
		version, err := driver.FirmwareVersion(ctx, board)
		if err != nil {
			fmt.Printf("board 0x%x: %v\n", board, err)
			failed = true
			continue
		}
		fmt.Printf("Success! Board 0x%x running version %s\n", board, version)
	}
	if failed {
		driver.Close()
		os.Exit(1)
	}
}
