package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rcsgo/rcsd/internal/daemon"
	"github.com/rcsgo/rcsd/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	metricsFlag := flag.String("metrics-addr", "", "observability listen address (empty = disabled)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			MetricsAddr: *metricsFlag,
		}),
	)

	app.Run()
}
