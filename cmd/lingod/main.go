package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lingopal/lingopal/internal/app"
	"github.com/lingopal/lingopal/internal/appdir"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := appdir.Resolve(*profileFlag)
	if err := appdir.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	engine := fx.New(
		app.Module(app.Params{Profile: profile}),
	)

	engine.Run()
}
