package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("newsview"),
		kong.Description("Bind news views to a reference store and follow its changes."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if err := ctx.Run(&cli.Globals); err != nil {
		slog.Error("newsview exited with error", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}
