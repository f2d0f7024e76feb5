package main

import (
	"github.com/jessevdk/go-flags"

	"github.com/instbooks/stacks/cmd/stacksctl/stacksctlcmd"
	mbp "github.com/instbooks/stacks/mainboilerplate"
)

const iniFilename = "stacksctl.ini"

func main() {
	parser := flags.NewParser(stacksctlcmd.BaseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)

	parser.LongDescription = `stacksctl builds and inspects the random-access retrieval layer of the
book collection: per-file key indices over delimited and line-delimited
JSON metadata, and the shared local cache of raw archive bundles.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure stacksctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/stacks/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`

	// Create these index and cache commands to contain sub-commands
	_ = mustAddCmd(parser.Command, "index", "Build and inspect key indices", "", nil)
	_ = mustAddCmd(parser.Command, "cache", "Manage the local archive cache", "", nil)

	// Add all registered commands to the root parser.Command
	mbp.Must(stacksctlcmd.CommandRegistry.AddCommands("", parser.Command, true), "could not add subcommand")

	// Parse config and start app
	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}
