package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/docopt/docopt-go"
)

const StageditVersion = "0.1.0"

func main() {
	usage := `Staged editing over OSC.

The store driver defaults to $STAGEDIT_STORE_DRIVER, or memory when unset.
Operation files hold a JSON array of bulk operation descriptors.

Usage:
    stagedit serve [--host=<host>] [--port=<port>] [--collection=<name>]
        [--passcode=<passcode>] [--driver=<driver>] [--seed=<file>]
        [--metrics=<addr>] [--debug]
    stagedit list [--host=<host>] [--port=<port>] [--collection=<name>]
        [--passcode=<passcode>] [--page-size=<n>] [--debug]
    stagedit apply <file> [--host=<host>] [--port=<port>] [--collection=<name>]
        [--passcode=<passcode>] [--dry-run] [--yes] [--accessible]
        [--continue-on-error] [--debug]
    stagedit -h | --help
    stagedit --version

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --host=<host>             Server host [default: localhost].
    --port=<port>             Server port [default: 53000].
    --collection=<name>       Collection name [default: rundown].
    --passcode=<passcode>     Connection passcode.
    --driver=<driver>         Store driver: memory, sqlite or postgres.
    --seed=<file>             JSON array of entities loaded into an empty store.
    --metrics=<addr>          Serve Prometheus metrics on this address.
    --page-size=<n>           Entities per fetched page [default: 100].
    --dry-run                 Validate the commit without applying it.
    --yes                     Commit without prompting.
    --accessible              Use accessible prompts.
    --continue-on-error       Keep applying after a failed operation.
    --debug                   Enable debug logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StageditVersion)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if debug, _ := opts.Bool("--debug"); debug {
		log.SetLevel(log.DebugLevel)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		err = list(opts)
	} else if apply_, _ := opts.Bool("apply"); apply_ {
		err = apply(opts)
	}
	if err != nil {
		log.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
