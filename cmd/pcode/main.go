// pcode CLI - generate, run, inspect and serve P-Code programs
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/pcode/manifest"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("pcode.cli")

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1 // Usage, I/O or generation errors
	exitFaulted = 2 // The program ran and faulted
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: pcode <command> [options] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  gen    Generate a P-Code artifact from an annotated tree\n")
	fmt.Fprintf(os.Stderr, "  run    Run an artifact or tree\n")
	fmt.Fprintf(os.Stderr, "  dump   Print the listing of an artifact or tree\n")
	fmt.Fprintf(os.Stderr, "  serve  Start the execution service (Connect, CBOR)\n")
	fmt.Fprintf(os.Stderr, "\nConfiguration is read from the nearest %s, if any.\n", manifest.FileName)
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  pcode gen -o fact.pcode fact.yaml   # Generate an artifact\n")
	fmt.Fprintf(os.Stderr, "  pcode run -input 5 fact.pcode      # Run with scripted input, then stdin\n")
	fmt.Fprintf(os.Stderr, "  pcode dump fact.yaml                # Listing with labels and comments\n")
	fmt.Fprintf(os.Stderr, "  pcode serve -addr :8765 -store artifacts.db\n")
	fmt.Fprintf(os.Stderr, "\nRun 'pcode <command> -h' for command options.\n")
}

// commonFlags are accepted by every command.
type commonFlags struct {
	verbose int
	config  string
	logFile string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&c.verbose, "v", 0, "Log verbosity (-4 silent .. 2 debug); overrides [log] verbosity")
	fs.StringVar(&c.config, "config", "", "Directory containing "+manifest.FileName+" (default: search upward from .)")
	fs.StringVar(&c.logFile, "log", "", "Log file (default: stderr); overrides [log] file")
}

// setup loads the configuration and configures logging.
func (c *commonFlags) setup(fs *flag.FlagSet) (*manifest.Manifest, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	if c.config != "" {
		m, err = manifest.Load(c.config)
	} else {
		m, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["v"] {
		m.Log.Verbosity = c.verbose
	}
	if set["log"] {
		m.Log.File = c.logFile
	}
	commonlog.Configure(m.Log.Verbosity, m.LogPath())
	if m.Dir != "" {
		log.Debugf("using %s in %s", manifest.FileName, m.Dir)
	}
	return m, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitError)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var code int
	switch cmd {
	case "gen":
		code = handleGenCommand(args)
	case "run":
		code = handleRunCommand(args)
	case "dump":
		code = handleDumpCommand(args)
	case "serve":
		code = handleServeCommand(args)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		code = exitError
	}
	os.Exit(code)
}
