package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/adhocteam/esi"
	"github.com/adhocteam/esi/internal/command"
	"github.com/adhocteam/esi/internal/version"
)

type subcmd struct {
	name  string
	setup func(*flag.FlagSet)
	run   func(context.Context, *flag.FlagSet) error
}

var subcommands = []subcmd{
	{
		name: "render",
		setup: func(fs *flag.FlagSet) {
			fs.String("root", "", "Resolve fragment locators in `dir` (default: the file's directory)")
			fs.String("o", "", "Write output to `file` instead of stdout")
			fs.Bool("watch", false, "Render again whenever a file under the root changes")
			processorFlags(fs)
		},
		run: func(ctx context.Context, fs *flag.FlagSet) error {
			if fs.NArg() < 1 {
				return fmt.Errorf("missing file argument")
			}
			file := fs.Arg(0)
			root := lookupString(fs, "root")
			if root == "" {
				root = filepath.Dir(file)
			}
			opts := command.RenderOptions{Root: root, File: file, Config: processorConfig(fs)}
			target := lookupString(fs, "o")
			if lookupBool(fs, "watch") {
				return command.Watch(ctx, opts, target)
			}
			return command.RenderFile(ctx, opts, target)
		},
	},
	{
		name: "build",
		setup: func(fs *flag.FlagSet) {
			fs.String("r", ".", "Build pages from `root` directory")
			fs.String("o", "build", "Write rendered pages to `dir`")
			processorFlags(fs)
		},
		run: func(ctx context.Context, fs *flag.FlagSet) error {
			return command.Build(ctx, lookupString(fs, "r"), lookupString(fs, "o"), processorConfig(fs))
		},
	},
	{
		name: "clean",
		setup: func(fs *flag.FlagSet) {
			fs.String("o", "build", "Remove rendered pages from `dir`")
		},
		run: func(_ context.Context, fs *flag.FlagSet) error {
			return command.Clean(lookupString(fs, "o"))
		},
	},
	{
		name: "inspect",
		setup: func(fs *flag.FlagSet) {
			processorFlags(fs)
		},
		run: func(ctx context.Context, fs *flag.FlagSet) error {
			if fs.NArg() < 1 {
				return fmt.Errorf("missing file argument")
			}
			return command.PrintDirectives(ctx, fs.Arg(0), processorConfig(fs), os.Stdout)
		},
	},
	{
		name: "serve",
		setup: func(fs *flag.FlagSet) {
			fs.String("origin", "", "Proxy requests to the backend at `URL`")
			fs.String("port", "8080", "port to listen on with TCP")
			fs.String("unix-socket", "", "path to listen on with Unix socket")
			fs.Duration("write-timeout", 0, "Limit the time to write a response, 0 for none")
			processorFlags(fs)
		},
		run: func(ctx context.Context, fs *flag.FlagSet) error {
			return command.Serve(ctx, command.ServeOptions{
				Origin:       lookupString(fs, "origin"),
				Port:         lookupString(fs, "port"),
				UnixSocket:   lookupString(fs, "unix-socket"),
				WriteTimeout: fs.Lookup("write-timeout").Value.(flag.Getter).Get().(time.Duration),
				Config:       processorConfig(fs),
			})
		},
	},
	{
		name:  "version",
		setup: func(*flag.FlagSet) {},
		run: func(context.Context, *flag.FlagSet) error {
			fmt.Printf("esi %s\n", version.String())
			return nil
		},
	},
}

func processorFlags(fs *flag.FlagSet) {
	fs.String("namespace", esi.DefaultNamespace, "Directive tag `prefix`")
	fs.Int("max-depth", esi.DefaultMaxIncludeDepth, "Maximum nested include depth")
	fs.Bool("strip-unrecognized", false, "Drop unrecognized tags in the directive namespace")
	fs.Bool("coalesce", false, "Share concurrent fetches of the same fragment URL")
	fs.Bool("v", false, "Verbose (debug) logging")
}

func processorConfig(fs *flag.FlagSet) esi.Config {
	maxDepth, _ := strconv.Atoi(lookupString(fs, "max-depth"))
	return esi.Config{
		Namespace:             lookupString(fs, "namespace"),
		MaxIncludeDepth:       maxDepth,
		StripUnrecognizedTags: lookupBool(fs, "strip-unrecognized"),
		CoalesceFetches:       lookupBool(fs, "coalesce"),
		Logger:                command.NewLogger(os.Stderr, lookupBool(fs, "v")),
	}
}

func lookupString(fs *flag.FlagSet, name string) string {
	return fs.Lookup(name).Value.String()
}

func lookupBool(fs *flag.FlagSet, name string) bool {
	return fs.Lookup(name).Value.(flag.Getter).Get().(bool)
}

func main() {
	flag.Usage = printUsage

	flag.Parse()

	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmdName := flag.Arg(0)
	cmd := findCommand(cmdName)
	if cmd == nil {
		fmt.Printf("Unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	cmd.setup(fs)
	fs.Usage = func() {
		fmt.Printf("Usage: esi %s [flags]\n", cmdName)
		fs.PrintDefaults()
	}

	err := fs.Parse(flag.Args()[1:])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cmd.run(ctx, fs)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func findCommand(name string) *subcmd {
	for i := range subcommands {
		if subcommands[i].name == name {
			return &subcommands[i]
		}
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(flag.CommandLine.Output(), "Usage: esi <command>")
	fmt.Fprintln(flag.CommandLine.Output(), "Commands:")
	for _, cmd := range subcommands {
		fmt.Fprintf(flag.CommandLine.Output(), "  %s\n", cmd.name)
	}
}
