package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/gbp/internal/dispatcher"
	"git.home.luguber.info/inful/gbp/internal/jenkins"
	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/records"
	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/storage"
	"git.home.luguber.info/inful/gbp/internal/worker"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Pull struct {
		Build string   `arg:"" help:"Build to pull (machine.build_id)"`
		Note  string   `short:"n" help:"Note to attach to the build record"`
		Tags  []string `short:"t" help:"Tags to apply after the pull"`
	} `cmd:"" help:"Download a build from the CI server and register it"`

	Publish struct {
		Build string `arg:"" help:"Build to publish, pulling first if needed"`
	} `cmd:"" help:"Make a build the machine's published build"`

	Tag struct {
		Build string `arg:"" help:"Build to tag"`
		Name  string `arg:"" help:"Tag name"`
	} `cmd:"" help:"Tag a pulled build"`

	Untag struct {
		Machine string `arg:"" help:"Machine name"`
		Name    string `arg:"" help:"Tag name"`
	} `cmd:"" help:"Remove a machine's tag"`

	List struct {
		Machine string `arg:"" optional:"" help:"Only list this machine"`
	} `cmd:"" help:"List machines and their builds"`

	Latest struct {
		Machine string `arg:"" help:"Machine name"`
	} `cmd:"" help:"Show a machine's latest completed build"`

	Diff struct {
		Left  string `arg:"" help:"Older build"`
		Right string `arg:"" help:"Newer build"`
	} `cmd:"" help:"Diff the binary packages of two builds"`

	Purge struct {
		Machine string `arg:"" help:"Machine to purge"`
	} `cmd:"" help:"Apply the retention policy to a machine's builds"`

	Delete struct {
		Build string `arg:"" help:"Build to delete"`
	} `cmd:"" help:"Delete a build's record and storage"`

	Dump struct {
		Builds []string `arg:"" optional:"" help:"Builds to dump (default: all)"`
		Output string   `short:"o" default:"-" help:"Output file (- for stdout)"`
	} `cmd:"" help:"Archive builds to a tar stream"`

	Restore struct {
		Input string `short:"i" default:"-" help:"Input file (- for stdin)"`
	} `cmd:"" help:"Restore builds from an archive"`

	Check struct {
	} `cmd:"" help:"Run storage and record integrity checks"`

	Apikey struct {
		Create struct {
			Name string `arg:"" help:"Key name (alphanumeric, case-insensitive)"`
		} `cmd:"" help:"Create a named API key and print it"`
		List struct {
		} `cmd:"" help:"List API key names and usage times"`
		Delete struct {
			Name string `arg:"" help:"Key name"`
		} `cmd:"" help:"Delete an API key"`
	} `cmd:"" help:"Manage API keys for mutating calls"`

	Serve struct {
	} `cmd:"" help:"Run the server: metrics, mutation API, schedules, queue consumer"`
}

// app bundles the wired collaborators behind every command.
type app struct {
	settings  *settings.Settings
	publisher *publisher.Publisher
	worker    worker.Worker
}

func main() {
	parsed := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := wire()
	if err != nil {
		slog.Error("Startup failed", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, a, parsed.Command()); err != nil {
		slog.Error("Command failed", "command", parsed.Command(), "error", err)
		os.Exit(1)
	}
}

// wire builds the publisher and worker from the environment settings.
func wire() (*app, error) {
	s, err := settings.Load()
	if err != nil {
		return nil, err
	}

	ci, err := jenkins.New(s)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(s.StoragePath)
	if err != nil {
		return nil, err
	}
	db, err := records.Open(s.RecordsBackend, s)
	if err != nil {
		return nil, err
	}

	pub := publisher.New(ci, store, db, dispatcher.New())
	pub.Hostname = hostname()
	pub.Version = version

	w, err := worker.Open(pub, s)
	if err != nil {
		return nil, err
	}
	return &app{settings: s, publisher: pub, worker: w}, nil
}

func run(ctx context.Context, a *app, command string) error {
	switch command {
	case "pull <build>":
		return a.runPull(ctx)
	case "publish <build>":
		return a.runPublish(ctx)
	case "tag <build> <name>":
		return a.runTag(ctx)
	case "untag <machine> <name>":
		return a.runUntag(ctx)
	case "list", "list <machine>":
		return a.runList(ctx)
	case "latest <machine>":
		return a.runLatest(ctx)
	case "diff <left> <right>":
		return a.runDiff(ctx)
	case "purge <machine>":
		return a.worker.Run(ctx, worker.PurgeMachine, CLI.Purge.Machine)
	case "delete <build>":
		return a.worker.Run(ctx, worker.DeleteBuild, CLI.Delete.Build)
	case "dump", "dump <builds>":
		return a.runDump(ctx)
	case "restore":
		return a.runRestore(ctx)
	case "check":
		return a.runCheck(ctx)
	case "apikey create <name>":
		return a.runApikeyCreate()
	case "apikey list":
		return a.runApikeyList()
	case "apikey delete <name>":
		return a.runApikeyDelete()
	case "serve":
		return a.runServe(ctx)
	}
	return fmt.Errorf("unknown command: %s", command)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}
