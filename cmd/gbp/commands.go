package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/gbp/internal/apikey"
	"git.home.luguber.info/inful/gbp/internal/archive"
	"git.home.luguber.info/inful/gbp/internal/publisher"
	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/stats"
	"git.home.luguber.info/inful/gbp/internal/types"
	"git.home.luguber.info/inful/gbp/internal/worker"
)

var version = "dev"

func (a *app) runPull(ctx context.Context) error {
	args := append([]string{CLI.Pull.Build, CLI.Pull.Note}, CLI.Pull.Tags...)
	return a.worker.Run(ctx, worker.PullBuild, args...)
}

func (a *app) runPublish(ctx context.Context) error {
	return a.worker.Run(ctx, worker.PublishBuild, CLI.Publish.Build)
}

func (a *app) runTag(ctx context.Context) error {
	b, err := types.ParseBuild(CLI.Tag.Build)
	if err != nil {
		return err
	}
	return a.publisher.Tag(ctx, b, CLI.Tag.Name)
}

func (a *app) runUntag(ctx context.Context) error {
	return a.publisher.Untag(ctx, CLI.Untag.Machine, CLI.Untag.Name)
}

func (a *app) runList(ctx context.Context) error {
	var names []string
	if CLI.List.Machine != "" {
		names = []string{CLI.List.Machine}
	}
	infos, err := a.publisher.Machines(ctx, names...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tBUILDS\tLATEST\tPUBLISHED\tTAGS")
	for _, info := range infos {
		latest, published := "-", "-"
		if info.LatestBuild != nil {
			latest = info.LatestBuild.BuildID
		}
		if info.PublishedBuild != nil {
			published = info.PublishedBuild.BuildID
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			info.Name, info.BuildCount, latest, published, strings.Join(info.Tags, ","))
	}
	return w.Flush()
}

func (a *app) runLatest(ctx context.Context) error {
	record, err := a.publisher.LatestBuild(ctx, CLI.Latest.Machine, true)
	if err != nil {
		return err
	}
	fmt.Println(record.String())
	return nil
}

func (a *app) runDiff(ctx context.Context) error {
	left, err := types.ParseBuild(CLI.Diff.Left)
	if err != nil {
		return err
	}
	right, err := types.ParseBuild(CLI.Diff.Right)
	if err != nil {
		return err
	}
	changes, err := a.publisher.DiffBinpkgs(ctx, left, right)
	if err != nil {
		return err
	}
	fmt.Printf("diff -r %s %s\n", left, right)
	for _, change := range changes {
		marker := "-"
		if change.State == publisher.Added {
			marker = "+"
		}
		fmt.Printf("%s%s\n", marker, change.Item)
	}
	return nil
}

func (a *app) runDump(ctx context.Context) error {
	builds := make([]types.Build, 0, len(CLI.Dump.Builds))
	for _, id := range CLI.Dump.Builds {
		b, err := types.ParseBuild(id)
		if err != nil {
			return err
		}
		builds = append(builds, b)
	}

	out := io.Writer(os.Stdout)
	if CLI.Dump.Output != "-" {
		f, err := os.Create(CLI.Dump.Output)
		if err != nil {
			return fmt.Errorf("create %s: %w", CLI.Dump.Output, err)
		}
		defer f.Close()
		out = f
	}
	return a.publisher.Dump(ctx, builds, out, progress)
}

func (a *app) runRestore(ctx context.Context) error {
	in := io.Reader(os.Stdin)
	if CLI.Restore.Input != "-" {
		f, err := os.Open(CLI.Restore.Input)
		if err != nil {
			return fmt.Errorf("open %s: %w", CLI.Restore.Input, err)
		}
		defer f.Close()
		in = f
	}
	return a.publisher.Restore(ctx, in, progress)
}

func progress(op archive.Op, phase archive.Phase, b types.Build) {
	fmt.Fprintf(os.Stderr, "%s %s %s\n", op, phase, b)
}

func (a *app) runCheck(ctx context.Context) error {
	reports, err := stats.RunChecks(ctx, stats.NewCollector(a.publisher))
	if err != nil {
		return err
	}

	var failed int
	for _, report := range reports {
		for _, msg := range report.Warnings {
			fmt.Printf("warning [%s]: %s\n", report.Name, msg)
		}
		for _, msg := range report.Errors {
			fmt.Printf("error [%s]: %s\n", report.Name, msg)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d integrity errors", failed)
	}
	fmt.Println("ok")
	return nil
}

func (a *app) apikeyStore() (*apikey.Store, error) {
	if !a.settings.APIKeyEnable {
		return nil, fmt.Errorf("API keys are disabled; set %sAPI_KEY_ENABLE", settings.Prefix)
	}
	return apikey.NewStore(filepath.Join(a.settings.StoragePath, "apikeys.json"), a.settings.APIKeyKey)
}

func (a *app) runApikeyCreate() error {
	store, err := a.apikeyStore()
	if err != nil {
		return err
	}
	key, err := store.Create(CLI.Apikey.Create.Name, a.settings.APIKeyLength)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", key.Name, key.Key)
	return nil
}

func (a *app) runApikeyList() error {
	store, err := a.apikeyStore()
	if err != nil {
		return err
	}
	keys, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tLAST USED")
	for _, key := range keys {
		lastUsed := "never"
		if key.LastUsed != nil {
			lastUsed = key.LastUsed.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", key.Name, key.Created.UTC().Format(time.RFC3339), lastUsed)
	}
	return w.Flush()
}

func (a *app) runApikeyDelete() error {
	store, err := a.apikeyStore()
	if err != nil {
		return err
	}
	return store.Delete(CLI.Apikey.Delete.Name)
}
