package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/tiroq/memoscribe/internal/update"
)

const (
	repoOwner = "tiroq"
	repoName  = "memoscribe"
)

func cmdVersion(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	check := fs.Bool("check", false, "check GitHub for a newer release")
	pre := fs.Bool("prerelease", false, "include pre-releases in the check")
	apiURL := fs.String("api-url", update.DefaultAPIURL, "GitHub API root")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "memoscribe %s\n", Version)
	if !*check {
		return nil
	}

	c := update.NewChecker(repoOwner, repoName, Version)
	c.SetAPIURL(*apiURL)
	if *pre {
		c.SetChannel(update.ChannelPrerelease)
	}
	newer, rel, err := c.Check(ctx)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if newer {
		fmt.Fprintf(stdout, "update available: %s %s\n", rel.TagName, rel.HTMLURL)
	} else {
		fmt.Fprintf(stdout, "up to date (latest %s)\n", rel.TagName)
	}
	return nil
}
