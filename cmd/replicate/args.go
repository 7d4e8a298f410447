package main

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// Target is one destination account and region.
type Target struct {
	AccountID string
	Region    string
}

// targetList collects repeated -target flags.
type targetList []Target

func (t *targetList) String() string {
	parts := make([]string, 0, len(*t))
	for _, target := range *t {
		parts = append(parts, fmt.Sprintf("%s:%s", target.AccountID, target.Region))
	}
	return strings.Join(parts, ",")
}

func (t *targetList) Set(v string) error {
	account, region, ok := strings.Cut(v, ":")
	if !ok || account == "" || region == "" {
		return fmt.Errorf("target must be account:region, got %q", v)
	}
	*t = append(*t, Target{AccountID: account, Region: region})
	return nil
}

type Args struct {
	Image        string
	SourceRegion string
	RoleName     string
	KeyAlias     string
	Name         string
	Targets      targetList

	WaitInterval time.Duration
	Timeout      time.Duration
	Debug        bool
}

func parseArgs() Args {
	var args Args

	flag.StringVar(&args.Image, "image", "", "source AMI to replicate")
	flag.StringVar(&args.SourceRegion, "source-region", "", "region the source AMI lives in")
	flag.StringVar(&args.RoleName, "role", "", "role to assume in each destination account")
	flag.StringVar(&args.KeyAlias, "kms-alias", "alias/snapship", "alias of the destination encryption key")
	flag.StringVar(&args.Name, "name", "", "name for the registered image")
	flag.Var(&args.Targets, "target", "destination account:region, repeatable")

	flag.DurationVar(&args.WaitInterval, "wait", 30*time.Second, "pause between snapshot progress checks")
	flag.DurationVar(&args.Timeout, "timeout", 6*time.Hour, "how long to poll one copy before giving up")
	flag.BoolVar(&args.Debug, "debug", false, "enable debug logging")

	flag.Parse()

	return args
}
