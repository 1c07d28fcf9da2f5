// Command datagen writes a synthetic referral forest for load tests and demos.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vanshika/refnet/backend/internal/generator"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "datagen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	def := generator.DefaultConfig()
	fs := flag.NewFlagSet("datagen", flag.ContinueOnError)
	var (
		cfg         generator.Config
		outputDir   string
		writeStdout bool
		timeout     time.Duration
	)
	fs.IntVar(&cfg.NumUsers, "users", def.NumUsers, "number of users to generate")
	fs.Float64Var(&cfg.RootChance, "root-chance", def.RootChance, "probability a user joins without a referrer")
	fs.Float64Var(&cfg.PreferentialChance, "preferential-chance", def.PreferentialChance, "probability a referrer is drawn by existing referral count")
	fs.Float64Var(&cfg.ActiveChance, "active-chance", def.ActiveChance, "probability a membership is active")
	fs.Float64Var(&cfg.UnknownLocationRatio, "unknown-location-ratio", def.UnknownLocationRatio, "share of users without a location")
	fs.IntVar(&cfg.SpanDays, "span-days", def.SpanDays, "registration window in days ending now")
	fs.Int64Var(&cfg.Seed, "seed", def.Seed, "random seed for deterministic generation")
	fs.StringVar(&outputDir, "output-dir", "seed-data", "directory to write users.json and codes.json")
	fs.BoolVar(&writeStdout, "stdout", false, "write the combined dataset to stdout instead of files")
	fs.DurationVar(&timeout, "timeout", 2*time.Minute, "generation deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.RootChance = clampProbability(cfg.RootChance)
	cfg.PreferentialChance = clampProbability(cfg.PreferentialChance)
	cfg.ActiveChance = clampProbability(cfg.ActiveChance)
	cfg.UnknownLocationRatio = clampProbability(cfg.UnknownLocationRatio)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dataset, err := generator.New(cfg).Generate(ctx)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	if writeStdout {
		return json.NewEncoder(stdout).Encode(dataset)
	}
	if err := generator.WriteDataset(dataset, outputDir); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	_, err = fmt.Fprintf(stdout, "Generated %d users and %d codes into %s\n", len(dataset.Users), len(dataset.Codes), outputDir)
	return err
}

func clampProbability(value float64) float64 {
	return min(max(value, 0), 1)
}
