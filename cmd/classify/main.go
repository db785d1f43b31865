// SPDX-License-Identifier: MIT

// Command classify runs one classification engine (HyperSplit or TSS)
// against a rule file and, optionally, a packet trace, reporting phase
// timings and search throughput. Flag parsing and file I/O are thin
// wrappers around the engine and ingest packages.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/classbench/mdclassify/classifyerr"
	"github.com/classbench/mdclassify/engine"
	"github.com/classbench/mdclassify/ingest"
	"github.com/classbench/mdclassify/metrics"
)

func main() {
	log.SetFlags(log.Lmicroseconds)
	log.SetPrefix("classify: ")

	if err := run(os.Args[1:]); err != nil {
		log.Println(err)
		os.Exit(exitCodeFor(err))
	}
}

type config struct {
	engineID   int
	ruleFile   string
	traceFile  string
	updateFile string
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)

	var cfg config
	fs.IntVar(&cfg.engineID, "a", -1, "engine id: 0 HyperSplit, 1 TSS")
	fs.StringVar(&cfg.ruleFile, "r", "", "rule file (required)")
	fs.StringVar(&cfg.traceFile, "t", "", "trace file (optional)")
	fs.StringVar(&cfg.updateFile, "u", "", "update rule file (optional)")

	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: classify -a ID -r FILE [-t FILE] [-u FILE]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.engineID != int(engine.HyperSplit) && cfg.engineID != int(engine.TSS) {
		return config{}, fmt.Errorf("-a must be 0 (HyperSplit) or 1 (TSS)")
	}
	if cfg.ruleFile == "" {
		return config{}, fmt.Errorf("-r is required")
	}

	return cfg, nil
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	eng, err := engine.ByID(engine.ID(cfg.engineID))
	if err != nil {
		return err
	}

	buildTimer := metrics.Start()
	if err := eng.Build(cfg.ruleFile); err != nil {
		return err
	}
	log.Printf("%s: build %s: %d us", eng.Name(), cfg.ruleFile, buildTimer.ElapsedMicros())

	if cfg.updateFile != "" {
		updateTimer := metrics.Start()
		if err := eng.InsertUpdate(cfg.updateFile); err != nil {
			eng.Cleanup()
			return err
		}
		log.Printf("%s: insert_update %s: %d us", eng.Name(), cfg.updateFile, updateTimer.ElapsedMicros())
	}

	if cfg.traceFile == "" {
		eng.Cleanup()
		return nil
	}

	pkts, err := ingest.LoadTrace(cfg.traceFile)
	if err != nil {
		eng.Cleanup()
		return err
	}

	searchTimer := metrics.Start()
	for i, pkt := range pkts {
		got, matched := eng.Search(pkt)
		if matched != pkt.HasMatch || (matched && got != pkt.Expected) {
			eng.Cleanup()
			return classifyerr.New(classifyerr.SearchMismatch, cfg.traceFile,
				fmt.Errorf("packet %d: got priority=%d matched=%v, want priority=%d matched=%v",
					i, got, matched, pkt.Expected, pkt.HasMatch))
		}
	}
	elapsed := searchTimer.ElapsedMicros()
	log.Printf("%s: search %d packets: %d us, %.0f pkt/s",
		eng.Name(), len(pkts), elapsed, metrics.Throughput(len(pkts), elapsed))

	eng.Cleanup()
	return nil
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
