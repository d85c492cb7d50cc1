// Command flowgraph runs a workflow document once and prints its outputs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowgraph/flowgraph"
	"github.com/flowgraph/flowgraph/common/logger"
	"github.com/flowgraph/flowgraph/errs"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		inputsJSON = flag.String("inputs", "{}", "graph inputs as a JSON object")
		inputsFile = flag.String("inputs-file", "", "read graph inputs from a JSON file instead")
		timeout    = flag.Duration("timeout", 0, "abort the run after this duration (0 = no limit)")
		eventLog   = flag.String("events", "events.jsonl", "JSONL event log path (empty = disabled)")
		logLevel   = flag.String("log-level", "warn", "log level: debug, info, warn, error")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: flowgraph [flags] <workflow.yaml>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	path := flag.Arg(0)

	inputs, err := loadInputs(*inputsJSON, *inputsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowgraph: %v\n", err)
		return 2
	}

	log := logger.NewWithWriter(os.Stderr, *logLevel, "console")

	opts := []flowgraph.Option{flowgraph.WithLogger(log)}
	if *eventLog != "" {
		opts = append(opts, flowgraph.WithEventLog(*eventLog))
	} else {
		opts = append(opts, flowgraph.WithoutEventLog())
	}
	if *timeout > 0 {
		opts = append(opts, flowgraph.WithTimeout(*timeout))
	}

	eng, err := flowgraph.New(path, opts...)
	if err != nil {
		reportError(err)
		return 1
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	result, err := eng.Run(ctx, inputs)
	if err != nil {
		reportError(err)
		return 1
	}
	log.Info("run finished", "run_id", result.RunID, "duration", time.Since(started))

	encoded, err := json.MarshalIndent(result.Outputs, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowgraph: encode outputs: %v\n", err)
		return 1
	}
	fmt.Println(string(encoded))
	return 0
}

func loadInputs(inline, file string) (map[string]any, error) {
	data := []byte(inline)
	if file != "" {
		read, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		data = read
	}
	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return inputs, nil
}

func reportError(err error) {
	if code := errs.CodeOf(err); code != "" {
		fmt.Fprintf(os.Stderr, "flowgraph: [%s] %v\n", code, err)
		return
	}
	fmt.Fprintf(os.Stderr, "flowgraph: %v\n", err)
}
