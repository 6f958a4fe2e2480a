package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"zigbee-ncp-host/internal/api"
)

const consoleCommandTimeout = 60 * time.Second

type lineReader interface {
	Readline() (string, error)
	Close() error
}

// console runs service commands typed at an interactive prompt:
//
//	device 0x1234
//	permit_join time=60
//	device/zcl 0x1234 endpoint=1 cluster=6 command=1
type console struct {
	rl     lineReader
	out    io.Writer
	svc    *api.Service
	logger *slog.Logger
}

func newConsole(rl *readline.Instance, svc *api.Service, logger *slog.Logger) *console {
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("quit"),
		readline.PcItem("exit"),
	}
	for _, name := range svc.Commands() {
		items = append(items, readline.PcItem(name))
	}
	rl.Config.AutoComplete = readline.NewPrefixCompleter(items...)

	return &console{
		rl:     rl,
		out:    rl.Stdout(),
		svc:    svc,
		logger: logger.With("component", "console"),
	}
}

// run reads lines until EOF, quit, or ctx is done. Leaving the console
// calls stop so the rest of the process shuts down too.
func (c *console) run(ctx context.Context, stop context.CancelFunc) {
	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	fmt.Fprintln(c.out, `type "help" for a list of commands`)
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				fmt.Fprintln(c.out, `type "quit" to exit`)
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("read line", "err", err)
			}
			stop()
			return
		}
		if c.handle(ctx, line) {
			stop()
			return
		}
	}
}

// handle runs one console line and reports whether the console should quit.
func (c *console) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name := fields[0]
	switch name {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(c.out, "commands: "+strings.Join(c.svc.Commands(), ", "))
		fmt.Fprintln(c.out, "usage: <command> [id] [key=value ...]")
		return false
	}

	params, err := parseArgs(fields[1:])
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, consoleCommandTimeout)
	defer cancel()
	result, err := c.svc.Execute(ctx, name, params)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return false
	}
	if result == nil {
		fmt.Fprintln(c.out, "ok")
		return false
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return false
	}
	fmt.Fprintln(c.out, string(out))
	return false
}

// parseArgs turns console arguments into a JSON params object. A leading
// bare argument is the device id. Values are strings except true and false.
func parseArgs(args []string) ([]byte, error) {
	params := make(map[string]any, len(args))
	for i, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			if i != 0 {
				return nil, fmt.Errorf("expected key=value, got %q", arg)
			}
			params["id"] = arg
			continue
		}
		if key == "" {
			return nil, fmt.Errorf("empty key in %q", arg)
		}
		switch value {
		case "true":
			params[key] = true
		case "false":
			params[key] = false
		default:
			params[key] = value
		}
	}
	return json.Marshal(params)
}
