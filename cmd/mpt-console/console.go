package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/mash-protocol/mpt/pkg/transport"
)

// lineSession is the part of transport.LineSession the console drives.
type lineSession interface {
	ReadLine(ctx context.Context) (string, error)
	WriteLine(ctx context.Context, line string) error
	Restart(ctx context.Context) error
}

// Console forwards typed lines to the server and prints what comes back,
// recording both.
type Console struct {
	session  lineSession
	recorder *Recorder
	out      io.Writer

	savePath string
	scriptID string
	name     string

	// generation is bumped on every restart so a replaced receive loop
	// exits quietly.
	generation atomic.Int64
}

func newConsole(out io.Writer, recorder *Recorder, cfg *config) *Console {
	return &Console{
		recorder: recorder,
		out:      out,
		savePath: cfg.Save,
		scriptID: cfg.ScriptID,
		name:     cfg.ScriptName,
	}
}

// DoContinue implements runner.Continuation. The session calls it for every
// continuation request the server sends.
func (c *Console) DoContinue() {
	fmt.Fprintln(c.out, "S: (continuation requested)")
	c.recorder.Continued()
}

// receive prints and records lines until the connection ends.
func (c *Console) receive(ctx context.Context, generation int64) {
	for {
		line, err := c.session.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil || c.generation.Load() != generation {
				return
			}
			if errors.Is(err, transport.ErrConnectionClosed) {
				fmt.Fprintln(c.out, "Connection closed by server (.reinit to reconnect)")
			} else {
				fmt.Fprintf(c.out, "Read failed: %v\n", err)
			}
			return
		}
		fmt.Fprintf(c.out, "S: %s\n", line)
		c.recorder.Received(line)
	}
}

// handle processes one line of input. It returns true when the console
// should exit.
func (c *Console) handle(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, ".") {
		// Recorded first: the reply may arrive before WriteLine returns.
		c.recorder.Sent(input)
		if err := c.session.WriteLine(ctx, input); err != nil {
			c.recorder.Unsent(input)
			fmt.Fprintf(c.out, "Send failed: %v\n", err)
		}
		return false
	}

	parts := strings.Fields(input)
	args := parts[1:]
	switch strings.ToLower(parts[0]) {
	case ".help", ".?":
		c.printHelp()

	case ".save":
		c.cmdSave(args)

	case ".show":
		c.cmdShow()

	case ".reset":
		c.recorder.Reset()
		fmt.Fprintln(c.out, "Recording cleared")

	case ".reinit":
		c.cmdReinit(ctx)

	case ".quit", ".exit", ".q":
		if c.savePath != "" && c.recorder.Len() > 0 {
			c.cmdSave(nil)
		}
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type '.help' for commands)\n", parts[0])
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Lines not starting with '.' are sent to the server as typed.

Console Commands:
  .save [file]  - Save the recorded exchange as a test script
  .show         - Print the recorded script
  .reset        - Clear the recording
  .reinit       - Reconnect to the server
  .help         - Show this help
  .quit         - Exit (saves first when -save is set)`)
}

func (c *Console) cmdSave(args []string) {
	path := c.savePath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		fmt.Fprintln(c.out, "Usage: .save <file>")
		return
	}
	if err := c.recorder.Save(path, c.scriptID, c.name); err != nil {
		fmt.Fprintf(c.out, "Save failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Saved %d steps to %s\n", c.recorder.Len(), path)
}

func (c *Console) cmdShow() {
	data, err := c.recorder.Marshal(c.scriptID, c.name)
	if err != nil {
		fmt.Fprintf(c.out, "%v\n", err)
		return
	}
	fmt.Fprint(c.out, string(data))
}

func (c *Console) cmdReinit(ctx context.Context) {
	generation := c.generation.Add(1)
	if err := c.session.Restart(ctx); err != nil {
		fmt.Fprintf(c.out, "Reconnect failed: %v\n", err)
		return
	}
	c.recorder.Reinit()
	fmt.Fprintln(c.out, "Reconnected")
	go c.receive(ctx, generation)
}
