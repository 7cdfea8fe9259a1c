package sshd

import (
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
)

// CommandFlags builds the flag set for a command and the struct its values are parsed into.
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback runs a command. fs is the struct returned by Command.Flags, if any, and a holds the
// arguments the flag set did not consume. Errors are logged locally, the callback tells the user itself.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

func (c *Command) run(args []string, w StringWriter) error {
	var fs any
	if c.Flags != nil {
		var fl *flag.FlagSet
		fl, fs = c.Flags()
		if fl != nil {
			fl.SetOutput(w.GetWriter())
			if err := fl.Parse(args); err != nil {
				// usage has already gone to the user
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

// commands is the set of commands a console understands, keyed by name for prefix completion.
type commands struct {
	tree *radix.Tree
}

func newCommands() *commands {
	return &commands{tree: radix.New()}
}

func (c *commands) add(cmd *Command) {
	c.tree.Insert(cmd.Name, cmd)
}

// clone lets a session add its own commands without touching the server's set.
func (c *commands) clone() *commands {
	return &commands{tree: radix.NewFromMap(c.tree.ToMap())}
}

func (c *commands) get(name string) *Command {
	v, ok := c.tree.Get(name)
	if !ok {
		return nil
	}
	cmd, _ := v.(*Command)
	return cmd
}

func (c *commands) complete(prefix string) []string {
	var out []string
	c.tree.WalkPrefix(prefix, func(name string, _ any) bool {
		out = append(out, name)
		return false
	})
	sort.Strings(out)
	return out
}

func (c *commands) list(w StringWriter) error {
	var lines []string
	c.tree.Walk(func(_ string, v any) bool {
		if cmd, ok := v.(*Command); ok {
			lines = append(lines, fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription))
		}
		return false
	})
	sort.Strings(lines)

	if err := w.WriteLine("Available commands:"); err != nil {
		return err
	}
	return w.Write(strings.Join(lines, "\n") + "\n\n")
}

func (c *commands) help(args []string, w StringWriter) error {
	if len(args) == 0 {
		return c.list(w)
	}

	cmd := c.get(args[0])
	if cmd == nil {
		return w.WriteLine("Command not available " + args[0])
	}

	if err := w.WriteLine(fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription)); err != nil {
		return err
	}
	if cmd.Help != "" {
		if err := w.WriteLine("  " + cmd.Help); err != nil {
			return err
		}
	}
	if cmd.Flags != nil {
		if fs, _ := cmd.Flags(); fs != nil {
			fs.SetOutput(w.GetWriter())
			fs.PrintDefaults()
		}
	}
	return nil
}

// dispatch parses a command line and runs it.
func (c *commands) dispatch(line string, w StringWriter) error {
	args, err := shlex.Split(line, true)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("could not parse: %s", err))
	}
	if len(args) == 0 {
		return c.list(w)
	}

	cmd := c.get(args[0])
	if cmd == nil {
		if err := w.WriteLine("did not understand: " + line); err != nil {
			return err
		}
		return c.list(w)
	}

	for _, a := range args[1:] {
		if a == "-h" || a == "-help" {
			return c.help([]string{cmd.Name}, w)
		}
	}

	return cmd.run(args[1:], w)
}
