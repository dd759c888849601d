package main

import (
	"errors"

	"github.com/abiosoft/ishell"

	"github.com/kstaniek/go-serial-link/internal/frame"
	"github.com/kstaniek/go-serial-link/internal/session"
	"github.com/kstaniek/go-serial-link/internal/wire"
)

const consoleKey = "$console"

func consoleFrom(c *ishell.Context) *console { return c.Get(consoleKey).(*console) }

// printResult prints the response frame, if any, then the error.
func printResult(c *ishell.Context, f frame.Frame, err error) {
	if err == nil || errors.Is(err, session.ErrUnexpectedResponse) {
		c.Println(wire.FormatFrame(f))
	}
	if err != nil {
		c.Err(err)
	}
}

var commands = []*ishell.Cmd{
	{
		Name: "line",
		Help: "TEXT... send a text request and wait for the response",
		Func: func(c *ishell.Context) {
			f, err := consoleFrom(c).line(c.Args)
			printResult(c, f, err)
		},
	},
	{
		Name: "hex",
		Help: "BYTES... send hex bytes and wait for the response",
		Func: func(c *ishell.Context) {
			f, err := consoleFrom(c).hex(c.Args)
			printResult(c, f, err)
		},
	},
	{
		Name: "read",
		Help: "print frames received since the last request",
		Func: func(c *ishell.Context) {
			frames := consoleFrom(c).read()
			if len(frames) == 0 {
				c.Println("(nothing pending)")
				return
			}
			for _, f := range frames {
				c.Println(wire.FormatFrame(f))
			}
		},
	},
	{
		Name: "clear",
		Help: "discard pending input",
		Func: func(c *ishell.Context) {
			if err := consoleFrom(c).clear(); err != nil {
				c.Err(err)
			}
		},
	},
	{
		Name: "ticks",
		Help: "N [TICK] set the response timeout",
		Func: func(c *ishell.Context) {
			con := consoleFrom(c)
			if len(c.Args) == 0 {
				c.Println(con.describe())
				return
			}
			if err := con.setTicks(c.Args); err != nil {
				c.Err(err)
			}
		},
	},
	{
		Name: "mode",
		Help: "line | fixed LEN [checksum] set the framing",
		Func: func(c *ishell.Context) {
			con := consoleFrom(c)
			if len(c.Args) == 0 {
				c.Println(con.describe())
				return
			}
			if err := con.setMode(c.Args); err != nil {
				c.Err(err)
				return
			}
			c.SetPrompt(prompt(con))
		},
	},
}

func prompt(con *console) string { return "[" + con.fr.Mode.String() + "] > " }

// newShell builds the interactive console around con.
func newShell(con *console) *ishell.Shell {
	sh := ishell.New()
	sh.Set(consoleKey, con)
	sh.SetPrompt(prompt(con))
	for _, cmd := range commands {
		sh.AddCmd(cmd)
	}
	return sh
}
