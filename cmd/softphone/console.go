// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gophone/softphone/call"
)

// phone is the part of softphone.UserAgent driven by console
type phone interface {
	SendMessage(target string, text string) error
	StartCall(target string) error
	AnswerCall(from string) error
	RejectCall(from string) error
	Hangup(target string) error
	Register(timeout time.Duration) (bool, error)
	Unregister(timeout time.Duration) (bool, error)
	Registered() bool
	Calls() *call.Registry
}

const helpText = `Commands:
  help                    show this help
  msg <sip:target> <text> send text message
  call <sip:target>       start call
  answer <sip:peer>       answer incoming call
  reject <sip:peer>       reject incoming call
  hangup <sip:peer>       end call
  calls                   list calls
  register                register again
  unregister              remove registration
  exit                    quit
`

type console struct {
	phone   phone
	out     io.Writer
	timeout time.Duration
}

func newConsole(p phone, out io.Writer, timeout time.Duration) *console {
	return &console{phone: p, out: out, timeout: timeout}
}

// run reads commands until exit, end of input or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(c.out, helpText)
	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.exec(line) {
				return nil
			}
		}
	}
}

// exec runs single command line. Returns true when console should quit.
func (c *console) exec(line string) bool {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	cmd := parts[0]
	arg := func(i int) string {
		if len(parts) <= i {
			return ""
		}
		return strings.TrimSpace(parts[i])
	}

	var err error
	switch cmd {
	case "":
	case "help":
		fmt.Fprint(c.out, helpText)
	case "msg":
		if arg(1) == "" || len(parts) < 3 {
			fmt.Fprintln(c.out, "usage: msg <sip:target> <text>")
			return false
		}
		if err = c.phone.SendMessage(arg(1), parts[2]); err == nil {
			fmt.Fprintln(c.out, "Message sent.")
		}
	case "call", "answer", "reject", "hangup":
		target := arg(1)
		if target == "" {
			fmt.Fprintf(c.out, "usage: %s <sip:peer>\n", cmd)
			return false
		}
		err = c.peerCommand(cmd, target)
	case "calls":
		c.listCalls()
	case "register":
		var ok bool
		if ok, err = c.phone.Register(c.timeout); err == nil {
			fmt.Fprintf(c.out, "Registered: %t\n", ok)
		}
	case "unregister":
		var ok bool
		if ok, err = c.phone.Unregister(c.timeout); err == nil {
			fmt.Fprintf(c.out, "Unregistered: %t\n", ok)
		}
	case "exit", "quit":
		return true
	default:
		fmt.Fprintln(c.out, "Unknown command. Type 'help' for commands.")
	}

	if err != nil {
		fmt.Fprintf(c.out, "Command failed: %s\n", err)
	}
	return false
}

func (c *console) peerCommand(cmd string, target string) error {
	switch cmd {
	case "call":
		if err := c.phone.StartCall(target); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Calling %s\n", target)
	case "answer":
		return c.phone.AnswerCall(target)
	case "reject":
		return c.phone.RejectCall(target)
	case "hangup":
		if err := c.phone.Hangup(target); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Hangup requested.")
	}
	return nil
}

func (c *console) listCalls() {
	n := 0
	c.phone.Calls().Range(func(s call.Snapshot) bool {
		n++
		fmt.Fprintf(c.out, "  %s %s %s since %s\n", s.Peer, s.Direction, s.State, s.CreatedAt.Format(time.TimeOnly))
		return true
	})
	if n == 0 {
		fmt.Fprintln(c.out, "No calls.")
	}
}
