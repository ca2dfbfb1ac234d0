// Package console is the controller's line-oriented command interface.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pterm/pterm"

	"github.com/1ureka/tunnelctl/internal/forward"
	"github.com/1ureka/tunnelctl/internal/session"
	"github.com/1ureka/tunnelctl/internal/util"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

// Console runs commands against the registry's sessions. Commands other than
// sessions and session need a selected session.
type Console struct {
	reg *session.Registry
	out io.Writer
	cur *session.Session
}

func New(reg *session.Registry, out io.Writer) *Console {
	return &Console{reg: reg, out: out}
}

type command struct {
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":      {"help", "Show this help", (*Console).help},
		"sessions":  {"sessions [--all]", "List established sessions", (*Console).sessions},
		"session":   {"session -i <id>", "Select the session the other commands act on", (*Console).session},
		"listen":    {"listen [lhost:]lport rhost:rport", "Forward a local port through the peer", (*Console).listen},
		"socks":     {"socks [lhost:]lport", "Start a SOCKS5 proxy through the peer", (*Console).socks},
		"wget":      {"wget <url>", "Fetch an http URL through the peer", (*Console).wget},
		"tunnels":   {"tunnels", "List open tunnels", (*Console).tunnels},
		"listeners": {"listeners", "List local listeners", (*Console).listeners},
		"unlisten":  {"unlisten <id>", "Stop a local listener", (*Console).unlisten},
		"close":     {"close <tunnel>", "Close a tunnel", (*Console).closeTunnel},
		"ping":      {"ping [data]", "Measure the round trip to the peer", (*Console).ping},
		"stats":     {"stats", "Show traffic totals", (*Console).stats},
		"quit":      {"quit", "Exit", func(*Console, context.Context, []string) error { return ErrQuit }},
	}
}

// Run reads commands from in until EOF, quit, or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				fmt.Fprintln(c.out, pterm.Error.Sprint(err))
			}
		}
	}
}

func (c *Console) prompt() {
	if c.cur != nil {
		fmt.Fprintf(c.out, "session %d> ", c.cur.ID)
	} else {
		fmt.Fprint(c.out, "tunnelctl> ")
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	name := args[0]
	if name == "exit" {
		name = "quit"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	return cmd.run(c, ctx, args[1:])
}

func (c *Console) current() (*session.Session, error) {
	if c.cur == nil {
		return nil, errors.New("no session selected, use session -i <id>")
	}
	if c.cur.State() == session.StateClosed {
		return nil, fmt.Errorf("session %d is closed", c.cur.ID)
	}
	return c.cur, nil
}

func (c *Console) help(context.Context, []string) error {
	data := pterm.TableData{{"Command", "Description"}}
	for _, name := range []string{"sessions", "session", "listen", "socks", "wget", "tunnels", "listeners", "unlisten", "close", "ping", "stats", "help", "quit"} {
		data = append(data, []string{commands[name].usage, commands[name].help})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, table)
	return nil
}

func (c *Console) sessions(_ context.Context, args []string) error {
	all := false
	for _, a := range args {
		switch a {
		case "--all", "-a":
			all = true
		default:
			return fmt.Errorf("usage: %s", commands["sessions"].usage)
		}
	}
	c.reg.Display(c.out, all)
	return nil
}

func (c *Console) session(_ context.Context, args []string) error {
	if len(args) != 2 || args[0] != "-i" {
		return fmt.Errorf("usage: %s", commands["session"].usage)
	}
	id, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad session id %q", args[1])
	}
	s, ok := c.reg.Get(uint32(id))
	if !ok {
		return fmt.Errorf("session %d not found", id)
	}
	c.cur = s
	fmt.Fprintln(c.out, pterm.Info.Sprintf("Interacting with session %d: %s", s.ID, s.Name))
	return nil
}

func (c *Console) listen(ctx context.Context, args []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	spec, err := forward.ParseHostPorts(strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("%w (usage: %s)", err, commands["listen"].usage)
	}
	l, err := s.Forwarder().Listen(ctx, spec.LocalHost, spec.LocalPort, spec.RemoteHost, spec.RemotePort)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Success.Sprintf("Listener %d: %s -> %s", l.ID, l.Addr(), l.Remote))
	return nil
}

func (c *Console) socks(ctx context.Context, args []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["socks"].usage)
	}
	host, port, err := forward.ParseListenAddr(args[0])
	if err != nil {
		return err
	}
	l, err := s.Forwarder().ServeSOCKS(ctx, host, port)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Success.Sprintf("Listener %d: SOCKS5 on %s", l.ID, l.Addr()))
	return nil
}

func (c *Console) wget(ctx context.Context, args []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["wget"].usage)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	page, err := s.Forwarder().Fetch(ctx, args[0])
	if err != nil {
		return err
	}
	c.out.Write(page.Body)
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, pterm.Info.Sprintf("%s: %s", page.URL, sizestr.ToString(int64(len(page.Body)))))
	return nil
}

func (c *Console) tunnels(context.Context, []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	infos := s.Tunnels().List()
	if len(infos) == 0 {
		fmt.Fprintln(c.out, pterm.Gray("No tunnels"))
		return nil
	}
	data := pterm.TableData{{"ID", "Target", "Age", "Sent", "Received"}}
	for _, info := range infos {
		data = append(data, []string{
			strconv.FormatUint(uint64(info.ID), 10),
			fmt.Sprintf("%s:%d", info.Host, info.Port),
			time.Since(info.Opened).Truncate(time.Second).String(),
			sizestr.ToString(info.BytesSent),
			sizestr.ToString(info.BytesReceived),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, table)
	return nil
}

func (c *Console) listeners(context.Context, []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	ls := s.Forwarder().Listeners()
	if len(ls) == 0 {
		fmt.Fprintln(c.out, pterm.Gray("No listeners"))
		return nil
	}
	data := pterm.TableData{{"ID", "Kind", "Local", "Remote"}}
	for _, l := range ls {
		data = append(data, []string{strconv.Itoa(l.ID), string(l.Kind), l.Addr().String(), l.Remote})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, table)
	return nil
}

func (c *Console) unlisten(_ context.Context, args []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["unlisten"].usage)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad listener id %q", args[0])
	}
	for _, l := range s.Forwarder().Listeners() {
		if l.ID == id {
			l.Close()
			fmt.Fprintln(c.out, pterm.Success.Sprintf("Listener %d stopped", id))
			return nil
		}
	}
	return fmt.Errorf("listener %d not found", id)
}

func (c *Console) closeTunnel(_ context.Context, args []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["close"].usage)
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("bad tunnel id %q", args[0])
	}
	if err := s.Tunnels().CloseTunnel(uint32(id), true); err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Success.Sprintf("Tunnel %d closed", id))
	return nil
}

func (c *Console) ping(ctx context.Context, args []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	data := strings.Join(args, " ")
	if data == "" {
		data = "ping"
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rtt, err := s.Ping(ctx, []byte(data))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Success.Sprintf("Pong from session %d in %s", s.ID, rtt.Round(time.Microsecond)))
	return nil
}

func (c *Console) stats(context.Context, []string) error {
	fmt.Fprintln(c.out, util.Stats.Summary())
	return nil
}
