// Package cli implements the interactive operator console of the relay.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/connector"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
)

const prompt = "relay> "

// Relay is the part of the pipeline the console reads and controls.
type Relay interface {
	Stats() transport.Stats
	Clients() *clients.Registry
	Kick(id uint16, reason string) error
}

// MasterStatus reports the master server connection.
type MasterStatus interface {
	Status() connector.Status
}

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	relay    Relay
	master   MasterStatus

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// master may be nil.
func NewCLI(eventBus *events.EventBus, relay Relay, master MasterStatus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		relay:    relay,
		master:   master,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, input ends or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nRelay CLI ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, prompt)
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute processes a single CLI command. It reports true when the console
// should stop.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "clients", "ls":
		c.printClients()
	case "client":
		return false, c.printClient(args)
	case "kick":
		return false, c.cmdKick(args)
	case "queues", "q":
		c.printQueues()
	case "system", "sys":
		c.printSystem()
	case "loglevel":
		return false, c.cmdLogLevel(args)
	case "quit", "exit":
		fmt.Fprintln(c.out, "Shutting down relay...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status             Show pipeline and master server status
  clients            List connected clients
  client <id>        Show one client
  kick <id> [reason] Disconnect a client
  queues             Show ingress and egress queue counters
  system             Show host load
  loglevel <level>   Change the log level (trace, debug, info, warn, error)
  quit               Shut down the relay
  help               Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// printStatus displays the pipeline summary.
func (c *CLI) printStatus() {
	s := c.relay.Stats()
	tw := c.newTable("Key", "Value")
	tw.AppendBulk([][]string{
		{"Version", util.Version},
		{"Running", strconv.FormatBool(s.Running)},
		{"Uptime", s.Uptime.Truncate(time.Second).String()},
		{"Workers", strconv.Itoa(s.Workers)},
		{"Queueing", strconv.FormatBool(s.Queueing)},
		{"Clients", strconv.Itoa(s.Clients)},
		{"Ingress depth", strconv.Itoa(s.Ingress.Count)},
		{"Egress depth", strconv.Itoa(s.Egress.Count)},
		{"Fragment sessions", strconv.Itoa(s.Fragments.Open)},
		{"Fragments failed", strconv.FormatUint(s.Fragments.Failed, 10)},
	})
	if c.master != nil {
		m := c.master.Status()
		master := "offline"
		switch {
		case m.Gateway != "" && m.Connected:
			master = "connected to " + m.Gateway
		case m.Gateway != "":
			master = "unreachable: " + m.LastError
		}
		tw.Append([]string{"Master", master})
	}
	tw.Render()
}

// printClients displays connected clients in a formatted table.
func (c *CLI) printClients() {
	all := c.relay.Clients().All()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	now := time.Now()
	tw := c.newTable("ID", "Remote", "Transport", "Handshaken", "Engine", "Platform", "Connected", "Idle")
	for _, cl := range all {
		info := cl.Info()
		tw.Append([]string{
			strconv.Itoa(int(info.ID)),
			info.Remote,
			info.Transport,
			strconv.FormatBool(info.Handshaken),
			dash(info.Engine),
			dash(info.Platform),
			now.Sub(info.ConnectedAt).Truncate(time.Second).String(),
			now.Sub(info.LastSeen).Truncate(time.Millisecond).String(),
		})
	}
	tw.SetFooter([]string{"", "", "", "", "", "", "Total", strconv.Itoa(len(all))})
	tw.Render()
}

func (c *CLI) printClient(args []string) error {
	id, err := parseIDArg(args)
	if err != nil {
		return err
	}
	cl, ok := c.relay.Clients().GetByID(id)
	if !ok {
		return fmt.Errorf("client %d not found", id)
	}
	info := cl.Info()
	fmt.Fprintf(c.out, "\n  Client ID:    %d\n", info.ID)
	fmt.Fprintf(c.out, "  Remote:       %s (%s)\n", info.Remote, info.Transport)
	fmt.Fprintf(c.out, "  Handshaken:   %v\n", info.Handshaken)
	fmt.Fprintf(c.out, "  Engine:       %s\n", dash(info.Engine))
	fmt.Fprintf(c.out, "  Platform:     %s\n", dash(info.Platform))
	fmt.Fprintf(c.out, "  Connected at: %s\n", info.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Last seen:    %s\n\n", info.LastSeen.Format(time.RFC3339Nano))
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	id, err := parseIDArg(args)
	if err != nil {
		return err
	}
	reason := "Kicked by operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := c.relay.Kick(id, reason); err != nil {
		if errors.Is(err, transport.ErrUnknownClient) {
			return fmt.Errorf("client %d not found", id)
		}
		return err
	}
	fmt.Fprintf(c.out, "Client %d disconnected: %s\n", id, reason)
	return nil
}

// printQueues displays per-queue counters.
func (c *CLI) printQueues() {
	s := c.relay.Stats()
	tw := c.newTable("Queue", "Depth", "Max", "Enqueued", "Evicted", "Refused", "Shed")
	for _, q := range []priority.Stats{s.Ingress, s.Egress} {
		tw.Append([]string{
			q.Name,
			strconv.Itoa(q.Count),
			strconv.Itoa(q.MaxSize),
			strconv.FormatUint(q.Enqueued, 10),
			strconv.FormatUint(q.Evicted, 10),
			strconv.FormatUint(q.Refused, 10),
			strconv.FormatUint(q.Cleared, 10),
		})
	}
	tw.Render()
}

// printSystem displays host load.
func (c *CLI) printSystem() {
	info := util.GetSystemInfo()
	u := util.GetUsage()
	tw := c.newTable("Key", "Value")
	tw.AppendBulk([][]string{
		{"Host", info.Hostname},
		{"OS", info.OS},
		{"CPU", fmt.Sprintf("%s (%d logical)", info.CPUModel, info.LogicalCPUs)},
		{"CPU usage", fmt.Sprintf("%.1f%%", u.CPUPercent)},
		{"Memory", fmt.Sprintf("%d / %d MB (%.1f%%)", u.MemoryUsedMB, info.TotalMemory, u.MemoryPercent)},
		{"Load (1m)", fmt.Sprintf("%.2f", u.Load1)},
		{"Process RSS", fmt.Sprintf("%d MB", u.ProcessRSSMB)},
		{"Goroutines", strconv.Itoa(u.ProcessGoroutine)},
	})
	tw.Render()
}

func (c *CLI) cmdLogLevel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loglevel <level>")
	}
	level, err := zerolog.ParseLevel(strings.ToLower(args[0]))
	if err != nil {
		return fmt.Errorf("invalid level: %s", args[0])
	}
	zerolog.SetGlobalLevel(level)
	fmt.Fprintf(c.out, "Log level set to %s\n", level)
	return nil
}

func parseIDArg(args []string) (uint16, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("client id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid client id: %s", args[0])
	}
	return uint16(id), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
