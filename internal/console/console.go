// Package console provides the line-oriented operator console for Lockgate.
//
// The console reads one command per line and writes human-readable results:
//
//	list
//	status <lock> [user]
//	unlock <lock> [user] [keep]
//	lock <lock> [user]
//	help
//	quit
//
// A lock may be named by IMEI or connection identity. "keep" asks the lock
// to retain its riding time instead of resetting it. Commands are attributed
// to the console in the audit trail.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
)

// DefaultPrompt is printed before each command when none is configured.
const DefaultPrompt = "lockgate> "

// Locks is the lock server surface the console drives. *omni.Server
// satisfies it.
type Locks interface {
	ListConnections() []omni.ConnectionInfo
	Connection(id string) (omni.ConnectionInfo, error)
	ConnectionForIMEI(imei string) (string, error)
	UnlockAs(ctx context.Context, id string, resetTime bool, userID string) (omni.Result, error)
	Lock(ctx context.Context, id string) (omni.Result, error)
	GetStatus(ctx context.Context, id string) (omni.Result, error)
}

// Logger is the logging interface used by the console.
type Logger interface {
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Console runs operator commands against a lock server.
type Console struct {
	locks  Locks
	in     io.Reader
	out    io.Writer
	prompt string
	logger Logger
}

// Options configures a Console.
type Options struct {
	// Prompt is printed before each command. Default: DefaultPrompt.
	Prompt string

	// Logger records executed commands. Optional.
	Logger Logger
}

// New creates a console reading from in and writing to out.
func New(locks Locks, in io.Reader, out io.Writer, opts Options) *Console {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Console{locks: locks, in: in, out: out, prompt: prompt, logger: logger}
}

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("console: quit")

// Run processes commands until quit, end of input, or ctx is cancelled.
//
// Reading happens on a separate goroutine so a blocked terminal read never
// delays shutdown; that goroutine exits with the input.
//
// Returns:
//   - error: nil on quit, EOF or cancellation; a read error otherwise
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printHelp()
	for {
		fmt.Fprint(c.out, c.prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.out)
			if err != nil {
				return fmt.Errorf("reading console input: %w", err)
			}
			return nil
		case line := <-lines:
			if err := c.Execute(ctx, line); errors.Is(err, ErrQuit) {
				return nil
			}
		}
	}
}

// Execute runs a single command line. It returns ErrQuit for "quit" and
// nil otherwise; command failures are written to the output.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "quit", "exit":
		return ErrQuit
	case "help", "?":
		c.printHelp()
	case "list", "ls":
		c.list()
	case "status", "unlock", "lock":
		if len(args) == 0 {
			fmt.Fprintf(c.out, "usage: %s\n", usage[cmd])
			return nil
		}
		c.command(ctx, cmd, args[0], args[1:])
	default:
		fmt.Fprintf(c.out, "unknown command %q (type help)\n", cmd)
	}
	return nil
}

var usage = map[string]string{
	"list":   "list",
	"status": "status <lock> [user]",
	"unlock": "unlock <lock> [user] [keep]",
	"lock":   "lock <lock> [user]",
	"help":   "help",
	"quit":   "quit",
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "commands:")
	for _, name := range []string{"list", "status", "unlock", "lock", "help", "quit"} {
		fmt.Fprintf(c.out, "  %s\n", usage[name])
	}
}

func (c *Console) list() {
	conns := c.locks.ListConnections()
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "no locks connected")
		return
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IMEI\tCONNECTION\tLOCKED\tVOLTAGE\tLAST SEEN")
	for _, info := range conns {
		imei, locked, voltage := "-", "-", "-"
		if info.IMEI != "" {
			imei = info.IMEI
		}
		if st := info.Status; st != nil {
			if st.Locked != nil {
				locked = fmt.Sprintf("%t", *st.Locked)
			}
			if st.Voltage > 0 {
				voltage = fmt.Sprintf("%.2fV", st.Voltage)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", imei, info.ID, locked, voltage, info.LastSeen.Format(time.TimeOnly))
	}
	tw.Flush() //nolint:errcheck // console output is best-effort
	fmt.Fprintf(c.out, "%d lock(s)\n", len(conns))
}

func (c *Console) command(ctx context.Context, cmd, ref string, args []string) {
	id, err := c.resolve(ref)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}

	resetTime := true
	userID := ""
	for _, a := range args {
		if strings.EqualFold(a, "keep") {
			resetTime = false
			continue
		}
		userID = a
	}
	ctx = omni.WithOrigin(ctx, omni.Origin{Source: omni.SourceConsole, UserID: userID})

	var res omni.Result
	switch cmd {
	case "status":
		res, err = c.locks.GetStatus(ctx, id)
	case "unlock":
		res, err = c.locks.UnlockAs(ctx, id, resetTime, userID)
	case "lock":
		res, err = c.locks.Lock(ctx, id)
	}
	c.logger.Info("console command", "command", cmd, "connection_id", id, "user_id", userID, "error", err)

	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	outcome := "ok"
	if !res.Success {
		outcome = "FAILED: " + res.Reason
	}
	fmt.Fprintf(c.out, "%s %s %s (%dms)", res.Code, res.IMEI, outcome, res.ElapsedMS)
	if len(res.Parameters) > 0 {
		fmt.Fprintf(c.out, " [%s]", strings.Join(res.Parameters, ","))
	}
	fmt.Fprintln(c.out)
}

// resolve accepts either a connection identity or an IMEI.
func (c *Console) resolve(ref string) (string, error) {
	if _, err := c.locks.Connection(ref); err == nil {
		return ref, nil
	}
	return c.locks.ConnectionForIMEI(ref)
}
