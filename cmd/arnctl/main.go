// Command arnctl is a small command-line ARN client: connect to an arnd
// server, open a path, and get/set/monitor its value or write to it as a
// pipe.
//
// Grounded on cmd/muscle/muscle.go's subcommand dispatch (one *flag.FlagSet
// per subcommand, os.Args[1] switch, a shared global flag set for server
// addresses, log level and login credentials).
package main

import (
	"context"
	"fmt"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arn-go/arnd/handle"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/netutil"
	"github.com/arn-go/arnd/pipe"
	"github.com/arn-go/arnd/syncsrv"
	"github.com/arn-go/arnd/value"
)

var globalContext struct {
	addrs    string
	logLevel string
	user     string
	secret   string
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&globalContext.addrs, "addrs", "localhost:2022", "comma-separated prioritized `address` list")
	var levels []string
	for _, l := range log.AllLevels {
		levels = append(levels, l.String())
	}
	fs.StringVar(&globalContext.logLevel, "verbosity", "warning", "sets the log `level`, among "+strings.Join(levels, ", "))
	fs.StringVar(&globalContext.user, "user", "", "login user, if the server demands login")
	fs.StringVar(&globalContext.secret, "secret", "", "login secret")
	return fs
}

func exitUsage(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	_, _ = fmt.Fprintf(os.Stderr, `Usage: %s COMMAND [ARGS]

Commands:

	get PATH: print a leaf's current value, once it syncs from the server
	set PATH VALUE: write VALUE (parsed as int, else float, else string) to PATH
	monitor PATH: print every value PATH receives, until interrupted
	pipe PATH MESSAGE: write MESSAGE to PATH as a pipe frame (no coalescing)

`, os.Args[0])
	os.Exit(2)
}

func connect(ctx context.Context) (*syncsrv.Session, *link.Store, error) {
	addrs := strings.Split(globalContext.addrs, ",")
	conn, err := netutil.DialPriorityRetry(ctx, "tcp", addrs, netutil.DefaultBackoff)
	if err != nil {
		return nil, nil, fmt.Errorf("arnctl: dial: %w", err)
	}
	store := link.NewStore()
	who := syncsrv.WhoIAm{ID: "arnctl", Type: "client"}
	sess := syncsrv.New(conn, store, nil, who, false)
	if globalContext.user != "" {
		sess.SetCredentials(globalContext.user, globalContext.secret)
	}
	go func() {
		if err := sess.Run(ctx); err != nil {
			log.WithError(err).Warn("arnctl: session ended")
		}
	}()
	return sess, store, nil
}

func parseValue(s string) value.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Real(f)
	}
	return value.String(s)
}

func main() {
	getFlags := newFlagSet("get")
	setFlags := newFlagSet("set")
	monitorFlags := newFlagSet("monitor")
	pipeFlags := newFlagSet("pipe")

	if len(os.Args) < 2 {
		exitUsage("Command name required")
	}

	var fs *flag.FlagSet
	switch os.Args[1] {
	case "get":
		fs = getFlags
	case "set":
		fs = setFlags
	case "monitor":
		fs = monitorFlags
	case "pipe":
		fs = pipeFlags
	default:
		exitUsage(fmt.Sprintf("%q: command not recognized", os.Args[1]))
	}
	_ = fs.Parse(os.Args[2:])

	log.SetOutput(os.Stderr)
	ll, err := log.ParseLevel(globalContext.logLevel)
	if err != nil {
		log.Fatalf("arnctl: could not parse log level %q: %v", globalContext.logLevel, err)
	}
	log.SetLevel(ll)

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigc; cancel() }()

	switch os.Args[1] {
	case "get":
		runGet(ctx, fs.Arg(0))
	case "set":
		runSet(ctx, fs.Arg(0), fs.Arg(1))
	case "monitor":
		runMonitor(ctx, fs.Arg(0))
	case "pipe":
		runPipe(ctx, fs.Arg(0), fs.Arg(1))
	}
}

func runGet(ctx context.Context, path string) {
	if path == "" {
		exitUsage("get: PATH required")
	}
	sess, store, err := connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	h, err := handle.Open(store, path, link.KindLeaf)
	if err != nil {
		log.Fatalf("arnctl: open %q: %v", path, err)
	}
	defer h.Close()

	done := make(chan struct{})
	h.OnChange(func(link.Notification) {
		select {
		case <-done:
		default:
			close(done)
		}
	})
	if err := sess.Announce(path, h.Link(), 0, 0); err != nil {
		log.Fatalf("arnctl: announce %q: %v", path, err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}
	fmt.Println(h.GetValue().String())
}

func runSet(ctx context.Context, path, val string) {
	if path == "" || val == "" {
		exitUsage("set: PATH VALUE required")
	}
	sess, store, err := connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	h, err := handle.Open(store, path, link.KindLeaf)
	if err != nil {
		log.Fatalf("arnctl: open %q: %v", path, err)
	}
	defer h.Close()
	if err := sess.Announce(path, h.Link(), byte(link.ModeBiDir), byte(link.SyncMaster)); err != nil {
		log.Fatalf("arnctl: announce %q: %v", path, err)
	}
	if _, err := h.SetValue(parseValue(val)); err != nil {
		log.Fatalf("arnctl: set %q: %v", path, err)
	}
	time.Sleep(200 * time.Millisecond) // let the write loop flush before exit
}

func runMonitor(ctx context.Context, path string) {
	if path == "" {
		exitUsage("monitor: PATH required")
	}
	sess, store, err := connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	h, err := handle.Open(store, path, link.KindLeaf)
	if err != nil {
		log.Fatalf("arnctl: open %q: %v", path, err)
	}
	defer h.Close()
	h.OnChange(func(n link.Notification) { fmt.Println(n.Value.String()) })
	if err := sess.Announce(path, h.Link(), 0, 0); err != nil {
		log.Fatalf("arnctl: announce %q: %v", path, err)
	}
	<-ctx.Done()
}

func runPipe(ctx context.Context, path, msg string) {
	if path == "" || msg == "" {
		exitUsage("pipe: PATH MESSAGE required")
	}
	sess, store, err := connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	queue := sess.PipeQueue()
	p, err := pipe.Open(store, path, queue)
	if err != nil {
		log.Fatalf("arnctl: open %q: %v", path, err)
	}
	defer p.Close()
	if err := sess.Announce(path, p.Link(), byte(link.ModePipe), byte(link.SyncMaster)); err != nil {
		log.Fatalf("arnctl: announce %q: %v", path, err)
	}
	if err := p.Write(value.String(msg)); err != nil {
		log.Fatalf("arnctl: write %q: %v", path, err)
	}
	time.Sleep(200 * time.Millisecond)
}
