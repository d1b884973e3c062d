package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filedrop"
	"filedrop/lib"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "select run mode (-c for client, -s for server)")
		return 1
	}
	switch args[0] {
	case "-s":
		return server(args[1:], stderr)
	case "-c":
		return client(args[1:], stderr)
	default:
		_, _ = fmt.Fprintln(stderr, "invalid argument, use -s for server or -c for client")
		return 1
	}
}

type options struct {
	fs       *flag.FlagSet
	conf     lib.Config
	confPath string
	verbose  bool
}

func newOptions(name string, stderr io.Writer) *options {
	o := &options{fs: flag.NewFlagSet(name, flag.ContinueOnError), conf: lib.DefaultConfig()}
	o.fs.SetOutput(stderr)
	o.fs.StringVar(&o.confPath, "conf", "", "conf path with one host:port line (default ~/.filedrop.conf)")
	o.fs.IntVar(&o.conf.Port, "port", o.conf.Port, "tcp port")
	o.fs.IntVar(&o.conf.BufferSize, "buffer", o.conf.BufferSize, "transfer buffer size in bytes")
	o.fs.BoolVar(&o.conf.Framed, "framed", false, "length prefix and checksum each transfer, both ends must agree")
	o.fs.DurationVar(&o.conf.IdleTimeout, "timeout", 0, "fail a transfer after this long without progress, 0 disables")
	o.fs.IntVar(&o.conf.TOS, "tos", 0, "ipv4 tos byte for transfer sockets")
	o.fs.BoolVar(&o.verbose, "v", false, "debug logging")
	return o
}

// parse applies defaults, then the conf file, then any flag given explicitly.
func (o *options) parse(args []string) error {
	flags := o.conf
	if err := o.fs.Parse(args); err != nil {
		return err
	}
	flags, o.conf = o.conf, flags
	path, required := o.confPath, true
	if path == "" {
		path, required = lib.ConfPath(), false
	}
	if err := o.conf.LoadConf(path, required); err != nil {
		return err
	}
	set := make(map[string]bool)
	o.fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	apply := map[string]func(){
		"addr":      func() { o.conf.Address = flags.Address },
		"port":      func() { o.conf.Port = flags.Port },
		"buffer":    func() { o.conf.BufferSize = flags.BufferSize },
		"framed":    func() { o.conf.Framed = flags.Framed },
		"timeout":   func() { o.conf.IdleTimeout = flags.IdleTimeout },
		"tos":       func() { o.conf.TOS = flags.TOS },
		"dir":       func() { o.conf.Dir = flags.Dir },
		"workers":   func() { o.conf.Concurrency = flags.Concurrency },
		"http-port": func() { o.conf.HTTPPort = flags.HTTPPort },
		"max-age":   func() { o.conf.MaxAge = flags.MaxAge },
		"retries":   func() { o.conf.DialRetries = flags.DialRetries },
	}
	for name := range set {
		if fn, ok := apply[name]; ok {
			fn()
		}
	}
	lib.SetVerbose(o.verbose)
	return nil
}

func server(args []string, stderr io.Writer) int {
	o := newOptions("filedrop -s", stderr)
	o.fs.StringVar(&o.conf.Dir, "dir", o.conf.Dir, "directory for received files")
	o.fs.IntVar(&o.conf.Concurrency, "workers", o.conf.Concurrency, "connections handled at once")
	o.fs.IntVar(&o.conf.HTTPPort, "http-port", 0, "serve /health and /transfers on this port, 0 disables")
	o.fs.DurationVar(&o.conf.MaxAge, "max-age", o.conf.MaxAge, "retention for transfer records and stale temp files")
	if err := o.parse(args); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if o.fs.NArg() != 0 {
		_, _ = fmt.Fprintln(stderr, "usage: filedrop -s [flags]")
		o.fs.Usage()
		return 1
	}
	s, err := filedrop.NewServer(o.conf)
	if err != nil {
		lib.Logger.WithError(err).Error("server startup failed")
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.ListenAndServe(ctx); err != nil {
		lib.Logger.WithError(err).Error("server startup failed")
		return 1
	}
	return 0
}

func client(args []string, stderr io.Writer) int {
	o := newOptions("filedrop -c", stderr)
	o.fs.StringVar(&o.conf.Address, "addr", o.conf.Address, "server ipv4 address")
	o.fs.IntVar(&o.conf.DialRetries, "retries", 0, "extra connect attempts before giving up")
	if err := o.parse(args); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if o.fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "error: file path required for client mode not specified")
		_, _ = fmt.Fprintln(stderr, "usage: filedrop -c [flags] FILE")
		return 1
	}
	start := time.Now()
	receipt, err := filedrop.Send(context.Background(), o.conf, o.fs.Arg(0))
	if err != nil {
		lib.Logger.WithError(err).Error("send failed")
		return 1
	}
	lib.Logger.Debugf("sent %d bytes in %v", receipt.Bytes, time.Since(start))
	return 0
}
