package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tickstore/internal/cli"
	"tickstore/internal/config"
	"tickstore/internal/svc"
	"tickstore/pkg/timeseries"
)

const usage = `usage: tsctl [-f etc/tickstore.yaml] <command> [flags]

commands:
  apply    register every configured table and apply its policies
  health   print the storage health report as JSON
  latest   -table -market -instrument
  query    -table -market -instrument -from -to [-interval] [-format json|msgpack]
  upsert   -table -file payloads.ndjson`

type command func(ctx context.Context, svcCtx *svc.ServiceContext, args []string, out io.Writer) error

var commands = map[string]command{
	"apply":  applyCmd,
	"health": healthCmd,
	"latest": latestCmd,
	"query":  queryCmd,
	"upsert": upsertCmd,
}

var errUsage = errors.New(usage)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tsctl", flag.ContinueOnError)
	configFile := fs.String("f", "etc/tickstore.yaml", "the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", fs.Arg(0), usage)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	logx.MustSetup(cfg.Log)
	// stdout carries command output.
	logx.SetWriter(logx.NewWriter(os.Stderr))
	cli.LogConfigSummary(cfg)

	svcCtx, err := svc.NewServiceContext(*cfg)
	if err != nil {
		return err
	}
	defer svcCtx.Close()
	if err := svcCtx.Start(ctx); err != nil {
		return err
	}
	return cmd(ctx, svcCtx, fs.Args()[1:], out)
}

func applyCmd(_ context.Context, svcCtx *svc.ServiceContext, _ []string, out io.Writer) error {
	fmt.Fprintf(out, "timescaledb %s\n", svcCtx.Store.ExtensionVersion())
	for _, b := range svcCtx.Store.Bindings() {
		views := b.Views()
		intervals := make([]string, 0, len(views))
		for iv, view := range views {
			intervals = append(intervals, iv+"="+view)
		}
		sort.Strings(intervals)
		fmt.Fprintf(out, "%-32s entity=%-8s retention=%q views=[%s]\n",
			b.Table.Qualified(), b.Entity.Name(), b.Options.RetentionPeriod, strings.Join(intervals, " "))
	}
	return nil
}

func healthCmd(ctx context.Context, svcCtx *svc.ServiceContext, _ []string, out io.Writer) error {
	report, err := svcCtx.Store.Health(ctx)
	if report != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	}
	return err
}

type symbolFlags struct {
	table, market, instrument *string
}

func addSymbolFlags(fs *flag.FlagSet) symbolFlags {
	return symbolFlags{
		table:      fs.String("table", "", "registered table"),
		market:     fs.String("market", "", "market, e.g. kraken"),
		instrument: fs.String("instrument", "", "instrument, e.g. BTC-USD"),
	}
}

func latestCmd(ctx context.Context, svcCtx *svc.ServiceContext, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("latest", flag.ContinueOnError)
	sym := addSymbolFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := svcCtx.Market.Latest(ctx, *sym.table, *sym.market, *sym.instrument)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", p)
	return err
}

func queryCmd(ctx context.Context, svcCtx *svc.ServiceContext, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	sym := addSymbolFlags(fs)
	from := fs.String("from", "", "inclusive start, RFC3339")
	to := fs.String("to", "", "exclusive end, RFC3339")
	interval := fs.String("interval", "", "bucket interval served by a continuous view, e.g. \"1 hour\"")
	format := fs.String("format", formatJSON, "output format: json (NDJSON) or msgpack")
	if err := fs.Parse(args); err != nil {
		return err
	}
	start, err := parseTime("from", *from)
	if err != nil {
		return err
	}
	end, err := parseTime("to", *to)
	if err != nil {
		return err
	}

	cur, err := svcCtx.Store.QueryTimeRange(ctx, *sym.table, timeseries.TimeRangeQuery{
		Market:     *sym.market,
		Instrument: *sym.instrument,
		Start:      start,
		End:        end,
		Interval:   *interval,
	})
	if err != nil {
		return err
	}
	defer cur.Close()
	n, err := export(out, cur, *format)
	if err != nil {
		return err
	}
	logx.Infof("tsctl: exported rows=%d source=%s", n, cur.Source())
	return nil
}

func upsertCmd(ctx context.Context, svcCtx *svc.ServiceContext, args []string, _ io.Writer) error {
	fs := flag.NewFlagSet("upsert", flag.ContinueOnError)
	table := fs.String("table", "", "registered table")
	file := fs.String("file", "-", "NDJSON payload file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	in := io.Reader(os.Stdin)
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	payloads, err := readPayloads(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}
	n, err := svcCtx.Market.Record(ctx, *table, payloads)
	if err != nil {
		return err
	}
	logx.Infof("tsctl: upserted table=%s payloads=%d rows=%d", *table, len(payloads), n)
	return nil
}

func parseTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("-%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %w", name, err)
	}
	return t, nil
}
