package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"dissector/internal/archive"
	"dissector/internal/config"
	"dissector/internal/dissect"
	"dissector/internal/graph"
	"dissector/internal/httpclient"
	"dissector/internal/loader"
	"dissector/internal/logging"
	"dissector/internal/metrics"
	"dissector/internal/spool"
)

var version = "2.0.0"

const defaultConfig = "dissector.yaml"

type options struct {
	filename       string
	config         string
	configSet      bool
	verbose        bool
	debug          bool
	quiet          bool
	summary        bool
	upload         bool
	graph          bool
	logFile        string
	fingerprintDir string
	host           string
	user           string
	passwd         string
	noverify       bool
	status         bool
	version        bool
	limit          int
	runID          string
	command        string
	key            string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("dissector", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: dissector [flags] -f FILE")
		fmt.Fprintln(stderr, "       dissector [flags] history|replay|show [KEY]")
		fs.PrintDefaults()
	}
	fs.StringVar(&o.filename, "f", "", "input file (pcap, pcapng, nfdump, nfdump json, tshark csv)")
	fs.StringVar(&o.filename, "filename", "", "alias of -f")
	fs.StringVar(&o.config, "config", defaultConfig, "configuration file")
	fs.BoolVar(&o.verbose, "v", false, "print info messages")
	fs.BoolVar(&o.debug, "d", false, "print debug messages")
	fs.BoolVar(&o.quiet, "q", false, "hide progress indicators")
	fs.BoolVar(&o.summary, "s", false, "print the fingerprint evaluation")
	fs.BoolVar(&o.upload, "u", false, "upload fingerprints to the repository")
	fs.BoolVar(&o.graph, "g", false, "write a graphviz file of the matched traffic")
	fs.StringVar(&o.logFile, "log", "", "log file (overrides log_file)")
	fs.StringVar(&o.fingerprintDir, "fingerprint_dir", "", "fingerprint directory (overrides fingerprint_dir)")
	fs.StringVar(&o.host, "host", "", "repository host or name")
	fs.StringVar(&o.user, "user", "", "repository user")
	fs.StringVar(&o.passwd, "passwd", "", "repository password")
	fs.BoolVar(&o.noverify, "n", false, "do not verify the repository TLS certificate")
	fs.BoolVar(&o.status, "status", false, "check repository access and credentials")
	fs.BoolVar(&o.version, "version", false, "print the version")
	fs.IntVar(&o.limit, "limit", 20, "entries listed by history (0 lists all)")
	fs.StringVar(&o.runID, "run", "", "history: show the fingerprints of one run")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			o.configSet = true
		}
	})
	if fs.NArg() == 0 {
		return o, nil
	}
	o.command = fs.Arg(0)
	rest := fs.Args()[1:]
	switch o.command {
	case "history", "replay":
	case "show":
		if len(rest) > 0 {
			o.key, rest = rest[0], rest[1:]
		}
	default:
		return nil, fmt.Errorf("unknown command %q", o.command)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments %v", rest)
	}
	return o, nil
}

// loadConfig reads the configuration file. The default file is optional.
func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.Load(o.config)
	switch {
	case errors.Is(err, os.ErrNotExist) && !o.configSet:
		cfg = config.Default()
	case err != nil:
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if o.logFile != "" {
		cfg.LogFile = o.logFile
	}
	if o.fingerprintDir != "" {
		cfg.FingerprintDir = o.fingerprintDir
	}
	if o.noverify {
		cfg.HTTP.InsecureSkipVerify = true
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if o.version {
		fmt.Fprintf(stdout, "dissector %s\n", version)
		return 0
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger, closeLog, err := logging.New(logging.Options{Verbose: o.verbose, Debug: o.debug, File: cfg.LogFile, Console: stderr})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeLog()
	log := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Warn("interrupted, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New()
	defer func() {
		if err := m.WriteFile(cfg.MetricsFile); err != nil {
			log.Warnf("metrics export failed: %v", err)
		}
	}()

	a := &app{opts: o, cfg: cfg, log: log, metrics: m, stdout: stdout}
	switch {
	case o.command == "history":
		err = a.history()
	case o.command == "replay":
		err = a.replay(ctx)
	case o.command == "show":
		err = a.show()
	case o.status:
		err = a.checkRepositories(ctx)
	case o.filename == "":
		err = errors.New("no input file given, use -f FILE")
	default:
		err = a.dissect(ctx)
	}
	if err != nil {
		log.Error(err)
		return 1
	}
	return 0
}

type app struct {
	opts    *options
	cfg     *config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	stdout  io.Writer
}

func (a *app) client() *httpclient.Client {
	sp := spool.New(a.cfg.SpoolDir, a.cfg.SpoolMaxBytes, a.metrics)
	return httpclient.New(httpclient.Options{
		Timeout:            a.cfg.HTTP.Timeout,
		RetryMax:           a.cfg.HTTP.RetryMax,
		RetryBase:          a.cfg.HTTP.RetryBase,
		InsecureSkipVerify: a.cfg.HTTP.InsecureSkipVerify,
		Metrics:            a.metrics,
		Spool:              sp,
		Log:                a.log,
	})
}

func (a *app) resolve(host string) (config.Repository, error) {
	return a.cfg.Repository(host, a.opts.user, a.opts.passwd)
}

func (a *app) dissect(ctx context.Context) error {
	msg := fmt.Sprintf("Loading network file: `%s'", a.opts.filename)
	ch := loader.LoadAsync(ctx, a.opts.filename, loader.Options{NfdumpPath: a.cfg.NfdumpPath, Log: a.log})
	res := loader.Wait(ctx, ch, a.stdout, msg, a.opts.quiet)
	if res.Err != nil {
		return res.Err
	}
	table := res.Table

	d := dissect.New(dissect.Options{
		Outlier: dissect.OutlierOptions{
			TopN:      a.cfg.Analysis.TopN,
			Threshold: a.cfg.Analysis.Threshold,
			ZScore:    a.cfg.Analysis.ZScore,
		},
		SimilarityThreshold: a.cfg.Analysis.SimilarityThreshold,
		SuspectUDPLength:    a.cfg.Analysis.SuspectUDPLength,
	}, a.log, a.metrics)
	reports, err := d.Run(table)
	if err != nil {
		return err
	}

	store := spool.NewStore(a.cfg.FingerprintDir)
	run := archive.NewRun(a.opts.filename, res.Type.String(), table.Len())
	a.log.Infof("run %s: %d fingerprint(s)", run.ID, len(reports))

	var repo config.Repository
	var client *httpclient.Client
	if a.opts.upload {
		if repo, err = a.resolve(a.opts.host); err != nil {
			return err
		}
		client = a.client()
	}

	var uploaded []string
	for _, r := range reports {
		fp := r.Fingerprint
		a.progress("Processing target IP address: %s", r.Target)
		path, err := store.Save(fp)
		if err != nil {
			return fmt.Errorf("save fingerprint: %w", err)
		}
		a.log.Infof("fingerprint saved to %s", path)
		run.Add(r.Target.String(), r.Protocol, r.Evaluation.TrafficMatch, fp)

		doc, err := fp.Anonymized().Indent()
		if err != nil {
			return err
		}
		a.progress("Generated fingerprint")
		fmt.Fprintln(a.stdout, string(doc))

		if a.opts.summary {
			printSummary(a.stdout, r)
		}
		if a.opts.graph {
			dot, st, err := graph.WriteFile(a.opts.filename, r.Evaluation.Matched, table.All())
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			a.log.Debugf("graph: %d matched of %d source pairs (%.1f%%)", st.Matched, st.Total, st.MatchedPercent())
			fmt.Fprintf(a.stdout, "Use the following command to generate an image:\n\t%s\n", graph.RenderCommand(dot))
		}
		if client != nil {
			err := client.Upload(ctx, repo, fp)
			switch {
			case err == nil:
				uploaded = append(uploaded, fp.Key)
				fmt.Fprintf(a.stdout, "Upload success: fingerprint %s\n\tURL: %s\n", fp.Key, httpclient.QueryURL(repo.Host, fp.Key))
			case errors.Is(err, httpclient.ErrSpooled):
				a.log.Warn(err)
			default:
				return fmt.Errorf("upload to %s: %w", repo.Host, err)
			}
		}
	}

	if client != nil && len(uploaded) > 0 {
		if n, err := client.Replay(ctx, a.resolve); err != nil {
			a.log.Warnf("spool replay stopped after %d upload(s): %v", n, err)
		} else if n > 0 {
			a.log.Infof("replayed %d spooled upload(s)", n)
		}
	}
	a.archiveRun(run, uploaded)
	return nil
}

// archiveRun records the run. The archive is a convenience: failures are
// logged, not returned.
func (a *app) archiveRun(run *archive.Run, uploaded []string) {
	if a.cfg.ArchivePath == "" {
		return
	}
	ar, err := archive.Open(a.cfg.ArchivePath)
	if err != nil {
		a.log.Warnf("archive unavailable: %v", err)
		return
	}
	defer ar.Close()
	if err := ar.Save(run); err != nil {
		a.log.Warnf("archive run %s: %v", run.ID, err)
		return
	}
	for _, key := range uploaded {
		if err := ar.MarkUploaded(key); err != nil {
			a.log.Warnf("archive upload of %s: %v", key, err)
		}
	}
}

func (a *app) progress(format string, args ...any) {
	if a.opts.quiet {
		return
	}
	fmt.Fprintf(a.stdout, "\r[✓] "+format+"\n", args...)
}

func (a *app) history() error {
	ar, err := archive.Open(a.cfg.ArchivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", filepath.Clean(a.cfg.ArchivePath), err)
	}
	defer ar.Close()
	if a.opts.runID != "" {
		run, err := ar.Run(a.opts.runID)
		if err != nil {
			return fmt.Errorf("run %s: %w", a.opts.runID, err)
		}
		return printRun(a.stdout, run)
	}
	entries, err := ar.History(a.opts.limit)
	if err != nil {
		return err
	}
	return printHistory(a.stdout, entries)
}

// show lists the stored fingerprint keys, or prints one stored document
// with its sources.
func (a *app) show() error {
	store := spool.NewStore(a.cfg.FingerprintDir)
	if a.opts.key == "" {
		keys, err := store.Keys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(a.stdout, k)
		}
		return nil
	}
	fp, err := store.Load(a.opts.key)
	if err != nil {
		return err
	}
	doc, err := fp.Indent()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, string(doc))
	fmt.Fprintf(a.stdout, "%d source(s), tags %v\n", len(fp.Sources()), fp.Tags)
	return nil
}

func (a *app) replay(ctx context.Context) error {
	n, err := a.client().Replay(ctx, a.resolve)
	fmt.Fprintf(a.stdout, "replayed %d spooled upload(s)\n", n)
	return err
}

func (a *app) checkRepositories(ctx context.Context) error {
	repos := a.cfg.Repositories
	if a.opts.host != "" {
		repo, err := a.resolve(a.opts.host)
		if err != nil {
			return err
		}
		repos = []config.Repository{repo}
	}
	if len(repos) == 0 {
		return errors.New("no repository configured")
	}
	c := a.client()
	statuses := make([]httpclient.RepositoryStatus, 0, len(repos))
	for _, r := range repos {
		st := c.Status(ctx, r)
		if st.Err != nil {
			a.log.Debugf("repository %s: %v", r.Host, st.Err)
		}
		statuses = append(statuses, st)
	}
	return printStatus(a.stdout, statuses)
}
