package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/trie-spam/app/dataset"
	"github.com/umputun/trie-spam/app/storage"
	"github.com/umputun/trie-spam/app/storage/engine"
	"github.com/umputun/trie-spam/app/trainer"
	"github.com/umputun/trie-spam/app/webapi"
	"github.com/umputun/trie-spam/lib"
	"github.com/umputun/trie-spam/lib/trie"
)

type options struct {
	Files struct {
		Train          []string         `long:"train" env:"TRAIN" env-delim:"," description:"training csv file(s)" required:"true"`
		Test           string           `long:"test" env:"TEST" description:"csv file to classify"`
		Encoding       dataset.Encoding `long:"encoding" env:"ENCODING" default:"utf8" choice:"utf8" choice:"latin1" description:"csv files encoding"`
		ExcludedTokens string           `long:"exclude-tokens" env:"EXCLUDE_TOKENS" description:"file with tokens ignored by the tokenizer"`
		WatchDelay     time.Duration    `long:"watch-delay" env:"WATCH_DELAY" default:"1s" description:"delay before retraining on training files change"`
	} `group:"files" namespace:"files" env-namespace:"FILES"`

	DB struct {
		URL     string        `long:"url" env:"URL" description:"samples database url, sqlite file or postgres://, no storage if empty"`
		GID     string        `long:"gid" env:"GID" default:"default" description:"group id of stored samples"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"timeout of samples updates"`
	} `group:"db" namespace:"db" env-namespace:"DB"`

	Tokenizer struct {
		MinLen      int    `long:"min-len" env:"MIN_LEN" default:"0" description:"minimal token length"`
		NumberToken string `long:"number-token" env:"NUMBER_TOKEN" default:"thisisanumber" description:"replacement for numbers"`
		KeepAccents bool   `long:"keep-accents" env:"KEEP_ACCENTS" description:"don't fold accented letters"`
	} `group:"tokenizer" namespace:"tokenizer" env-namespace:"TOKENIZER"`

	Server struct {
		Enabled    bool          `long:"enabled" env:"ENABLED" description:"enable web server"`
		ListenAddr string        `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
		AuthPasswd string        `long:"auth" env:"AUTH" description:"basic auth password for user trie-spam"`
		CacheTTL   time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"10m" description:"ttl of cached check results"`
		RateLimit  float64       `long:"rate-limit" env:"RATE_LIMIT" default:"50" description:"max requests per second per client"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable predictions rotated logs"`
		FileName   string `long:"file" env:"FILE" default:"trie-spam.log" description:"location of predictions log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("trie-spam %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var ferr *flags.Error
		if !errors.As(err, &ferr) || ferr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Server.AuthPasswd)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options, out io.Writer) error {
	if err := checkFiles(opts); err != nil {
		return err
	}

	detector := lib.NewDetector(lib.Config{
		MinWordLen:  opts.Tokenizer.MinLen,
		NumberToken: opts.Tokenizer.NumberToken,
		KeepAccents: opts.Tokenizer.KeepAccents,
	})

	store, closeStore, err := makeSamplesStore(ctx, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	tr := trainer.New(detector, store, trainer.Config{
		TrainFiles:         opts.Files.Train,
		ExcludedTokensFile: opts.Files.ExcludedTokens,
		Encoding:           opts.Files.Encoding,
		WatchDelay:         opts.Files.WatchDelay,
		StoreTimeout:       opts.DB.Timeout,
	})
	lr, err := tr.ReloadSamples(ctx)
	if err != nil {
		return fmt.Errorf("failed to train: %w", err)
	}
	printTrainingSummary(out, lr, detector.Stats())

	if opts.Files.Test != "" {
		reportLog, err := makeReportLogWriter(opts)
		if err != nil {
			return fmt.Errorf("can't make report log writer: %w", err)
		}
		defer reportLog.Close()
		if err := predictFile(out, reportLog, detector, opts.Files.Test, opts.Files.Encoding); err != nil {
			return err
		}
	}

	if !opts.Server.Enabled {
		return nil
	}
	return runServer(ctx, opts, detector, tr)
}

// checkFiles verifies all input files exist before anything is loaded
func checkFiles(opts options) error {
	files := append([]string{}, opts.Files.Train...)
	if opts.Files.Test != "" {
		files = append(files, opts.Files.Test)
	}
	if opts.Files.ExcludedTokens != "" {
		files = append(files, opts.Files.ExcludedTokens)
	}
	for _, f := range files {
		if !fileutils.IsFile(f) {
			return fmt.Errorf("file %q not found or not a regular file", f)
		}
	}
	return nil
}

// makeSamplesStore opens samples storage if db url is set, returns nil store otherwise
func makeSamplesStore(ctx context.Context, opts options) (store trainer.SamplesStore, closeFn func(), err error) {
	if opts.DB.URL == "" {
		return nil, func() {}, nil
	}
	db, err := engine.New(ctx, opts.DB.URL, opts.DB.GID)
	if err != nil {
		return nil, func() {}, fmt.Errorf("can't open samples db: %w", err)
	}
	closeFn = func() {
		if err := db.Close(); err != nil {
			log.Printf("[WARN] can't close samples db, %v", err)
		}
	}
	samples, err := storage.NewSamples(ctx, db)
	if err != nil {
		closeFn()
		return nil, func() {}, fmt.Errorf("can't make samples storage: %w", err)
	}
	log.Printf("[INFO] samples storage %s, gid %q", db.Type(), db.GID())
	return samples, closeFn, nil
}

func printTrainingSummary(out io.Writer, lr lib.LoadResult, st lib.Stats) {
	if st.Ready {
		fmt.Fprintf(out, "%f %f\n", st.HamBaseline, st.SpamBaseline)
	}
	fmt.Fprintf(out, "finished importing data into the trie.\n")
	fmt.Fprintf(out, "\tnumber of spam words: %d\n", lr.SpamWords)
	fmt.Fprintf(out, "\tnumber of ham words: %d\n", lr.HamWords)
	fmt.Fprintf(out, "calculated probabilities\nTraining finished.\n")
}

// prediction is a line of the predictions report
type prediction struct {
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
	Expected string    `json:"expected,omitempty"` // empty for unlabeled rows
	lib.CheckResult
}

// predictFile classifies every row of the test file, prints verdicts and accuracy to out
// and writes a json line per row to the report. Rows without a valid label are classified
// but not counted in accuracy.
func predictFile(out, report io.Writer, detector *lib.Detector, file string, enc dataset.Encoding) error {
	fh, err := os.Open(file) //nolint:gosec // file name comes from cli
	if err != nil {
		return fmt.Errorf("can't open test file: %w", err)
	}
	defer fh.Close()
	rd, err := dataset.NewReader(fh, enc)
	if err != nil {
		return fmt.Errorf("can't make test file reader: %w", err)
	}

	total, correct := 0, 0
	for s, err := range rd.Records() {
		if err != nil {
			return fmt.Errorf("can't read test file %q: %w", file, err)
		}
		res, err := detector.Check(s.Text)
		if err != nil {
			return fmt.Errorf("can't check message: %w", err)
		}
		verdict := trie.Ham
		if res.Spam {
			verdict = trie.Spam
		}
		fmt.Fprintln(out, verdictName(verdict))
		pred := prediction{Time: time.Now(), Text: s.Text, CheckResult: res}
		if s.Labeled {
			pred.Expected = s.Class.String()
			total++
			if verdict == s.Class {
				correct++
			}
		}

		line, err := json.Marshal(pred)
		if err != nil {
			log.Printf("[WARN] can't marshal prediction, %v", err)
			continue
		}
		if _, err := report.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write to log, %v", err)
		}
	}
	if total > 0 {
		fmt.Fprintf(out, "accuracy: %.2f%% (%d/%d)\n", 100*float64(correct)/float64(total), correct, total)
	}
	return nil
}

func verdictName(c trie.Class) string {
	if c == trie.Spam {
		return "Spam"
	}
	return "Ham"
}

// runServer runs web api and training files watcher until the context is canceled
func runServer(ctx context.Context, opts options, detector *lib.Detector, tr *trainer.Trainer) error {
	srv := webapi.NewServer(webapi.Config{
		Version:    revision,
		ListenAddr: opts.Server.ListenAddr,
		Detector:   detector,
		Trainer:    tr,
		AuthPasswd: opts.Server.AuthPasswd,
		CacheTTL:   opts.Server.CacheTTL,
		RateLimit:  opts.Server.RateLimit,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return tr.Watch(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// makeReportLogWriter creates predictions log writer with rotation, discards everything if logger disabled
func makeReportLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	maxSize, err := parseSize(opts.Logger.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", err)
	}
	maxSize /= 1048576

	log.Printf("[INFO] logger enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

// parseSize parses size with optional k/m/g/t suffix, case-insensitive
func parseSize(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(strings.ToLower(inp), sfx) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	nonEmpty := []string{}
	for _, s := range secrets {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) > 0 {
		logOpts = append(logOpts, lgr.Secret(nonEmpty...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
