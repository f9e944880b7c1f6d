// Command tamperlog appends to, verifies and reads tamper-evident encrypted
// logs, and can serve a trusted reference over HTTPS.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/karasz/tamperlog"
	"github.com/karasz/tamperlog/config"
	"github.com/karasz/tamperlog/keystore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdin, os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tamperlog: %v\n", err)
		if errors.Is(err, tamperlog.ErrTamperDetected) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var (
	configFlag = &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", Required: true}
	nameFlag   = &cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "log name", Required: true}
)

func newApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "tamperlog",
		Usage:     "tamper-evident encrypted logging",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
			&cli.StringFlag{Name: "log-file", Usage: "write diagnostics to a rotated file instead of stderr"},
		},
		Commands: []*cli.Command{
			{
				Name:      "append",
				Usage:     "append messages (arguments, or stdin lines) and seal the session",
				ArgsUsage: "[message...]",
				Flags:     []cli.Flag{configFlag, nameFlag},
				Action:    func(c *cli.Context) error { return runAppend(c, stdin) },
			},
			{
				Name:   "verify",
				Usage:  "replay a log and reconcile it with its trusted reference",
				Flags:  []cli.Flag{configFlag, nameFlag},
				Action: runVerify,
			},
			{
				Name:  "read",
				Usage: "verify and decrypt a log file with an encrypting or viewing key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "log", Usage: "primary log file", Required: true},
					&cli.StringFlag{Name: "key", Usage: "PKCS#12 store or PEM private key", Required: true},
					&cli.StringFlag{Name: "alias", Usage: "entry alias in a PKCS#12 store"},
					&cli.StringFlag{Name: "password", Usage: "store password", EnvVars: []string{"TAMPERLOG_KEY_PASSWORD"}},
					&cli.StringFlag{Name: "signing-cert", Usage: "certificate or public key to check checkpoint signatures"},
				},
				Action: runRead,
			},
			{
				Name:  "serve-reference",
				Usage: "serve a trusted reference store over HTTP(S)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: ":8443", Usage: "listen address"},
					&cli.StringFlag{Name: "dir", Usage: "directory reference store"},
					&cli.StringFlag{Name: "sqlite", Usage: "SQLite reference database"},
					&cli.StringFlag{Name: "tls-cert", Usage: "TLS certificate file"},
					&cli.StringFlag{Name: "tls-key", Usage: "TLS private key file"},
				},
				Action: runServe,
			},
		},
	}
}

// commandLogger merges the global flags over cfg's logging section.
func commandLogger(c *cli.Context, lc config.Logging) (*slog.Logger, func(), error) {
	if v := c.String("log-level"); v != "" {
		lc.Level = v
	}
	if v := c.String("log-format"); v != "" {
		lc.Format = v
	}
	if v := c.String("log-file"); v != "" {
		lc.File = v
	}
	logger, closer, err := newLogger(c.App.ErrWriter, lc)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = closer.Close() }, nil
}

func runAppend(c *cli.Context, stdin io.Reader) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger, done, err := commandLogger(c, cfg.Logging)
	if err != nil {
		return err
	}
	defer done()

	opts, release, err := cfg.Options(c.String("name"))
	if err != nil {
		return err
	}
	defer func() { _ = release() }()
	opts.Logger = logger

	l, err := tamperlog.Open(opts)
	if err != nil {
		return err
	}

	logOne := func(msg string) error {
		ack, err := l.LogMessage([]byte(msg))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d\t%s\n", ack.Sequence, ack.Timestamp.UTC().Format(time.RFC3339Nano))
		return nil
	}
	if c.NArg() > 0 {
		for _, msg := range c.Args().Slice() {
			if err = logOne(msg); err != nil {
				break
			}
		}
	} else {
		sc := bufio.NewScanner(stdin)
		sc.Buffer(make([]byte, 64*1024), tamperlog.MaxMessageSize+1)
		for sc.Scan() {
			if err = logOne(sc.Text()); err != nil {
				break
			}
		}
		if err == nil {
			err = sc.Err()
		}
	}

	ack, cerr := l.CloseLog()
	if cerr != nil {
		return errors.Join(err, cerr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "sealed at %d chain %s\n", ack.Sequence, hex.EncodeToString(ack.ChainHash))
	return nil
}

func runVerify(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger, done, err := commandLogger(c, cfg.Logging)
	if err != nil {
		return err
	}
	defer done()

	name := c.String("name")
	km, err := cfg.KeyMaterial()
	if err != nil {
		return err
	}
	ref, release, err := cfg.ReferenceStore()
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	trusted, ok, err := ref.Load(name)
	if err != nil {
		return fmt.Errorf("load trusted reference: %w", err)
	}
	var refp *tamperlog.Checkpoint
	if ok {
		refp = &trusted
	}

	primary, err := os.ReadFile(filepath.Join(cfg.LogDir, name+".log"))
	if errors.Is(err, os.ErrNotExist) {
		if ok {
			logger.Error("primary log missing", "log", name)
			return fmt.Errorf("%w: primary log missing", tamperlog.ErrTamperDetected)
		}
		return fmt.Errorf("no log named %q", name)
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	rep, err := tamperlog.Audit(primary, refp, km.Signing().Public)
	if err != nil {
		logger.Error("verification failed", "log", name, "err", err)
		return err
	}
	printReport(c.App.Writer, name, rep)
	return nil
}

func printReport(w io.Writer, name string, rep *tamperlog.Report) {
	fmt.Fprintf(w, "log:          %s\n", name)
	fmt.Fprintf(w, "id:           %s\n", rep.Header.LogID)
	fmt.Fprintf(w, "hash:         %s\n", rep.Header.Hash)
	fmt.Fprintf(w, "cipher:       %s\n", rep.Header.Cipher)
	fmt.Fprintf(w, "messages:     %d\n", rep.Messages)
	fmt.Fprintf(w, "checkpoints:  %d\n", rep.Checkpoints)
	fmt.Fprintf(w, "chain:        %s\n", hex.EncodeToString(rep.State.RunningHash))
	if rep.Unsealed > 0 {
		fmt.Fprintf(w, "unsealed:     %d (session ended without close)\n", rep.Unsealed)
	}
	if rep.Recover != nil {
		fmt.Fprintf(w, "reference:    one close behind, repaired on next open\n")
	}
	fmt.Fprintln(w, "status:       OK")
}

func runRead(c *cli.Context) error {
	e, err := keystore.LoadPrivateKey(keystore.Store{
		Path:          c.String("key"),
		Alias:         c.String("alias"),
		StorePassword: c.String("password"),
	})
	if err != nil {
		return err
	}
	var signingPub any
	if p := c.String("signing-cert"); p != "" {
		vc, err := keystore.LoadViewingCertificate(p)
		if err != nil {
			return err
		}
		signingPub = vc.Public
	}
	view, err := tamperlog.ReadLogFile(c.String("log"), e.Key, signingPub)
	if err != nil {
		return err
	}
	for _, entry := range view.Entries {
		fmt.Fprintf(c.App.Writer, "%d\t%s\t%s\n", entry.Sequence,
			entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Message)
	}
	return nil
}

func runServe(c *cli.Context) error {
	logger, done, err := commandLogger(c, config.Logging{})
	if err != nil {
		return err
	}
	defer done()

	var store tamperlog.ReferenceStore
	switch {
	case c.String("sqlite") != "":
		s, err := tamperlog.OpenSQLiteReference(c.String("sqlite"))
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	case c.String("dir") != "":
		d, err := tamperlog.NewDirReference(c.String("dir"))
		if err != nil {
			return err
		}
		store = d
	default:
		return errors.New("one of --dir or --sqlite is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := tamperlog.NewReferenceServer(store, logger)
	srv.SetMetrics(tamperlog.NewMetrics(reg))

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := srv.Server(c.String("addr"), mux)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		cert, key := c.String("tls-cert"), c.String("tls-key")
		if cert == "" {
			logger.Warn("serving trusted reference without TLS", "addr", hs.Addr)
			errc <- hs.ListenAndServe()
			return
		}
		logger.Info("serving trusted reference", "addr", hs.Addr)
		errc <- hs.ListenAndServeTLS(cert, key)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
