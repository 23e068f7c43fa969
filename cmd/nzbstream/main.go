// Command nzbstream streams a RAR-archived media file out of a Usenet
// newsgroup, described by an NZB document, without writing the intermediate
// RAR volumes to disk.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"streamnzb/internal/config"
	"streamnzb/internal/logger"
	"streamnzb/internal/nzb"
	"streamnzb/internal/pipeline"
)

var flags config.Flags

var rootCmd = &cobra.Command{
	Use:   "nzbstream <nzb-path-or-url>",
	Short: "Stream a RAR-archived media file reassembled from a Usenet NZB",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags.NzbPath = args[0]
		return run(cmd.Context(), flags)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.Host, "server", "s", "", "NNTP server")
	f.StringVarP(&flags.User, "user", "u", "", "NNTP user")
	f.BoolVarP(&flags.PromptPass, "prompt-password", "p", false, "prompt for password")
	f.IntVarP(&flags.Port, "port", "P", 119, "NNTP port")
	f.BoolVarP(&flags.TLS, "tls", "e", false, "enable TLS")
	f.IntVarP(&flags.Threads, "threads", "n", 1, "worker connections")
	f.StringVarP(&flags.ConfigPath, "config", "c", "", "config file path")
	f.Uint64VarP(&flags.MaxBitrate, "bitrate", "b", 0, "max bitrate cap (bits/sec)")
	f.BoolVarP(&flags.SkipVerify, "skip-verify", "q", false, "skip verification stage")
}

func main() {
	logger.Init(os.Getenv("NZBSTREAM_LOG_LEVEL"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[Error] %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags config.Flags) error {
	var promptedPass string
	if flags.PromptPass {
		pass, err := promptPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		promptedPass = pass
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if promptedPass != "" {
		cfg.Pass = promptedPass
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received interrupt, shutting down")
		cancel()
	}()

	doc, err := openNzb(flags.NzbPath)
	if err != nil {
		return fmt.Errorf("load nzb: %w", err)
	}

	mgr := pipeline.New(pipeline.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		Pass:       cfg.Pass,
		TLS:        cfg.TLS,
		Threads:    cfg.Threads,
		Timeout:    cfg.Timeout,
		MaxBitrate: cfg.MaxBitrate,
		SkipVerify: cfg.SkipVerify,
	}, doc)

	go func() {
		<-ctx.Done()
		mgr.Pool().Quit()
	}()
	defer mgr.Close()

	logger.Info("initializing", "nzb", flags.NzbPath)
	if err := mgr.Initialize(); err != nil {
		return err
	}

	if !cfg.SkipVerify {
		logger.Info("verifying")
		if err := mgr.Verify(); err != nil {
			return err
		}
	}

	logger.Info("streaming")
	lastLog := time.Now()
	err = mgr.Stream(func(progress, speed float64) {
		if time.Since(lastLog) < time.Second {
			return
		}
		lastLog = time.Now()
		logger.Info("progress", "pct", fmt.Sprintf("%.1f%%", progress*100), "bytes_per_sec", fmt.Sprintf("%.0f", speed))
	})
	if ctx.Err() != nil {
		return nil // SIGINT: clean exit, code 0
	}
	return err
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// openNzb opens an NZB document from a local path or an http(s) URL.
func openNzb(pathOrURL string) (*nzb.Document, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		resp, err := http.Get(pathOrURL)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch nzb: unexpected status %s", resp.Status)
		}
		return nzb.Parse(resp.Body)
	}

	f, err := os.Open(pathOrURL)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	return nzb.Parse(r)
}
