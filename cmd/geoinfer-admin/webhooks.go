package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/geoinfer-api/internal/adapters/webhook"
)

type testWebhookOptions struct {
	URL         string
	APIKey      string
	Secret      string
	MaxAttempts int
}

func parseTestWebhookFlags(args []string, defaults testWebhookOptions) (testWebhookOptions, error) {
	fs := flag.NewFlagSet("test-webhook", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := defaults
	fs.StringVar(&opts.URL, "url", "", "Target URL (may also be given positionally)")
	fs.StringVar(&opts.APIKey, "api-key", opts.APIKey, "Bearer token to send")
	fs.StringVar(&opts.Secret, "secret", opts.Secret, "Signing secret; defaults to WEBHOOK_SIGNING_SECRET")
	fs.IntVar(&opts.MaxAttempts, "max-attempts", opts.MaxAttempts, "Delivery attempts before giving up")

	if err := fs.Parse(args); err != nil {
		return testWebhookOptions{}, err
	}
	if opts.URL == "" && fs.NArg() > 0 {
		opts.URL = fs.Arg(0)
	}
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return testWebhookOptions{}, errors.New("a target url is required")
	}
	if opts.MaxAttempts < 1 {
		return testWebhookOptions{}, errors.New("--max-attempts must be at least 1")
	}
	return opts, nil
}

func runTestWebhook(cmdCtx *commandContext, args []string) error {
	wh := cmdCtx.Config.Webhook
	opts, err := parseTestWebhookFlags(args, testWebhookOptions{
		APIKey:      wh.APIKey,
		Secret:      wh.SigningSecret,
		MaxAttempts: wh.MaxAttempts,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := webhook.NewEngine(webhook.Options{
		Config: webhook.Config{
			MaxAttempts:    opts.MaxAttempts,
			BaseRetryDelay: wh.BaseRetryDelay,
			Timeout:        wh.Timeout,
			SigningSecret:  opts.Secret,
			UserAgent:      wh.UserAgent,
		},
		Logger: cmdCtx.Logger,
	})

	var apiKey *string
	if opts.APIKey != "" {
		apiKey = &opts.APIKey
	}
	delivery := engine.SendTest(ctx, opts.URL, apiKey)
	if err := renderDelivery(cmdCtx.Out, opts.URL, delivery); err != nil {
		return err
	}
	if !delivery.Delivered {
		return fmt.Errorf("webhook to %s was not delivered after %d attempts", opts.URL, len(delivery.Attempts))
	}
	return nil
}

func renderDelivery(w io.Writer, target string, d webhook.Delivery) error {
	result := "NOT delivered"
	if d.Delivered {
		result = "delivered"
	}
	if err := writef(w, "Test webhook to %s: %s\n\n", target, result); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ATTEMPT\tSTATUS\tERROR\tDURATION\tBACKOFF"); err != nil {
		return err
	}
	for _, a := range d.Attempts {
		status := "-"
		if a.StatusCode != 0 {
			status = fmt.Sprint(a.StatusCode)
		}
		errText := a.Error
		if errText == "" {
			errText = "-"
		}
		if err := writef(tw, "%d\t%s\t%s\t%s\t%s\n",
			a.Number, status, errText, a.Duration.Round(time.Millisecond), a.Backoff.Round(time.Millisecond)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type verifyOptions struct {
	Secret    string
	Timestamp string
	Signature string
	BodyFile  string
	Tolerance time.Duration
}

func parseVerifyFlags(args []string, secret string) (verifyOptions, error) {
	fs := flag.NewFlagSet("verify-signature", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := verifyOptions{Secret: secret}
	fs.StringVar(&opts.Secret, "secret", secret, "Signing secret; defaults to WEBHOOK_SIGNING_SECRET")
	fs.StringVar(&opts.Timestamp, "timestamp", "", "Value of the "+webhook.HeaderTimestamp+" header (required)")
	fs.StringVar(&opts.Signature, "signature", "", "Value of the "+webhook.HeaderSignature+" header (required)")
	fs.StringVar(&opts.BodyFile, "body-file", "-", "File holding the exact request body; - reads stdin")
	fs.DurationVar(&opts.Tolerance, "tolerance", 0, "Reject timestamps further than this from now; 0 disables the check")

	if err := fs.Parse(args); err != nil {
		return verifyOptions{}, err
	}
	switch {
	case opts.Secret == "":
		return verifyOptions{}, errors.New("--secret is required when WEBHOOK_SIGNING_SECRET is unset")
	case strings.TrimSpace(opts.Timestamp) == "":
		return verifyOptions{}, errors.New("--timestamp is required")
	case strings.TrimSpace(opts.Signature) == "":
		return verifyOptions{}, errors.New("--signature is required")
	}
	return opts, nil
}

func runVerifySignature(cmdCtx *commandContext, args []string) error {
	opts, err := parseVerifyFlags(args, cmdCtx.Config.Webhook.SigningSecret)
	if err != nil {
		return err
	}

	body, err := readBody(opts.BodyFile)
	if err != nil {
		return err
	}
	return verifySignature(cmdCtx.Out, opts, body, time.Now())
}

func verifySignature(w io.Writer, opts verifyOptions, body []byte, now time.Time) error {
	if err := webhook.Verify(opts.Secret, opts.Timestamp, body, opts.Signature, opts.Tolerance, now); err != nil {
		if writeErr := writef(w, "signature INVALID: %v\n", err); writeErr != nil {
			return writeErr
		}
		return err
	}
	return writeln(w, "signature valid")
}

func readBody(path string) ([]byte, error) {
	if path == "" || path == "-" {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return body, nil
	}
	body, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read body file: %w", err)
	}
	return body, nil
}

type receiveOptions struct {
	Addr             string
	Secret           string
	Tolerance        time.Duration
	RequireSignature bool
}

func parseReceiveFlags(args []string, secret string) (receiveOptions, error) {
	fs := flag.NewFlagSet("receive", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := receiveOptions{Secret: secret}
	fs.StringVar(&opts.Addr, "addr", "127.0.0.1:9000", "Listen address")
	fs.StringVar(&opts.Secret, "secret", secret, "Signing secret; defaults to WEBHOOK_SIGNING_SECRET")
	fs.DurationVar(&opts.Tolerance, "tolerance", 5*time.Minute, "Accepted clock skew for signature timestamps")
	fs.BoolVar(&opts.RequireSignature, "require-signature", false, "Reject requests without a valid signature")

	if err := fs.Parse(args); err != nil {
		return receiveOptions{}, err
	}
	if opts.RequireSignature && opts.Secret == "" {
		return receiveOptions{}, errors.New("--require-signature needs --secret or WEBHOOK_SIGNING_SECRET")
	}
	return opts, nil
}

func newReceiver(cmdCtx *commandContext, opts receiveOptions) *webhook.Receiver {
	return &webhook.Receiver{
		Secret:           opts.Secret,
		Tolerance:        opts.Tolerance,
		RequireSignature: opts.RequireSignature,
		Logger:           cmdCtx.Logger,
		OnEvent: func(ev webhook.ReceivedEvent) {
			if err := writef(cmdCtx.Out, "%s\n", ev.Raw); err != nil {
				cmdCtx.Logger.Warn("print webhook failed", "error", err)
			}
		},
	}
}

func runReceive(cmdCtx *commandContext, args []string) error {
	opts, err := parseReceiveFlags(args, cmdCtx.Config.Webhook.SigningSecret)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           newReceiver(cmdCtx, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		cmdCtx.Logger.Info("webhook receiver listening", "addr", opts.Addr, "signed", opts.Secret != "")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
