package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nulzo/sermon-proxy/cmd"
	"github.com/nulzo/sermon-proxy/internal/cli"
	"github.com/nulzo/sermon-proxy/internal/session"
	"github.com/nulzo/sermon-proxy/pkg/api"
)

func runAuth(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.controller.Authenticate(ctx, a.appToken); err != nil {
		return err
	}

	snap := a.controller.Snapshot()
	msg := "Authenticated"
	if !snap.CredentialExpires.IsZero() {
		msg += ", credential valid until " + snap.CredentialExpires.Local().Format(time.Kitchen)
	}
	_, _ = fmt.Fprintf(a.out, "%s %s\n", cli.CheckMark(), msg)
	return nil
}

func runBalance(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print the raw preflight response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// each run starts without a credential
	if err := a.controller.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	bal, err := a.controller.RefreshPreflight(ctx)
	if err != nil {
		return err
	}

	if *asJSON {
		return cli.FprintJSON(a.out, bal)
	}

	month := "unknown"
	if bal.MonthKey != nil {
		month = *bal.MonthKey
	}
	remaining, ok := bal.Remaining()
	if !ok {
		_, _ = fmt.Fprintf(a.out, "%s %s remaining balance is unknown\n", cli.WarningSign(), month)
		return nil
	}
	_, _ = fmt.Fprintf(a.out, "%s %s %s tokens remaining\n", cli.Arrow(), month, cli.Style(fmt.Sprint(remaining), cli.Bold))
	return nil
}

func runGenerate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	provider := fs.String("provider", "", "Upstream provider: openai or anthropic")
	model := fs.String("model", "", "Model name; defaults per provider")
	maxTokens := fs.Int("max-tokens", 0, "Maximum output tokens")
	temperature := fs.Float64("temperature", 0, "Sampling temperature")
	key := fs.String("key", "", "Idempotency key; generated when empty")
	raw := fs.Bool("raw", false, "Print the full response body")
	conflictRetries := fs.Int("conflict-retries", 0, "Times to retry a 409 with the same key")
	backoff := fs.Duration("conflict-backoff", 2*time.Second, "Wait between conflict retries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt, err := readPrompt(fs.Args(), os.Stdin)
	if err != nil {
		return err
	}

	in := session.GenerateInput{
		Prompt:   prompt,
		Provider: api.Provider(*provider),
		Model:    *model,
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-tokens":
			in.MaxOutputTokens = maxTokens
		case "temperature":
			in.Temperature = temperature
		}
	})

	res, err := a.controller.GenerateWithKey(ctx, in, *key)
	for attempt := 0; attempt < *conflictRetries && session.Classify(err) == session.KindConflict; attempt++ {
		_, _ = fmt.Fprintf(os.Stderr, "%s still processing, retrying in %s\n", cli.WarningSign(), *backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(*backoff):
		}
		res, err = a.controller.RetryLast(ctx)
	}
	if err != nil {
		return err
	}

	printResult(a.out, res, *raw)
	return nil
}

func runRetry(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	raw := fs.Bool("raw", false, "Print the full response body")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := a.controller.RetryLast(ctx)
	if errors.Is(err, session.ErrNothingToRetry) && !a.cfg.Redis.Enabled {
		return fmt.Errorf("%w (pending retries only survive between runs with redis enabled)", err)
	}
	if err != nil {
		return err
	}

	printResult(a.out, res, *raw)
	return nil
}

func runUsage(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: sermonproxy usage <export|summary|recent|key> [flags]")
	}

	svc, err := a.requireHistory()
	if err != nil {
		return err
	}

	switch args[0] {
	case "export":
		fs := flag.NewFlagSet("usage export", flag.ContinueOnError)
		format := fs.String("format", "csv", "csv or json")
		out := fs.String("out", "", "Output file; stdout when empty")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		log, err := svc.History(ctx)
		if err != nil {
			return err
		}

		switch *format {
		case "csv":
			if *out == "" {
				return log.WriteCSV(a.out)
			}
			err = log.ExportCSV(*out)
		case "json":
			if *out == "" {
				return log.WriteJSON(a.out, true)
			}
			err = log.ExportJSON(*out)
		default:
			return fmt.Errorf("unknown format %q", *format)
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.out, "%s Wrote %d entries to %s\n", cli.CheckMark(), log.Len(), *out)
		return nil

	case "summary":
		summaries, err := svc.MonthlySummaries(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "MONTH\tPROVIDER\tREQUESTS\tREPLAYS\tWORDS IN\tWORDS OUT\tTOKENS")
		for _, s := range summaries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				s.MonthKey, s.Provider, s.Requests, s.Replays, s.InputWords, s.OutputWords, s.TokensUsed)
		}
		return tw.Flush()

	case "recent":
		fs := flag.NewFlagSet("usage recent", flag.ContinueOnError)
		limit := fs.Int("n", 20, "Number of entries")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		entries, err := svc.Recent(ctx, *limit)
		if err != nil {
			return err
		}
		return cli.FprintJSON(a.out, entries)

	case "key":
		if len(args) != 2 || args[1] == "" {
			return errors.New("usage: sermonproxy usage key <idempotency-key>")
		}
		entries, err := svc.KeyHistory(ctx, args[1])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("no usage logged under key %q", args[1])
		}
		return cli.FprintJSON(a.out, entries)

	default:
		return fmt.Errorf("unknown usage command %q", args[0])
	}
}

func runVersion(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	check := fs.Bool("check", false, "Check for a newer release")
	url := fs.String("release-url", cmd.DefaultReleaseURL, "Latest release endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "sermonproxy %s\n", cmd.AppVersion)
	if !*check {
		return nil
	}

	info, err := cmd.CheckForUpdates(ctx, *url, cmd.AppVersion)
	if err != nil {
		return err
	}
	if !info.Outdated {
		_, _ = fmt.Fprintf(out, "%s up to date\n", cli.CheckMark())
		return nil
	}
	cmd.PrintUpdateNotice(out, info)
	return nil
}

// readPrompt joins args, or reads stdin when args is empty or "-".
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}
	return prompt, nil
}

func printResult(w io.Writer, res *session.Result, raw bool) {
	if raw {
		_ = cli.FprintJSON(w, res.RawBody)
	} else {
		_, _ = fmt.Fprintln(w, res.Text)
	}

	meta := []string{"key " + res.IdempotencyKey}
	if res.Replay {
		meta = append(meta, "replayed")
	}
	if res.TokensUsedDelta != nil {
		meta = append(meta, fmt.Sprintf("%d tokens used", *res.TokensUsedDelta))
	}
	if res.BalanceIncreased {
		meta = append(meta, "balance increased")
	}
	_, _ = fmt.Fprintln(os.Stderr, cli.Style(strings.Join(meta, " | "), cli.DimCode))
}
