package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"applylens/pkg/bundle"
	"applylens/pkg/lint"
	"applylens/pkg/models"
	"applylens/pkg/policyeval"
	"applylens/pkg/risk"
	"applylens/pkg/rulefile"
	"applylens/pkg/statebus"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	newConsumer = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
)

// errLintFailed is returned after printing a failing lint result so the exit
// status reflects it.
var errLintFailed = errors.New("lint failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "lint":
		return lintCmd(args[1:], out)
	case "score":
		return scoreCmd(args[1:], out)
	case "evaluate":
		return evaluateCmd(args[1:], out)
	case "diff":
		return diffCmd(args[1:], out)
	case "tail":
		return tailCmd(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "policyctl commands:")
	fmt.Fprintln(out, "  lint --rules bundle.yaml [--min-rationale 20]")
	fmt.Fprintln(out, "  score --signals signals.json [--weights weights.yaml]")
	fmt.Fprintln(out, "  evaluate --rules bundle.yaml --signals signals.json [--weights weights.yaml] [--trace rule-id]")
	fmt.Fprintln(out, "  diff --from old.yaml --to new.yaml")
	fmt.Fprintln(out, "  tail --brokers host:9092 --topic applylens.policy.events --group policyctl [--types action,stats] [--limit 0]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func lintCmd(args []string, out io.Writer) error {
	fs := newFlagSet("lint")
	rulesPath := fs.String("rules", "", "rule bundle file")
	minRationale := fs.Int("min-rationale", lint.DefaultMinRationale, "minimum rationale length")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rulesPath == "" {
		return errors.New("rules required")
	}
	rules, err := rulefile.LoadRules(*rulesPath)
	if err != nil {
		return err
	}
	res := lint.LintWithOptions(rules, lint.Options{MinRationale: *minRationale})
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if !res.Passed {
		return fmt.Errorf("%w: %d errors", errLintFailed, len(res.Errors))
	}
	return nil
}

func scoreCmd(args []string, out io.Writer) error {
	fs := newFlagSet("score")
	signalsPath := fs.String("signals", "", "signals json file")
	weightsPath := fs.String("weights", "", "weight table yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *signalsPath == "" {
		return errors.New("signals required")
	}
	signals, signalErrs, err := loadSignals(*signalsPath)
	if err != nil {
		return err
	}
	weights, err := loadWeights(*weightsPath)
	if err != nil {
		return err
	}
	return writeJSON(out, struct {
		RiskScore    models.RiskScore     `json:"risk_score"`
		SignalErrors []models.SignalError `json:"signal_errors"`
	}{risk.Score(signals, weights), nonNil(signalErrs)})
}

func evaluateCmd(args []string, out io.Writer) error {
	fs := newFlagSet("evaluate")
	rulesPath := fs.String("rules", "", "rule bundle file")
	signalsPath := fs.String("signals", "", "signals json file")
	weightsPath := fs.String("weights", "", "weight table yaml")
	trace := fs.String("trace", "", "explain a single rule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rulesPath == "" || *signalsPath == "" {
		return errors.New("rules and signals required")
	}
	rules, err := rulefile.LoadRules(*rulesPath)
	if err != nil {
		return err
	}
	signals, signalErrs, err := loadSignals(*signalsPath)
	if err != nil {
		return err
	}
	weights, err := loadWeights(*weightsPath)
	if err != nil {
		return err
	}
	score := risk.Score(signals, weights)

	if *trace != "" {
		for _, r := range rules {
			if r.ID == *trace {
				return writeJSON(out, policyeval.TraceRule(r, score, signals))
			}
		}
		return fmt.Errorf("rule %q not found in %s", *trace, *rulesPath)
	}

	res := policyeval.Evaluate(models.Bundle{Rules: rules}, score, signals)
	return writeJSON(out, struct {
		RiskScore    models.RiskScore     `json:"risk_score"`
		SignalErrors []models.SignalError `json:"signal_errors"`
		policyeval.Result
	}{score, nonNil(signalErrs), res})
}

func diffCmd(args []string, out io.Writer) error {
	fs := newFlagSet("diff")
	fromPath := fs.String("from", "", "old rule bundle")
	toPath := fs.String("to", "", "new rule bundle")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fromPath == "" || *toPath == "" {
		return errors.New("from and to required")
	}
	before, err := rulefile.LoadRules(*fromPath)
	if err != nil {
		return err
	}
	after, err := rulefile.LoadRules(*toPath)
	if err != nil {
		return err
	}
	d, err := bundle.DiffRules(0, 0, before, after)
	if err != nil {
		return err
	}
	for _, id := range d.Added {
		fmt.Fprintf(out, "+ %s\n", id)
	}
	for _, id := range d.Removed {
		fmt.Fprintf(out, "- %s\n", id)
	}
	for _, id := range d.Changed {
		fmt.Fprintf(out, "~ %s\n", id)
	}
	if len(d.Added)+len(d.Removed)+len(d.Changed) == 0 {
		fmt.Fprintln(out, "no changes")
	}
	return nil
}

// tailCmd prints policy events from Kafka, one JSON envelope per line, until
// ctx is cancelled or limit events have been printed.
func tailCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", os.Getenv("KAFKA_BROKERS"), "comma separated brokers")
	topic := fs.String("topic", envOr("KAFKA_TOPIC", "applylens.policy.events"), "events topic")
	group := fs.String("group", "policyctl", "consumer group")
	types := fs.String("types", "", "comma separated event types")
	limit := fs.Int("limit", 0, "stop after n events (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	want := map[string]bool{}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			want[t] = true
		}
	}

	consumer, err := newConsumer(statebus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	enc := json.NewEncoder(out)
	for printed := 0; *limit == 0 || printed < *limit; {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		env, err := statebus.Decode(msg)
		if err != nil {
			log.Printf("policyctl tail: skipping message: %v", err)
			continue
		}
		if len(want) > 0 && !want[env.Type] {
			continue
		}
		if err := enc.Encode(env); err != nil {
			return err
		}
		printed++
	}
	return nil
}

type signalsFile struct {
	SubjectID string                     `json:"subject_id"`
	UserID    string                     `json:"user_id"`
	Signals   map[string]json.RawMessage `json:"signals"`
}

func loadSignals(path string) (models.SignalSet, []models.SignalError, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.SignalSet{}, nil, fmt.Errorf("read signals: %w", err)
	}
	var f signalsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return models.SignalSet{}, nil, fmt.Errorf("decode signals: %w", err)
	}
	signals, errs := models.ParseSignals(f.SubjectID, f.UserID, f.Signals)
	return signals, errs, nil
}

func loadWeights(path string) (risk.WeightTable, error) {
	if path == "" {
		return risk.DefaultWeights(), nil
	}
	return rulefile.LoadWeights(path)
}

func writeJSON(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
