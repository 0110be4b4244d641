package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/percept/internal/app"
	"github.com/metalagman/percept/internal/assemble"
	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/logging"
	"github.com/metalagman/percept/internal/run"
)

func extractCmd() *cobra.Command {
	var (
		inputPath      string
		template       string
		title          string
		suggestionType string
		vars           []string
		pretty         bool
		concurrency    string
	)
	cmd := &cobra.Command{
		Use:          "extract [text]",
		Short:        "Run a perception pipeline over text and print the report url",
		Long:         "Run a perception pipeline over text given as arguments, read from --input, or piped on stdin. The report url is printed on success and an empty line otherwise.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(args, inputPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			varMap, err := parseVars(vars)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Concurrency.Use(concurrency); err != nil {
				return err
			}
			logFile, err := logging.InitFile(cfg.OutputDir(config.DirLogs), debug)
			if err != nil {
				return err
			}
			defer func() { _ = logFile.Close() }()

			res, err := app.Extract(cmd.Context(), cfg, run.Request{
				Template:       template,
				UserInput:      text,
				SuggestionType: suggestionType,
				Title:          title,
				Vars:           varMap,
			})
			if err != nil {
				return err
			}
			if !res.Validity.Success {
				log.Warn().
					Str("validity_level", res.Validity.Level).
					Str("diagnostics", res.DiagnosticsPath).
					Msg("extraction failed, see diagnostics")
			}
			if pretty {
				out, err := renderSummary(res, title)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.ReportURL)
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "read the text from a file (- for stdin)")
	cmd.Flags().StringVarP(&template, "template", "t", "", "pipeline template (defaults.template when empty)")
	cmd.Flags().StringVar(&title, "title", "", "report title (defaults.report_title when empty)")
	cmd.Flags().StringVar(&suggestionType, "suggestion-type", "", "suggestion variant (defaults.suggestion_type when empty)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "extra run variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "render a summary with the suggestion instead of the bare url")
	cmd.Flags().StringVar(&concurrency, "concurrency", "", "concurrency preset: current, medium or max")
	return cmd
}

func readInput(args []string, path string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		if path != "" {
			return "", fmt.Errorf("pass the text either as arguments or with --input")
		}
		return strings.Join(args, " "), nil
	}
	var (
		data []byte
		err  error
	)
	switch path {
	case "", "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func renderSummary(res run.Result, title string) (string, error) {
	var b strings.Builder
	if title == "" {
		title = "percept run"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- **validity:** %s\n", orDash(res.Validity.Level))
	if res.Cached {
		b.WriteString("- **cached:** yes\n")
	}
	fmt.Fprintf(&b, "- **report:** %s\n", orDash(res.ReportURL))
	fmt.Fprintf(&b, "- **diagnostics:** %s\n", orDash(res.DiagnosticsPath))
	if s := readSuggestion(res.RawPath); s != "" {
		fmt.Fprintf(&b, "\n## Suggestion\n\n%s\n", s)
	}
	if errs := res.Validity.Errors(); len(errs) > 0 {
		b.WriteString("\n## Validation\n\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return "", fmt.Errorf("init renderer: %w", err)
	}
	out, err := r.Render(b.String())
	if err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return out, nil
}

func readSuggestion(rawPath string) string {
	if rawPath == "" {
		return ""
	}
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return ""
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return ""
	}
	analysis, _ := record[assemble.KeyAnalysis].(map[string]any)
	s, _ := analysis["suggestion"].(string)
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
