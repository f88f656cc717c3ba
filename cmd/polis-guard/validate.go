package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/firewall"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check values or a synthetic request against the configuration",
	}
	cmd.AddCommand(newValidateInputCmd(opts), newValidateRequestCmd(opts))
	return cmd
}

func newValidateInputCmd(opts *rootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "input TYPE VALUE",
		Short: "Canonicalize VALUE and validate it against TYPE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			g, err := buildGuard(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}

			canon, err := g.validator.GetValidInputContext(cmd.Context(), name, args[0], args[1])
			if err != nil {
				return fmt.Errorf("invalid (%s/%s): %w", domain.KindOf(err), domain.ReasonOf(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), canon)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "input", "Field name used in log lines")
	return cmd
}

// requestFlags collects the parts of a synthetic request.
type requestFlags struct {
	Params  []string
	Cookies []string
	Headers []string
	Remote  string
}

func (f requestFlags) build() (*domain.StaticRequest, error) {
	req := &domain.StaticRequest{
		Params:  map[string][]string{},
		Headers: map[string][]string{},
		Remote:  f.Remote,
	}
	for _, kv := range f.Params {
		k, v, err := splitPair(kv, "=")
		if err != nil {
			return nil, fmt.Errorf("--param: %w", err)
		}
		req.Params[k] = append(req.Params[k], v)
	}
	for _, kv := range f.Cookies {
		k, v, err := splitPair(kv, "=")
		if err != nil {
			return nil, fmt.Errorf("--cookie: %w", err)
		}
		req.Cookie = append(req.Cookie, domain.Cookie{Name: k, Value: v})
	}
	for _, kv := range f.Headers {
		k, v, err := splitPair(kv, ":")
		if err != nil {
			return nil, fmt.Errorf("--header: %w", err)
		}
		req.Headers[k] = append(req.Headers[k], strings.TrimSpace(v))
	}
	return req, nil
}

func splitPair(s, sep string) (string, string, error) {
	k, v, ok := strings.Cut(s, sep)
	if !ok || k == "" {
		return "", "", fmt.Errorf("expected name%svalue, got %q", sep, s)
	}
	return k, v, nil
}

// verdictReport is the JSON printed by "validate request".
type verdictReport struct {
	Allowed    bool              `json:"allowed"`
	Action     string            `json:"action"`
	DecidedBy  string            `json:"decided_by,omitempty"`
	Status     int               `json:"status,omitempty"`
	Target     string            `json:"target,omitempty"`
	Failures   []ruleReport      `json:"failures,omitempty"`
	Suppressed []ruleReport      `json:"suppressed,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type ruleReport struct {
	RuleID   string `json:"rule_id"`
	RuleType string `json:"rule_type"`
	Action   string `json:"action"`
	Message  string `json:"message,omitempty"`
}

func newReport(v firewall.Verdict, headers map[string]string) verdictReport {
	report := verdictReport{
		Allowed: v.Allowed(),
		Action:  string(v.Final.Kind),
	}
	if !v.Allowed() {
		report.DecidedBy = v.Final.RuleID
		report.Status = v.Final.StatusCode()
		report.Target = v.Final.Target
	}
	for _, a := range v.Failures() {
		report.Failures = append(report.Failures, ruleReport{RuleID: a.RuleID, RuleType: a.RuleType, Action: string(a.Kind), Message: a.Message})
	}
	for _, a := range v.Suppressed() {
		report.Suppressed = append(report.Suppressed, ruleReport{RuleID: a.RuleID, RuleType: a.RuleType, Action: string(a.Kind), Message: a.Message})
	}
	if len(headers) > 0 {
		report.Headers = headers
	}
	return report
}

func newValidateRequestCmd(opts *rootOptions) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Run the configured pipeline against a synthetic request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.build()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			g, err := buildGuard(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}

			resp := &domain.HeaderRecorder{}
			verdict := g.pipeline.Evaluate(cmd.Context(), req, resp)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(newReport(verdict, resp.Headers))
		},
	}
	cmd.Flags().StringArrayVarP(&flags.Params, "param", "p", nil, "Request parameter name=value (repeatable)")
	cmd.Flags().StringArrayVar(&flags.Cookies, "cookie", nil, "Cookie name=value (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.Headers, "header", "H", nil, "Header \"Name: value\" (repeatable)")
	cmd.Flags().StringVar(&flags.Remote, "remote", "127.0.0.1", "Client address used in audit lines")
	return cmd
}
