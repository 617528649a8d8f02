package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/internal/diagram"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/graph"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- validate ---

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Validate a graph definition file without a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := graph.LoadFile(args[0])
			if err != nil {
				return err
			}
			res, err := validateLocal(def)
			if err != nil {
				return err
			}
			printIssues(cmd.OutOrStdout(), res)
			if !res.Valid() {
				return fmt.Errorf("%s: %d error(s)", args[0], len(res.Errors))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: graph %q is valid\n", args[0], def.ID)
			return nil
		},
	}
}

func validateLocal(def *schema.GraphDefinition) (*schema.ValidationResult, error) {
	preds, err := expressions.NewPredicates()
	if err != nil {
		return nil, err
	}
	v, err := validation.NewGraphValidator(preds, expressions.NewGoJQEngine())
	if err != nil {
		return nil, err
	}
	return v.Validate(def), nil
}

func printIssues(w io.Writer, res *schema.ValidationResult) {
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error   %s [%s] %s\n", e.Path, e.Code, e.Message)
	}
	for _, e := range res.Warnings {
		fmt.Fprintf(w, "warning %s [%s] %s\n", e.Path, e.Code, e.Message)
	}
}

// --- graph ---

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage graph definitions on a running server",
	}

	save := &cobra.Command{
		Use:   "save <graph-file>",
		Short: "Validate and save a graph file as the next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := graph.LoadFile(args[0])
			if err != nil {
				return err
			}
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			data, status, err := c.do(cmd.Context(), http.MethodPost, "/api/graphs", def, http.StatusUnprocessableEntity)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), data); err != nil {
				return err
			}
			if status == http.StatusUnprocessableEntity {
				return fmt.Errorf("graph %q rejected", def.ID)
			}
			return nil
		},
	}

	var graphVersion int
	get := &cobra.Command{
		Use:   "get <graph-id>",
		Short: "Show the latest (or --version) definition of a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			path := "/api/graphs/" + escape(args[0])
			if graphVersion > 0 {
				path += "?version=" + strconv.Itoa(graphVersion)
			}
			data, _, err := c.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	get.Flags().IntVar(&graphVersion, "version", 0, "graph version (default latest)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved graphs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			data, _, err := c.do(cmd.Context(), http.MethodGet, "/api/graphs", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	diag := &cobra.Command{
		Use:   "diagram <graph-file>",
		Short: "Render a graph file as a Mermaid flowchart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := graph.LoadFile(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, nil)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			return err
		},
	}

	cmd.AddCommand(save, get, list, diag)
	return cmd
}

// --- start ---

func newStartCmd() *cobra.Command {
	var (
		vars     []string
		varsFile string
	)
	cmd := &cobra.Command{
		Use:   "start <graph-id>",
		Short: "Start an instance of the latest version of a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := buildSeed(varsFile, vars)
			if err != nil {
				return err
			}
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			body := map[string]any{"variables": seed}
			data, _, err := c.do(cmd.Context(), http.MethodPost, "/api/graphs/"+escape(args[0])+"/instances", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "seed variable key=value; JSON values are decoded (repeatable)")
	cmd.Flags().StringVar(&varsFile, "vars-file", "", "JSON or YAML file of seed variables")
	return cmd
}

// buildSeed merges a variables file with --var pairs; pairs win.
func buildSeed(file string, pairs []string) (map[string]any, error) {
	seed := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read vars file: %w", err)
		}
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parse vars file: %w", err)
		}
	}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", p)
		}
		seed[key] = parseValue(raw)
	}
	return seed, nil
}

// parseValue decodes raw as JSON when it is valid JSON, otherwise keeps the
// string: --var count=3 is a number, --var name=ada is a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// --- deliver ---

func newDeliverCmd() *cobra.Command {
	var (
		eventID string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "deliver <wait-token>",
		Short: "Deliver an external event to the instance waiting on a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"event_id": eventID}
			if payload != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
				body["payload"] = p
			}
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			data, _, err := c.do(cmd.Context(), http.MethodPost, "/api/events/"+escape(args[0]), body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&eventID, "event-id", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	return cmd
}

// --- inspect ---

func newInspectCmd() *cobra.Command {
	var events, diagramOut bool
	cmd := &cobra.Command{
		Use:   "inspect <instance-id>",
		Short: "Show an instance with its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			path := "/api/instances/" + escape(args[0])
			switch {
			case diagramOut:
				path += "/diagram"
			case events:
				path += "/events"
			}
			data, _, err := c.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if diagramOut {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "show the audit log instead of the instance")
	cmd.Flags().BoolVar(&diagramOut, "diagram", false, "show a Mermaid flowchart of the instance's progress")
	return cmd
}

// --- cancel ---

func newCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an instance at its next node boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags()
			if err != nil {
				return err
			}
			body := map[string]any{"reason": reason}
			data, _, err := c.do(cmd.Context(), http.MethodPost, "/api/instances/"+escape(args[0])+"/cancel", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "reason recorded on the failure")
	return cmd
}

// --- reload ---

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to re-read its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := signalRunningServer(syscall.SIGHUP)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signaled running server (PID %d) to reload configuration\n", pid)
			return nil
		},
	}
}

// signalRunningServer sends sig to the server named in the pid file.
func signalRunningServer(sig syscall.Signal) (int, error) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, fmt.Errorf("no running server: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file %s: %w", pidPath(), err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	// Signal 0 checks the process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("server (PID %d) is not running: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, err
	}
	return pid, nil
}
