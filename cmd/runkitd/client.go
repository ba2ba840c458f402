package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Letdown2491/runkit/internal/client"
	"github.com/Letdown2491/runkit/internal/daemon"
	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/infra"
)

const systemSocket = "/run/runkit/runkitd.sock"

var (
	listWithStatus bool
	logLines       int
	followActivity bool
	outputJSON     bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known services",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <service>",
	Short: "Show the live status of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var describeCmd = &cobra.Command{
	Use:   "describe <service>",
	Short: "Show a service's description and enablement",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

var activityCmd = &cobra.Command{
	Use:   "activity [service]",
	Short: "Show recent activity for a service, or follow all activity",
	Long: `With a service name, prints its retained activity, oldest first.
With --follow, streams new events as they are recorded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runActivity,
}

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show the tail of a service's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rescan the service definitions directory",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change the authorization policy",
}

var policyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the authorization mode",
	Args:  cobra.NoArgs,
	RunE:  runPolicyGet,
}

var policySetCmd = &cobra.Command{
	Use:   "set <require_password|cached_while_session_open>",
	Short: "Change the authorization mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicySet,
}

func addClientCommands(root *cobra.Command) {
	listCmd.Flags().BoolVar(&listWithStatus, "status", false, "Include live status")
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "Number of lines to show")
	activityCmd.Flags().BoolVarP(&followActivity, "follow", "f", false, "Stream new events")
	root.PersistentFlags().BoolVar(&outputJSON, "output-json", false, "Print raw JSON")

	root.AddCommand(listCmd, statusCmd, describeCmd, activityCmd, logsCmd, refreshCmd, policyCmd)
	policyCmd.AddCommand(policyGetCmd, policySetCmd)

	for _, action := range domain.AllActions {
		root.AddCommand(actionCommand(action))
	}
}

func actionCommand(action domain.ActionKind) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <service>",
		Short: actionSummary(action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				res, err := c.Perform(ctx, args[0], action)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				if res.Status != nil {
					fmt.Printf("%s: %s\n", res.Service, formatStatus(*res.Status))
				}
				return nil
			})
		},
	}
}

func actionSummary(action domain.ActionKind) string {
	switch action {
	case domain.ActionStart:
		return "Start a service"
	case domain.ActionStop:
		return "Stop a service"
	case domain.ActionRestart:
		return "Restart a service"
	case domain.ActionReload:
		return "Send a service its reload signal"
	case domain.ActionEnable:
		return "Enable a service at boot"
	case domain.ActionDisable:
		return "Disable a service at boot"
	case domain.ActionCheck:
		return "Check a service's status with sv check"
	case domain.ActionOnce:
		return "Start a service without restarting it on exit"
	}
	return string(action)
}

func runList(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		services, err := c.List(ctx, listWithStatus)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(services)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer tw.Flush()
		for _, s := range services {
			enabled := "disabled"
			if s.Enabled {
				enabled = "enabled"
			}
			state := ""
			if s.Status != nil {
				state = formatStatus(*s.Status)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, enabled, state, s.Description)
		}
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		st, err := c.Status(ctx, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(st)
		}
		fmt.Printf("%s: %s\n", st.Service, formatStatus(st))
		return nil
	})
}

func runDescribe(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		d, err := c.Describe(ctx, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(d)
		}
		fmt.Printf("Name:        %s\n", d.Name)
		fmt.Printf("Enabled:     %t\n", d.Enabled)
		fmt.Printf("Description: %s\n", d.Description)
		return nil
	})
}

func runActivity(cmd *cobra.Command, args []string) error {
	service := ""
	if len(args) == 1 {
		service = args[0]
	}
	if service == "" && !followActivity {
		return errors.New("a service name is required unless --follow is set")
	}
	return withClient(func(ctx context.Context, c *client.Client) error {
		if service != "" {
			events, err := c.Activity(ctx, service)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := printEvent(ev); err != nil {
					return err
				}
			}
		}
		if !followActivity {
			return nil
		}
		stream, err := c.Stream(ctx, service)
		if err != nil {
			return err
		}
		for ev := range stream {
			if err := printEvent(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		lines, err := c.Logs(ctx, args[0], logLines)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(lines)
		}
		for _, l := range lines {
			if l.Timestamp != nil {
				fmt.Printf("%s %s\n", l.Timestamp.Local().Format(time.DateTime), l.Text)
			} else {
				fmt.Println(l.Text)
			}
		}
		return nil
	})
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		services, err := c.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d services known\n", len(services))
		return nil
	})
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		p, err := c.GetPolicy(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(p)
		}
		fmt.Println(p.Mode)
		return nil
	})
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	mode := domain.AuthMode(args[0])
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", args[0])
	}
	return withClient(func(ctx context.Context, c *client.Client) error {
		if err := c.SetPolicy(ctx, mode); err != nil {
			return err
		}
		fmt.Printf("authorization mode set to %s\n", mode)
		return nil
	})
}

// withClient runs fn with a client that lives for the whole command, so
// cached authorization lasts across the command's requests.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(resolveSocket(), 0)
	defer c.Close()
	return fn(ctx, c)
}

// resolveSocket picks the --socket flag, then the config file, then the
// system socket when present, then the per-user socket.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if cfg, err := daemon.ParseConfig(data); err == nil {
			return cfg.SocketPath
		}
	}
	if _, err := os.Stat(systemSocket); err == nil {
		return systemSocket
	}
	return infra.DetectExecMode().SocketPath
}

func formatStatus(st domain.ServiceStatus) string {
	var b strings.Builder
	b.WriteString(string(st.State))
	if st.HasPID() {
		fmt.Fprintf(&b, " (pid %d)", st.PID)
	}
	if st.Uptime > 0 {
		fmt.Fprintf(&b, " %s", st.Uptime.Round(time.Second))
	}
	if st.ExitCode != 0 {
		fmt.Fprintf(&b, " exit %d", st.ExitCode)
	}
	if st.NormallyUp {
		b.WriteString(" normally up")
	}
	return b.String()
}

func printEvent(ev domain.ActivityEvent) error {
	if outputJSON {
		return printJSON(ev)
	}
	ts := ev.Timestamp.Local().Format(time.DateTime)
	switch ev.Type {
	case domain.EventUserAction:
		fmt.Printf("%s  %-16s %s %s: %s\n", ts, ev.Service, ev.Action, ev.Outcome, ev.Message)
	default:
		fmt.Printf("%s  %-16s %s\n", ts, ev.Service, ev.Message)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps a failure to a process exit status.
func exitCode(err error) int {
	fmt.Fprintln(os.Stderr, "Error:", err)
	var de *domain.Error
	if !errors.As(err, &de) {
		return 1
	}
	switch de.Kind {
	case domain.KindValidation:
		return 2
	case domain.KindNotAuthorized:
		return 3
	case domain.KindExecutionFailed, domain.KindTimeout:
		return 4
	}
	return 1
}
