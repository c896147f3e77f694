package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	xrtsdk "xrt/sdk/go"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}
	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionShowCmd())
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	var userID, rawContext string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			sessionContext, err := parseObject("context", rawContext)
			if err != nil {
				return err
			}
			s, err := c.CreateSession(cmd.Context(), userID, sessionContext)
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&rawContext, "context", "", "session context as JSON object")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			s, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
}

func intentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "intent", Short: "Submit intents"}
	cmd.AddCommand(intentSubmitCmd())
	return cmd
}

func intentSubmitCmd() *cobra.Command {
	var sessionID, intentType, rawPayload, rawContext string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			payload, err := parseObject("payload", rawPayload)
			if err != nil {
				return err
			}
			intentContext, err := parseObject("context", rawContext)
			if err != nil {
				return err
			}
			var body any
			if payload != nil {
				body = payload
			}
			sub, err := c.SubmitIntent(cmd.Context(), sessionID, intentType, body, intentContext)
			if err != nil {
				return err
			}
			if wait <= 0 || sub.Status != "accepted" {
				return printJSON(sub)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			exec, err := c.WaitTerminal(ctx, sub.ExecutionID, 250*time.Millisecond)
			if err != nil {
				return err
			}
			return printJSON(exec)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&intentType, "type", "", "intent type")
	cmd.Flags().StringVar(&rawPayload, "payload", "", "payload as JSON object")
	cmd.Flags().StringVar(&rawContext, "context", "", "context merged into the session")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for async executions to finish")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func executionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "execution", Short: "Inspect and control executions"}
	cmd.AddCommand(executionStatusCmd())
	cmd.AddCommand(executionCancelCmd())
	cmd.AddCommand(executionResumeCmd())
	return cmd
}

func executionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			exec, err := c.ExecutionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(exec)
			}
			printExecution(exec)
			return nil
		},
	}
}

func printExecution(exec xrtsdk.Execution) {
	fmt.Printf("%s  %s  %s\n", exec.ExecutionID, exec.CapabilityName, exec.State)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Status", "Compensable", "Error", "Anomaly"})
	for _, s := range exec.Steps {
		errMsg := ""
		if s.Error != nil {
			errMsg = s.Error.Kind + ": " + s.Error.Message
		}
		tw.AppendRow(table.Row{s.Name, s.Status, s.Compensable, errMsg, s.Anomaly})
	}
	tw.Render()
	for _, a := range exec.Anomalies {
		fmt.Println("anomaly:", a)
	}
}

func executionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			exec, err := c.CancelExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(exec)
		},
	}
}

func executionResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume an interrupted execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			sub, err := c.ResumeExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(sub)
		},
	}
}

func capabilityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "capability", Short: "Inspect capabilities"}
	cmd.AddCommand(capabilityListCmd())
	return cmd
}

func capabilityListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := xrtsdk.New(viper.GetString("server"), viper.GetString("tenant"))
			c.BearerToken = viper.GetString("token")
			caps, err := c.Capabilities(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(caps)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Intent", "Owner", "Mode", "Deterministic", "Steps"})
			for _, cp := range caps {
				steps := make([]string, 0, len(cp.Steps))
				for _, s := range cp.Steps {
					name := s.Name
					if s.Compensable {
						name += "*"
					}
					steps = append(steps, name)
				}
				tw.AppendRow(table.Row{cp.IntentType, cp.OwningComponent, cp.Mode, cp.Deterministic, fmt.Sprint(steps)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning component filter")
	return cmd
}
