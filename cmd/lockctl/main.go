package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "lockctl",
	Short:         "partnerlock CLI",
	Long:          "Ask your accountability partner for temporary access, answer their requests, and manage the pairing.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(partnerCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(blocklistCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Check a token against the server and save it with the address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			cfg.Token = args[0]
			client := newClient()
			id, err := client.self()
			if err != nil {
				return err
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Logged in as %s. Config saved to %s.", id, configPath()))
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address, e.g. https://lock.example.com")
	return cmd
}

// --- request ---

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Create and answer access requests"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Ask your partner for temporary access",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			resource, _ := cmd.Flags().GetString("resource")
			duration, _ := cmd.Flags().GetInt("duration")
			result, err := newClient().post("/v1/requests", map[string]any{
				"reason":           reason,
				"resource":         resource,
				"duration_minutes": duration,
			})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}
	createCmd.Flags().String("reason", "", "Why you need access")
	createCmd.Flags().String("resource", "", "Limit the grant to one protected resource pattern")
	createCmd.Flags().Int("duration", 0, "Minutes of access to ask for (server default when 0)")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/requests/" + escape(args[0]))
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	respondCmd := &cobra.Command{
		Use:       "respond <id> approve|deny",
		Short:     "Answer a pending request",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "deny"},
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := strings.ToLower(args[1])
			if decision != "approve" && decision != "deny" {
				return fmt.Errorf("decision must be approve or deny, got %q", args[1])
			}
			result, err := newClient().post("/v1/requests/"+escape(args[0])+"/respond", map[string]any{"decision": decision})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List requests waiting for your answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/requests/pending")
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List your recent requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/requests/history")
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a request until it is final",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return newClient().watch(ctx, "/v1/requests/"+escape(args[0])+"/events", func(_ string, d map[string]any) {
				if outputFormat == "json" {
					printJSON(d)
					return
				}
				fmt.Printf("%v\t%v\n", d["id"], d["status"])
			})
		},
	}

	cmd.AddCommand(createCmd, getCmd, respondCmd, pendingCmd, historyCmd, watchCmd)
	return cmd
}

// --- access ---

// subject returns the requester named by args, or the caller.
func subject(client *Client, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return client.self()
}

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Inspect and end temporary access"}

	statusCmd := &cobra.Command{
		Use:   "status [requester]",
		Short: "Show whether access is active",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			id, err := subject(client, args)
			if err != nil {
				return err
			}
			result, err := client.get("/v1/access/" + escape(id))
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <resource> [requester]",
		Short: "Ask whether a resource is restricted right now",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			id, err := subject(client, args[1:])
			if err != nil {
				return err
			}
			result, err := client.get("/v1/access/" + escape(id) + "/check?resource=" + queryEscape(args[0]))
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke [requester]",
		Short: "End active access early",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) > 0 {
				body["requester_id"] = args[0]
			}
			result, err := newClient().post("/v1/access/revoke", body)
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [requester]",
		Short: "Follow access state changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			id, err := subject(client, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return client.watch(ctx, "/v1/access/"+escape(id)+"/events", func(_ string, d map[string]any) {
				if outputFormat == "json" {
					printJSON(d)
					return
				}
				fmt.Printf("active=%v\tgrant=%v\texpires=%v\n", d["active"], d["grant_id"], d["expires_at"])
			})
		},
	}

	cmd.AddCommand(statusCmd, checkCmd, revokeCmd, watchCmd)
	return cmd
}

// --- partner ---

func partnerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "partner", Short: "Manage your accountability partnership"}

	inviteCmd := &cobra.Command{
		Use:   "invite <email>",
		Short: "Invite someone to be your partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			result, err := newClient().post("/v1/partnerships/invite", map[string]any{
				"approver_email": args[0],
				"approver_name":  name,
			})
			if err != nil {
				return err
			}
			printData(result)
			fmt.Fprintln(os.Stderr, "Share the invite code with your partner. It is shown only once.")
			return nil
		},
	}
	inviteCmd.Flags().String("name", "", "Partner's name")

	acceptCmd := &cobra.Command{
		Use:   "accept <code>",
		Short: "Accept an invitation and become the approver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			password, _ := cmd.Flags().GetString("override-password")
			result, err := newClient().post("/v1/partnerships/accept", map[string]any{
				"code":              args[0],
				"approver_name":     name,
				"override_password": password,
			})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}
	acceptCmd.Flags().String("name", "", "Your name as the requester will see it")
	acceptCmd.Flags().String("override-password", "", "Optional password the requester can use offline")

	rejectCmd := &cobra.Command{
		Use:   "reject <code>",
		Short: "Decline an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/partnerships/reject", map[string]any{"code": args[0]})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <partnership-id>",
		Short: "End a partnership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/partnerships/"+escape(args[0])+"/revoke", nil)
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List your partnerships",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/partnerships/self")
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(inviteCmd, acceptCmd, rejectCmd, revokeCmd, showCmd)
	return cmd
}

// --- channel ---

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "channel", Short: "Choose where notifications go"}

	setCmd := &cobra.Command{
		Use:       "set redis|webhook|log <address>",
		Short:     "Register your notification channel",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"redis", "webhook", "log"},
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().put("/v1/channels/self", map[string]any{
				"kind":    args[0],
				"address": args[1],
			})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show your notification channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/channels/self")
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(setCmd, showCmd)
	return cmd
}

// --- blocklist ---

func blocklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blocklist", Short: "Manage protected resources"}

	setCmd := &cobra.Command{
		Use:   "set [pattern ...]",
		Short: "Replace your protected resource patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().put("/v1/blocklist", map[string]any{"patterns": args})
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show your protected resource patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/blocklist")
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok && outputFormat == "table" {
				if patterns, ok := d["patterns"].([]any); ok {
					for _, p := range patterns {
						fmt.Println(p)
					}
					return nil
				}
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(setCmd, getCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	createCmd := &cobra.Command{
		Use:   "create <principal-id>",
		Short: "Create a token for a principal (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("display-name")
			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetString("ttl")
			result, err := newClient().post("/v1/auth/token/create", map[string]any{
				"principal_id": args[0],
				"display_name": name,
				"admin":        admin,
				"ttl":          ttl,
			})
			if err != nil {
				return err
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("display-name", "", "Name shown to the partner")
	createCmd.Flags().Bool("admin", false, "Allow the token to mint tokens and read the audit log")
	createCmd.Flags().String("ttl", "", "Token TTL (e.g. 720h)")

	revokeCmd := &cobra.Command{
		Use:   "revoke [token]",
		Short: "Revoke a token, or the current one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) > 0 {
				body["token"] = args[0]
			}
			if _, err := newClient().post("/v1/auth/token/revoke", body); err != nil {
				return err
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/auth/token/lookup-self")
			if err != nil {
				return err
			}
			printData(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, revokeCmd, lookupCmd)
	return cmd
}
