package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/soyeahso/calldesk/internal/call"
	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/notify"
	"github.com/soyeahso/calldesk/internal/store"
)

func newCallsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calls",
		Aliases: []string{"call"},
		Short:   "Inspect and simulate calls",
	}

	cmd.AddCommand(newCallsListCmd())
	cmd.AddCommand(newCallsShowCmd())
	cmd.AddCommand(newCallsStatsCmd())
	cmd.AddCommand(newCallsStatusCmd())
	cmd.AddCommand(newCallsSimulateCmd())
	return cmd
}

func newCallsListCmd() *cobra.Command {
	var (
		business string
		state    string
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.SessionFilter{BusinessID: business, Limit: limit}
			if state != "" {
				st, ok := domain.ParseCallState(strings.ToUpper(state))
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				filter.State = st
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			return withStores(func(ctx context.Context, _ config.Config, st *stores) error {
				sessions, err := st.calls.ListSessions(ctx, filter)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("No calls.")
					return nil
				}
				for _, s := range sessions {
					flag := ""
					if s.Emergency {
						flag = " EMERGENCY"
					}
					fmt.Printf("  %-36s %-16s %-14s %-15s turns=%-3d %s%s\n",
						s.CallID, s.BusinessID, s.CallerAddress, s.State, s.TurnCount,
						s.StartedAt.Local().Format("2006-01-02 15:04"), flag)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&business, "business", "", "only calls for this business ID")
	cmd.Flags().StringVar(&state, "state", "", "only calls in this state (e.g. completed, escalated)")
	cmd.Flags().DurationVar(&since, "since", 0, "only calls started within this window (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of calls")
	return cmd
}

func newCallsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <call-id>",
		Short: "Show a call's transcript and extracted transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, _ config.Config, st *stores) error {
				return printCall(ctx, os.Stdout, st, args[0])
			})
		},
	}
}

func printCall(ctx context.Context, w io.Writer, st *stores, callID string) error {
	sess, err := st.calls.GetSession(ctx, callID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("call not found: %s", callID)
	}
	if err != nil {
		return err
	}
	turns, err := st.calls.ListTurns(ctx, callID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Call:     %s\n", sess.CallID)
	fmt.Fprintf(w, "Business: %s\n", sess.BusinessID)
	fmt.Fprintf(w, "Caller:   %s\n", sess.CallerAddress)
	fmt.Fprintf(w, "State:    %s", sess.State)
	if sess.Emergency {
		fmt.Fprint(w, " (emergency)")
	}
	fmt.Fprintln(w)
	if sess.DurationSeconds > 0 {
		fmt.Fprintf(w, "Duration: %s\n", time.Duration(sess.DurationSeconds)*time.Second)
	}

	tx, err := st.calls.GetTransaction(ctx, callID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		fmt.Fprintln(w, "\nTranscript:")
		for _, t := range turns {
			if !t.Silent() {
				fmt.Fprintf(w, "  Caller:    %s\n", t.UserInput)
			}
			fmt.Fprintf(w, "  Assistant: %s\n", t.AssistantResponse)
		}
		return nil
	case err != nil:
		return err
	}

	biz, err := st.businesses.Get(ctx, sess.BusinessID)
	if err != nil {
		biz = &domain.BusinessContext{BusinessID: sess.BusinessID, Name: sess.BusinessID}
	}
	if tx.DispatchedAt != nil {
		fmt.Fprintf(w, "Notified: %s\n", tx.DispatchedAt.Local().Format(time.RFC3339))
	}
	if tx.Status != "" {
		fmt.Fprintf(w, "Order:    %s\n", tx.Status)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, notify.FormatSummary(biz, tx, turns))
	return nil
}

func newCallsStatsCmd() *cobra.Command {
	var (
		business string
		since    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise calls and orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.SessionFilter{BusinessID: business}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withStores(func(ctx context.Context, _ config.Config, st *stores) error {
				stats, err := store.CollectStats(ctx, st.calls, filter, nil, time.Now())
				if err != nil {
					return err
				}
				printStats(os.Stdout, stats)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&business, "business", "", "only calls for this business ID")
	cmd.Flags().DurationVar(&since, "since", 0, "only calls started within this window (e.g. 168h)")
	return cmd
}

func printStats(w io.Writer, st *store.Stats) {
	fmt.Fprintf(w, "Calls:       %d (today %d, last 7 days %d)\n", st.TotalCalls, st.CallsToday, st.CallsThisWeek)
	fmt.Fprintf(w, "Emergencies: %d\n", st.Emergencies)
	fmt.Fprintf(w, "Avg length:  %s\n", time.Duration(st.AvgDurationSeconds)*time.Second)
	if len(st.ByState) > 0 {
		fmt.Fprintln(w, "By state:")
		for _, state := range []domain.CallState{
			domain.StateStarted, domain.StateAwaitingInput, domain.StateProcessing,
			domain.StateCompleted, domain.StateEscalated, domain.StateAbandoned,
		} {
			if n := st.ByState[state]; n > 0 {
				fmt.Fprintf(w, "  %-15s %d\n", state, n)
			}
		}
	}
	fmt.Fprintf(w, "Orders:      %d (%d complete)\n", st.Orders, st.CompleteOrders)
	for _, status := range domain.OrderStatuses {
		if n := st.OrdersByStatus[status]; n > 0 {
			fmt.Fprintf(w, "  %-15s %d\n", status, n)
		}
	}
	kinds := make([]string, 0, len(st.OrdersByType))
	for kind := range st.OrdersByType {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %-15s %d\n", kind, st.OrdersByType[kind])
	}
}

func newCallsStatusCmd() *cobra.Command {
	names := make([]string, len(domain.OrderStatuses))
	for i, s := range domain.OrderStatuses {
		names[i] = string(s)
	}
	return &cobra.Command{
		Use:   "status <call-id> <status>",
		Short: "Set the order status of a call (" + strings.Join(names, ", ") + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := domain.ParseOrderStatus(args[1])
			if !ok {
				return fmt.Errorf("unknown order status %q (want one of %s)", args[1], strings.Join(names, ", "))
			}
			return withStores(func(ctx context.Context, _ config.Config, st *stores) error {
				err := st.calls.SetOrderStatus(ctx, args[0], status)
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("no order recorded for call %s", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", args[0], status)
				return nil
			})
		},
	}
}

func newCallsSimulateCmd() *cobra.Command {
	var (
		to      string
		from    string
		persist bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Talk to a business from the terminal, one line per utterance",
		Long: "Runs a call through the full pipeline without a phone. Each input line is " +
			"one caller utterance; an empty line is silence. The call ends when the " +
			"assistant hangs up or input ends.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, !persist)
			if err != nil {
				return err
			}
			defer rt.Close()

			if to == "" {
				list, err := rt.businesses.List(ctx)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					return fmt.Errorf("no businesses configured")
				}
				to = list[0].PhoneNumber
			}

			callID := "SIM" + strings.ReplaceAll(uuid.New().String(), "-", "")
			return simulate(ctx, rt, callID, from, to, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "dialled number (default: first business)")
	cmd.Flags().StringVar(&from, "from", "+15555550123", "caller number")
	cmd.Flags().BoolVar(&persist, "persist", false, "record the call in the configured store")
	return cmd
}

// simulate drives the controller the way the voice webhooks would and
// prints the outcome once finalization is done.
func simulate(ctx context.Context, rt *runtime, callID, from, to string, in io.Reader, out io.Writer) error {
	started := time.Now()
	reply, err := rt.controller.Begin(ctx, call.BeginRequest{CallID: callID, From: from, To: to})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "assistant> %s\n", reply.Text)

	scanner := bufio.NewScanner(in)
	for !reply.Hangup {
		fmt.Fprint(out, "caller> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}
		reply, err = rt.controller.Utterance(ctx, call.UtteranceRequest{
			CallID:       callID,
			SpeechResult: strings.TrimSpace(scanner.Text()),
			Confidence:   1,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "assistant> %s\n", reply.Text)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if err := rt.controller.End(ctx, call.EndRequest{
		CallID:          callID,
		DurationSeconds: int(time.Since(started).Seconds()),
		Status:          "completed",
	}); err != nil {
		return err
	}
	rt.controller.Wait()

	fmt.Fprintln(out)
	return printCall(ctx, out, rt.stores, callID)
}
