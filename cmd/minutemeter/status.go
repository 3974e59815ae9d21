package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/minutemeter/internal/config"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/goodtune/minutemeter/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	statusSessions int
)

var statusCmd = &cobra.Command{
	Use:   "status [flags] USER_ID",
	Short: "Show a user's stored usage",
	Long: `Show the persisted usage state for a user, along with archived periods and
recent sessions from the reporting store. The running service is not contacted,
so the figures are as of the user's last persisted change.`,
	Example: `  minutemeter -c config.yaml status user-42
  minutemeter status --sessions 20 user-42`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusSessions, "sessions", 5, "Number of recent sessions to show (0 for none)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for one-shot commands
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := store.State().LoadState(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("user %s has not been initialized", userID)
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	state, err := usage.FromRecord(*rec)
	if err != nil {
		return err
	}
	printStatus(state.Status(time.Now()), rec)

	reports, closeReports, err := openReporting(cfg.Reporting, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reporting: %w", err)
	}
	defer closeReports()
	if reports == nil {
		return nil
	}

	periods, err := reports.ListPeriods(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list periods: %w", err)
	}
	printPeriods(periods)

	if statusSessions > 0 {
		sessions, err := reports.ListSessions(ctx, userID, statusSessions)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		printSessions(sessions)
	}

	return nil
}

func printStatus(st usage.Status, rec *storage.UsageRecord) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Printf("\n[%s]\n", st.UserID)
	fmt.Printf("  plan              = %s (%d minutes)\n", st.Plan, st.MinutesLimit)
	fmt.Printf("  period            = %s .. %s\n", st.PeriodStart, st.PeriodEnd)

	usageColor := green
	switch {
	case st.MinutesRemaining <= 0:
		usageColor = red
	case st.PercentUsed >= 80:
		usageColor = yellow
	}
	_, _ = usageColor.Printf("  minutes used      = %d (%d%%), %d remaining\n", st.MinutesUsed, st.PercentUsed, st.MinutesRemaining)

	if st.HasActiveSession {
		_, _ = yellow.Printf("  active session    = %s (%d minutes, last heartbeat %s)\n",
			st.ActiveSessionID, st.ActiveSessionMinutes, rec.ActiveSession.LastHeartbeatAt.Format(time.RFC3339))
	} else {
		fmt.Println("  active session    = none")
	}
	fmt.Printf("  version           = %d (updated %s)\n", st.Version, rec.UpdatedAt.Format(time.RFC3339))
}

func printPeriods(periods []storage.PeriodRecord) {
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[periods]")
	if len(periods) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, p := range periods {
		state := "open"
		if p.Archived {
			state = "archived"
		}
		fmt.Printf("  %s  %-5s %4d / %-4d %s\n", p.PeriodStart, p.Plan, p.MinutesUsed, p.MinutesLimit, state)
	}
}

func printSessions(sessions []storage.SessionRecord) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)

	_, _ = cyan.Println("\n[recent sessions]")
	if len(sessions) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, s := range sessions {
		line := fmt.Sprintf("  %s  %3d min  %-13s %s", s.EndedAt.Format(time.RFC3339), s.MinutesUsed, s.EndReason, s.Topic)
		if s.EndReason == storage.EndReasonStale || s.EndReason == storage.EndReasonError {
			_, _ = red.Println(line)
			continue
		}
		fmt.Println(line)
	}
}
