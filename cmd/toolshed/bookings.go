package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/toolshed/toolshed/pkg/bookings"
	"github.com/toolshed/toolshed/pkg/models"
)

func init() {
	bookingsListCmd.Flags().String("view", "", "owner or borrower")
	bookingsRequestCmd.Flags().String("from", "", "start, e.g. 2026-05-01T09:00 (local time)")
	bookingsRequestCmd.Flags().String("to", "", "end, e.g. 2026-05-03T18:00 (local time)")

	bookingsCmd.AddCommand(bookingsListCmd, bookingsStatusCmd, bookingsRequestCmd)
	rootCmd.AddCommand(bookingsCmd)
}

var bookingsCmd = &cobra.Command{
	Use:   "bookings",
	Short: "List, request and manage bookings",
}

// loadRelay restores the session and loads the booking list over REST.
func loadRelay(cmd *cobra.Command) (*bookings.Relay, string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	sess, client := restClient(cfg)
	actor := sess.Restore()
	if actor == nil {
		return nil, "", fmt.Errorf("not logged in; run `toolshed login` first")
	}
	relay := bookings.NewRelay(nil, client, cfg.Bookings.RequestCap)
	if err := relay.Load(cmd.Context()); err != nil {
		return nil, "", errors.New(models.Reason(err))
	}
	return relay, actor.ID, nil
}

var bookingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show bookings, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		relay, actor, err := loadRelay(cmd)
		if err != nil {
			return err
		}
		view, _ := cmd.Flags().GetString("view")
		var list []*models.Booking
		switch view {
		case "owner":
			list = relay.AsOwner(actor)
		case "borrower":
			list = relay.AsBorrower(actor)
		case "":
			list = relay.List()
		default:
			return fmt.Errorf("unknown view %q", view)
		}
		printBookings(list, actor)
		return nil
	},
}

func printBookings(list []*models.Booking, actor string) {
	if len(list) == 0 {
		fmt.Println("No bookings")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOOL\tROLE\tSTATUS\tSTARTS\tDAYS")
	for _, b := range list {
		role := "borrower"
		if b.Owner.ID == actor {
			role = "owner"
		}
		days := b.EndDate.Sub(b.StartDate).Hours() / 24
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Tool.Name, role, b.Status, humanize.Time(b.StartDate), humanize.FtoaWithDigits(days, 1))
	}
	_ = w.Flush()
}

var bookingsStatusCmd = &cobra.Command{
	Use:   "status <booking-id> <pending|approved|declined|completed>",
	Short: "Change a booking's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		relay, _, err := loadRelay(cmd)
		if err != nil {
			return err
		}
		b, err := relay.UpdateStatus(cmd.Context(), args[0], models.BookingStatus(args[1]))
		if err != nil {
			return errors.New(models.Reason(err))
		}
		fmt.Printf("%s is now %s\n", b.ID, b.Status)
		return nil
	},
}

const inputLayout = "2006-01-02T15:04"

func parseWhen(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(inputLayout, v, time.Local)
}

var bookingsRequestCmd = &cobra.Command{
	Use:   "request <tool-id> --from <start> --to <end>",
	Short: "Ask to borrow a tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		if from == "" || to == "" {
			return errors.New("Please select both a start and end date.")
		}
		start, err := parseWhen(from)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		end, err := parseWhen(to)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sess, client := restClient(cfg)
		actor := sess.Restore()
		if actor == nil {
			return fmt.Errorf("not logged in; run `toolshed login` first")
		}
		tool, err := client.GetTool(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		relay := bookings.NewRelay(nil, client, cfg.Bookings.RequestCap)
		if err := relay.Load(cmd.Context()); err != nil {
			return errors.New(models.Reason(err))
		}
		if el := relay.CanRequest(tool, actor.ID); !el.Allowed {
			return errors.New(el.Reason)
		}

		b, err := relay.RequestBooking(cmd.Context(), tool.ID, start, end)
		if err != nil {
			return errors.New(models.Reason(err))
		}
		fmt.Printf("Booking request sent successfully! (%s, %s)\n", b.ID, b.Status)
		return nil
	},
}
