package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/livequery"
	"github.com/arturoeanton/barnstaff/internal/screen"
)

// board is an open screen that can be redrawn on every change.
type board interface {
	Changed() <-chan struct{}
	Degraded() bool
	Err() error
	Close()
}

// show renders b once, then again after every change while follow is set,
// until ctx ends.
func show(ctx context.Context, a *app, b board, follow bool, render func()) {
	draw := func() {
		render()
		if err := b.Err(); err != nil {
			a.printer.Warn("showing partial data: %v", err)
		} else if b.Degraded() {
			a.printer.Warn("names unavailable, showing %q", livequery.Placeholder)
		}
	}
	draw()
	if !follow {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-b.Changed():
			if !ok {
				return
			}
			draw()
		}
	}
}

// withBoard opens a signed-in app and the board built by open.
func withBoard[B board](cmd *cobra.Command, g *globals, open func(context.Context, screen.Deps) (B, error), fn func(*app, B) error) error {
	a := g.open(cmd)
	defer a.close()
	if _, err := a.signedIn(cmd.Context()); err != nil {
		return err
	}
	b, err := open(cmd.Context(), a.deps())
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(a, b)
}

func followFlag(cmd *cobra.Command) bool {
	f, _ := cmd.Flags().GetBool("follow")
	return f
}

// --- chat ---

func chatCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Show the staff message board",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBoard(cmd, g, screen.OpenChat, func(a *app, c *screen.Chat) error {
				show(cmd.Context(), a, c, followFlag(cmd), func() { renderChat(a.printer, c.Messages()) })
				return nil
			})
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "keep watching for new messages")

	cmd.AddCommand(&cobra.Command{
		Use:   "send <text>",
		Short: "Post a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd, g, screen.OpenChat, func(a *app, c *screen.Chat) error {
				rec, err := c.Send(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				a.printer.Success("Sent: %s", rec.String("content"))
				return nil
			})
		},
	})
	return cmd
}

func renderChat(p *Printer, msgs []screen.Message) {
	p.Header("Chat")
	if len(msgs) == 0 {
		p.Plain("(no messages yet)")
		return
	}
	for _, m := range msgs {
		who := m.Sender
		if m.Mine {
			who += " (you)"
		}
		p.Plain("%s  %-16s %s", m.At.Local().Format("Jan 02 15:04"), who, m.Content)
	}
}

// --- tasks ---

func tasksCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Show today's tasks by shift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBoard(cmd, g, screen.OpenTaskBoard, func(a *app, b *screen.TaskBoard) error {
				staff, err := b.Staff(cmd.Context())
				if err != nil {
					a.printer.Warn("staff list unavailable: %v", err)
				}
				show(cmd.Context(), a, b, followFlag(cmd), func() { renderTasks(a.printer, b, staff) })
				return nil
			})
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "keep watching for changes")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "advance <task-id>",
			Short: "Start a pending task or finish one in progress",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBoard(cmd, g, screen.OpenTaskBoard, func(a *app, b *screen.TaskBoard) error {
					rec, err := b.Advance(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					a.printer.Success("%s: %s", rec.String("title"), a.printer.Status(rec.String("status")))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "assign <task-id> [user-id]",
			Short: "Assign a task, or clear its assignee (admin)",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBoard(cmd, g, screen.OpenTaskBoard, func(a *app, b *screen.TaskBoard) error {
					userID := ""
					if len(args) == 2 {
						userID = args[1]
					}
					rec, err := b.Reassign(cmd.Context(), args[0], userID)
					if err != nil {
						return err
					}
					if userID == "" {
						a.printer.Success("%s is unassigned", rec.String("title"))
					} else {
						a.printer.Success("%s assigned to %s", rec.String("title"), userID)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "generate",
			Short: "Create today's tasks from the templates",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withBoard(cmd, g, screen.OpenTaskBoard, func(a *app, b *screen.TaskBoard) error {
					if err := b.GenerateDaily(cmd.Context()); err != nil {
						return err
					}
					a.printer.Success("Tasks generated for %s", b.Day())
					return nil
				})
			},
		},
	)
	return cmd
}

func renderTasks(p *Printer, b *screen.TaskBoard, staff []domain.Record) {
	tasks := b.Tasks()
	p.Header("Tasks for " + b.Day())
	p.Plain("%d of %d done", facility.DoneCount(tasks), len(tasks))
	grouped := b.Grouped()
	for _, shift := range facility.Shifts {
		rows := make([][]string, 0, len(grouped[shift]))
		for _, t := range grouped[shift] {
			who := screen.AssigneeName(t, staff)
			if who == "" {
				who = "-"
			}
			rows = append(rows, []string{t.ID(), t.String("title"), p.Status(t.String("status")), who})
		}
		if len(rows) == 0 {
			continue
		}
		p.Info("%s", shift)
		p.Table([]string{"ID", "Task", "Status", "Assigned"}, rows)
	}
}

// --- map ---

func mapCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Show stalls, pastures and the horses in them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBoard(cmd, g, screen.OpenFacilityMap, func(a *app, m *screen.FacilityMap) error {
				show(cmd.Context(), a, m, followFlag(cmd), func() { renderMap(a.printer, m) })
				return nil
			})
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "keep watching for moves")

	move := &cobra.Command{
		Use:   "move <horse-id> <location-id>",
		Short: "Move a horse to a stall or pasture",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withBoard(cmd, g, screen.OpenFacilityMap, func(a *app, m *screen.FacilityMap) error {
				rec, err := m.Move(cmd.Context(), args[0], args[1], force)
				var warn *facility.PastureWarning
				if errors.As(err, &warn) {
					a.printer.Warn("%v", warn)
					a.printer.Plain("Use --force to move anyway.")
					return nil
				}
				if err != nil {
					return err
				}
				a.printer.Success("%s moved", rec.String("name"))
				return nil
			})
		},
	}
	move.Flags().Bool("force", false, "move even when the pasture is not the horse's assigned one")
	cmd.AddCommand(move)
	return cmd
}

func renderMap(p *Printer, m *screen.FacilityMap) {
	p.Header("Facility")
	rows := make([][]string, 0)
	for _, loc := range m.Locations() {
		var names []string
		for _, h := range m.Occupants(loc.ID()) {
			names = append(names, h.String("name"))
		}
		rows = append(rows, []string{loc.ID(), loc.String("name"), loc.String("type"), strings.Join(names, ", ")})
	}
	p.Table([]string{"ID", "Location", "Type", "Horses"}, rows)
}

// --- feed ---

func feedCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show the feed chart and inventory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBoard(cmd, g, screen.OpenFeedRoom, func(a *app, f *screen.FeedRoom) error {
				show(cmd.Context(), a, f, followFlag(cmd), func() { renderFeed(a.printer, f) })
				return nil
			})
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "keep watching for deliveries")

	add := &cobra.Command{
		Use:   "add <feed-name>",
		Short: "Record a feed delivery",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := facility.FeedDeliveryInput{FeedName: strings.Join(args, " ")}
			in.Quantity, _ = cmd.Flags().GetString("quantity")
			in.DeliveryDate, _ = cmd.Flags().GetString("delivered")
			in.ExpirationDate, _ = cmd.Flags().GetString("expires")
			return withBoard(cmd, g, screen.OpenFeedRoom, func(a *app, f *screen.FeedRoom) error {
				rec, err := f.AddDelivery(cmd.Context(), in)
				if err != nil {
					return err
				}
				a.printer.Success("Delivery recorded: %s", rec.String("feed_name"))
				return nil
			})
		},
	}
	add.Flags().String("quantity", "", "amount delivered, e.g. \"10 bags\"")
	add.Flags().String("delivered", "", "delivery date (YYYY-MM-DD)")
	add.Flags().String("expires", "", "expiration date (YYYY-MM-DD)")
	cmd.AddCommand(add)
	return cmd
}

func renderFeed(p *Printer, f *screen.FeedRoom) {
	p.Header("Feed chart")
	chart := make([][]string, 0)
	for _, h := range f.Chart() {
		chart = append(chart, []string{
			h.String("name"), h.String("am_grain"), h.String("pm_grain"),
			h.String("hay_type"), h.String("supplements"), h.String("meds_notes"),
		})
	}
	p.Table([]string{"Horse", "AM grain", "PM grain", "Hay", "Supplements", "Meds"}, chart)

	p.Header("Inventory")
	stock := make([][]string, 0)
	for _, item := range f.Inventory() {
		stock = append(stock, []string{
			item.Record.String("feed_name"), item.Record.String("quantity"),
			item.Record.String("expiration_date"),
			p.Freshness(string(item.Expiration.Freshness), item.Expiration.Label()),
		})
	}
	p.Table([]string{"Feed", "Quantity", "Expires", "Status"}, stock)
}
