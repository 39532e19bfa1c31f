package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/screen"
)

func adminCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage staff roles and barn reference data (admin only)",
	}

	// adminRun opens a signed-in app and the admin screen, which refuses staff.
	adminRun := func(fn func(cmd *cobra.Command, args []string, a *app, adm *screen.Admin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a := g.open(cmd)
			defer a.close()
			if _, err := a.signedIn(cmd.Context()); err != nil {
				return err
			}
			adm, err := screen.NewAdmin(a.deps())
			if err != nil {
				return err
			}
			return fn(cmd, args, a, adm)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List users, locations, horses, templates and the schedule",
			RunE: adminRun(func(cmd *cobra.Command, _ []string, a *app, adm *screen.Admin) error {
				snap, err := adm.Load(cmd.Context())
				if err != nil {
					return err
				}
				p := a.printer

				p.Header("Users")
				rows := make([][]string, 0, len(snap.Users))
				for _, u := range snap.Users {
					rows = append(rows, []string{u.ID(), u.String("email"), u.String("display_name"), u.String("role")})
				}
				p.Table([]string{"ID", "Email", "Name", "Role"}, rows)

				p.Header("Locations")
				rows = nil
				for _, l := range snap.Locations {
					rows = append(rows, []string{l.ID(), l.String("name"), l.String("type"), l.String("grid_row") + "," + l.String("grid_col")})
				}
				p.Table([]string{"ID", "Name", "Type", "Grid"}, rows)

				p.Header("Horses")
				rows = nil
				for _, h := range snap.Horses {
					rows = append(rows, []string{h.ID(), h.String("name"), h.String("owner_info")})
				}
				p.Table([]string{"ID", "Name", "Owner"}, rows)

				p.Header("Task templates")
				rows = nil
				for _, t := range snap.Templates {
					rows = append(rows, []string{t.ID(), t.String("shift"), t.String("title")})
				}
				p.Table([]string{"ID", "Shift", "Title"}, rows)

				p.Header("Weekly schedule")
				rows = nil
				for _, s := range snap.Schedule {
					rows = append(rows, []string{s.ID(), weekday(s.String("day_of_week")), s.String("shift"), s.Nested("user").String("display_name")})
				}
				p.Table([]string{"ID", "Day", "Shift", "Staff"}, rows)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "toggle-role <user-id>",
			Short: "Switch a user between Staff and Admin",
			Args:  cobra.ExactArgs(1),
			RunE: adminRun(func(cmd *cobra.Command, args []string, a *app, adm *screen.Admin) error {
				rec, err := adm.ToggleRole(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.printer.Success("%s is now %s", rec.String("email"), rec.String("role"))
				return nil
			}),
		},
		addLocationCmd(adminRun),
		addTemplateCmd(adminRun),
		&cobra.Command{
			Use:   "delete <locations|horses|task_templates|weekly_schedule> <id>",
			Short: "Delete a reference row",
			Args:  cobra.ExactArgs(2),
			RunE: adminRun(func(cmd *cobra.Command, args []string, a *app, adm *screen.Admin) error {
				if err := adm.Delete(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				a.printer.Success("Deleted %s/%s", args[0], args[1])
				return nil
			}),
		},
	)
	return cmd
}

type adminRunner func(fn func(cmd *cobra.Command, args []string, a *app, adm *screen.Admin) error) func(*cobra.Command, []string) error

func addLocationCmd(run adminRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-location <name>",
		Short: "Add a stall or pasture",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, a *app, adm *screen.Admin) error {
			in := facility.LocationInput{Name: args[0]}
			kind, _ := cmd.Flags().GetString("type")
			in.Type = facility.LocationType(kind)
			in.GridRow, _ = cmd.Flags().GetInt("row")
			in.GridCol, _ = cmd.Flags().GetInt("col")
			rec, err := adm.AddLocation(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.printer.Success("Added %s %s (%s)", rec.String("type"), rec.String("name"), rec.ID())
			return nil
		}),
	}
	cmd.Flags().String("type", string(facility.LocationStall), "Stall or Pasture")
	cmd.Flags().Int("row", 0, "grid row")
	cmd.Flags().Int("col", 0, "grid column")
	return cmd
}

func addTemplateCmd(run adminRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-template <title>",
		Short: "Add a recurring daily task",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, a *app, adm *screen.Admin) error {
			in := facility.TemplateInput{Title: args[0]}
			shift, _ := cmd.Flags().GetString("shift")
			in.Shift = facility.Shift(shift)
			in.SortOrder, _ = cmd.Flags().GetInt("order")
			rec, err := adm.AddTemplate(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.printer.Success("Added %s task %q", rec.String("shift"), rec.String("title"))
			return nil
		}),
	}
	cmd.Flags().String("shift", string(facility.ShiftAM), "AM, Mid-Day or PM")
	cmd.Flags().Int("order", 0, "position within the shift")
	return cmd
}

func weekday(raw string) string {
	days := []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(days) {
		return days[n]
	}
	return raw
}
