package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/lifecycle"
	"github.com/docspreview/previewctl/internal/reconcile"
)

func newOpenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open PR",
		Short: "Create or update the preview environment of a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := a.runtime.Driver.OnOpen(cmd.Context(), id, a.environment())
			if rerr := a.report(res); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&a.contentDir, "content", "", "built site directory (overrides environment.content_dir)")
	return cmd
}

func newUpdateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update PR",
		Short: "Bring the preview environment of a pull request up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := a.runtime.Driver.OnUpdate(cmd.Context(), id, a.environment())
			if rerr := a.report(res); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&a.contentDir, "content", "", "built site directory (overrides environment.content_dir)")
	return cmd
}

func newCloseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "close PR",
		Aliases: []string{"destroy"},
		Short:   "Destroy the preview environment of a pull request",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := a.runtime.Driver.OnClose(cmd.Context(), id)
			if rerr := a.report(res); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
}

func newPlanCommand(a *app) *cobra.Command {
	var destroy bool
	cmd := &cobra.Command{
		Use:   "plan PR",
		Short: "Show the changes open (or close, with --destroy) would make",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var p *reconcile.Plan
			if destroy {
				p, err = a.runtime.Driver.PlanClose(cmd.Context(), id)
			} else {
				p, err = a.runtime.Driver.Plan(cmd.Context(), id, a.environment())
			}
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, reconcile.Format(p))
			return nil
		},
	}
	cmd.Flags().BoolVar(&destroy, "destroy", false, "plan the teardown")
	cmd.Flags().StringVar(&a.contentDir, "content", "", "built site directory (overrides environment.content_dir)")
	return cmd
}

func newEventCommand(a *app) *cobra.Command {
	var (
		kind        string
		number      string
		sha         string
		githubEvent string
	)
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Handle a pull-request event",
		Long: "Handle a pull-request event given either as --kind and --id, or as a\n" +
			"GitHub pull_request webhook payload (--github-event, default $GITHUB_EVENT_PATH).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var ev lifecycle.Event
			switch {
			case kind != "":
				k, err := lifecycle.ParseEventKind(kind)
				if err != nil {
					return err
				}
				id, err := parseID(number)
				if err != nil {
					return err
				}
				ev = lifecycle.Event{Kind: k, Identifier: id, HeadSHA: sha}
			case githubEvent != "":
				f, err := os.Open(githubEvent)
				if err != nil {
					return err
				}
				defer f.Close()
				ev, err = lifecycle.EventFromGitHub(f)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("either --kind or --github-event is required")
			}
			ev.Config = a.environment()

			res, err := a.runtime.Driver.Handle(cmd.Context(), ev)
			if rerr := a.report(res); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&kind, "kind", "", "event kind: open, update or close")
	flags.StringVar(&number, "id", "", "pull request number")
	flags.StringVar(&sha, "sha", "", "head commit, for status reporting")
	flags.StringVar(&githubEvent, "github-event", os.Getenv("GITHUB_EVENT_PATH"), "GitHub pull_request event payload")
	flags.StringVar(&a.contentDir, "content", "", "built site directory (overrides environment.content_dir)")
	return cmd
}

func newPruneCommand(a *app) *cobra.Command {
	var open []string
	cmd := &cobra.Command{
		Use:   "prune --open PR[,PR...]",
		Short: "Destroy every environment whose pull request is not open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids := make([]envid.ID, 0, len(open))
			for _, s := range open {
				id, err := parseID(s)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			res, err := a.runtime.Driver.Prune(cmd.Context(), ids)
			if res != nil {
				for _, id := range res.Closed {
					fmt.Fprintf(a.stdout, "closed %s\n", id.Key())
				}
				for key, ferr := range res.Failed {
					fmt.Fprintf(a.stdout, "failed %s: %v\n", key, ferr)
				}
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&open, "open", nil, "pull requests that are still open")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status PR",
		Short: "Show the recorded environment of a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := a.runtime.Driver.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			rec := st.Record
			fmt.Fprintf(a.stdout, "environment: %s\nserial:      %d\nupdated:     %s\n\n",
				rec.EnvKey, rec.Serial, rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tID\tNAME")
			for _, e := range rec.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Spec.Kind, e.Handle.ID, e.Handle.Name)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout)
			_, err = st.Outputs.WriteTo(a.stdout)
			return err
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.runtime.Driver.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(a.stdout, id.Key())
			}
			return nil
		},
	}
}
