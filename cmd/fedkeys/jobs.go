package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/spf13/cobra"
)

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspección de la cola de delivery"}

	var state string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Lista jobs por estado",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ok := repository.ParseJobState(state)
			if !ok {
				return fmt.Errorf("--state inválido %q", state)
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.Queue.List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			return c.printJobs(jobs)
		},
	}
	list.Flags().StringVar(&state, "state", string(repository.JobDeadLettered), "pending|in_flight|succeeded|failed|dead_lettered|cancelled")
	list.Flags().IntVar(&limit, "limit", 50, "máximo de jobs")

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Muestra un job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			j, err := a.Queue.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJobs([]*repository.DeliveryJob{j})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancela un job Pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			j, err := a.Queue.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJobs([]*repository.DeliveryJob{j})
		},
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Procesa una vez los jobs vencidos y sale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Queue.ProcessDue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("processed=%d\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, status, cancel, process)
	return cmd
}

type jobRow struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Target      string    `json:"target_inbox"`
	NextAttempt time.Time `json:"next_attempt_at"`
	LastStatus  int       `json:"last_status,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (c *cli) printJobs(jobs []*repository.DeliveryJob) error {
	rows := make([]jobRow, len(jobs))
	for i, j := range jobs {
		rows[i] = jobRow{
			ID: j.ID, State: string(j.State), Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
			Target: j.TargetInbox, NextAttempt: j.NextAttemptAt, LastStatus: j.LastStatus, LastError: j.LastError,
		}
	}
	if c.out == "json" {
		return c.printJSON(rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tNEXT\tSTATUS\tTARGET\tERROR")
	for _, r := range rows {
		st := "-"
		if r.LastStatus > 0 {
			st = strconv.Itoa(r.LastStatus)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\t%s\n", r.ID, r.State, r.Attempts, r.MaxAttempts,
			r.NextAttempt.Format(time.RFC3339), st, r.Target, dash(r.LastError))
	}
	return tw.Flush()
}
