package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/correlator-io/songplays/internal/pipeline"
	"github.com/correlator-io/songplays/internal/storage"
	"github.com/correlator-io/songplays/internal/warehouse"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	return table
}

// renderSummary prints one row per executed stage, then the totals. stats may be nil.
func renderSummary(w io.Writer, summary *pipeline.Summary, stats *warehouse.PlayStats) error {
	table := newTable(w, []string{"#", "Stage", "Relation", "Rows", "Duration", "Status"})

	for _, r := range summary.Results {
		table.Append([]string{
			strconv.Itoa(r.Seq),
			r.Stage,
			r.Relation,
			humanize.Comma(r.Rows),
			r.Duration.Round(time.Millisecond).String(),
			string(r.Status),
		})
	}

	table.Render()

	if _, err := fmt.Fprintf(w, "\nRun %s: %s rows in %s\n",
		summary.RunID, humanize.Comma(summary.TotalRows()), summary.Duration.Round(time.Millisecond)); err != nil {
		return err
	}

	if failed := summary.Failed(); failed != nil {
		if _, err := fmt.Fprintf(w, "Failed at %q: %v\n", failed.Stage, failed.Err); err != nil {
			return err
		}
	}

	if stats != nil {
		_, err := fmt.Fprintf(w, "Play events: %s, matched: %s, dropped by join misses: %s\n",
			humanize.Comma(stats.Plays), humanize.Comma(stats.Matched), humanize.Comma(stats.JoinMisses()))

		return err
	}

	return nil
}

// renderRuns prints one row per recorded run, newest first.
func renderRuns(w io.Writer, runs []storage.RunSummary) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")

		return err
	}

	table := newTable(w, []string{"Run", "Started", "Stages", "Rows", "Status", "Dialect", "User policy"})

	for _, r := range runs {
		status := string(pipeline.StatusSucceeded)
		if r.Failed {
			status = string(pipeline.StatusFailed)
		}

		table.Append([]string{
			r.RunID.String(),
			r.StartedAt.UTC().Format(time.DateTime) + " (" + humanize.Time(r.StartedAt) + ")",
			strconv.Itoa(r.Stages),
			humanize.Comma(r.Rows),
			status,
			r.Dialect,
			r.UserPolicy,
		})
	}

	table.Render()

	return nil
}

// renderStages prints the recorded stages of one run.
func renderStages(w io.Writer, stages []storage.StageRecord) error {
	table := newTable(w, []string{"#", "Phase", "Stage", "Relation", "Rows", "Duration", "Status", "Error"})

	for _, s := range stages {
		table.Append([]string{
			strconv.Itoa(s.Seq),
			string(s.Phase),
			s.Stage,
			s.Relation,
			humanize.Comma(s.Rows),
			s.Duration.String(),
			string(s.Status),
			s.ErrorMessage,
		})
	}

	table.Render()

	return nil
}
