package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"dissector/internal/archive"
	"dissector/internal/dissect"
	"dissector/internal/httpclient"
)

const barWidth = 40

// bar renders percent as a fixed width progress bar line.
func bar(label string, percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := barWidth * percent / 100
	return fmt.Sprintf("%-16s | [%s%s] %d%%", label,
		strings.Repeat("■", filled), strings.Repeat("-", barWidth-filled), percent)
}

func printSummary(w io.Writer, r *dissect.Report) {
	ev := r.Evaluation
	fmt.Fprintln(w, bar("TRAFFIC MATCHED", ev.TrafficMatch))
	fmt.Fprintln(w, bar("IPS MATCHED", ev.IPMatch))
	for _, f := range r.Fingerprint.Fields.Keys() {
		fmt.Fprintln(w, bar(f.String(), ev.Contribution[f]))
	}
	if r.Classification.Ambiguous() {
		fmt.Fprintf(w, "note: several protocols stood out %v, %s was kept\n", r.Classification.Candidates, r.Protocol)
	}
}

func printStatus(w io.Writer, statuses []httpclient.RepositoryStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATUS\tCREDENTIALS")
	for _, st := range statuses {
		online, login := "OFFLINE", "NOT_OK"
		if st.Online {
			online = "ONLINE"
		}
		if st.LoggedIn {
			login = "SUCCESS"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Host, online, login)
	}
	return tw.Flush()
}

func printRun(w io.Writer, r *archive.Run) error {
	fmt.Fprintf(w, "run %s\ninput %s (%s, %d rows)\nstarted %s\n\n", r.ID, r.Input, r.FileType, r.Rows,
		r.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	return printHistory(w, r.Fingerprints)
}

func printHistory(w io.Writer, entries []archive.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKEY\tTARGET\tPROTOCOL\tMATCH\tTAGS\tUPLOADED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\t%t\n",
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Key, e.Target, e.Protocol,
			e.TrafficMatch, strings.Join(e.TagList(), ","), e.Uploaded)
	}
	return tw.Flush()
}
