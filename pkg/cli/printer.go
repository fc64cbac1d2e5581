package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
)

// PrintGroups writes one table row per revision to w. Active revisions are
// highlighted when colors is true.
func PrintGroups(w io.Writer, groups []Group, now time.Time, colors bool) {
	au := aurora.NewAurora(colors)
	t := tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 3, ' ', 0))
	t.AddHeader("GROUP", "REVISION", "ID", "STATE", "AVAILABLE", "AGE", "COMMIT")
	for _, g := range groups {
		for _, r := range g.Revisions {
			state := au.Faint("backup")
			if r.Active() {
				state = au.Green("active")
			}
			t.AddLine(
				g.Name,
				r.Name,
				r.ID,
				state,
				fmt.Sprintf("%d/%d", r.Available, r.Desired),
				age(now, r.Created),
				shortCommit(r.Commit),
			)
		}
	}
	t.Print()
}

func age(now, created time.Time) string {
	if created.IsZero() {
		return "<unknown>"
	}
	d := now.Sub(created)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
