package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/loykin/joinkeeper"
	"github.com/loykin/joinkeeper/pkg/client"
)

func runStatus(ctx context.Context, w io.Writer, flags *StatusFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.File != "" {
		return runStatusFile(w, flags)
	}
	cfg := client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout, Insecure: flags.Insecure}
	if flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.CACert}
	}
	c := client.New(cfg)
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("query %s: %w", flags.APIUrl, err)
	}
	if flags.JSON {
		return printJSON(w, st)
	}
	printTable(w, st.Clients, time.Now())
	return nil
}

// runStatusFile prints the persisted snapshot; uptime and deadlines are
// relative to when it was written.
func runStatusFile(w io.Writer, flags *StatusFlags) error {
	snap, err := joinkeeper.LoadSnapshot(flags.File)
	if err != nil {
		return err
	}
	clients := make([]client.SlotStatus, 0, len(snap.Clients))
	for _, s := range snap.Clients {
		clients = append(clients, client.SlotStatus{
			Name:                 s.Name,
			IdentityKey:          s.IdentityKey,
			State:                s.State.String(),
			Occupying:            s.Occupying,
			PrimaryProcessID:     s.PrimaryProcessID,
			SecondaryProcessID:   s.SecondaryProcessID,
			SecondaryProcessName: s.SecondaryProcessName,
			UptimeStartedAt:      s.UptimeStartedAt,
			MaintenanceDeadline:  s.MaintenanceDeadline,
		})
	}
	if flags.JSON {
		return printJSON(w, client.StatusResponse{Clients: clients})
	}
	_, _ = fmt.Fprintf(w, "snapshot written %s\n", snap.UpdatedAt.Format(time.RFC3339))
	printTable(w, clients, snap.UpdatedAt)
	return nil
}

func printTable(w io.Writer, clients []client.SlotStatus, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SLOT\tIDENTITY\tSTATE\tPID\tMENU PID\tUPTIME\tMAINTENANCE")
	for _, s := range clients {
		identity := s.IdentityKey
		if identity == "" {
			identity = "(disabled)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name, identity, s.State,
			pid(s.PrimaryProcessID), pid(s.SecondaryProcessID),
			since(s.UptimeStartedAt, now), until(s.MaintenanceDeadline, now))
	}
	_ = tw.Flush()
}

func pid(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

func since(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return now.Sub(*t).Truncate(time.Second).String()
}

func until(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	d := t.Sub(now).Truncate(time.Second)
	if d <= 0 {
		return "due"
	}
	return "in " + d.String()
}
