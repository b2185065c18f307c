package procdir

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// TasklistLister runs "tasklist /fo csv" and parses its CSV output.
type TasklistLister struct{}

func (TasklistLister) Describe() string { return "tasklist" }

func (TasklistLister) List(ctx context.Context) ([]Record, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "tasklist", "/fo", "csv")
	out, err := runOutput(cmd)
	if err != nil {
		return nil, err
	}
	return ParseTasklistCSV(out)
}

// ParseTasklistCSV parses tasklist CSV output; the header row is discarded.
func ParseTasklistCSV(out []byte) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse tasklist csv: %w", err)
	}
	recs := make([]Record, 0, len(rows))
	for i, row := range rows {
		if i == 0 || len(row) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			continue
		}
		recs = append(recs, Record{Name: row[0], PID: pid})
	}
	return recs, nil
}

// PsLister runs "ps -eo pid,comm" on Unix-like systems. On Linux comm is cut
// at 15 characters, so prefer GopsutilLister when names are longer.
type PsLister struct{}

func (PsLister) Describe() string { return "ps" }

func (PsLister) List(ctx context.Context) ([]Record, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "ps", "-eo", "pid,comm")
	out, err := runOutput(cmd)
	if err != nil {
		return nil, err
	}
	return ParsePs(out), nil
}

// ParsePs parses "PID COMMAND" rows; the header row and unparsable rows are skipped.
func ParsePs(out []byte) []Record {
	var recs []Record
	for i, line := range strings.Split(string(out), "\n") {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		recs = append(recs, Record{Name: strings.Join(fields[1:], " "), PID: pid})
	}
	return recs
}

func runOutput(cmd *exec.Cmd) ([]byte, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Path, err)
	}
	// A listing tool that writes to stderr is treated as busy, like a failed run.
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return nil, errors.New(msg)
	}
	return out, nil
}
