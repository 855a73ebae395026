package job

import "fmt"

// Status is the terminal state of a job.
type Status string

const (
	Success Status = "success"
	Skipped Status = "skipped"
	Failed  Status = "failed"
)

// FailureKind classifies a failed job.
type FailureKind string

const (
	IncompleteTileSet FailureKind = "incomplete_tile_set"
	AssemblyFailed    FailureKind = "assembly_failed"
	LayoutFailed      FailureKind = "layout_failed"
	WorkingSetFailed  FailureKind = "working_set_failed"
	IndexFailed       FailureKind = "index_failed"
	Unexpected        FailureKind = "unexpected"
)

// Outcome is the result of a job that was not cancelled.
type Outcome struct {
	Status Status

	// Kind and Err are set for failed jobs.
	Kind FailureKind
	Err  error

	// Detail is a short human-readable explanation.
	Detail string

	// Tile accounting, filled once the fetch phase ran.
	Tiles   int
	Fetched int
	Reused  int
	Missing []string
}

// Reason returns the explanation suitable for logs and events.
func (o Outcome) Reason() string {
	switch o.Status {
	case Failed:
		if o.Detail != "" {
			return fmt.Sprintf("%s: %s", o.Kind, o.Detail)
		}
		return string(o.Kind)
	default:
		return o.Detail
	}
}

func (o Outcome) String() string {
	if r := o.Reason(); r != "" {
		return fmt.Sprintf("%s (%s)", o.Status, r)
	}
	return string(o.Status)
}

func skipped(detail string) Outcome {
	return Outcome{Status: Skipped, Detail: detail}
}

func failed(kind FailureKind, err error) Outcome {
	o := Outcome{Status: Failed, Kind: kind, Err: err}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}
