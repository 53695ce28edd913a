package runtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/sandbox"
	"github.com/raskyld/contained/pkg/tonnetz"
)

// Command is one of Dispatch, Cancel, Query or Shutdown.
type Command interface {
	command()
}

// Dispatch asks the runtime to execute a program.
type Dispatch struct {
	ID      uuid.UUID
	Program sandbox.Hash
	// Artifact is installed in the program cache before execution when set.
	Artifact *sandbox.Artifact
	// Start is the initial triad. The zero value is C major.
	Start tonnetz.Triad
	Tape  []tonnetz.Note
	// Head is where the machine resumes on Tape, used to continue a yielded
	// run.
	Head int
	// Deadline is enforced by the runtime. The zero value means none.
	Deadline time.Time
}

type Cancel struct {
	ID uuid.UUID
}

type Query struct {
	ID uuid.UUID
}

// Shutdown stops admissions, lets running executors finish for Grace, then
// aborts them.
type Shutdown struct {
	Grace time.Duration
}

func (Dispatch) command() {}
func (Cancel) command()   {}
func (Query) command()    {}
func (Shutdown) command() {}

// JobState is where a correlation id stands in the runtime.
type JobState uint8

const (
	JobQueued JobState = iota
	JobRunning
	JobFinished
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobFinished:
		return "finished"
	}
	return fmt.Sprintf("JobState(%d)", uint8(s))
}

// Report answers a Query.
type Report struct {
	ID       uuid.UUID
	Program  sandbox.Hash
	State    JobState
	Snapshot machine.Snapshot
}
