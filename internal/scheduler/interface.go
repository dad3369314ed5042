package scheduler

import (
	"github.com/mattjoyce/taskserver/internal/journal"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/taskserver/internal/scheduler Recorder
//go:generate mockgen -destination=mocks/mock_channel.go -package=mocks github.com/mattjoyce/taskserver/internal/channel Channel,Dialer

// Recorder receives an entry each time the scheduler takes a job back from
// an agent. Record is called with the scheduler lock held and must not block.
type Recorder interface {
	Record(entry journal.Entry)
}

type nopRecorder struct{}

func (nopRecorder) Record(journal.Entry) {}
