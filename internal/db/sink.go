package db

import (
	"log"

	"github.com/microstorm/bletrack/internal/localizer"
)

// EpochSink stores every epoch result it receives. Write failures are
// logged; a failing disk must not stall the filter.
type EpochSink struct {
	DB *DB
}

func (s EpochSink) HandleEpoch(r localizer.EpochResult) {
	if _, err := s.DB.RecordEpoch(r); err != nil {
		log.Printf("[db] failed to record epoch %d: %v", r.Seq, err)
	}
}
