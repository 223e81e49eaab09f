package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/topographica/livemap/internal/liveview"
)

// PollRecord is one reconciliation pass. It is write-only audit data and is
// never loaded back into an engine.
type PollRecord struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Time       time.Time `gorm:"index" json:"time"`
	World      string    `gorm:"size:128;index" json:"world"`
	Seq        uint64    `json:"seq"`
	OK         bool      `json:"ok"`
	Applied    bool      `json:"applied"`
	Error      string    `gorm:"size:512" json:"error,omitempty"`
	Created    int       `json:"created"`
	Moved      int       `json:"moved"`
	Removed    int       `json:"removed"`
	Displayed  int       `json:"displayed"`
	DurationUs int64     `json:"durationUs"`

	// CreatedNames and RemovedNames are JSON arrays of player names.
	CreatedNames datatypes.JSON `json:"createdNames"`
	RemovedNames datatypes.JSON `json:"removedNames"`
}

// TableName pins the table name.
func (*PollRecord) TableName() string {
	return "poll_records"
}

// namesToJSON converts a []string to datatypes.JSON for DB storage.
func namesToJSON(names []string) datatypes.JSON {
	if len(names) == 0 {
		return datatypes.JSON("[]")
	}
	b, err := json.Marshal(names)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}

// RecordFromPass converts a view pass into a PollRecord.
func RecordFromPass(p liveview.Pass) PollRecord {
	if len(p.Error) > 512 {
		p.Error = p.Error[:512]
	}
	return PollRecord{
		Time:         p.At.UTC(),
		World:        p.World,
		Seq:          p.Seq,
		OK:           p.OK,
		Applied:      p.Applied,
		Error:        p.Error,
		Created:      p.Stats.Created,
		Moved:        p.Stats.Moved,
		Removed:      p.Stats.Removed,
		Displayed:    p.Stats.Displayed,
		DurationUs:   p.Duration.Microseconds(),
		CreatedNames: namesToJSON(p.Stats.CreatedNames),
		RemovedNames: namesToJSON(p.Stats.RemovedNames),
	}
}
