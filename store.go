package main

import (
	"fmt"
	"time"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/asdine/storm/v3"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// AnalogOffsets are the tare offsets of one analog board, kept across
// restarts.
type AnalogOffsets struct {
	ID      string `storm:"id"`
	Board   uint8
	Offsets []float64
	Updated time.Time
}

func offsetsID(board uint8) string {
	return fmt.Sprintf("analog-%d", board)
}

func openDb(dbFile string) (db *storm.DB, err error) {
	db, err = storm.Open(dbFile)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", dbFile)
	}

	// call inits for each type
	for _, data := range []interface{}{&User{}, &AnalogOffsets{}} {
		if err := db.Init(data); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "init database")
		}
	}
	return db, nil
}

func saveOffsets(db *storm.DB, b *analog.Board) error {
	rec := &AnalogOffsets{
		ID:      offsetsID(b.ID()),
		Board:   b.ID(),
		Offsets: b.Offsets(),
		Updated: time.Now(),
	}
	return errors.Wrapf(db.Save(rec), "save offsets for board %d", b.ID())
}

// restoreOffsets loads the stored offsets of every board. Boards without
// a record keep their configured calibration.
func restoreOffsets(db *storm.DB, boards []*analog.Board, logger golog.Logger) {
	for _, b := range boards {
		var rec AnalogOffsets
		err := db.One("ID", offsetsID(b.ID()), &rec)
		if errors.Is(err, storm.ErrNotFound) {
			continue
		}
		if err == nil {
			err = b.SetOffsets(rec.Offsets)
		}
		if err != nil {
			logger.Warnw("unable to restore analog offsets", "board", b.ID(), "error", err)
			continue
		}
		logger.Infow("restored analog offsets", "board", b.ID(), "updated", rec.Updated)
	}
}
