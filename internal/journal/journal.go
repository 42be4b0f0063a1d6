package journal

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const defaultQueueSize = 1000

const schema = `
CREATE TABLE IF NOT EXISTS readings (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    ts        INTEGER NOT NULL,
    device    TEXT    NOT NULL,
    address   INTEGER NOT NULL,
    registers TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device, ts);
`

// Entry is one journaled reading.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Address   uint16    `json:"address"`
	Values    []uint16  `json:"values"`
}

// Journal records successful readings locally, appending to a JSONL file and
// a SQLite table under one directory. Writes are asynchronous: Record never
// blocks the polling loop, and entries are dropped (with a log line) when
// the queue is full. The journal is an observation log, not a delivery
// spool; it has no effect on outbound publishing.
type Journal struct {
	q  chan Entry
	wg sync.WaitGroup

	jsonFile   *os.File
	jsonWriter *bufio.Writer
	db         *sql.DB

	closeOnce sync.Once
}

// Open prepares the journal directory, its output files and the background
// writer.
func Open(dir string, queueSize int) (*Journal, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	jsonPath := filepath.Join(dir, "readings.jsonl")
	jf, err := os.OpenFile(jsonPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open jsonl output")
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "readings.sqlite"))
	if err != nil {
		jf.Close()
		return nil, errors.Wrap(err, "open sqlite output")
	}
	if _, err := db.Exec(schema); err != nil {
		jf.Close()
		db.Close()
		return nil, errors.Wrap(err, "init sqlite schema")
	}

	j := &Journal{
		q:          make(chan Entry, queueSize),
		jsonFile:   jf,
		jsonWriter: bufio.NewWriterSize(jf, 64*1024),
		db:         db,
	}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

// Record enqueues one reading. Safe to call from the polling loop; drops the
// entry rather than block when the writer falls behind.
func (j *Journal) Record(deviceName string, address uint16, values []uint16) {
	vals := make([]uint16, len(values))
	copy(vals, values)
	e := Entry{Timestamp: time.Now(), Device: deviceName, Address: address, Values: vals}
	select {
	case j.q <- e:
	default:
		log.Warn().Str("device", deviceName).Uint16("address", address).Msg("journal queue full, dropping entry")
	}
}

// Close drains pending entries, flushes and closes the outputs.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.q)
	})
	j.wg.Wait()

	var firstErr error
	if err := j.jsonWriter.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.jsonFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (j *Journal) writer() {
	defer j.wg.Done()
	for e := range j.q {
		if err := j.writeEntry(e); err != nil {
			log.Warn().Err(err).Str("device", e.Device).Msg("journal write failed")
		}
	}
}

func (j *Journal) writeEntry(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode entry")
	}
	if _, err := j.jsonWriter.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "append jsonl")
	}

	regs, err := json.Marshal(e.Values)
	if err != nil {
		return errors.Wrap(err, "encode registers")
	}
	_, err = j.db.Exec(
		`INSERT INTO readings (ts, device, address, registers) VALUES (?, ?, ?, ?)`,
		e.Timestamp.UnixMilli(), e.Device, int64(e.Address), string(regs),
	)
	return errors.Wrap(err, "insert reading")
}

// Count returns the number of journaled readings for a device, or all
// devices when deviceName is empty.
func (j *Journal) Count(deviceName string) (int64, error) {
	var n int64
	var err error
	if deviceName == "" {
		err = j.db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&n)
	} else {
		err = j.db.QueryRow(`SELECT COUNT(*) FROM readings WHERE device = ?`, deviceName).Scan(&n)
	}
	return n, errors.Wrap(err, "count readings")
}
