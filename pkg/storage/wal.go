package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/uhyunpark/hypestock/pkg/util"
)

// Journal is an append-only audit trail of settled fills and reconciliation failures.
// It is written after the authoritative batch commits and is never read back by the engine.
type Journal interface {
	Append(kind string, record any)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal             { return &NopJournal{} }
func (j *NopJournal) Append(_ string, _ any) {}

// FileJournal writes one JSON object per line, stamped from the engine clock.
type FileJournal struct {
	mu    sync.Mutex
	f     *os.File
	clock util.Clock
}

type journalLine struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Record any       `json:"record"`
}

func NewFileJournal(path string, clock util.Clock) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, clock: clock}, nil
}

func (j *FileJournal) Append(kind string, record any) {
	line, err := json.Marshal(journalLine{At: j.clock.Now(), Kind: kind, Record: record})
	if err != nil {
		line = []byte(fmt.Sprintf(`{"kind":%q,"error":%q}`, kind, err.Error()))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(line))
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
