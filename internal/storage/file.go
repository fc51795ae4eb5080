package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"casunet/internal/model"
)

const (
	fileDelimiter  = ';'
	fileHeaderTag  = "casunet-events"
	runsFileName   = "runs.jsonl"
	eventsFileExt  = ".log"
	fileTimeLayout = time.RFC3339Nano
)

// FileStore keeps one delimited log per run plus a JSON-lines run index in a
// directory. Event lines are "time;unit;cycle;kind;field;field...".
type FileStore struct {
	dir string

	mu          sync.Mutex
	initialized bool
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return errors.New("file store directory is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *FileStore) SaveRun(_ context.Context, run model.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, runsFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(payload, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) GetRun(_ context.Context, id string) (model.RunInfo, bool, error) {
	runs, err := s.readRuns()
	if err != nil {
		return model.RunInfo{}, false, err
	}
	run, ok := runs[id]
	return run, ok, nil
}

func (s *FileStore) ListRuns(_ context.Context) ([]model.RunInfo, error) {
	runs, err := s.readRuns()
	if err != nil {
		return nil, err
	}
	out := make([]model.RunInfo, 0, len(runs))
	for _, run := range runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

// readRuns replays the index; a run saved twice keeps its last record.
func (s *FileStore) readRuns() (map[string]model.RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make(map[string]model.RunInfo)
	data, err := os.ReadFile(filepath.Join(s.dir, runsFileName))
	if errors.Is(err, os.ErrNotExist) {
		return runs, nil
	}
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		run, err := DecodeRun(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", runsFileName, line, err)
		}
		runs[run.ID] = run
	}
	return runs, scanner.Err()
}

func (s *FileStore) AppendEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	byRun := make(map[string][]model.Event)
	var order []string
	for _, e := range events {
		if _, seen := byRun[e.RunID]; !seen {
			order = append(order, e.RunID)
		}
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	for _, runID := range order {
		if err := s.appendRun(runID, byRun[runID]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) appendRun(runID string, events []model.Event) error {
	path, err := s.eventsPath(runID)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Comma = fileDelimiter
	if fresh {
		_ = w.Write([]string{fileHeaderTag, strconv.Itoa(CurrentSchemaVersion), strconv.Itoa(CurrentCodecVersion)})
	}
	for _, e := range events {
		record := append([]string{
			e.Time.UTC().Format(fileTimeLayout),
			e.Unit,
			strconv.FormatUint(e.Cycle, 10),
			e.Kind,
		}, e.Fields...)
		_ = w.Write(record)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) Events(_ context.Context, runID string, filter EventFilter) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.eventsPath(runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = fileDelimiter
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if err := checkFileHeader(records[0]); err != nil {
		return nil, err
	}

	var out []model.Event
	for i, rec := range records[1:] {
		e, err := parseEventRecord(runID, rec)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), i+2, err)
		}
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) eventsPath(runID string) (string, error) {
	if runID == "" || filepath.Base(runID) != runID || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id for file store: %q", runID)
	}
	return filepath.Join(s.dir, runID+eventsFileExt), nil
}

func checkFileHeader(rec []string) error {
	if len(rec) != 3 || rec[0] != fileHeaderTag {
		return fmt.Errorf("%w: missing event log header", ErrVersionMismatch)
	}
	schema, err1 := strconv.Atoi(rec[1])
	codec, err2 := strconv.Atoi(rec[2])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("%w: bad event log header", ErrVersionMismatch)
	}
	return checkVersion(model.VersionedRecord{SchemaVersion: schema, CodecVersion: codec})
}

func parseEventRecord(runID string, rec []string) (model.Event, error) {
	if len(rec) < 4 {
		return model.Event{}, fmt.Errorf("short event record (%d fields)", len(rec))
	}
	ts, err := time.Parse(fileTimeLayout, rec[0])
	if err != nil {
		return model.Event{}, err
	}
	cycle, err := strconv.ParseUint(rec[2], 10, 64)
	if err != nil {
		return model.Event{}, err
	}
	return model.Event{
		VersionedRecord: CurrentVersion(),
		RunID:           runID,
		Unit:            rec[1],
		Cycle:           cycle,
		Time:            ts,
		Kind:            rec[3],
		Fields:          append([]string(nil), rec[4:]...),
	}, nil
}
