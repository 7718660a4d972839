package csvtask

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
)

// Per-row result statuses.
const (
	StatusNoAction = "No Action"
	StatusWaiting  = "Waiting"
	StatusSuccess  = "Success"
	StatusError    = "Error"
)

// Columns appended to the uploaded header in results files.
const (
	StatusColumn = "status"
	ErrorColumn  = "error"
)

// Artifact names under an operation's directory in the file store.
const (
	uploadFile  = "upload.csv"
	stateFile   = "state.json"
	resultsFile = "results.csv"
)

type (
	// RowError flags extra rows with the same message as the row being
	// processed, e.g. the first occurrence of a duplicated user.
	RowError struct {
		Message string
		Rows    []int
	}

	// Status is the progress report served after uploads and polls.
	Status struct {
		Saved         int         `json:"saved"`
		Total         int         `json:"total"`
		Processed     int         `json:"processed"`
		ErrorMessages []string    `json:"error_messages"`
		ErrorRows     []int       `json:"error_rows"`
		Waiting       bool        `json:"waiting"`
		ResultID      null.String `json:"result_id"`
		SavedErrorID  null.String `json:"saved_error_id"`
		Percentage    string      `json:"percentage"`
		CanCommit     bool        `json:"can_commit"`
	}

	Deps struct {
		Ops    OperationRepository
		Files  FileStore
		Queue  Producer // optional; nil forces synchronous commits
		Logger core.Logger
		Conf   *core.Config
	}

	stagedRow struct {
		Row  int             `json:"row"`
		Unit json.RawMessage `json:"unit"`
	}

	// snapshot is the reloadable part of a runner, stored as state.json
	// next to the upload and results artifacts.
	snapshot struct {
		Config        json.RawMessage `json:"config,omitempty"`
		Header        []string        `json:"header,omitempty"`
		Stage         []stagedRow     `json:"stage"`
		ErrorMessages []string        `json:"error_messages"`
		ErrorRows     []int           `json:"error_rows"`
	}

	// Runner drives a processor through the upload, stage, commit and
	// export phases and keeps the operation record in step.
	Runner struct {
		proc Processor
		deps Deps

		op        Operation
		header    []string
		stage     []stagedRow
		results   []Row
		errMsgs   []string // unique, first seen first
		errSeen   map[string]bool
		errRows   []int
		total     int
		processed int
		saved     int
		waiting   bool
	}

	// BuildFunc rebuilds the processor for a saved operation, given its
	// kind and the config document stored at save time.
	BuildFunc func(ctx context.Context, kind string, config json.RawMessage) (Processor, error)
)

func (e *RowError) Error() string { return e.Message }

func NewRunner(proc Processor, deps Deps) *Runner {
	return &Runner{
		proc:    proc,
		deps:    deps,
		errSeen: make(map[string]bool),
	}
}

// Load reopens a saved operation so it can be committed, polled or have its
// results exported.
func Load(ctx context.Context, deps Deps, opID string, build BuildFunc) (*Runner, error) {
	op, err := deps.Ops.GetOperationByID(ctx, opID)
	if err != nil {
		return nil, err
	}

	f, err := deps.Files.Open(ctx, path.Join(op.ID, stateFile))
	if err != nil {
		return nil, errors.Wrap(err, "opening snapshot")
	}
	defer f.Close()
	var snap snapshot
	if err = json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}

	proc, err := build(ctx, op.Kind, snap.Config)
	if err != nil {
		return nil, err
	}

	r := NewRunner(proc, deps)
	r.op = op
	r.header = snap.Header
	r.stage = snap.Stage
	r.errMsgs = snap.ErrorMessages
	r.errRows = snap.ErrorRows
	for _, msg := range snap.ErrorMessages {
		r.errSeen[msg] = true
	}
	r.total = op.TotalRows
	r.processed = op.ProcessedRows
	r.saved = op.SavedRows
	r.waiting = op.Operation == OpCommit && !op.Committed
	if err = r.loadResults(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Operation returns the persisted record backing this runner. It is the
// zero Operation until the first upload is saved.
func (r *Runner) Operation() Operation { return r.op }

// ProcessUpload ingests an uploaded CSV: every row is validated and staged,
// the operation and its artifacts are persisted, and, when autocommit is set
// and all rows staged cleanly, the stage is committed in place or handed to
// the queue past the configured threshold. File problems surface as status
// errors; the returned error is reserved for infrastructure failures.
func (r *Runner) ProcessUpload(ctx context.Context, filename string, file io.Reader, autocommit bool) (Status, error) {
	maxSize := r.deps.Conf.CSV.MaxFileSize
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return Status{}, errors.Wrap(err, "reading upload")
	}
	if int64(len(data)) > maxSize {
		r.addError(fmt.Sprintf("The CSV file must be smaller than %d bytes.", maxSize), 0)
		data = nil
	} else {
		r.ingest(data)
	}

	if err = r.persist(ctx, filename, data); err != nil {
		return Status{}, err
	}
	if autocommit && r.canCommit() {
		if err = r.Commit(ctx, false); err != nil {
			return Status{}, err
		}
	}
	return r.Status(), nil
}

// ingest parses the upload and stages its rows. Anything wrong with the
// file or a row is recorded as a status error; row numbers are 1-based and
// exclude the header.
func (r *Runner) ingest(data []byte) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		r.addError("The CSV file is empty.", 0)
		return
	}
	if err != nil {
		r.addError(fmt.Sprintf("The file could not be read as CSV: %v.", err), 0)
		return
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	r.header = header

	cols := make(map[string]bool, len(header))
	for _, col := range header {
		cols[col] = true
	}
	missing := false
	for _, col := range r.proc.RequiredColumns() {
		if !cols[col] {
			r.addError(fmt.Sprintf("Missing column: %s.", col), 0)
			missing = true
		}
	}
	if missing {
		return
	}

	rownum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		rownum++
		r.total++
		if err != nil {
			r.processed++
			r.flagRow(errors.Wrap(err, "could not read line"), rownum, Row{})
			continue
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}

		if err = r.proc.ValidateRow(row); err != nil {
			r.processed++
			r.flagRow(err, rownum, row)
			continue
		}
		unit, err := r.proc.PreprocessRow(rownum, row)
		if err != nil {
			r.processed++
			r.flagRow(err, rownum, row)
			continue
		}
		if unit == nil {
			r.processed++
			r.results = append(r.results, resultRow(row, StatusNoAction, ""))
			continue
		}
		raw, err := json.Marshal(unit)
		if err != nil {
			r.processed++
			r.flagRow(errors.Wrap(err, "encoding staged row"), rownum, row)
			continue
		}
		r.stage = append(r.stage, stagedRow{Row: rownum, Unit: raw})
		r.results = append(r.results, resultRow(row, StatusWaiting, ""))
	}

	if r.total == 0 {
		r.addError("The CSV file is empty.", 0)
	}
}

// Commit applies the staged units. Large stages are handed to the queue
// unless inWorker is set; workers always run in place.
func (r *Runner) Commit(ctx context.Context, inWorker bool) error {
	if r.op.ID == "" {
		return errors.New("nothing staged")
	}
	if r.op.Committed {
		return nil
	}

	if !inWorker && r.deps.Queue != nil && len(r.stage) > r.deps.Conf.CSV.DeferThreshold {
		r.waiting = true
		r.op.Operation = OpCommit
		if err := r.persist(ctx, "", nil); err != nil {
			return err
		}
		return errors.Wrap(r.deps.Queue.Publish(ctx, r.op.ID), "queueing commit")
	}

	r.waiting = false
	r.op.Operation = OpCommit
	for _, staged := range r.stage {
		unit, err := r.decodeUnit(staged.Unit)
		if err == nil {
			err = r.proc.ProcessRow(ctx, unit)
		}
		r.processed++
		if err != nil {
			r.flagRow(err, staged.Row, nil)
			continue
		}
		r.saved++
		r.setResult(staged.Row, StatusSuccess, "")
	}
	r.op.Committed = true
	r.stage = nil

	if c, ok := r.proc.(Committer); ok {
		if err := c.Committed(ctx); err != nil {
			r.deps.Logger.Error("running post-commit hook", err)
		}
	}
	return r.persist(ctx, "", nil)
}

// Export streams the processor's current data set as CSV.
func (r *Runner) Export(ctx context.Context, w io.Writer) error {
	cols, err := r.proc.Columns()
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err = cw.Write(cols); err != nil {
		return errors.Wrap(err, "writing header")
	}
	push := func(row Row) error {
		record := make([]string, len(cols))
		for i, col := range cols {
			record[i] = row[col]
		}
		return cw.Write(record)
	}
	if err = r.proc.ExportRows(ctx, push); err != nil {
		return err
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing export")
}

// ExportResults streams this operation's saved per-row results. Processors
// implementing ResultsFilter get to narrow the exported columns first.
func (r *Runner) ExportResults(ctx context.Context, w io.Writer) error {
	if r.op.ID == "" {
		return ErrOperationNotFound
	}
	if filter, ok := r.proc.(ResultsFilter); ok {
		if len(r.results) == 0 {
			if err := r.loadResults(ctx); err != nil {
				return err
			}
		}
		cols := filter.FilterResultColumns(r.header, r.results)
		cols = append(append([]string{}, cols...), StatusColumn, ErrorColumn)
		cw := csv.NewWriter(w)
		if err := cw.Write(cols); err != nil {
			return errors.Wrap(err, "writing results header")
		}
		for _, row := range r.results {
			record := make([]string, len(cols))
			for i, col := range cols {
				record[i] = row[col]
			}
			if err := cw.Write(record); err != nil {
				return errors.Wrap(err, "writing results row")
			}
		}
		cw.Flush()
		return errors.Wrap(cw.Error(), "flushing results")
	}

	f, err := r.deps.Files.Open(ctx, path.Join(r.op.ID, resultsFile))
	if err != nil {
		return errors.Wrap(err, "opening results")
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return errors.Wrap(err, "copying results")
}

// Status reports progress in the shape the HTTP API serves.
func (r *Runner) Status() Status {
	s := Status{
		Saved:         r.saved,
		Total:         r.total,
		Processed:     r.processed,
		ErrorMessages: append([]string{}, r.errMsgs...),
		ErrorRows:     append([]int{}, r.errRows...),
		Waiting:       r.waiting,
		CanCommit:     r.canCommit(),
	}
	pct := 0.0
	if r.total > 0 {
		pct = 100 * float64(r.processed) / float64(r.total)
	}
	s.Percentage = fmt.Sprintf("%.1f%%", pct)
	if r.waiting {
		s.ResultID = null.StringFrom(r.op.ID)
	}
	if len(r.errRows) > 0 && r.op.ID != "" {
		s.SavedErrorID = null.StringFrom(r.op.ID)
	}
	return s
}

func (r *Runner) canCommit() bool {
	return len(r.stage) > 0 && len(r.errRows) == 0 && !r.waiting && !r.op.Committed
}

func (r *Runner) addError(msg string, row int) {
	if !r.errSeen[msg] {
		r.errSeen[msg] = true
		r.errMsgs = append(r.errMsgs, msg)
	}
	r.errRows = append(r.errRows, row)
}

// flagRow records an error against a row and marks its result. A nil row
// updates the result written during ingest instead of appending a new one.
func (r *Runner) flagRow(err error, rownum int, row Row) {
	msg := err.Error()
	if rerr, ok := errors.Cause(err).(*RowError); ok {
		for _, extra := range rerr.Rows {
			r.addError(msg, extra)
		}
	}
	r.addError(msg, rownum)
	if row == nil {
		r.setResult(rownum, StatusError, msg)
	} else {
		r.results = append(r.results, resultRow(row, StatusError, msg))
	}
}

// setResult updates the result row written during ingest. Rows are appended
// in order, one per data row, so the row number addresses them directly.
func (r *Runner) setResult(rownum int, status, msg string) {
	if 0 < rownum && rownum <= len(r.results) {
		res := r.results[rownum-1]
		res[StatusColumn] = status
		res[ErrorColumn] = msg
	}
}

func resultRow(row Row, status, msg string) Row {
	out := make(Row, len(row)+2)
	for k, v := range row {
		out[k] = v
	}
	out[StatusColumn] = status
	out[ErrorColumn] = msg
	return out
}

func (r *Runner) decodeUnit(raw json.RawMessage) (Staged, error) {
	if dec, ok := r.proc.(StagedDecoder); ok {
		return dec.DecodeStaged(raw)
	}
	var unit interface{}
	if err := json.Unmarshal(raw, &unit); err != nil {
		return nil, errors.Wrap(err, "decoding staged row")
	}
	return unit, nil
}

// persist writes the operation row and its artifacts. The upload copy is
// only written when its bytes are provided.
func (r *Runner) persist(ctx context.Context, filename string, upload []byte) error {
	now := time.Now().UTC()
	created := false
	if r.op.ID == "" {
		r.op = Operation{
			ID:               uuid.New().String(),
			Kind:             r.proc.Kind(),
			UniqueID:         r.proc.UniqueID(),
			UserID:           r.proc.Operator(),
			Operation:        OpStage,
			OriginalFilename: filename,
			CreatedAt:        now,
		}
		created = true
	}
	r.op.TotalRows = r.total
	r.op.ProcessedRows = r.processed
	r.op.SavedRows = r.saved
	r.op.UpdatedAt = now

	var err error
	if created {
		r.op, err = r.deps.Ops.CreateOperation(ctx, r.op)
	} else {
		r.op, err = r.deps.Ops.UpdateOperation(ctx, r.op)
	}
	if err != nil {
		return err
	}

	if upload != nil {
		if err = r.deps.Files.Save(ctx, path.Join(r.op.ID, uploadFile), bytes.NewReader(upload)); err != nil {
			return errors.Wrap(err, "saving upload")
		}
	}

	snap := snapshot{
		Header:        r.header,
		Stage:         r.stage,
		ErrorMessages: r.errMsgs,
		ErrorRows:     r.errRows,
	}
	if cfg, ok := r.proc.(Configurer); ok {
		if snap.Config, err = cfg.Configure(); err != nil {
			return errors.Wrap(err, "encoding processor config")
		}
	}
	var buf bytes.Buffer
	if err = json.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err = r.deps.Files.Save(ctx, path.Join(r.op.ID, stateFile), &buf); err != nil {
		return errors.Wrap(err, "saving snapshot")
	}

	if len(r.header) > 0 || len(r.results) > 0 {
		buf.Reset()
		if err = r.writeResults(&buf); err != nil {
			return err
		}
		if err = r.deps.Files.Save(ctx, path.Join(r.op.ID, resultsFile), &buf); err != nil {
			return errors.Wrap(err, "saving results")
		}
	}
	return nil
}

func (r *Runner) writeResults(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(r.header)+2)
	header = append(header, r.header...)
	header = append(header, StatusColumn, ErrorColumn)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "writing results header")
	}
	for _, row := range r.results {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = row[col]
		}
		if err := cw.Write(record); err != nil {
			return errors.Wrap(err, "writing results row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing results")
}

func (r *Runner) loadResults(ctx context.Context) error {
	f, err := r.deps.Files.Open(ctx, path.Join(r.op.ID, resultsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrap(err, "opening results")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading results")
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading results")
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		r.results = append(r.results, row)
	}
	return nil
}
