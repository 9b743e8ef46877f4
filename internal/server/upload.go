package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"upload-relay/internal/logging"
	"upload-relay/internal/relay"
	"upload-relay/internal/settle"
	"upload-relay/internal/staging"
)

// maxFieldBytes caps a single non-file form value.
const maxFieldBytes = 1 << 20

// uploadResponse is the 200 body.
type uploadResponse struct {
	Status    string       `json:"status"`
	Message   string       `json:"message"`
	Result    uploadResult `json:"result"`
	Timestamp string       `json:"timestamp"`
}

type uploadResult struct {
	FilesProcessed int               `json:"filesProcessed"`
	FileResults    []relay.Outcome   `json:"fileResults"`
	DataReceived   map[string]string `json:"dataReceived"`
}

// uploadHandler handles POST / multipart uploads. Every file part is staged
// to local disk while the body is still being decoded; once the body is
// exhausted the verified files are relayed to the bucket, the staging files
// are swept, and a per-file summary is returned.
func (s *Server) uploadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx := r.Context()
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			// Body reads happen on staging goroutines and ignore ctx, so the
			// deadline is enforced on the connection too.
			deadline, _ := ctx.Deadline()
			_ = http.NewResponseController(w).SetReadDeadline(deadline)
		}
		if s.cfg.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		}

		sess := &uploadSession{
			srv:       s,
			requestID: RequestIDFromContext(r.Context()),
			fields:    make(map[string]string),
			started:   time.Now(),
		}
		status, body := sess.run(ctx, r)
		writeJSON(w, status, body)
	})
}

// uploadSession is the state of one upload request. It is only touched by the
// handler goroutine; staging goroutines own their Unit.
type uploadSession struct {
	srv       *Server
	requestID string
	fields    map[string]string
	units     []*staging.Unit
	started   time.Time
}

// run drives the request through receive, stage, relay and cleanup. Cleanup
// runs on every return path, panics included, before the caller writes.
func (u *uploadSession) run(ctx context.Context, r *http.Request) (status int, body any) {
	defer func() {
		if p := recover(); p != nil {
			logging.Error("upload_panic", logging.Fields{"rid": u.requestID}, fmt.Errorf("panic: %v", p))
			status, body = http.StatusInternalServerError, errorResponse{
				Error:   "Internal server error",
				Message: "unexpected error while processing upload",
			}
		}
		u.cleanup()
		GetMetrics().RecordUpload(isPartial(body), status != http.StatusOK, time.Since(u.started))
	}()

	mr, err := r.MultipartReader()
	if err != nil {
		return http.StatusBadRequest, errorResponse{Error: "Invalid request", Message: err.Error()}
	}

	if err := u.receive(mr); err != nil {
		return u.decodeFailure(ctx, err)
	}

	staged := u.awaitStaging(ctx)
	return u.relay(ctx, staged)
}

// receive consumes the body. Fields are collected; each file part is handed to
// a staging unit and the decoder only advances once that part is drained.
func (u *uploadSession) receive(mr *multipart.Reader) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := part.FormName()
		if name == "" {
			continue
		}

		if part.FileName() == "" {
			value, err := readField(part)
			if err != nil {
				return err
			}
			u.fields[name] = value
			continue
		}

		unit := u.srv.cfg.Stager.Stage(len(u.units), staging.FilePart{
			FieldName:   name,
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Content:     part,
		})
		u.units = append(u.units, unit)

		if err := unit.ReadErr(); err != nil {
			return err
		}
	}
}

var errFieldTooLarge = errors.New("form field exceeds 1 MiB")

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxFieldBytes {
		return "", errFieldTooLarge
	}
	return string(b), nil
}

// decodeFailure maps a body error to its response.
func (u *uploadSession) decodeFailure(ctx context.Context, err error) (int, any) {
	logging.Warn("upload_decode_failed", logging.Fields{"rid": u.requestID, "files": len(u.units)}, err)

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{
			Error:   "Upload too large",
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{
			Error:   "Upload timed out",
			Message: "request body was not received before the deadline",
		}
	default:
		return http.StatusBadRequest, errorResponse{Error: "Invalid multipart body", Message: err.Error()}
	}
}

// awaitStaging joins every staging unit and verifies the files on disk.
func (u *uploadSession) awaitStaging(ctx context.Context) []settle.Result[staging.StagedFile] {
	results := settle.Each(ctx, u.units, 0, func(_ context.Context, _ int, unit *staging.Unit) (staging.StagedFile, error) {
		f, err := unit.Wait()
		if err != nil {
			return f, err
		}
		return staging.Verify(f)
	})
	results = withUnitIdentity(u.units, results)

	ok, failed := settle.Partition(results)
	for range ok {
		GetMetrics().RecordStaged(true)
	}
	for _, i := range failed {
		GetMetrics().RecordStaged(false)
		logging.Warn("staging_failed", logging.Fields{
			"rid":      u.requestID,
			"index":    i,
			"filename": results[i].Value.OriginalFilename,
		}, results[i].Err)
	}
	return results
}

// withUnitIdentity fills the name and path of failed results that carry no
// value, such as a join that panicked, from the unit that produced them.
func withUnitIdentity(units []*staging.Unit, results []settle.Result[staging.StagedFile]) []settle.Result[staging.StagedFile] {
	for i, res := range results {
		if res.OK() || res.Value.Path != "" {
			continue
		}
		results[i].Value = staging.StagedFile{
			Index:            i,
			OriginalFilename: units[i].Filename(),
			Path:             units[i].Path(),
			Status:           staging.WriteFailed,
		}
	}
	return results
}

// relay sends the verified files and assembles the response. Files that failed
// staging keep their slot as an error outcome.
func (u *uploadSession) relay(ctx context.Context, staged []settle.Result[staging.StagedFile]) (int, any) {
	outcomes := make([]relay.Outcome, len(staged))
	var items []relay.Item

	for i, res := range staged {
		f := res.Value
		if !res.OK() {
			outcomes[i] = relay.Failed(f.OriginalFilename, f.Path, res.Err)
			continue
		}
		items = append(items, relay.Item{
			Index:       i,
			Filename:    f.OriginalFilename,
			Path:        f.Path,
			ContentType: f.ContentType,
			Size:        f.Size,
		})
	}

	if len(items) == 0 {
		logging.Warn("upload_no_files", logging.Fields{"rid": u.requestID, "declared": len(staged)}, relay.ErrNoFiles)
		return http.StatusInternalServerError, errorResponse{Error: "Upload failed", Message: relay.ErrNoFiles.Error()}
	}

	correlationID := u.fields[u.srv.cfg.CorrelationField]
	sent := u.srv.cfg.Relay.Send(ctx, correlationID, items)
	for j, o := range sent {
		outcomes[items[j].Index] = o
		GetMetrics().RecordRelayed(o.Status == relay.StatusSuccess, items[j].Size)
	}

	u.record(ctx, correlationID, outcomes)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorResponse{
			Error:   "Upload timed out",
			Message: "relay did not finish before the deadline",
		}
	}

	succeeded, failed := relay.Summary(outcomes)
	resp := uploadResponse{
		Status:  "success",
		Message: fmt.Sprintf("Uploaded %d file(s)", succeeded),
		Result: uploadResult{
			FilesProcessed: len(outcomes),
			FileResults:    outcomes,
			DataReceived:   u.fields,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if failed > 0 {
		resp.Status = "partial"
		resp.Message = fmt.Sprintf("Uploaded %d of %d file(s), %d failed", succeeded, len(outcomes), failed)
	}

	logging.Info("upload_complete", logging.Fields{
		"rid":            u.requestID,
		"correlation_id": correlationID,
		"succeeded":      succeeded,
		"failed":         failed,
		"ms":             time.Since(u.started).Milliseconds(),
	})
	return http.StatusOK, resp
}

// record writes the outcomes to the ledger when one is configured. Failures
// are logged and never change the response.
func (u *uploadSession) record(ctx context.Context, correlationID string, outcomes []relay.Outcome) {
	ledger := u.srv.cfg.Ledger
	if ledger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	bucket := u.srv.cfg.Relay.Store().Bucket()
	if err := ledger.Record(ctx, u.requestID, correlationID, bucket, outcomes); err != nil {
		logging.Warn("ledger_record_failed", logging.Fields{"rid": u.requestID, "correlation_id": correlationID}, err)
	}
}

// cleanup waits for every staging unit to release its file, then removes all
// attempted paths.
func (u *uploadSession) cleanup() {
	paths := make([]string, 0, len(u.units))
	for _, unit := range u.units {
		_, _ = unit.Wait()
		paths = append(paths, unit.Path())
	}

	report := staging.Sweep(paths)
	GetMetrics().RecordCleanup(report.Removed, report.Failed)
	if report.Failed > 0 {
		logging.Warn("upload_cleanup_incomplete", logging.Fields{
			"rid":     u.requestID,
			"removed": report.Removed,
			"failed":  report.Failed,
		}, nil)
	}
}

func isPartial(body any) bool {
	resp, ok := body.(uploadResponse)
	return ok && resp.Status == "partial"
}
