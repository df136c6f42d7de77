// Package upload implements the per-task archive protocol: obtain
// write URLs for both artifacts, resolve conflicts against current and
// legacy naming conventions, then gzip and PUT the payloads.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ikkem-lin/papercrawl/internal/task"
)

// Artifact file names. The identifier is the storage prefix, so names
// only need to distinguish the two representations. The legacy names
// predate compression and are only probed for conflicts, never written.
const (
	IndexArtifact         = "_.html.gz"
	CaptureArtifact       = "_.sf.html.gz"
	LegacyIndexArtifact   = "_.html"
	LegacyCaptureArtifact = "_.sf.html"
)

// Conflict reasons recorded on skipped tasks.
const (
	ReasonExistsCurrent = "File already exists on server (PreSign returned null)"
	ReasonExistsLegacy  = "File already exists on server (Old format check)"
)

// AlreadyExistsError marks a task whose artifacts are already archived.
// It is terminal for the task but not a failure of this run.
type AlreadyExistsError struct {
	Reason string
}

func (e *AlreadyExistsError) Error() string { return e.Reason }

// Presigner obtains a write URL for one artifact of one identifier. An
// empty URL with a nil error means the object already exists.
type Presigner interface {
	PresignPut(ctx context.Context, doi, fileName string) (string, error)
}

// Plan holds the write URLs for one task's artifacts.
type Plan struct {
	IndexURL   string
	CaptureURL string
}

// Coordinator runs the upload protocol for one task at a time.
type Coordinator struct {
	presigner Presigner
	httpc     *http.Client
	logger    *zap.Logger
}

// NewCoordinator wires a Coordinator to a presign client.
func NewCoordinator(presigner Presigner, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		presigner: presigner,
		httpc:     &http.Client{Timeout: 2 * time.Minute},
		logger:    logger,
	}
}

// Prepare requests write URLs for both artifacts and resolves naming
// conflicts. When both current names conflict it re-checks the legacy
// names before concluding the archive already exists. A conflict on
// only one current name returns a plan with that URL empty; Run then
// uploads only the missing artifact.
//
// The partial case never flags the asymmetry of a half-written archive.
// Known gap, kept so the conflict rules stay identical for every
// crawler generation writing to the same bucket.
func (c *Coordinator) Prepare(ctx context.Context, t *task.Task, sw *task.Stopwatch) (Plan, error) {
	// The gateway expects the flattened identifier form, with path
	// separators folded to underscores.
	doi := strings.ReplaceAll(t.DOI(), "/", "_")

	indexURL, err := c.presigner.PresignPut(ctx, doi, IndexArtifact)
	sw.Mark(t, task.StagePresignIndex)
	if err != nil {
		return Plan{}, err
	}
	captureURL, err := c.presigner.PresignPut(ctx, doi, CaptureArtifact)
	sw.Mark(t, task.StagePresignSinglefile)
	if err != nil {
		return Plan{}, err
	}

	if indexURL != "" && captureURL != "" {
		return Plan{IndexURL: indexURL, CaptureURL: captureURL}, nil
	}
	if indexURL == "" && captureURL == "" {
		legacyIndex, err := c.presigner.PresignPut(ctx, doi, LegacyIndexArtifact)
		if err != nil {
			return Plan{}, err
		}
		legacyCapture, err := c.presigner.PresignPut(ctx, doi, LegacyCaptureArtifact)
		if err != nil {
			return Plan{}, err
		}
		if legacyIndex == "" && legacyCapture == "" {
			return Plan{}, &AlreadyExistsError{Reason: ReasonExistsLegacy}
		}
		return Plan{}, &AlreadyExistsError{Reason: ReasonExistsCurrent}
	}

	c.logger.Warn("partial archive detected",
		zap.String("doi", doi),
		zap.Bool("index_free", indexURL != ""),
		zap.Bool("capture_free", captureURL != ""),
	)
	return Plan{IndexURL: indexURL, CaptureURL: captureURL}, nil
}

// Run compresses and uploads the payloads, capture first, stamping a
// timepoint after each completed upload. An empty URL in the plan means
// that artifact already exists and is skipped.
func (c *Coordinator) Run(ctx context.Context, t *task.Task, sw *task.Stopwatch, plan Plan, indexHTML, captureHTML string) error {
	if plan.CaptureURL != "" {
		captureBody, err := compress([]byte(captureHTML))
		if err != nil {
			return fmt.Errorf("compress capture: %w", err)
		}
		if err := c.put(ctx, plan.CaptureURL, captureBody); err != nil {
			return fmt.Errorf("upload capture: %w", err)
		}
		sw.Mark(t, task.StageSingleFileUploaded)
	}

	if plan.IndexURL != "" {
		indexBody, err := compress([]byte(indexHTML))
		if err != nil {
			return fmt.Errorf("compress index: %w", err)
		}
		if err := c.put(ctx, plan.IndexURL, indexBody); err != nil {
			return fmt.Errorf("upload index: %w", err)
		}
		sw.Mark(t, task.StageIndexFileUploaded)
	}

	c.logger.Info("artifacts uploaded", zap.String("doi", t.DOI()))
	return nil
}

func (c *Coordinator) put(ctx context.Context, url string, body []byte) error {
	if url == "" {
		return errors.New("missing upload url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")
	req.ContentLength = int64(len(body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("put object: status %d", resp.StatusCode)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
