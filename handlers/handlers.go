package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/jobq/config"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/job"
)

// Queue names.
const (
	QueueSearchIndex  = "search-index"
	QueueSendEmail    = "send-email"
	QueueAssetProcess = "asset-process"
)

// Index operations understood by the search-index handler.
const (
	IndexUpsert = "upsert"
	IndexDelete = "delete"
)

// SearchIndexPayload asks for one document to be reindexed.
type SearchIndexPayload struct {
	Index      string `json:"index" msgpack:"index"`
	DocumentID string `json:"document_id" msgpack:"document_id"`
	Op         string `json:"op,omitempty" msgpack:"op,omitempty"`
}

// AssetPayload names an uploaded asset to post-process.
type AssetPayload struct {
	Key         string   `json:"key" msgpack:"key"`
	ContentType string   `json:"content_type,omitempty" msgpack:"content_type,omitempty"`
	Variants    []string `json:"variants,omitempty" msgpack:"variants,omitempty"`
}

var (
	errMissingDocument = errors.New("search-index: index and document_id are required")
	errUnknownIndexOp  = errors.New("search-index: unknown op")
	errMissingAssetKey = errors.New("asset-process: key is required")
)

// SearchIndex returns the search-index definition. The search service
// itself lives outside this module; the handler records the request.
func SearchIndex(logger *slog.Logger) *job.Definition[SearchIndexPayload] {
	if logger == nil {
		logger = slog.Default()
	}
	return job.NewDefinition(QueueSearchIndex, func(ctx context.Context, p SearchIndexPayload) error {
		if p.Index == "" || p.DocumentID == "" {
			return errMissingDocument
		}
		op := p.Op
		if op == "" {
			op = IndexUpsert
		}
		if op != IndexUpsert && op != IndexDelete {
			return errUnknownIndexOp
		}
		logger.InfoContext(ctx, "reindex requested",
			append(jobAttrs(ctx),
				slog.String("index", p.Index),
				slog.String("document_id", p.DocumentID),
				slog.String("op", op),
			)...,
		)
		return nil
	}, job.WithMaxAttempts(5))
}

// AssetProcess returns the asset-process definition.
func AssetProcess(logger *slog.Logger) *job.Definition[AssetPayload] {
	if logger == nil {
		logger = slog.Default()
	}
	return job.NewDefinition(QueueAssetProcess, func(ctx context.Context, p AssetPayload) error {
		if p.Key == "" {
			return errMissingAssetKey
		}
		logger.InfoContext(ctx, "asset processing requested",
			append(jobAttrs(ctx),
				slog.String("asset_key", p.Key),
				slog.String("content_type", p.ContentType),
				slog.Any("variants", p.Variants),
			)...,
		)
		return nil
	})
}

// SendEmail returns the send-email definition backed by m.
func SendEmail(m *Mailer) *job.Definition[EmailPayload] {
	return job.NewDefinition(QueueSendEmail, m.Send, job.WithMaxAttempts(5))
}

// RegisterAll registers every handler in this package on eng.
func RegisterAll(eng *engine.Engine, email config.EmailConfig, logger *slog.Logger) {
	engine.Register(eng, SearchIndex(logger))
	engine.Register(eng, SendEmail(NewMailer(email, logger)))
	engine.Register(eng, AssetProcess(logger))
}

func jobAttrs(ctx context.Context) []any {
	j, ok := job.FromContext(ctx)
	if !ok {
		return nil
	}
	return []any{slog.String("job_id", j.ID.String()), slog.Int("attempt", j.Attempts+1)}
}
