package index

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"

	"github.com/ceramicnetwork/go-ceramic-repo/common"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// PgIndexer maintains the stream index in Postgres for the configured set of
// models. Indexed streams must stay pinned, which the repository enforces.
type PgIndexer struct {
	logger    models.Logger
	connUrl   string
	models    map[string]struct{}
	validator *validator.Validate
}

func NewPgIndexer(logger models.Logger, connUrl string) *PgIndexer {
	allowed := make(map[string]struct{})
	if configModels, found := os.LookupEnv("INDEX_MODELS"); found {
		for _, model := range strings.Split(configModels, " ") {
			if len(model) > 0 {
				allowed[model] = struct{}{}
			}
		}
	}
	return &PgIndexer{
		logger:    logger,
		connUrl:   connUrl,
		models:    allowed,
		validator: validator.New(),
	}
}

func (i *PgIndexer) Init(ctx context.Context) error {
	return i.withConn(ctx, func(connCtx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(
			connCtx,
			`CREATE TABLE IF NOT EXISTS stream_index (
				stream_id TEXT PRIMARY KEY,
				model TEXT NOT NULL,
				controller TEXT NOT NULL,
				tip TEXT NOT NULL,
				last_anchor TIMESTAMP,
				updated_at TIMESTAMP NOT NULL
			)`,
		)
		return err
	})
}

func (i *PgIndexer) ShouldIndexStream(model string) bool {
	_, found := i.models[model]
	return found
}

func (i *PgIndexer) IndexStream(ctx context.Context, record *models.StreamIndexRecord) error {
	if err := i.validator.Struct(record); err != nil {
		return fmt.Errorf("index: invalid record for stream %s: %w", record.StreamId, err)
	}
	return i.withConn(ctx, func(connCtx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(
			connCtx,
			`INSERT INTO stream_index (stream_id, model, controller, tip, last_anchor, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (stream_id) DO UPDATE
			 SET tip = $4, last_anchor = $5, updated_at = $6`,
			record.StreamId,
			record.Model,
			record.Controller,
			record.Tip,
			record.LastAnchor,
			record.UpdatedAt,
		)
		return err
	})
}

func (i *PgIndexer) Close(ctx context.Context) error {
	return nil
}

func (i *PgIndexer) withConn(ctx context.Context, fn func(ctx context.Context, conn *pgx.Conn) error) error {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	conn, err := pgx.Connect(dbCtx, i.connUrl)
	if err != nil {
		i.logger.Errorf("index: error connecting to db: %v", err)
		return err
	}
	defer conn.Close(context.Background())

	return fn(dbCtx, conn)
}
