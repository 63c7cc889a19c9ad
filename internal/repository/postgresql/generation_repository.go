// Package postgresql keeps the searchable generations table.
package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"image-worker/internal/entity"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id                   TEXT PRIMARY KEY,
	created_at           TIMESTAMPTZ NOT NULL,
	prompt               TEXT NOT NULL DEFAULT '',
	negative_prompt      TEXT NOT NULL DEFAULT '',
	model                TEXT NOT NULL DEFAULT '',
	image                TEXT NOT NULL,
	created_at_timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS generations_created_at_idx ON generations (created_at_timestamp DESC);
`

// Generation is one searchable row.
type Generation struct {
	ID                 string
	CreatedAt          time.Time
	Prompt             string
	NegativePrompt     string
	Model              string
	Image              string
	CreatedAtTimestamp int64
}

// GenerationFromDocument maps a closed job onto a row. Only finished
// text/image-to-image jobs with at least one image are searchable.
func GenerationFromDocument(doc entity.JobDocument) (Generation, bool) {
	if doc.Status != entity.StatusDone || len(doc.Images) == 0 {
		return Generation{}, false
	}
	if doc.Type != entity.JobTypeTxt2Img && doc.Type != entity.JobTypeImg2Img {
		return Generation{}, false
	}
	return Generation{
		ID:                 doc.ID,
		CreatedAt:          doc.CreatedAt,
		Prompt:             doc.Prompt,
		NegativePrompt:     doc.NegativePrompt,
		Model:              doc.Model,
		Image:              doc.Images[0],
		CreatedAtTimestamp: doc.CreatedAt.Unix(),
	}, true
}

type GenerationRepository struct {
	pool *pgxpool.Pool
}

func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepository {
	return &GenerationRepository{pool: pool}
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	return pool, nil
}

func (r *GenerationRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func (r *GenerationRepository) Name() string { return "postgres" }

// Index upserts the document when it is searchable and ignores it otherwise.
func (r *GenerationRepository) Index(ctx context.Context, doc entity.JobDocument) error {
	g, ok := GenerationFromDocument(doc)
	if !ok {
		return nil
	}

	const q = `
INSERT INTO generations (id, created_at, prompt, negative_prompt, model, image, created_at_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	prompt = EXCLUDED.prompt,
	negative_prompt = EXCLUDED.negative_prompt,
	model = EXCLUDED.model,
	image = EXCLUDED.image;
`
	_, err := r.pool.Exec(ctx, q, g.ID, g.CreatedAt, g.Prompt, g.NegativePrompt, g.Model, g.Image, g.CreatedAtTimestamp)
	return err
}

func (r *GenerationRepository) GetByID(ctx context.Context, id string) (*Generation, error) {
	const q = `
SELECT id, created_at, prompt, negative_prompt, model, image, created_at_timestamp
FROM generations
WHERE id = $1;
`
	var g Generation
	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&g.ID,
		&g.CreatedAt,
		&g.Prompt,
		&g.NegativePrompt,
		&g.Model,
		&g.Image,
		&g.CreatedAtTimestamp,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}
