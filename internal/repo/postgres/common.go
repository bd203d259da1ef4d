package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeDescriptor(desc *domain.ArtifactDescriptor) ([]byte, error) {
	if desc == nil {
		return nil, nil
	}
	return json.Marshal(descriptorRow{
		Framework:   string(desc.Framework),
		ModelType:   desc.ModelType,
		InputShape:  desc.InputShape,
		OutputShape: desc.OutputShape,
		SizeBytes:   desc.SizeBytes,
		Errors:      desc.Errors,
		Warnings:    desc.Warnings,
	})
}

func decodeDescriptor(raw []byte) (*domain.ArtifactDescriptor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var row descriptorRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return &domain.ArtifactDescriptor{
		Framework:   domain.Framework(row.Framework),
		ModelType:   row.ModelType,
		InputShape:  row.InputShape,
		OutputShape: row.OutputShape,
		SizeBytes:   row.SizeBytes,
		Errors:      row.Errors,
		Warnings:    row.Warnings,
	}, nil
}

type descriptorRow struct {
	Framework   string   `json:"framework"`
	ModelType   string   `json:"model_type,omitempty"`
	InputShape  []int    `json:"input_shape,omitempty"`
	OutputShape []int    `json:"output_shape,omitempty"`
	SizeBytes   int64    `json:"size_bytes"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
