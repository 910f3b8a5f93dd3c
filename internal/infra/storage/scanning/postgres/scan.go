// Package postgres implements the scan repository on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/internal/infra/storage"
)

// defaultDBAttributes is a set of common attributes for all postgres operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ scanning.ScanRepository = (*scanStore)(nil)

// scanStore persists scans and their findings.
type scanStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a new PostgreSQL-backed scan repository.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{pool: pool, tracer: tracer}
}

const createScanSQL = `
INSERT INTO scans (id, project_id, target_urls, status, rate_limit, timeout_minutes)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`

// CreateScan inserts a pending scan. The enqueuing service owns scan creation;
// this exists for tooling and tests.
func (s *scanStore) CreateScan(ctx context.Context, scan *scanning.Scan, projectID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scan.ID()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, createScanSQL,
			scan.ID(),
			projectID,
			nonNil(scan.TargetURLs()),
			scan.Status().String(),
			scan.RateLimit(),
			scan.Timeout(),
		)
		if err != nil {
			return fmt.Errorf("failed to create scan: %w", err)
		}
		return nil
	})
}

const getScanSQL = `
SELECT id, target_urls, status, started_at, completed_at, rate_limit, timeout_minutes,
       critical_count, high_count, medium_count, low_count, info_count,
       total_findings, avg_risk_score, max_risk_score, error_message, warnings
FROM scans
WHERE id = $1`

// GetScan loads a scan by id.
func (s *scanStore) GetScan(ctx context.Context, scanID string) (*scanning.Scan, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scanID),
	)

	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan", dbAttrs, func(ctx context.Context) error {
		var (
			id                     string
			targets, warnings      []string
			status, errMsg         string
			startedAt, completedAt pgtype.Timestamptz
			rateLimit, timeout     int32
			counts                 [5]int32
			total                  int32
			avgRisk, maxRisk       float64
		)
		err := s.pool.QueryRow(ctx, getScanSQL, scanID).Scan(
			&id, &targets, &status, &startedAt, &completedAt, &rateLimit, &timeout,
			&counts[0], &counts[1], &counts[2], &counts[3], &counts[4],
			&total, &avgRisk, &maxRisk, &errMsg, &warnings,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrScanNotFound
			}
			return fmt.Errorf("failed to get scan: %w", err)
		}

		stats := scanning.Stats{
			Counts: scanning.SeverityCounts{
				Critical: int(counts[0]),
				High:     int(counts[1]),
				Medium:   int(counts[2]),
				Low:      int(counts[3]),
				Info:     int(counts[4]),
			},
			Total:        int(total),
			AvgRiskScore: avgRisk,
			MaxRiskScore: maxRisk,
		}

		scan = scanning.ReconstructScan(
			id,
			targets,
			scanning.ParseScanStatus(status),
			timeOrZero(startedAt),
			timeOrZero(completedAt),
			int(rateLimit),
			int(timeout),
			stats,
			errMsg,
			warnings,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return scan, nil
}

const updateScanSQL = `
UPDATE scans SET
    target_urls = $2,
    status = $3,
    started_at = $4,
    completed_at = $5,
    rate_limit = $6,
    timeout_minutes = $7,
    critical_count = $8,
    high_count = $9,
    medium_count = $10,
    low_count = $11,
    info_count = $12,
    total_findings = $13,
    avg_risk_score = $14,
    max_risk_score = $15,
    error_message = $16,
    warnings = $17,
    updated_at = NOW()
WHERE id = $1`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpdateScan persists the scan's status, timestamps, stats, and diagnostics.
func (s *scanStore) UpdateScan(ctx context.Context, scan *scanning.Scan) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scan.ID()),
		attribute.String("status", scan.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan", dbAttrs, func(ctx context.Context) error {
		return updateScan(ctx, s.pool, scan)
	})
}

const (
	deleteFindingsSQL = `DELETE FROM findings WHERE scan_id = $1`

	insertFindingSQL = `
INSERT INTO findings (
    id, scan_id, scanner, name, description, severity, confidence, risk_level, risk_score,
    plugin_id, cve_id, cwe_ids, url, method, parameter, attack, evidence,
    request_headers, request_body, response_headers, metadata, created_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
)`
)

// SaveResults replaces the scan's findings and updates the scan in a single
// transaction. Either everything is visible or nothing is.
func (s *scanStore) SaveResults(ctx context.Context, scan *scanning.Scan, findings []scanning.Finding) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scan.ID()),
		attribute.Int("finding_count", len(findings)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_results", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, deleteFindingsSQL, scan.ID()); err != nil {
			return fmt.Errorf("failed to clear previous findings: %w", err)
		}

		if len(findings) > 0 {
			batch := &pgx.Batch{}
			for i := range findings {
				args, err := findingArgs(scan.ID(), &findings[i])
				if err != nil {
					return err
				}
				batch.Queue(insertFindingSQL, args...)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert findings: %w", err)
			}
		}

		if err := updateScan(ctx, tx, scan); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit results: %w", err)
		}
		return nil
	})
}

const listFindingsSQL = `
SELECT id, scan_id, scanner, name, description, severity, confidence, risk_level, risk_score,
       plugin_id, cve_id, cwe_ids, url, method, parameter, attack, evidence,
       request_headers, request_body, response_headers, metadata, created_at
FROM findings
WHERE scan_id = $1
ORDER BY risk_score DESC, created_at, id`

// ListFindings returns the scan's findings, highest risk first.
func (s *scanStore) ListFindings(ctx context.Context, scanID string) ([]scanning.Finding, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scanID),
	)

	var findings []scanning.Finding
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_findings", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, listFindingsSQL, scanID)
		if err != nil {
			return fmt.Errorf("failed to list findings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f          scanning.Finding
				severity   string
				confidence *string
				metadata   []byte
			)
			if err := rows.Scan(
				&f.ID, &f.ScanID, &f.Scanner, &f.Name, &f.Description, &severity, &confidence,
				&f.RiskLevel, &f.RiskScore, &f.PluginID, &f.CVEID, &f.CWEIDs, &f.URL, &f.Method,
				&f.Parameter, &f.Attack, &f.Evidence, &f.RequestHeaders, &f.RequestBody,
				&f.ResponseHeaders, &metadata, &f.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to scan finding row: %w", err)
			}

			f.Severity = scanning.ParseSeverity(severity)
			if confidence != nil {
				f.Confidence = scanning.ParseConfidence(*confidence)
			}
			f.Metadata = scanning.Metadata{}
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
					return fmt.Errorf("failed to decode finding metadata: %w", err)
				}
			}
			findings = append(findings, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return findings, nil
}

func updateScan(ctx context.Context, db execer, scan *scanning.Scan) error {
	stats := scan.Stats()
	completedAt, _ := scan.CompletedAt()

	tag, err := db.Exec(ctx, updateScanSQL,
		scan.ID(),
		nonNil(scan.TargetURLs()),
		scan.Status().String(),
		nullableTime(scan.StartedAt()),
		nullableTime(completedAt),
		scan.RateLimit(),
		scan.Timeout(),
		stats.Counts.Critical,
		stats.Counts.High,
		stats.Counts.Medium,
		stats.Counts.Low,
		stats.Counts.Info,
		stats.Total,
		stats.AvgRiskScore,
		stats.MaxRiskScore,
		text(scan.ErrorMessage()),
		texts(scan.Warnings()),
	)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scanning.ErrScanNotFound
	}
	return nil
}

func findingArgs(scanID string, f *scanning.Finding) ([]any, error) {
	metadata, err := json.Marshal(textValue(map[string]any(f.Metadata)))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata for finding %s: %w", f.ID, err)
	}
	if f.Metadata == nil {
		metadata = []byte("{}")
	}

	id := f.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var confidence *string
	if f.Confidence != nil {
		c := f.Confidence.String()
		confidence = &c
	}

	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return []any{
		id, scanID, text(f.Scanner), text(f.Name), text(f.Description), f.Severity.String(), confidence,
		text(f.RiskLevel), f.RiskScore, text(f.PluginID), text(f.CVEID), texts(f.CWEIDs), text(f.URL),
		text(f.Method), text(f.Parameter), text(f.Attack), text(f.Evidence), text(f.RequestHeaders),
		text(f.RequestBody), text(f.ResponseHeaders), metadata, createdAt,
	}, nil
}

// text makes tool output storable: PostgreSQL text and jsonb reject NUL
// and invalid UTF-8, both of which appear in captured HTTP bodies.
func text(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

func texts(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = text(s)
	}
	return out
}

// textValue applies text to every string, key or element in a decoded JSON
// value.
func textValue(v any) any {
	switch t := v.(type) {
	case string:
		return text(t)
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[text(k)] = textValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = textValue(e)
		}
		return out
	case []string:
		return texts(t)
	default:
		return v
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func timeOrZero(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
