package repository

import (
	"context"
	"log"
	"time"

	"github.com/cloo-solutions/ragline/internal/pipeline"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryLogRepository stores completed queries for evaluation and usage
// accounting. Tenant identifiers arrive pre-hashed.
type QueryLogRepository struct {
	pool *pgxpool.Pool
}

func NewQueryLogRepository(pool *pgxpool.Pool) *QueryLogRepository {
	return &QueryLogRepository{pool: pool}
}

func (r *QueryLogRepository) Create(ctx context.Context, entry pipeline.QueryLogEntry) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO query_logs (tenant_hash, query, level, answered, cached, confidence, latency_ms, prompt_tokens, completion_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		entry.TenantHash,
		entry.Query,
		entry.Level,
		entry.Answered,
		entry.Cached,
		entry.Confidence,
		entry.LatencyMs,
		entry.PromptTokens,
		entry.CompletionTokens,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// TenantUsage aggregates a tenant's query activity since a point in time.
type TenantUsage struct {
	TenantHash   string  `json:"tenant_hash"`
	Queries      int64   `json:"queries"`
	Answered     int64   `json:"answered"`
	CacheHits    int64   `json:"cache_hits"`
	TotalTokens  int64   `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

func (r *QueryLogRepository) UsageByTenant(ctx context.Context, tenantHash string, since time.Time) (*TenantUsage, error) {
	usage := &TenantUsage{TenantHash: tenantHash}
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE answered),
		        COUNT(*) FILTER (WHERE cached),
		        COALESCE(SUM(prompt_tokens + completion_tokens), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM query_logs
		 WHERE tenant_hash = $1 AND created_at >= $2`,
		tenantHash,
		since.UTC(),
	).Scan(&usage.Queries, &usage.Answered, &usage.CacheHits, &usage.TotalTokens, &usage.AvgLatencyMs)
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// LevelBreakdown counts answers per fallback level since a point in time,
// the signal for how often the cascade leaves the primary path.
func (r *QueryLogRepository) LevelBreakdown(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT level, COUNT(*)
		 FROM query_logs
		 WHERE created_at >= $1
		 GROUP BY level`,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	breakdown := make(map[string]int64)
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		breakdown[level] = count
	}
	return breakdown, rows.Err()
}

// DeleteOlderThan removes query log rows past the retention horizon and
// returns how many were dropped.
func (r *QueryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM query_logs WHERE created_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const asyncLogTimeout = 5 * time.Second

// AsyncQueryLogger adapts the repository to the pipeline's logger: writes
// happen off the response path and persistence failures only log.
type AsyncQueryLogger struct {
	repo *QueryLogRepository
}

func NewAsyncQueryLogger(repo *QueryLogRepository) *AsyncQueryLogger {
	return &AsyncQueryLogger{repo: repo}
}

func (l *AsyncQueryLogger) LogQuery(_ context.Context, entry pipeline.QueryLogEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncLogTimeout)
		defer cancel()
		if _, err := l.repo.Create(ctx, entry); err != nil {
			log.Printf("query_log: persist failed: %v", err)
		}
	}()
}
