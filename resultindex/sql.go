package resultindex

import (
	"context"

	"gorm.io/gorm"

	"github.com/hairizuan-noorazman/buygold-e2e/logger"
	"github.com/hairizuan-noorazman/buygold-e2e/testresult"
)

const rebuildBatchSize = 200

// SQLStore implements the Store interface using GORM.
type SQLStore struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewSQLStore creates a new GORM-backed result index.
func NewSQLStore(db *gorm.DB, log logger.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: log,
	}
}

// Index adds one record to the index.
func (s *SQLStore) Index(ctx context.Context, rec *testresult.Record) error {
	row := FromRecord(rec)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.logger.Error(ctx, "failed to index result", map[string]interface{}{
			"error":  err.Error(),
			"run_id": rec.RunID,
			"nodeid": rec.NodeID,
		})
		return &testresult.PersistenceError{Sink: SinkName, Key: rec.NodeID, Err: err}
	}

	s.logger.Debug(ctx, "result indexed", map[string]interface{}{
		"result_id": row.ID,
		"run_id":    rec.RunID,
		"nodeid":    rec.NodeID,
	})
	return nil
}

// Rebuild replaces the whole index with records inside one transaction.
func (s *SQLStore) Rebuild(ctx context.Context, records []testresult.Record) (int, error) {
	rows := make([]*Result, 0, len(records))
	for i := range records {
		rows = append(rows, FromRecord(&records[i]))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Result{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, rebuildBatchSize).Error
	})
	if err != nil {
		s.logger.Error(ctx, "failed to rebuild result index", map[string]interface{}{
			"error":   err.Error(),
			"records": len(records),
		})
		return 0, &testresult.PersistenceError{Sink: SinkName, Err: err}
	}

	s.logger.Info(ctx, "result index rebuilt", map[string]interface{}{
		"records": len(rows),
	})
	return len(rows), nil
}

// ListByRun retrieves the results of one run in start order.
func (s *SQLStore) ListByRun(ctx context.Context, runID string) ([]*Result, error) {
	var results []*Result
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("started_at ASC, node_id ASC").
		Find(&results).Error
	if err != nil {
		s.logger.Error(ctx, "failed to list results by run", map[string]interface{}{
			"error":  err.Error(),
			"run_id": runID,
		})
		return nil, err
	}
	return results, nil
}

// ListByTest retrieves the most recent results of one test, newest first.
func (s *SQLStore) ListByTest(ctx context.Context, nodeID string, limit int) ([]*Result, error) {
	query := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var results []*Result
	if err := query.Find(&results).Error; err != nil {
		s.logger.Error(ctx, "failed to list results by test", map[string]interface{}{
			"error":  err.Error(),
			"nodeid": nodeID,
		})
		return nil, err
	}
	return results, nil
}

// RunStats counts the results of one run by status.
func (s *SQLStore) RunStats(ctx context.Context, runID string) (*RunStats, error) {
	var rows []struct {
		Status testresult.Status
		Count  int
	}
	err := s.db.WithContext(ctx).
		Model(&Result{}).
		Select("status, COUNT(*) AS count").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRunNotFound
	}

	stats := &RunStats{RunID: runID, Counts: make(map[testresult.Status]int)}
	for _, st := range testresult.TerminalStatuses {
		stats.Counts[st] = 0
	}
	for _, r := range rows {
		stats.Counts[r.Status] = r.Count
		stats.Total += r.Count
	}
	return stats, nil
}

// Flaky lists tests that both passed and failed (or errored) across at least minRuns
// results, most failures first.
func (s *SQLStore) Flaky(ctx context.Context, minRuns, limit int) ([]FlakyTest, error) {
	passed := string(testresult.StatusPassed)
	failing := []string{string(testresult.StatusFailed), string(testresult.StatusErrored)}

	query := s.db.WithContext(ctx).
		Model(&Result{}).
		Select("node_id, COUNT(*) AS runs, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS passed, "+
			"SUM(CASE WHEN status IN ? THEN 1 ELSE 0 END) AS failed", passed, failing).
		Group("node_id").
		Having("COUNT(*) >= ? AND SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) > 0 "+
			"AND SUM(CASE WHEN status IN ? THEN 1 ELSE 0 END) > 0", minRuns, passed, failing).
		Order("failed DESC, node_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []struct {
		NodeID string
		Runs   int
		Passed int
		Failed int
	}
	if err := query.Scan(&rows).Error; err != nil {
		s.logger.Error(ctx, "failed to query flaky tests", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	flaky := make([]FlakyTest, 0, len(rows))
	for _, r := range rows {
		latest, err := s.ListByTest(ctx, r.NodeID, 1)
		if err != nil {
			return nil, err
		}
		f := FlakyTest{NodeID: r.NodeID, Runs: r.Runs, Passed: r.Passed, Failed: r.Failed}
		if len(latest) > 0 {
			f.LastSeen = latest[0].StartedAt
		}
		flaky = append(flaky, f)
	}
	return flaky, nil
}
