package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const transferColumns = `
	record_id,
	handle,
	kind,
	bucket_id,
	file_id,
	file_name,
	dest_path,
	temp_path,
	status,
	byte_count,
	content_hash,
	error,
	started_at,
	finished_at`

// SetTransferRetention configures the pruning horizon for finished transfers.
func (s *Store) SetTransferRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultTransferRetention
	}
	s.transferRetention = retention
}

// BeginTransfer inserts a running transfer row and returns its record ID.
func (s *Store) BeginTransfer(record TransferRecord) (string, error) {
	if err := validateTransferKind(record.Kind); err != nil {
		return "", err
	}
	if record.BucketID == "" {
		return "", errors.New("bucket_id is required")
	}
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	if record.StartedAt == 0 {
		record.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			record_id,
			handle,
			kind,
			bucket_id,
			file_id,
			file_name,
			dest_path,
			temp_path,
			status,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RecordID,
		int64(record.Handle),
		record.Kind,
		record.BucketID,
		nullString(stringPointer(record.FileID)),
		nullString(stringPointer(record.FileName)),
		nullString(stringPointer(record.DestPath)),
		nullString(stringPointer(record.TempPath)),
		TransferStatusRunning,
		record.StartedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert transfer %q: %w", record.RecordID, err)
	}

	return record.RecordID, nil
}

// FinishTransfer records the terminal outcome of a running transfer.
func (s *Store) FinishTransfer(recordID, status string, byteCount int64, contentHash, fileID, errText string) error {
	if recordID == "" {
		return errors.New("record_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if status == TransferStatusRunning {
		return errors.New("finished transfer cannot be running")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			byte_count = ?,
			content_hash = ?,
			file_id = COALESCE(?, file_id),
			error = ?,
			finished_at = ?
		WHERE record_id = ?`,
		status,
		byteCount,
		nullString(stringPointer(contentHash)),
		nullString(stringPointer(fileID)),
		nullString(stringPointer(errText)),
		nowUnixMilli(),
		recordID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", recordID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", recordID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches one transfer by record ID.
func (s *Store) GetTransfer(recordID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE record_id = ?`,
		recordID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", recordID, err)
	}
	return record, nil
}

// ListTransfers returns journal rows, newest first, with optional filtering.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Kind != "" {
		if err := validateTransferKind(filter.Kind); err != nil {
			return nil, err
		}
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.BucketID != "" {
		clauses = append(clauses, "bucket_id = ?")
		args = append(args, filter.BucketID)
	}

	query := `SELECT` + transferColumns + `
	FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, record_id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// OrphanedTransfers returns rows still marked running, which after a restart
// means the process died before the terminal event.
func (s *Store) OrphanedTransfers() ([]TransferRecord, error) {
	return s.ListTransfers(TransferFilter{Status: TransferStatusRunning})
}

// AbandonTransfer marks an orphaned running transfer as abandoned.
func (s *Store) AbandonTransfer(recordID string) error {
	return s.FinishTransfer(recordID, TransferStatusAbandoned, 0, "", "", "process exited before the transfer finished")
}

// PruneTransfers deletes finished transfers that ended before cutoff.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE status <> ? AND finished_at IS NOT NULL AND finished_at < ?`,
		TransferStatusRunning,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune transfers: %w", err)
	}
	return rowsAffected, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record      TransferRecord
		handle      int64
		fileID      sql.NullString
		fileName    sql.NullString
		destPath    sql.NullString
		tempPath    sql.NullString
		contentHash sql.NullString
		errText     sql.NullString
		finishedAt  sql.NullInt64
	)

	if err := row.Scan(
		&record.RecordID,
		&handle,
		&record.Kind,
		&record.BucketID,
		&fileID,
		&fileName,
		&destPath,
		&tempPath,
		&record.Status,
		&record.ByteCount,
		&contentHash,
		&errText,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	record.Handle = uint64(handle)
	record.FileID = fileID.String
	record.FileName = fileName.String
	record.DestPath = destPath.String
	record.TempPath = tempPath.String
	record.ContentHash = contentHash.String
	record.Error = errText.String
	record.FinishedAt = int64Ptr(finishedAt)

	return &record, nil
}
