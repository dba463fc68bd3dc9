package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"credx/crypto"
	"credx/native/lending"
)

// Snapshot is one loan row in an export.
type Snapshot struct {
	Owner    crypto.Address
	Position *lending.Position
}

type loanRow struct {
	Owner            string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralAsset  string `parquet:"name=collateral_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Oracle           string `parquet:"name=oracle, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralAmount int64  `parquet:"name=collateral_amount, type=INT64, convertedtype=UINT_64"`
	VaultBalance     int64  `parquet:"name=vault_balance, type=INT64, convertedtype=UINT_64"`
	RemainingDebt    int64  `parquet:"name=remaining_debt, type=INT64, convertedtype=UINT_64"`
	YieldEarned      int64  `parquet:"name=yield_earned, type=INT64, convertedtype=UINT_64"`
	CreditBalance    int64  `parquet:"name=credit_balance, type=INT64, convertedtype=UINT_64"`
	DelegationActive bool   `parquet:"name=delegation_active, type=BOOLEAN"`
	DelegationCap    int64  `parquet:"name=delegation_ceiling, type=INT64, convertedtype=UINT_64"`
	SnapshotAt       string `parquet:"name=snapshot_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func rowFrom(s Snapshot, at time.Time) *loanRow {
	pos := s.Position
	row := &loanRow{
		Owner:            s.Owner.String(),
		Status:           string(pos.Status),
		CollateralAsset:  pos.Vault.CollateralAsset.String(),
		Oracle:           pos.Loan.Oracle.String(),
		CollateralAmount: int64(pos.Loan.CollateralAmount),
		VaultBalance:     int64(pos.VaultBalance),
		RemainingDebt:    int64(pos.Loan.RemainingDebt),
		YieldEarned:      int64(pos.Loan.YieldEarned),
		CreditBalance:    int64(pos.CreditBalance),
		SnapshotAt:       at.UTC().Format(time.RFC3339),
	}
	if d := pos.Delegation; d != nil {
		row.DelegationActive = d.Usable(at)
		row.DelegationCap = int64(d.Ceiling)
	}
	return row
}

// Write encodes snapshots as a snappy-compressed parquet stream.
func Write(w io.Writer, snapshots []Snapshot, at time.Time) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(loanRow), 1)
	if err != nil {
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, snapshot := range snapshots {
		if snapshot.Position == nil {
			continue
		}
		if err := pw.Write(rowFrom(snapshot, at)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	return nil
}

// WriteFile writes snapshots to a timestamped file under dir and returns its
// path.
func WriteFile(dir string, snapshots []Snapshot, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("loans-%s.parquet", at.UTC().Format("20060102T150405Z")))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: create parquet: %w", err)
	}
	if err := Write(file, snapshots, at); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("export: close parquet file: %w", err)
	}
	return path, nil
}
