package applier

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/othman-fayed/SyncChanges/internal/config"
	"github.com/othman-fayed/SyncChanges/internal/connector"
	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// defaultRepopulateBatch is the insert buffer size when the destination
// configures none
const defaultRepopulateBatch = 100

// repopulateTable recovers one table that has fallen out of tracked
// history: full delete, then a re-seed streamed from the source. Runs under
// the batch-wide constraint disable that ApplyChanges issues for flushes.
func (ca *ChangeApplier) repopulateTable(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, c *models.Change) error {
	t := c.Table
	table := destInfo.MapTable(t)
	ca.Logger.Infof("Repopulating table %s on %s", table, dest.Name)

	if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("delete from %s", table)); err != nil {
		ca.Logger.Errorf("Error clearing %s on %s: %v", table, dest.Name, err)
		return err
	}

	if t.HasIdentity {
		if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("set identity_insert %s on", table)); err != nil {
			return err
		}
	}

	inserted, err := ca.streamRows(ctx, dest, tx, destInfo, t, table)
	if err != nil {
		return err
	}

	if t.HasIdentity {
		if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("set identity_insert %s off", table)); err != nil {
			return err
		}
	}

	ca.Logger.Infof("Repopulated %s on %s with %d rows", table, dest.Name, inserted)
	return nil
}

// streamRows copies all source rows of one table into the destination with
// buffered parameterised inserts
func (ca *ChangeApplier) streamRows(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, t *models.TableDescriptor, table string) (int64, error) {
	sourceColumns := t.AllColumns()

	columns := make([]string, 0, len(sourceColumns))
	for _, name := range sourceColumns {
		columns = append(columns, destInfo.MapColumn(t, name))
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
	}
	insertSQL := fmt.Sprintf("insert into %s ([%s]) values (%s)",
		table, strings.Join(columns, "], ["), strings.Join(placeholders, ", "))

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		ca.Logger.Errorf("Error preparing repopulation insert for %s: %v", table, err)
		return 0, err
	}
	defer stmt.Close()

	batchSize := destInfo.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRepopulateBatch
	}

	rows, err := ca.Source.DB.QueryContext(ctx, buildSelectAll(t))
	if err != nil {
		ca.Logger.Errorf("Error reading %s from source %s: %v", t.Name(), ca.Source.Name, err)
		return 0, err
	}
	defer rows.Close()

	var inserted int64
	buffer := make([][]interface{}, 0, batchSize)

	flush := func() error {
		for _, values := range buffer {
			if _, err := stmt.ExecContext(ctx, values...); err != nil {
				ca.Logger.Errorf("Error inserting repopulated row into %s on %s: %v", table, dest.Name, err)
				return err
			}
			inserted++
		}
		buffer = buffer[:0]
		return nil
	}

	for rows.Next() {
		values := make([]interface{}, len(sourceColumns))
		valuePtrs := make([]interface{}, len(sourceColumns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return inserted, err
		}

		buffer = append(buffer, values)
		if len(buffer) >= batchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
			ca.Logger.Debugf("Repopulated %d rows of %s so far", inserted, table)
		}
	}
	if err := rows.Err(); err != nil {
		return inserted, err
	}
	if err := flush(); err != nil {
		return inserted, err
	}

	return inserted, nil
}

// buildSelectAll synthesises the source-side full scan. Ordering by
// CreatedOn, when the table has it, biases inserts toward creation order
// and so reduces constraint pressure during the flush.
func buildSelectAll(t *models.TableDescriptor) string {
	columns := t.AllColumns()

	var orderBy []string
	for _, col := range columns {
		if strings.EqualFold(col, "CreatedOn") {
			orderBy = append(orderBy, "[CreatedOn]")
			break
		}
	}
	for _, key := range t.KeyColumns {
		orderBy = append(orderBy, fmt.Sprintf("[%s]", key))
	}

	return fmt.Sprintf("select [%s] from %s order by %s",
		strings.Join(columns, "], ["), t.Name(), strings.Join(orderBy, ", "))
}
