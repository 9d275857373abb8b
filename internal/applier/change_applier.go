package applier

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/internal/config"
	"github.com/othman-fayed/SyncChanges/internal/connector"
	"github.com/othman-fayed/SyncChanges/internal/tracker"
	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// ChangeApplier applies a planned batch to one destination inside a single
// transaction
type ChangeApplier struct {
	Source *connector.DatabaseConnector
	Oracle *tracker.VersionOracle
	Logger *logrus.Logger

	// IgnoreDuplicateKeyInserts swallows duplicate-key errors on inserts.
	// Set by the orchestrator's recovery path, where re-fetched batches
	// overlap rows a destination already holds.
	IgnoreDuplicateKeyInserts bool
}

// NewChangeApplier creates a new change applier reading repopulation data
// from the given source
func NewChangeApplier(source *connector.DatabaseConnector, oracle *tracker.VersionOracle, logger *logrus.Logger) *ChangeApplier {
	return &ChangeApplier{
		Source: source,
		Oracle: oracle,
		Logger: logger,
	}
}

// disabledConstraint tracks one transiently disabled FK until re-enable
type disabledConstraint struct {
	ownerTable   string
	untilVersion int64
}

// ApplyChanges applies the batch to the destination and advances its version
// marker, all inside one read-uncommitted transaction. disableAllConstraints
// additionally covers the orchestrator's temporary recovery override.
func (ca *ChangeApplier) ApplyChanges(ctx context.Context, dest *connector.DatabaseConnector, destInfo *config.DatabaseInfo, batch *models.ChangeInfo, disableAllConstraints bool, debugTables []string) (err error) {
	tx, err := dest.BeginTransaction(ctx, sql.LevelReadUncommitted)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	hasRepopulate := false
	for _, c := range batch.Changes {
		if c.Operation == models.OperationRepopulate {
			hasRepopulate = true
			break
		}
	}
	// A flush rewrites whole tables; nothing short of a catalog-wide
	// disable keeps the intermediate states legal
	disableAll := disableAllConstraints || hasRepopulate

	if disableAll && len(batch.Changes) > 0 {
		if err := ca.toggleAllConstraints(ctx, dest, tx, false); err != nil {
			return err
		}
	}

	disabled := make(map[string]disabledConstraint)

	for i, c := range batch.Changes {
		if !disableAll {
			if err := ca.disablePlannedConstraints(ctx, dest, tx, destInfo, c, disabled); err != nil {
				return err
			}
		}

		if err := ca.applyChange(ctx, dest, tx, destInfo, c, debugTables); err != nil {
			return err
		}

		if !disableAll && len(disabled) > 0 {
			atBoundary := i == len(batch.Changes)-1 ||
				batch.Changes[i+1].CreationVersion > c.CreationVersion
			if atBoundary {
				if err := ca.enableExpiredConstraints(ctx, dest, tx, disabled, c.CreationVersion); err != nil {
					return err
				}
			}
		}
	}

	// Every deferred constraint must be back on before the batch commits
	if err := ca.enableExpiredConstraints(ctx, dest, tx, disabled, batch.ToVersion); err != nil {
		return err
	}
	if disableAll && len(batch.Changes) > 0 {
		if err := ca.toggleAllConstraints(ctx, dest, tx, true); err != nil {
			return err
		}
	}

	if err := ca.Oracle.SetVersion(ctx, dest, tx, batch.ToVersion); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	ca.Logger.Infof("Applied %d changes to %s, now at version %d", len(batch.Changes), dest.Name, batch.ToVersion)
	return nil
}

// applyChange dispatches one change record
func (ca *ChangeApplier) applyChange(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, c *models.Change, debugTables []string) error {
	ca.logChange(c, debugTables)

	switch c.Operation {
	case models.OperationInsert:
		return ca.applyInsert(ctx, dest, tx, destInfo, c)
	case models.OperationUpdate:
		return ca.applyUpdate(ctx, dest, tx, destInfo, c)
	case models.OperationDelete:
		return ca.applyDelete(ctx, dest, tx, destInfo, c)
	case models.OperationRepopulate:
		return ca.repopulateTable(ctx, dest, tx, destInfo, c)
	default:
		return fmt.Errorf("unknown operation %v for table %s", c.Operation, c.Table.Name())
	}
}

// logChange emits per-column debug logging for tables under observation
func (ca *ChangeApplier) logChange(c *models.Change, debugTables []string) {
	observed := false
	for _, name := range debugTables {
		if c.Table.MatchesName(name) {
			observed = true
			break
		}
	}
	if !observed {
		ca.Logger.Debugf("%s %s at version %d (created %d)", c.Operation, c.Table.Name(), c.Version, c.CreationVersion)
		return
	}
	for _, kv := range c.Keys {
		ca.Logger.Debugf("%s %s key %s = %v", c.Operation, c.Table.Name(), kv.Name, kv.Value)
	}
	for _, kv := range c.Others {
		ca.Logger.Debugf("%s %s col %s = %v", c.Operation, c.Table.Name(), kv.Name, kv.Value)
	}
}

// statementColumns resolves the destination-side column list and parameter
// values for an insert or update, appending the provenance column when
// configured
func statementColumns(destInfo *config.DatabaseInfo, c *models.Change) ([]string, []interface{}) {
	names := c.ColumnNames()
	columns := make([]string, 0, len(names)+1)
	for _, name := range names {
		columns = append(columns, destInfo.MapColumn(c.Table, name))
	}
	values := c.GetValues()
	if destInfo.AddRowVersionColumn {
		columns = append(columns, destInfo.RowVersionColumnName)
		values = append(values, c.Version)
	}
	return columns, values
}

// applyInsert synthesises and executes a parameterised insert, toggling
// identity-insert mode around it when the table has an identity column
func (ca *ChangeApplier) applyInsert(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, c *models.Change) error {
	table := destInfo.MapTable(c.Table)
	columns, values := statementColumns(destInfo, c)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
	}
	insertSQL := fmt.Sprintf("insert into %s ([%s]) values (%s)",
		table, strings.Join(columns, "], ["), strings.Join(placeholders, ", "))

	if c.Table.HasIdentity {
		if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("set identity_insert %s on", table)); err != nil {
			return err
		}
	}

	_, err := dest.ExecOn(ctx, tx, insertSQL, values...)
	if err != nil && connector.IsErrorNumber(err, connector.ErrDuplicateKey) && ca.IgnoreDuplicateKeyInserts {
		ca.Logger.Warnf("Ignoring duplicate key insert into %s on %s", table, dest.Name)
		err = nil
	}
	if err != nil {
		ca.Logger.Errorf("Error inserting into %s on %s: %v", table, dest.Name, err)
		return err
	}

	if c.Table.HasIdentity {
		if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("set identity_insert %s off", table)); err != nil {
			return err
		}
	}
	return nil
}

// applyUpdate synthesises and executes a parameterised update keyed on the
// primary key. Parameters keep the keys-first indexing, so the set clause
// references positions after the key tuple.
func (ca *ChangeApplier) applyUpdate(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, c *models.Change) error {
	table := destInfo.MapTable(c.Table)
	columns, values := statementColumns(destInfo, c)

	keyCount := len(c.Keys)
	var sets []string
	for i := keyCount; i < len(columns); i++ {
		sets = append(sets, fmt.Sprintf("[%s] = @p%d", columns[i], i+1))
	}
	if len(sets) == 0 {
		// Key-only table; nothing to update
		return nil
	}
	var wheres []string
	for i := 0; i < keyCount; i++ {
		wheres = append(wheres, fmt.Sprintf("[%s] = @p%d", columns[i], i+1))
	}
	updateSQL := fmt.Sprintf("update %s set %s where %s",
		table, strings.Join(sets, ", "), strings.Join(wheres, " and "))

	_, err := dest.ExecOn(ctx, tx, updateSQL, values...)
	if err != nil && connector.IsErrorNumber(err, connector.ErrImplicitConversion) {
		// A null parameter against an image column arrives typed as
		// nvarchar; an empty blob carries the intended value
		if contents, ok := c.Value("Contents"); ok && contents == nil {
			ca.Logger.Warnf("Retrying update of %s on %s with empty blob for [Contents]", table, dest.Name)
			c.SetValue("Contents", []byte{})
			_, retryValues := statementColumns(destInfo, c)
			_, err = dest.ExecOn(ctx, tx, updateSQL, retryValues...)
		}
	}
	if err != nil {
		ca.Logger.Errorf("Error updating %s on %s: %v", table, dest.Name, err)
		return err
	}
	return nil
}

// applyDelete synthesises and executes a parameterised delete on the key
// tuple
func (ca *ChangeApplier) applyDelete(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, c *models.Change) error {
	table := destInfo.MapTable(c.Table)

	var wheres []string
	values := make([]interface{}, 0, len(c.Keys))
	for i, kv := range c.Keys {
		wheres = append(wheres, fmt.Sprintf("[%s] = @p%d", destInfo.MapColumn(c.Table, kv.Name), i+1))
		values = append(values, kv.Value)
	}
	deleteSQL := fmt.Sprintf("delete from %s where %s", table, strings.Join(wheres, " and "))

	if _, err := dest.ExecOn(ctx, tx, deleteSQL, values...); err != nil {
		ca.Logger.Errorf("Error deleting from %s on %s: %v", table, dest.Name, err)
		return err
	}
	return nil
}

// disablePlannedConstraints disables any newly named FK before its first
// consumer
func (ca *ChangeApplier) disablePlannedConstraints(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, destInfo *config.DatabaseInfo, c *models.Change, disabled map[string]disabledConstraint) error {
	for _, deferral := range c.DeferredConstraints {
		name := deferral.Constraint.Name
		if entry, ok := disabled[name]; ok {
			if deferral.UntilVersion > entry.untilVersion {
				entry.untilVersion = deferral.UntilVersion
				disabled[name] = entry
			}
			continue
		}
		owner := destInfo.MapQualifiedTable(deferral.Constraint.TableName)
		if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("alter table %s nocheck constraint [%s]", owner, name)); err != nil {
			ca.Logger.Errorf("Error disabling constraint %s on %s: %v", name, dest.Name, err)
			return err
		}
		ca.Logger.Debugf("Disabled constraint %s on %s until version %d", name, dest.Name, deferral.UntilVersion)
		disabled[name] = disabledConstraint{ownerTable: owner, untilVersion: deferral.UntilVersion}
	}
	return nil
}

// enableExpiredConstraints re-enables every disabled FK whose deferral
// window has closed at the given creation version
func (ca *ChangeApplier) enableExpiredConstraints(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, disabled map[string]disabledConstraint, currentVersion int64) error {
	for name, entry := range disabled {
		if entry.untilVersion > currentVersion {
			continue
		}
		if _, err := dest.ExecOn(ctx, tx, fmt.Sprintf("alter table %s check constraint [%s]", entry.ownerTable, name)); err != nil {
			ca.Logger.Errorf("Error re-enabling constraint %s on %s: %v", name, dest.Name, err)
			return err
		}
		ca.Logger.Debugf("Re-enabled constraint %s on %s", name, dest.Name)
		delete(disabled, name)
	}
	return nil
}

// toggleAllConstraints disables or re-enables every constraint on the
// destination
func (ca *ChangeApplier) toggleAllConstraints(ctx context.Context, dest *connector.DatabaseConnector, tx *sql.Tx, enable bool) error {
	statement := `exec sp_msforeachtable 'alter table ? nocheck constraint all'`
	if enable {
		statement = `exec sp_msforeachtable 'alter table ? check constraint all'`
	}
	if _, err := dest.ExecOn(ctx, tx, statement); err != nil {
		ca.Logger.Errorf("Error toggling constraints on %s: %v", dest.Name, err)
		return err
	}
	return nil
}
