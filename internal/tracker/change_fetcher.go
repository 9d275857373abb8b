package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/internal/connector"
	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// ChangeFetcher computes change batches from the source's tracking facility
type ChangeFetcher struct {
	Source *connector.DatabaseConnector
	Logger *logrus.Logger

	// UseDestinationVersionAsMin makes every per-table fetch start at the
	// destination version instead of the table's minimum facility version.
	// Set by the orchestrator's recovery path.
	UseDestinationVersionAsMin bool
}

// NewChangeFetcher creates a new change fetcher against the given source
func NewChangeFetcher(source *connector.DatabaseConnector, logger *logrus.Logger) *ChangeFetcher {
	return &ChangeFetcher{
		Source: source,
		Logger: logger,
	}
}

// RetrieveChanges computes the batch advancing destinations at
// destinationVersion to the facility's current version. tables must already
// be in dependency order. maxVersion, when positive, bounds the batch to
// changes at or below it. repopulationCandidates names the destinations in
// the current group that opted into repopulation; when the facility's
// history no longer covers destinationVersion for some table, those
// destinations are recorded in the batch for a flush instead of failing.
func (cf *ChangeFetcher) RetrieveChanges(ctx context.Context, tables []*models.TableDescriptor, destinationVersion, maxVersion int64, repopulationCandidates []string) (*models.ChangeInfo, error) {
	currentVersion, err := cf.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if currentVersion < 0 {
		return nil, fmt.Errorf("change tracking is not enabled on source database %s", cf.Source.Name)
	}

	batch := &models.ChangeInfo{ToVersion: currentVersion}
	if maxVersion > 0 && maxVersion < currentVersion {
		// Recovery re-fetch: never advance past the failed batch's window
		batch.ToVersion = maxVersion
	}

	snapshot, err := cf.snapshotIsolationEnabled(ctx)
	if err != nil {
		return nil, err
	}

	// Under snapshot isolation every per-table read observes the same
	// version of the database
	var q connector.Querier = cf.Source.DB
	if snapshot {
		tx, err := cf.Source.BeginTransaction(ctx, sql.LevelSnapshot)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		q = tx
	} else {
		cf.Logger.Warnf("Snapshot isolation is not enabled on %s; changes past version %d will be filtered instead", cf.Source.Name, batch.ToVersion)
	}

	for _, t := range tables {
		minValid, err := cf.minValidVersion(ctx, q, t)
		if err != nil {
			return nil, err
		}

		if minValid > destinationVersion {
			// The facility no longer retains history back to the
			// destination's version
			if len(repopulationCandidates) == 0 {
				return nil, fmt.Errorf("version of database(s) at %d is older than minimum valid version %d of table %s on %s",
					destinationVersion, minValid, t.Name(), cf.Source.Name)
			}
			cf.Logger.Warnf("Table %s has fallen out of tracked history (destination at %d, minimum valid %d); scheduling repopulation",
				t.Name(), destinationVersion, minValid)
			batch.OutOfSyncVersions = appendVersion(batch.OutOfSyncVersions, destinationVersion)
			for _, name := range repopulationCandidates {
				batch.OutOfSyncDatabases = appendName(batch.OutOfSyncDatabases, name)
			}
			continue
		}

		fromVersion := destinationVersion
		if !cf.UseDestinationVersionAsMin && minValid > fromVersion {
			fromVersion = minValid
		}

		changes, err := cf.fetchTableChanges(ctx, q, t, fromVersion, batch.ToVersion, snapshot)
		if err != nil {
			return nil, err
		}
		batch.Changes = append(batch.Changes, changes...)
	}

	models.SortChanges(batch.Changes)

	cf.Logger.Infof("Retrieved %d changes from %s for version window (%d, %d]",
		len(batch.Changes), cf.Source.Name, destinationVersion, batch.ToVersion)
	return batch, nil
}

// BuildRepopulateChanges replaces a batch plan with one Repopulate record
// per table in dependency order
func BuildRepopulateChanges(tables []*models.TableDescriptor, toVersion int64) []*models.Change {
	changes := make([]*models.Change, 0, len(tables))
	for _, t := range tables {
		changes = append(changes, &models.Change{
			Table:           t,
			Operation:       models.OperationRepopulate,
			Version:         toVersion,
			CreationVersion: toVersion,
		})
	}
	return changes
}

// currentVersion reads the facility's current version, -1 when tracking is
// disabled
func (cf *ChangeFetcher) currentVersion(ctx context.Context) (int64, error) {
	rows, err := cf.Source.ExecuteQuery(ctx, `select change_tracking_current_version() as Version`)
	if err != nil {
		return -1, err
	}
	if len(rows) == 0 || rows[0]["Version"] == nil {
		return -1, nil
	}
	return asVersion(rows[0]["Version"]), nil
}

// minValidVersion reads the oldest version still queryable for a table
func (cf *ChangeFetcher) minValidVersion(ctx context.Context, q connector.Querier, t *models.TableDescriptor) (int64, error) {
	query := `select change_tracking_min_valid_version(object_id(@p1)) as Version`
	rows, err := cf.Source.QueryOn(ctx, q, query, t.SchemaName+"."+t.TableName)
	if err != nil {
		return -1, err
	}
	if len(rows) == 0 || rows[0]["Version"] == nil {
		return -1, fmt.Errorf("table %s is not change tracked on %s", t.Name(), cf.Source.Name)
	}
	return asVersion(rows[0]["Version"]), nil
}

// snapshotIsolationEnabled reports whether the source allows snapshot
// transactions
func (cf *ChangeFetcher) snapshotIsolationEnabled(ctx context.Context) (bool, error) {
	query := `select snapshot_isolation_state as State from sys.databases where name = db_name()`
	rows, err := cf.Source.ExecuteQuery(ctx, query)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	switch state := rows[0]["State"].(type) {
	case int64:
		return state == 1, nil
	case []byte:
		return len(state) > 0 && state[0] == 1, nil
	default:
		return false, nil
	}
}

// fetchTableChanges materialises the change rows of one table. Keys come
// from the change table; non-key columns are joined in from the current row
// and stay empty for deletes.
func (cf *ChangeFetcher) fetchTableChanges(ctx context.Context, q connector.Querier, t *models.TableDescriptor, fromVersion, toVersion int64, snapshot bool) ([]*models.Change, error) {
	query := buildChangeQuery(t)
	rows, err := cf.Source.QueryOn(ctx, q, query, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}

	var changes []*models.Change
	for _, row := range rows {
		operation, ok := parseOperation(row["SYS_CHANGE_OPERATION"])
		if !ok {
			cf.Logger.Warnf("Unknown change operation %v on table %s", row["SYS_CHANGE_OPERATION"], t.Name())
			continue
		}

		version := asVersion(row["SYS_CHANGE_VERSION"])
		creationVersion := version
		if cv := row["SYS_CHANGE_CREATION_VERSION"]; cv != nil {
			creationVersion = asVersion(cv)
		}

		if !snapshot && minVersion(version, creationVersion) > toVersion {
			// Without a snapshot these rows belong to a later batch
			cf.Logger.Debugf("Filtering change at version %d on table %s (past batch version %d)", version, t.Name(), toVersion)
			continue
		}

		change := &models.Change{
			Table:           t,
			Operation:       operation,
			Version:         version,
			CreationVersion: creationVersion,
		}
		for _, key := range t.KeyColumns {
			change.Keys = append(change.Keys, models.ColumnValue{Name: key, Value: row[key]})
		}
		if operation != models.OperationDelete {
			for _, col := range t.OtherColumns {
				change.Others = append(change.Others, models.ColumnValue{Name: col, Value: row[col]})
			}
		}
		changes = append(changes, change)
	}

	cf.Logger.Debugf("Table %s: %d changes since version %d", t.Name(), len(changes), fromVersion)
	return changes, nil
}

// buildChangeQuery synthesises the CHANGETABLE join for one table
func buildChangeQuery(t *models.TableDescriptor) string {
	var selects []string
	selects = append(selects,
		"ct.SYS_CHANGE_OPERATION",
		"ct.SYS_CHANGE_VERSION",
		"ct.SYS_CHANGE_CREATION_VERSION")
	for _, key := range t.KeyColumns {
		selects = append(selects, fmt.Sprintf("ct.[%s]", key))
	}
	for _, col := range t.OtherColumns {
		selects = append(selects, fmt.Sprintf("t.[%s]", col))
	}

	var joins []string
	for _, key := range t.KeyColumns {
		joins = append(joins, fmt.Sprintf("t.[%s] = ct.[%s]", key, key))
	}

	return fmt.Sprintf(
		"select %s from changetable(changes %s, @p1) ct left outer join %s t on %s where ct.SYS_CHANGE_VERSION <= @p2 order by coalesce(ct.SYS_CHANGE_CREATION_VERSION, ct.SYS_CHANGE_VERSION)",
		strings.Join(selects, ", "), t.Name(), t.Name(), strings.Join(joins, " and "))
}

// parseOperation maps the facility's single-character operation codes
func parseOperation(v interface{}) (models.OperationType, bool) {
	var code string
	switch value := v.(type) {
	case string:
		code = value
	case []byte:
		code = string(value)
	default:
		return 0, false
	}
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "I":
		return models.OperationInsert, true
	case "U":
		return models.OperationUpdate, true
	case "D":
		return models.OperationDelete, true
	case "Z":
		return models.OperationRepopulate, true
	default:
		return 0, false
	}
}

func minVersion(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func appendVersion(versions []int64, v int64) []int64 {
	for _, existing := range versions {
		if existing == v {
			return versions
		}
	}
	return append(versions, v)
}

func appendName(names []string, name string) []string {
	for _, existing := range names {
		if existing == name {
			return names
		}
	}
	return append(names, name)
}
