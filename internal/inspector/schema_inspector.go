package inspector

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yourbasic/graph"

	"github.com/othman-fayed/SyncChanges/internal/connector"
	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// SchemaInspector reads catalog metadata from the source database and
// produces a topologically ordered list of table descriptors
type SchemaInspector struct {
	DB     *connector.DatabaseConnector
	Logger *logrus.Logger
}

// NewSchemaInspector creates a new schema inspector
func NewSchemaInspector(db *connector.DatabaseConnector, logger *logrus.Logger) *SchemaInspector {
	return &SchemaInspector{
		DB:     db,
		Logger: logger,
	}
}

// InspectTables discovers the change-tracked tables of the source, filtered
// by the optional include and exclude lists, and assigns dependency order.
// Every table a foreign key points at sorts before its referencing tables.
func (si *SchemaInspector) InspectTables(ctx context.Context, includeTables, excludeTables []string) ([]*models.TableDescriptor, error) {
	enabled, err := si.changeTrackingEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("change tracking is not enabled on database %s", si.DB.Name)
	}

	tables, err := si.trackedTables(ctx)
	if err != nil {
		return nil, err
	}

	tables, err = si.filterTables(tables, includeTables, excludeTables)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no change-tracked tables found on database %s", si.DB.Name)
	}

	for _, t := range tables {
		if err := si.readColumns(ctx, t); err != nil {
			return nil, err
		}
		if err := si.readUniqueConstraints(ctx, t); err != nil {
			return nil, err
		}
	}

	if err := si.readForeignKeys(ctx, tables); err != nil {
		return nil, err
	}

	ordered, err := OrderByDependency(tables)
	if err != nil {
		return nil, err
	}

	si.Logger.Infof("Inspected %d change-tracked tables on %s", len(ordered), si.DB.Name)
	return ordered, nil
}

// changeTrackingEnabled reports whether the facility is active on the database
func (si *SchemaInspector) changeTrackingEnabled(ctx context.Context) (bool, error) {
	query := `select count(*) as Enabled from sys.change_tracking_databases where database_id = db_id()`
	rows, err := si.DB.ExecuteQuery(ctx, query)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && asInt64(rows[0]["Enabled"]) > 0, nil
}

// trackedTables reads the change-tracked table set with per-table minimum
// valid versions
func (si *SchemaInspector) trackedTables(ctx context.Context) ([]*models.TableDescriptor, error) {
	query := `
		select s.name as SchemaName, t.name as TableName,
			change_tracking_min_valid_version(t.object_id) as MinValidVersion
		from sys.change_tracking_tables ctt
		join sys.tables t on t.object_id = ctt.object_id
		join sys.schemas s on s.schema_id = t.schema_id
		order by s.name, t.name`
	rows, err := si.DB.ExecuteQuery(ctx, query)
	if err != nil {
		si.Logger.Errorf("Error getting change-tracked tables: %v", err)
		return nil, err
	}

	var tables []*models.TableDescriptor
	for _, row := range rows {
		tables = append(tables, &models.TableDescriptor{
			SchemaName:      asString(row["SchemaName"]),
			TableName:       asString(row["TableName"]),
			MinValidVersion: asInt64(row["MinValidVersion"]),
		})
	}
	return tables, nil
}

// filterTables applies the include and exclude lists. An include entry with
// no tracked match is fatal: replication would silently miss that table.
func (si *SchemaInspector) filterTables(tables []*models.TableDescriptor, includeTables, excludeTables []string) ([]*models.TableDescriptor, error) {
	result := tables

	if len(includeTables) > 0 {
		var included []*models.TableDescriptor
		var untracked []string
		for _, name := range includeTables {
			found := false
			for _, t := range tables {
				if t.MatchesName(name) {
					included = append(included, t)
					found = true
					break
				}
			}
			if !found {
				untracked = append(untracked, name)
			}
		}
		if len(untracked) > 0 {
			var hints []string
			for _, name := range untracked {
				hints = append(hints, fmt.Sprintf("alter table %s enable change_tracking with (track_columns_updated = off)", name))
			}
			return nil, fmt.Errorf("tables without change tracking in replication set: %s; enable tracking with: %s",
				strings.Join(untracked, ", "), strings.Join(hints, "; "))
		}
		result = included
	}

	if len(excludeTables) > 0 {
		var kept []*models.TableDescriptor
		for _, t := range result {
			excluded := false
			for _, name := range excludeTables {
				if t.MatchesName(name) {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, t)
			}
		}
		result = kept
	}

	return result, nil
}

// readColumns populates key and non-key columns and the identity flag.
// Computed columns and timestamp columns never replicate.
func (si *SchemaInspector) readColumns(ctx context.Context, t *models.TableDescriptor) error {
	query := `
		select c.name as ColumnName, c.is_identity as IsIdentity,
			case when exists (
				select 1 from sys.index_columns ic
				join sys.indexes i on i.object_id = ic.object_id and i.index_id = ic.index_id
				where i.is_primary_key = 1 and ic.object_id = c.object_id and ic.column_id = c.column_id
			) then 1 else 0 end as IsPrimaryKey
		from sys.columns c
		where c.object_id = object_id(@p1)
			and c.is_computed = 0
			and type_name(c.system_type_id) <> 'timestamp'
		order by c.column_id`
	rows, err := si.DB.ExecuteQuery(ctx, query, t.SchemaName+"."+t.TableName)
	if err != nil {
		si.Logger.Errorf("Error getting columns for table %s: %v", t.Name(), err)
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no columns found for table %s", t.Name())
	}

	for _, row := range rows {
		name := asString(row["ColumnName"])
		if asBool(row["IsPrimaryKey"]) {
			t.KeyColumns = append(t.KeyColumns, name)
		} else {
			t.OtherColumns = append(t.OtherColumns, name)
		}
		if asBool(row["IsIdentity"]) {
			t.HasIdentity = true
		}
	}

	if len(t.KeyColumns) == 0 {
		return fmt.Errorf("table %s has no primary key; change tracking requires one", t.Name())
	}
	return nil
}

// readForeignKeys attaches enabled outgoing constraints to their owning
// descriptors, grouping column pairs by constraint name
func (si *SchemaInspector) readForeignKeys(ctx context.Context, tables []*models.TableDescriptor) error {
	query := `
		select fk.name as ConstraintName,
			ss.name as SchemaName, ts.name as TableName, cs.name as ColumnName,
			sr.name as ReferencedSchemaName, tr.name as ReferencedTableName, cr.name as ReferencedColumnName
		from sys.foreign_keys fk
		join sys.foreign_key_columns fkc on fkc.constraint_object_id = fk.object_id
		join sys.tables ts on ts.object_id = fk.parent_object_id
		join sys.schemas ss on ss.schema_id = ts.schema_id
		join sys.columns cs on cs.object_id = fkc.parent_object_id and cs.column_id = fkc.parent_column_id
		join sys.tables tr on tr.object_id = fk.referenced_object_id
		join sys.schemas sr on sr.schema_id = tr.schema_id
		join sys.columns cr on cr.object_id = fkc.referenced_object_id and cr.column_id = fkc.referenced_column_id
		where fk.is_disabled = 0
		order by ts.name, fk.name, fkc.constraint_column_id`
	rows, err := si.DB.ExecuteQuery(ctx, query)
	if err != nil {
		si.Logger.Errorf("Error getting foreign keys: %v", err)
		return err
	}

	byName := make(map[string]*models.TableDescriptor, len(tables))
	for _, t := range tables {
		byName[t.SchemaName+"."+t.TableName] = t
	}

	for _, row := range rows {
		owner := byName[asString(row["SchemaName"])+"."+asString(row["TableName"])]
		if owner == nil {
			continue
		}
		constraintName := asString(row["ConstraintName"])
		pair := models.FKColumn{
			Column:           asString(row["ColumnName"]),
			ReferencedColumn: asString(row["ReferencedColumnName"]),
		}

		// Column rows of a multi-column constraint arrive in definition
		// order and share a name
		if n := len(owner.ForeignKeys); n > 0 && owner.ForeignKeys[n-1].Name == constraintName {
			owner.ForeignKeys[n-1].Columns = append(owner.ForeignKeys[n-1].Columns, pair)
			continue
		}

		owner.ForeignKeys = append(owner.ForeignKeys, models.ForeignKey{
			Name:      constraintName,
			TableName: owner.Name(),
			ReferencedTableName: fmt.Sprintf("[%s].[%s]",
				asString(row["ReferencedSchemaName"]), asString(row["ReferencedTableName"])),
			Columns: []models.FKColumn{pair},
		})
	}
	return nil
}

// readUniqueConstraints populates the non-primary unique indexes
func (si *SchemaInspector) readUniqueConstraints(ctx context.Context, t *models.TableDescriptor) error {
	query := `
		select i.name as IndexName, c.name as ColumnName
		from sys.indexes i
		join sys.index_columns ic on ic.object_id = i.object_id and ic.index_id = i.index_id
		join sys.columns c on c.object_id = ic.object_id and c.column_id = ic.column_id
		where i.object_id = object_id(@p1)
			and i.is_unique = 1 and i.is_primary_key = 0
		order by i.name, ic.key_ordinal`
	rows, err := si.DB.ExecuteQuery(ctx, query, t.SchemaName+"."+t.TableName)
	if err != nil {
		si.Logger.Errorf("Error getting unique indexes for table %s: %v", t.Name(), err)
		return err
	}

	for _, row := range rows {
		name := asString(row["IndexName"])
		column := asString(row["ColumnName"])
		if n := len(t.UniqueConstraints); n > 0 && t.UniqueConstraints[n-1].Name == name {
			t.UniqueConstraints[n-1].Columns = append(t.UniqueConstraints[n-1].Columns, column)
			continue
		}
		t.UniqueConstraints = append(t.UniqueConstraints, models.UniqueConstraint{
			Name:    name,
			Columns: []string{column},
		})
	}
	return nil
}

// OrderByDependency orders tables so that every referenced table comes
// before its referencing tables, then assigns DependencyOrder 0..N-1.
// The insertion is stable: catalog order decides ties. A cycle in the
// foreign-key graph is fatal.
func OrderByDependency(tables []*models.TableDescriptor) ([]*models.TableDescriptor, error) {
	indexByName := make(map[string]int, len(tables))
	for i, t := range tables {
		indexByName[t.Name()] = i
	}

	g := graph.New(len(tables))
	for i, t := range tables {
		for _, fk := range t.ForeignKeys {
			if j, ok := indexByName[fk.ReferencedTableName]; ok && i != j {
				g.Add(i, j)
			}
		}
	}
	if !graph.Acyclic(g) {
		return nil, fmt.Errorf("foreign keys form a cycle; replication order is undefined")
	}

	ordered := make([]*models.TableDescriptor, 0, len(tables))
	for _, t := range tables {
		// Place t just before the leftmost table that references it
		pos := len(ordered)
		for i, u := range ordered {
			if u.References(t.Name()) {
				pos = i
				break
			}
		}
		ordered = append(ordered, nil)
		copy(ordered[pos+1:], ordered[pos:])
		ordered[pos] = t
	}

	for i, t := range ordered {
		t.DependencyOrder = i
	}
	return ordered, nil
}

// asString converts a driver value to a string
func asString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// asInt64 converts a driver value to an int64, treating NULL as zero
func asInt64(v interface{}) int64 {
	switch value := v.(type) {
	case nil:
		return 0
	case int64:
		return value
	case int32:
		return int64(value)
	case int:
		return int64(value)
	case []byte:
		var n int64
		fmt.Sscanf(string(value), "%d", &n)
		return n
	default:
		var n int64
		fmt.Sscanf(fmt.Sprintf("%v", value), "%d", &n)
		return n
	}
}

// asBool converts a driver value to a bool
func asBool(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	default:
		return asInt64(v) != 0
	}
}
