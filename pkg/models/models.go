package models

import (
	"fmt"
	"sort"
	"strings"
)

// OperationType identifies the kind of change to apply to a destination
type OperationType int

const (
	OperationDelete OperationType = iota
	OperationInsert
	OperationUpdate
	OperationRepopulate
)

// String returns a human-readable name for the operation
func (o OperationType) String() string {
	switch o {
	case OperationDelete:
		return "Delete"
	case OperationInsert:
		return "Insert"
	case OperationUpdate:
		return "Update"
	case OperationRepopulate:
		return "Repopulate"
	default:
		return fmt.Sprintf("OperationType(%d)", int(o))
	}
}

// applyRank orders operations within one creation version: Repopulate first,
// then Update before Insert (an existing-row update must be attempted before
// a potentially colliding insert), then Delete.
func (o OperationType) applyRank() int {
	switch o {
	case OperationRepopulate:
		return 3
	case OperationUpdate:
		return 2
	case OperationInsert:
		return 1
	default:
		return 0
	}
}

// FKColumn is one column pair of a foreign-key constraint
type FKColumn struct {
	Column           string
	ReferencedColumn string
}

// ForeignKey represents a foreign-key constraint. Multi-column constraints
// carry their column pairs in definition order under a single name.
type ForeignKey struct {
	Name                string
	TableName           string
	ReferencedTableName string
	Columns             []FKColumn
}

// UniqueConstraint represents a non-primary unique index or constraint
type UniqueConstraint struct {
	Name    string
	Columns []string
}

// TableDescriptor describes one change-tracked table
type TableDescriptor struct {
	SchemaName        string
	TableName         string
	KeyColumns        []string
	OtherColumns      []string
	HasIdentity       bool
	ForeignKeys       []ForeignKey
	UniqueConstraints []UniqueConstraint
	MinValidVersion   int64
	DependencyOrder   int
}

// Name returns the bracketed qualified name, e.g. [dbo].[Orders]
func (t *TableDescriptor) Name() string {
	return fmt.Sprintf("[%s].[%s]", t.SchemaName, t.TableName)
}

// AllColumns returns key columns followed by the remaining columns, matching
// the parameter indexing used by the applier
func (t *TableDescriptor) AllColumns() []string {
	columns := make([]string, 0, len(t.KeyColumns)+len(t.OtherColumns))
	columns = append(columns, t.KeyColumns...)
	columns = append(columns, t.OtherColumns...)
	return columns
}

// ForeignKeyByName finds an outgoing constraint by name
func (t *TableDescriptor) ForeignKeyByName(name string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.Name == name {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// References reports whether this table has a foreign key to the given table
func (t *TableDescriptor) References(qualifiedName string) bool {
	for _, fk := range t.ForeignKeys {
		if fk.ReferencedTableName == qualifiedName {
			return true
		}
	}
	return false
}

// MatchesName reports whether the descriptor matches a configured table name.
// Names match fully qualified (schema.table) or by bare table name, with
// brackets stripped.
func (t *TableDescriptor) MatchesName(name string) bool {
	stripped := strings.NewReplacer("[", "", "]", "").Replace(name)
	if strings.Contains(stripped, ".") {
		return strings.EqualFold(stripped, t.SchemaName+"."+t.TableName)
	}
	return strings.EqualFold(stripped, t.TableName)
}

// ColumnValue is an ordered association of a column name and its value
type ColumnValue struct {
	Name  string
	Value interface{}
}

// ConstraintDeferral marks one FK the applier must keep disabled until the
// given version has been applied
type ConstraintDeferral struct {
	Constraint   ForeignKey
	UntilVersion int64
}

// Change represents one row-level change fetched from the tracking facility
type Change struct {
	Table           *TableDescriptor
	Operation       OperationType
	Version         int64
	CreationVersion int64
	Keys            []ColumnValue
	Others          []ColumnValue

	// DeferredConstraints lists the FKs the planner has marked deferred
	// for this record, with the version their deferral window closes at.
	DeferredConstraints []ConstraintDeferral
}

// ColumnNames returns key column names followed by the other column names
func (c *Change) ColumnNames() []string {
	names := make([]string, 0, len(c.Keys)+len(c.Others))
	for _, kv := range c.Keys {
		names = append(names, kv.Name)
	}
	for _, kv := range c.Others {
		names = append(names, kv.Name)
	}
	return names
}

// GetValues returns the parameter values in the same order as ColumnNames:
// keys at positions 0..K-1, others at K..K+O-1
func (c *Change) GetValues() []interface{} {
	values := make([]interface{}, 0, len(c.Keys)+len(c.Others))
	for _, kv := range c.Keys {
		values = append(values, kv.Value)
	}
	for _, kv := range c.Others {
		values = append(values, kv.Value)
	}
	return values
}

// Value looks up a column value by name across keys and other columns
func (c *Change) Value(name string) (interface{}, bool) {
	for _, kv := range c.Keys {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	for _, kv := range c.Others {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return nil, false
}

// SetValue replaces a column value by name, returning false if the column
// is not part of the change
func (c *Change) SetValue(name string, value interface{}) bool {
	for i, kv := range c.Keys {
		if strings.EqualFold(kv.Name, name) {
			c.Keys[i].Value = value
			return true
		}
	}
	for i, kv := range c.Others {
		if strings.EqualFold(kv.Name, name) {
			c.Others[i].Value = value
			return true
		}
	}
	return false
}

// DeferConstraint records that the given FK must stay disabled until at
// least untilVersion
func (c *Change) DeferConstraint(fk ForeignKey, untilVersion int64) {
	for i, d := range c.DeferredConstraints {
		if d.Constraint.Name == fk.Name {
			if untilVersion > d.UntilVersion {
				c.DeferredConstraints[i].UntilVersion = untilVersion
			}
			return
		}
	}
	c.DeferredConstraints = append(c.DeferredConstraints, ConstraintDeferral{
		Constraint:   fk,
		UntilVersion: untilVersion,
	})
}

// ChangeInfo is one computed batch for a destination version group
type ChangeInfo struct {
	ToVersion          int64
	Changes            []*Change
	OutOfSyncVersions  []int64
	OutOfSyncDatabases []string
}

// CompareApplyOrder defines the total apply order within a batch: creation
// version ascending, then dependency order ascending, then operation rank
// descending. Returns a negative number when a applies before b.
func CompareApplyOrder(a, b *Change) int {
	if a.CreationVersion != b.CreationVersion {
		if a.CreationVersion < b.CreationVersion {
			return -1
		}
		return 1
	}
	if a.Table.DependencyOrder != b.Table.DependencyOrder {
		return a.Table.DependencyOrder - b.Table.DependencyOrder
	}
	return b.Operation.applyRank() - a.Operation.applyRank()
}

// SortChanges sorts a batch into apply order, keeping the fetch order for
// equal rows
func SortChanges(changes []*Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return CompareApplyOrder(changes[i], changes[j]) < 0
	})
}
