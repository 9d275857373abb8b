package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTables() (*TableDescriptor, *TableDescriptor) {
	cust := &TableDescriptor{
		SchemaName:      "dbo",
		TableName:       "Cust",
		KeyColumns:      []string{"Id"},
		OtherColumns:    []string{"Name"},
		DependencyOrder: 0,
	}
	ord := &TableDescriptor{
		SchemaName:      "dbo",
		TableName:       "Ord",
		KeyColumns:      []string{"Id"},
		OtherColumns:    []string{"CustId"},
		DependencyOrder: 1,
		ForeignKeys: []ForeignKey{{
			Name:                "FK_Ord_Cust",
			TableName:           "[dbo].[Ord]",
			ReferencedTableName: "[dbo].[Cust]",
			Columns:             []FKColumn{{Column: "CustId", ReferencedColumn: "Id"}},
		}},
	}
	return cust, ord
}

func TestSortChangesOrdersByCreationVersion(t *testing.T) {
	cust, ord := testTables()

	changes := []*Change{
		{Table: ord, Operation: OperationInsert, Version: 3, CreationVersion: 3},
		{Table: cust, Operation: OperationInsert, Version: 1, CreationVersion: 1},
		{Table: cust, Operation: OperationUpdate, Version: 2, CreationVersion: 2},
	}
	SortChanges(changes)

	require.Len(t, changes, 3)
	assert.Equal(t, int64(1), changes[0].CreationVersion)
	assert.Equal(t, int64(2), changes[1].CreationVersion)
	assert.Equal(t, int64(3), changes[2].CreationVersion)
}

func TestSortChangesBreaksTiesByDependencyOrder(t *testing.T) {
	cust, ord := testTables()

	changes := []*Change{
		{Table: ord, Operation: OperationInsert, Version: 5, CreationVersion: 5},
		{Table: cust, Operation: OperationInsert, Version: 5, CreationVersion: 5},
	}
	SortChanges(changes)

	assert.Same(t, cust, changes[0].Table)
	assert.Same(t, ord, changes[1].Table)
}

func TestSortChangesAppliesUpdatesBeforeInserts(t *testing.T) {
	cust, _ := testTables()

	changes := []*Change{
		{Table: cust, Operation: OperationInsert, Version: 5, CreationVersion: 5},
		{Table: cust, Operation: OperationUpdate, Version: 5, CreationVersion: 5},
		{Table: cust, Operation: OperationDelete, Version: 5, CreationVersion: 5},
	}
	SortChanges(changes)

	assert.Equal(t, OperationUpdate, changes[0].Operation)
	assert.Equal(t, OperationInsert, changes[1].Operation)
	assert.Equal(t, OperationDelete, changes[2].Operation)
}

func TestGetValuesKeepsKeysFirst(t *testing.T) {
	_, ord := testTables()

	c := &Change{
		Table:     ord,
		Operation: OperationInsert,
		Keys:      []ColumnValue{{Name: "Id", Value: 9}},
		Others:    []ColumnValue{{Name: "CustId", Value: 1}},
	}

	assert.Equal(t, []string{"Id", "CustId"}, c.ColumnNames())
	assert.Equal(t, []interface{}{9, 1}, c.GetValues())
}

func TestValueLookupIsCaseInsensitive(t *testing.T) {
	_, ord := testTables()

	c := &Change{
		Table:  ord,
		Keys:   []ColumnValue{{Name: "Id", Value: 9}},
		Others: []ColumnValue{{Name: "CustId", Value: 1}},
	}

	v, ok := c.Value("custid")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Value("Missing")
	assert.False(t, ok)

	require.True(t, c.SetValue("CustId", 2))
	v, _ = c.Value("CustId")
	assert.Equal(t, 2, v)
}

func TestDeferConstraintKeepsLatestVersion(t *testing.T) {
	cust, ord := testTables()
	fk := ord.ForeignKeys[0]

	c := &Change{Table: cust}
	c.DeferConstraint(fk, 2)
	c.DeferConstraint(fk, 5)
	c.DeferConstraint(fk, 3)

	require.Len(t, c.DeferredConstraints, 1)
	assert.Equal(t, int64(5), c.DeferredConstraints[0].UntilVersion)
}

func TestMatchesName(t *testing.T) {
	cust, _ := testTables()

	assert.True(t, cust.MatchesName("Cust"))
	assert.True(t, cust.MatchesName("dbo.Cust"))
	assert.True(t, cust.MatchesName("[dbo].[Cust]"))
	assert.True(t, cust.MatchesName("CUST"))
	assert.False(t, cust.MatchesName("Ord"))
	assert.False(t, cust.MatchesName("other.Cust"))
}

func TestTableDescriptorName(t *testing.T) {
	cust, ord := testTables()

	assert.Equal(t, "[dbo].[Cust]", cust.Name())
	assert.True(t, ord.References("[dbo].[Cust]"))
	assert.False(t, cust.References("[dbo].[Ord]"))

	fk, ok := ord.ForeignKeyByName("FK_Ord_Cust")
	require.True(t, ok)
	assert.Equal(t, "[dbo].[Cust]", fk.ReferencedTableName)
}
