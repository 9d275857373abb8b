package inspector

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// Helper function to create a test logger
func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress log output during tests
	return logger
}

func table(schema, name string, fks ...models.ForeignKey) *models.TableDescriptor {
	return &models.TableDescriptor{
		SchemaName:  schema,
		TableName:   name,
		KeyColumns:  []string{"Id"},
		ForeignKeys: fks,
	}
}

func fk(name, owner, referenced string) models.ForeignKey {
	return models.ForeignKey{
		Name:                name,
		TableName:           owner,
		ReferencedTableName: referenced,
		Columns:             []models.FKColumn{{Column: "RefId", ReferencedColumn: "Id"}},
	}
}

func TestOrderByDependencyPlacesReferencedTablesFirst(t *testing.T) {
	ord := table("dbo", "Ord", fk("FK_Ord_Cust", "[dbo].[Ord]", "[dbo].[Cust]"))
	cust := table("dbo", "Cust")

	ordered, err := OrderByDependency([]*models.TableDescriptor{ord, cust})
	if err != nil {
		t.Fatalf("Expected ordering to succeed, got %v", err)
	}

	if ordered[0] != cust || ordered[1] != ord {
		t.Errorf("Expected [Cust Ord], got [%s %s]", ordered[0].Name(), ordered[1].Name())
	}
	if cust.DependencyOrder != 0 || ord.DependencyOrder != 1 {
		t.Errorf("Expected dependency orders 0 and 1, got %d and %d", cust.DependencyOrder, ord.DependencyOrder)
	}
}

func TestOrderByDependencyHonorsEveryForeignKey(t *testing.T) {
	a := table("dbo", "A")
	b := table("dbo", "B", fk("FK_B_A", "[dbo].[B]", "[dbo].[A]"))
	c := table("dbo", "C", fk("FK_C_A", "[dbo].[C]", "[dbo].[A]"))
	d := table("dbo", "D",
		fk("FK_D_B", "[dbo].[D]", "[dbo].[B]"),
		fk("FK_D_C", "[dbo].[D]", "[dbo].[C]"))

	ordered, err := OrderByDependency([]*models.TableDescriptor{d, c, b, a})
	if err != nil {
		t.Fatalf("Expected ordering to succeed, got %v", err)
	}

	// Every referenced table must sort before its referencing tables
	for _, owner := range ordered {
		for _, edge := range owner.ForeignKeys {
			for _, referenced := range ordered {
				if referenced.Name() != edge.ReferencedTableName {
					continue
				}
				if owner.DependencyOrder <= referenced.DependencyOrder {
					t.Errorf("Expected %s (order %d) after %s (order %d)",
						owner.Name(), owner.DependencyOrder, referenced.Name(), referenced.DependencyOrder)
				}
			}
		}
	}
}

func TestOrderByDependencyIsStableForIndependentTables(t *testing.T) {
	a := table("dbo", "Alpha")
	b := table("dbo", "Beta")
	c := table("dbo", "Gamma")

	ordered, err := OrderByDependency([]*models.TableDescriptor{a, b, c})
	if err != nil {
		t.Fatalf("Expected ordering to succeed, got %v", err)
	}

	// No edges: catalog order is kept
	if ordered[0] != a || ordered[1] != b || ordered[2] != c {
		t.Errorf("Expected catalog order to be kept, got [%s %s %s]",
			ordered[0].Name(), ordered[1].Name(), ordered[2].Name())
	}
}

func TestOrderByDependencyRejectsCycles(t *testing.T) {
	a := table("dbo", "A", fk("FK_A_B", "[dbo].[A]", "[dbo].[B]"))
	b := table("dbo", "B", fk("FK_B_A", "[dbo].[B]", "[dbo].[A]"))

	_, err := OrderByDependency([]*models.TableDescriptor{a, b})
	if err == nil {
		t.Error("Expected an error for a cyclic foreign-key graph")
	}
}

func TestOrderByDependencyIgnoresSelfReferences(t *testing.T) {
	a := table("dbo", "Employees", fk("FK_Emp_Mgr", "[dbo].[Employees]", "[dbo].[Employees]"))

	ordered, err := OrderByDependency([]*models.TableDescriptor{a})
	if err != nil {
		t.Fatalf("Expected self-reference to be tolerated, got %v", err)
	}
	if len(ordered) != 1 {
		t.Errorf("Expected 1 table, got %d", len(ordered))
	}
}

func TestFilterTablesAppliesIncludeAndExcludeLists(t *testing.T) {
	si := NewSchemaInspector(nil, createTestLogger())
	tables := []*models.TableDescriptor{
		table("dbo", "Orders"),
		table("dbo", "Customers"),
		table("audit", "Log"),
	}

	filtered, err := si.filterTables(tables, nil, []string{"audit.Log"})
	if err != nil {
		t.Fatalf("Expected filtering to succeed, got %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("Expected 2 tables after exclusion, got %d", len(filtered))
	}

	filtered, err = si.filterTables(tables, []string{"[dbo].[Orders]"}, nil)
	if err != nil {
		t.Fatalf("Expected filtering to succeed, got %v", err)
	}
	if len(filtered) != 1 || filtered[0].TableName != "Orders" {
		t.Errorf("Expected only Orders to be included, got %d tables", len(filtered))
	}
}

func TestFilterTablesFailsOnUntrackedInclude(t *testing.T) {
	si := NewSchemaInspector(nil, createTestLogger())
	tables := []*models.TableDescriptor{table("dbo", "Orders")}

	_, err := si.filterTables(tables, []string{"Orders", "Invoices"}, nil)
	if err == nil {
		t.Fatal("Expected an error for an untracked include entry")
	}
	if !strings.Contains(err.Error(), "Invoices") {
		t.Errorf("Expected the error to name the untracked table, got %v", err)
	}
	if !strings.Contains(err.Error(), "enable change_tracking") {
		t.Errorf("Expected a remediation hint in the error, got %v", err)
	}
}

func TestAsHelpers(t *testing.T) {
	if asString([]byte("dbo")) != "dbo" {
		t.Error("Expected []byte to convert to string")
	}
	if asInt64(int32(7)) != 7 {
		t.Error("Expected int32 to convert to int64")
	}
	if asInt64(nil) != 0 {
		t.Error("Expected nil to convert to 0")
	}
	if !asBool(true) || !asBool(int64(1)) || asBool(int64(0)) || asBool(nil) {
		t.Error("Expected bool conversions to follow server semantics")
	}
}
