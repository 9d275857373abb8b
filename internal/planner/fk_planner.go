package planner

import (
	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// DeferralPlanner decides which foreign-key constraints must be transiently
// disabled while a batch is applied. A row fetched at its newest state can
// reference a row that, in the same batch, is only inserted later; deferring
// the constraint across that window avoids inventing an ordering the
// facility never recorded.
type DeferralPlanner struct {
	Logger *logrus.Logger
}

// NewDeferralPlanner creates a new deferral planner
func NewDeferralPlanner(logger *logrus.Logger) *DeferralPlanner {
	return &DeferralPlanner{Logger: logger}
}

// PlanDeferrals walks the batch in apply order and records, on each change,
// the constraints that must stay disabled and until which version. changes
// must already be sorted by apply order.
func (dp *DeferralPlanner) PlanDeferrals(changes []*models.Change) {
	for i, c := range changes {
		// Only rows whose fetched state is newer than their creation can
		// reference forward; repopulated tables always can
		if c.CreationVersion >= c.Version && c.Operation != models.OperationRepopulate {
			continue
		}

		for j := i + 1; j < len(changes); j++ {
			later := changes[j]
			if later.CreationVersion > c.Version {
				break
			}
			if later.Operation != models.OperationInsert && later.Operation != models.OperationRepopulate {
				continue
			}

			// The row may point forward at the later-created row
			for _, fk := range c.Table.ForeignKeys {
				if fk.ReferencedTableName != later.Table.Name() {
					continue
				}
				if !dp.matchesConstraint(c, later, fk) {
					continue
				}
				c.DeferConstraint(fk, later.CreationVersion)
				dp.Logger.Debugf("Deferring constraint %s until version %d", fk.Name, later.CreationVersion)
			}

			// Or the later insert may point back at this row, whose
			// fetched state has moved past the insert's creation
			for _, fk := range later.Table.ForeignKeys {
				if fk.ReferencedTableName != c.Table.Name() {
					continue
				}
				if !dp.matchesConstraint(later, c, fk) {
					continue
				}
				c.DeferConstraint(fk, later.CreationVersion)
				dp.Logger.Debugf("Deferring constraint %s until version %d", fk.Name, later.CreationVersion)
			}
		}
	}
}

// matchesConstraint reports whether the owning change's FK column points at
// the referenced change's row. Repopulate records carry no column values,
// so any constraint touching a repopulated table defers. Multi-column
// constraints compare their first column pair only; the remaining pairs
// are not checked.
func (dp *DeferralPlanner) matchesConstraint(owning, referenced *models.Change, fk models.ForeignKey) bool {
	if owning.Operation == models.OperationRepopulate || referenced.Operation == models.OperationRepopulate {
		return true
	}
	if len(fk.Columns) == 0 {
		return false
	}
	owningValue, ok := owning.Value(fk.Columns[0].Column)
	if !ok || owningValue == nil {
		return false
	}
	referencedValue, ok := referenced.Value(fk.Columns[0].ReferencedColumn)
	if !ok || referencedValue == nil {
		return false
	}
	return valuesEqual(owningValue, referencedValue)
}

// valuesEqual compares two driver values after normalising the
// representations the driver may choose per query
func valuesEqual(a, b interface{}) bool {
	return normalise(a) == normalise(b)
}

func normalise(v interface{}) interface{} {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case int64:
		return value
	case float32:
		return float64(value)
	default:
		return v
	}
}
