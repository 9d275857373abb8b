package replicator

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/othman-fayed/SyncChanges/internal/applier"
	"github.com/othman-fayed/SyncChanges/internal/config"
	"github.com/othman-fayed/SyncChanges/internal/connector"
	"github.com/othman-fayed/SyncChanges/internal/inspector"
	"github.com/othman-fayed/SyncChanges/internal/planner"
	"github.com/othman-fayed/SyncChanges/internal/tracker"
	"github.com/othman-fayed/SyncChanges/pkg/models"
)

// SyncedEvent notifies external observers of a completed replication set
type SyncedEvent struct {
	ReplicationSet string
	Version        int64
}

// Replicator drives the replication sets: schema inspection, destination
// grouping, batch retrieval and planning, application, and the recovery
// state machine
type Replicator struct {
	Config      *config.Config
	Logger      *logrus.Logger
	SessionPath string

	// OnSynced, when set, is called once per successfully replicated set
	OnSynced func(SyncedEvent)

	// Error aggregates whether any replication set has failed since the
	// replicator was created. Data errors never panic or abort the run.
	Error bool
}

// destination pairs a configured destination with its live connection and
// transient recovery state
type destination struct {
	info *config.DatabaseInfo
	conn *connector.DatabaseConnector

	// tempDisableAllConstraints is the second recovery stage for FK
	// violations; cleared again on the next outcome either way
	tempDisableAllConstraints bool
}

// New creates a replicator for the given configuration
func New(cfg *config.Config, logger *logrus.Logger) *Replicator {
	return &Replicator{
		Config:      cfg,
		Logger:      logger,
		SessionPath: SessionFileName,
	}
}

// Run executes every replication set once, resuming from the session marker
// when a previous run was interrupted. Returns true iff every set completed
// without error.
func (r *Replicator) Run(ctx context.Context) bool {
	sets := r.orderedSets()
	success := true

	for _, set := range sets {
		if ctx.Err() != nil {
			r.Logger.Info("Cancellation requested, stopping replication run")
			return success
		}

		if err := SaveSession(r.SessionPath, SessionMarker{InProgress: true, DestinationName: set.Name}); err != nil {
			r.Logger.Warnf("Could not write session marker: %v", err)
		}

		if err := r.ReplicateSet(ctx, set); err != nil {
			r.Logger.Errorf("Replication set %s failed: %v", set.Name, err)
			r.Error = true
			success = false
		}
	}

	if err := ClearSession(r.SessionPath); err != nil {
		r.Logger.Warnf("Could not clear session marker: %v", err)
	}
	return success && !r.Error
}

// orderedSets rotates the configured replication sets so that a resumed run
// starts at the set named in the session marker
func (r *Replicator) orderedSets() []config.ReplicationSet {
	sets := r.Config.ReplicationSets
	marker := LoadSession(r.SessionPath)
	if !marker.InProgress {
		return sets
	}
	for i, set := range sets {
		if set.Name == marker.DestinationName {
			r.Logger.Infof("Resuming interrupted session at replication set %s", set.Name)
			rotated := make([]config.ReplicationSet, 0, len(sets))
			rotated = append(rotated, sets[i:]...)
			rotated = append(rotated, sets[:i]...)
			return rotated
		}
	}
	return sets
}

// ReplicateSet replicates one source to all its destinations
func (r *Replicator) ReplicateSet(ctx context.Context, set config.ReplicationSet) error {
	r.Logger.Infof("Replicating set %s", set.Name)

	source := connector.NewDatabaseConnector(set.Source.Name, set.Source.ConnectionString, r.Config.Timeout, r.Logger)
	if err := source.Connect(ctx); err != nil {
		return err
	}
	defer source.Disconnect()

	si := inspector.NewSchemaInspector(source, r.Logger)
	tables, err := si.InspectTables(ctx, set.Tables, set.ExcludeTables)
	if err != nil {
		return err
	}

	oracle := tracker.NewVersionOracle(r.Logger)
	groups, err := r.groupDestinations(ctx, set, oracle)
	if err != nil {
		return err
	}
	defer func() {
		for _, group := range groups {
			for _, d := range group {
				d.conn.Disconnect()
			}
		}
	}()

	fetcher := tracker.NewChangeFetcher(source, r.Logger)
	plnr := planner.NewDeferralPlanner(r.Logger)
	app := applier.NewChangeApplier(source, oracle, r.Logger)

	// Process version groups oldest first
	versions := make([]int64, 0, len(groups))
	for v := range groups {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	var newVersion int64 = -1
	failed := false
	for _, v := range versions {
		toVersion, err := r.replicateGroup(ctx, set, tables, v, groups[v], fetcher, plnr, app)
		if err != nil {
			r.Logger.Errorf("Destination group at version %d in set %s failed: %v", v, set.Name, err)
			failed = true
			continue
		}
		if toVersion > newVersion {
			newVersion = toVersion
		}
	}

	if failed {
		return fmt.Errorf("replication set %s completed with errors", set.Name)
	}

	if r.OnSynced != nil && newVersion >= 0 {
		r.OnSynced(SyncedEvent{ReplicationSet: set.Name, Version: newVersion})
	}
	return nil
}

// groupDestinations connects every destination and groups them by current
// replication version
func (r *Replicator) groupDestinations(ctx context.Context, set config.ReplicationSet, oracle *tracker.VersionOracle) (map[int64][]*destination, error) {
	groups := make(map[int64][]*destination)
	for i := range set.Destinations {
		info := &set.Destinations[i]
		conn := connector.NewDatabaseConnector(info.Name, info.ConnectionString, r.Config.Timeout, r.Logger)
		if err := conn.Connect(ctx); err != nil {
			r.Logger.Errorf("Could not connect to destination %s: %v", info.Name, err)
			r.Error = true
			continue
		}

		version, err := oracle.CurrentVersion(ctx, conn)
		if err != nil {
			r.Logger.Errorf("Could not determine version of destination %s: %v", info.Name, err)
			conn.Disconnect()
			r.Error = true
			continue
		}
		r.Logger.Infof("Destination %s is at version %d", info.Name, version)
		groups[version] = append(groups[version], &destination{info: info, conn: conn})
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no reachable destinations in set %s", set.Name)
	}
	return groups, nil
}

// repopulationCandidates names the destinations of a group allowed to be
// flushed and re-seeded
func repopulationCandidates(dests []*destination) []string {
	var names []string
	for _, d := range dests {
		if d.info.PopulateOutOfSync && d.info.Mode == config.ModeSlave {
			names = append(names, d.info.Name)
		}
	}
	return names
}

// replicateGroup advances one destination version group, running the
// recovery state machine on foreign-key violations:
//
//  1. first violation: re-fetch with the destination version as the uniform
//     per-table lower bound and swallow duplicate-key inserts;
//  2. second violation: replay the destination with every constraint
//     temporarily disabled;
//  3. third violation: report the error and move on.
func (r *Replicator) replicateGroup(ctx context.Context, set config.ReplicationSet, tables []*models.TableDescriptor, groupVersion int64, dests []*destination, fetcher *tracker.ChangeFetcher, plnr *planner.DeferralPlanner, app *applier.ChangeApplier) (int64, error) {
	defer func() {
		fetcher.UseDestinationVersionAsMin = false
		app.IgnoreDuplicateKeyInserts = false
	}()

	var maxVersion int64
	done := make(map[string]bool)
	groupFailed := false
	var toVersion int64 = -1

	for {
		batch, err := fetcher.RetrieveChanges(ctx, tables, groupVersion, maxVersion, repopulationCandidates(dests))
		if err != nil {
			return -1, err
		}
		toVersion = batch.ToVersion

		repopulating := len(batch.OutOfSyncDatabases) > 0
		if repopulating {
			batch.Changes = tracker.BuildRepopulateChanges(tables, batch.ToVersion)
		}
		plnr.PlanDeferrals(batch.Changes)

		if groupVersion == batch.ToVersion && len(batch.Changes) == 0 {
			r.Logger.Infof("Group at version %d in set %s is already current", groupVersion, set.Name)
			return toVersion, nil
		}

		refetch := false
		for i := 0; i < len(dests); i++ {
			d := dests[i]
			if done[d.info.Name] {
				continue
			}
			if repopulating && !containsName(batch.OutOfSyncDatabases, d.info.Name) {
				r.Logger.Errorf("Destination %s is out of sync and not configured for repopulation", d.info.Name)
				groupFailed = true
				done[d.info.Name] = true
				continue
			}

			disableAll := d.info.DisableAllConstraints || d.tempDisableAllConstraints
			err := app.ApplyChanges(ctx, d.conn, d.info, batch, disableAll, set.DebugTables)
			if err == nil {
				d.tempDisableAllConstraints = false
				done[d.info.Name] = true
				continue
			}

			if connector.IsErrorNumber(err, connector.ErrForeignKeyViolation) {
				if !fetcher.UseDestinationVersionAsMin {
					r.Logger.Warnf("Foreign key violation on %s; re-fetching with destination version as lower bound", d.info.Name)
					fetcher.UseDestinationVersionAsMin = true
					app.IgnoreDuplicateKeyInserts = true
					maxVersion = batch.ToVersion
					refetch = true
					break
				}
				if d.tempDisableAllConstraints {
					d.tempDisableAllConstraints = false
					r.Logger.Errorf("Foreign key violation on %s persists with all constraints disabled: %v", d.info.Name, err)
					groupFailed = true
					done[d.info.Name] = true
					continue
				}
				r.Logger.Warnf("Foreign key violation on %s persists; replaying with all constraints disabled", d.info.Name)
				d.tempDisableAllConstraints = true
				i--
				continue
			}

			r.Logger.Errorf("Error applying changes to %s: %v", d.info.Name, err)
			groupFailed = true
			done[d.info.Name] = true
		}

		if !refetch {
			break
		}
	}

	if groupFailed {
		return toVersion, fmt.Errorf("one or more destinations failed")
	}
	return toVersion, nil
}

func containsName(names []string, name string) bool {
	for _, existing := range names {
		if existing == name {
			return true
		}
	}
	return false
}
