// Package reconcile brings the project catalog in line with the file share.
//
// # Overview
//
// A reconciliation pass reads the settings row, scans the projects root for
// sentinel files, lists the active catalog rows and matches the two sides
// by identity token. The comparison itself is a pure function (Diff) that
// produces a Plan. Applying the plan writes through the catalog and, for
// untokened projects, through the sentinel files.
//
// # Matching
//
// For every identity found on both sides the catalog path follows the
// directory. A project whose sentinel is empty or unparseable is adopted:
// it receives a fresh identity and a new catalog row. What happens to
// identities seen on only one side is governed by Policy:
//
//	reconcile.Policy{
//	    MarkMissingDeleted: true, // catalog-only identities are marked deleted
//	    AdoptUnknownTokens: true, // disk-only identities get a catalog row
//	    RestoreFromCatalog: true, // a wiped sentinel gets its old identity back
//	}
//
// # Anomalies
//
// Duplicate identities or paths in the catalog and copied sentinels on
// disk are not fatal. The first row in store order (or the first path in
// sorted order) wins and the others are reported in Result.Anomalies.
//
// # Usage
//
//	rec, err := reconcile.New(store, reconcile.Config{
//	    FileServer: "/mnt/share",
//	    Policy:     reconcile.DefaultPolicy(),
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := rec.Reconcile(ctx)
//
// Errors on individual projects are logged and counted in Result.Failed;
// only setup failures (bad configuration, unreachable catalog, unreadable
// root) abort a pass.
package reconcile
