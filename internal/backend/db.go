// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servenix/servenix/nixstore"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

// loadSchema reads the migration scripts under sql/schema.
func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		files := sqlFiles()
		names, err := fs.Glob(files, "schema/*.sql")
		if err != nil {
			schemaState.err = err
			return
		}
		slices.Sort(names)
		for _, name := range names {
			migration, err := fs.ReadFile(files, name)
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA synchronous = normal;", nil); err != nil {
		return err
	}
	return nil
}

// insertBuild records a finished build in the history database.
func insertBuild(conn *sqlite.Conn, b *Build, logBlob []byte) (err error) {
	defer sqlitex.Save(conn)(&err)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/insert.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":          b.ID.String(),
			":identifier":  b.Identifier,
			":state":       string(b.State),
			":drv_path":    string(b.DrvPath),
			":output_path": string(b.OutputPath),
			":error":       b.Error,
			":cancelled":   b.Cancelled,
			":started_at":  b.StartedAt.UnixMilli(),
			":ended_at":    b.EndedAt.UnixMilli(),
			":log":         logBlob,
		},
	})
	if err != nil {
		return fmt.Errorf("insert build %v: %v", b.ID, err)
	}
	return nil
}

// findBuild returns the most recent finished build for identifier,
// or nil if the database has no record of it.
func findBuild(conn *sqlite.Conn, identifier string) (*Build, error) {
	var found *Build
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/find.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":identifier": identifier,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := uuid.Parse(stmt.GetText("id"))
			if err != nil {
				return fmt.Errorf("id: %v", err)
			}
			found = &Build{
				ID:         id,
				Identifier: stmt.GetText("identifier"),
				State:      State(stmt.GetText("state")),
				DrvPath:    nixstore.Path(stmt.GetText("drv_path")),
				OutputPath: nixstore.Path(stmt.GetText("output_path")),
				Error:      stmt.GetText("error"),
				Cancelled:  stmt.GetBool("cancelled"),
				StartedAt:  time.UnixMilli(stmt.GetInt64("started_at")).UTC(),
				EndedAt:    time.UnixMilli(stmt.GetInt64("ended_at")).UTC(),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find build %q: %v", identifier, err)
	}
	return found, nil
}

// readBuildLog returns the stored log blob
// for the most recent finished build of identifier.
func readBuildLog(conn *sqlite.Conn, identifier string) ([]byte, error) {
	var blob []byte
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/read_log.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":identifier": identifier,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read log for %q: %v", identifier, err)
	}
	return blob, nil
}

// recentBuilds returns the identifiers of the most recently finished builds.
func recentBuilds(conn *sqlite.Conn, limit int) ([]string, error) {
	result := make([]string, 0, limit)
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/recent.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":n": limit,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = append(result, stmt.GetText("identifier"))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list recent builds: %v", err)
	}
	return result, nil
}

// deleteOldBuilds removes finished builds that ended before cutoff
// and returns the number of rows deleted.
func deleteOldBuilds(conn *sqlite.Conn, cutoff time.Time) (int, error) {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build/delete_old.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":cutoff": cutoff.UnixMilli(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("delete old builds: %v", err)
	}
	return conn.Changes(), nil
}
