// Package migration はSQLiteデータベースのマイグレーションを管理する。
// embed.FSからSQLファイルを読み込み、バージョン管理テーブルで適用状態を追跡する。
package migration

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const upSuffix = ".up.sql"

// Run はembedされたマイグレーションファイルを順序通りに適用し、今回適用したバージョンを返す。
// 未適用のマイグレーションのみ実行し、適用済みのものはスキップする。
// ファイル名形式: 000001_description.up.sql
// 形式に合わないup.sqlや重複したバージョンはエラーになる。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) ([]int, error) {
	migrations, err := collectMigrations(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	var done []int
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(ctx, db, fsys, m); err != nil {
			return done, fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", m.version, m.name, err)
		}
		slog.InfoContext(ctx, "マイグレーションを適用しました", "version", m.version, "name", m.name)
		done = append(done, m.version)
	}
	return done, nil
}

// Version は適用済みの最大バージョンを返す。未適用の場合は0。
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("バージョンの取得に失敗: %w", err)
	}
	return int(v.Int64), nil
}

type migrationFile struct {
	version int
	name    string
	path    string
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]struct{})
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

// collectMigrations はディレクトリからup.sqlファイルを収集してバージョン順に並べる。
func collectMigrations(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string)
	var migrations []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		m, err := parseFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.version]; ok {
			return nil, errors.NotValidf("バージョン %06d の重複 (%s, %s)", m.version, prev, entry.Name())
		}
		seen[m.version] = entry.Name()
		m.path = path.Join(dir, entry.Name())
		migrations = append(migrations, m)
	}

	slices.SortFunc(migrations, func(a, b migrationFile) int {
		return cmp.Compare(a.version, b.version)
	})
	return migrations, nil
}

func parseFileName(name string) (migrationFile, error) {
	prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, upSuffix), "_")
	if !ok || rest == "" {
		return migrationFile{}, errors.NotValidf("マイグレーションファイル名 %q", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return migrationFile{}, errors.NotValidf("マイグレーションファイル名 %q のバージョン", name)
	}
	return migrationFile{version: version, name: rest}, nil
}

// applyMigration は1つのマイグレーションをトランザクション内で適用する。
func applyMigration(ctx context.Context, db *sql.DB, fsys fs.FS, m migrationFile) error {
	content, err := fs.ReadFile(fsys, m.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
