package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"OpenMCP-Fleet/deploy/migrations"
	"OpenMCP-Fleet/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

// MySQL 错误码：重复列、重复索引名。
const (
	errDuplicateColumn  = 1060
	errDuplicateKeyName = 1061
)

const createSchemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// migration 是一个嵌入的 SQL 文件，checksum 为原文的 sha256。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// migrator 按版本顺序执行尚未记录的迁移，每个文件一个事务。
type migrator struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db, log: logger.Named("migrations"), now: time.Now}
}

func (s *SQLStore) runMigrations(ctx context.Context) error {
	return newMigrator(s.db).up(ctx)
}

func (m *migrator) up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createSchemaTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	for _, mig := range files {
		if sum, ok := applied[mig.version]; ok {
			if sum != mig.checksum {
				m.log.Warn("已执行的迁移文件内容发生变化", slog.String("version", mig.version), slog.String("name", mig.name))
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		m.log.Info("迁移已执行", slog.String("version", mig.version), slog.Int("statements", len(mig.statements)))
	}
	return nil
}

// applied 返回 version 到 checksum 的映射。
func (m *migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		out[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return out, nil
}

func (m *migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for _, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			// schema_migrations 丢失时 ALTER 可能重复执行
			if alreadyApplied(err) {
				m.log.Warn("跳过已存在的结构变更", slog.String("version", mig.version), slog.Any("error", err))
				continue
			}
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", mig.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		mig.version, mig.name, mig.checksum, m.now().Unix(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func alreadyApplied(err error) bool {
	var myErr *driver.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errDuplicateColumn || myErr.Number == errDuplicateKeyName
}

// loadMigrations 读取 *.sql 文件并按版本排序，同版本按文件名排序。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	files := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		files = append(files, migration{
			version:    parseMigrationVersion(name),
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

// splitStatements 去掉 `--` 行注释后按分号切分。
func splitStatements(content string) []string {
	var kept strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(kept.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
