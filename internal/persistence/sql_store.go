package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"parcel-sorter/internal/types"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLStore 通过 pgx 驱动访问 PostgreSQL
// 表结构由运维预先建立，所有业务列按文本存取
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore 建立连接池并检查连通性
func OpenSQLStore(ctx context.Context, dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore 包装已有的连接池
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sortedColumns 固定列顺序，保证生成的语句稳定
func sortedColumns(row Row, skip string) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		if k != skip {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

func buildSelect(table, column, keyColumn string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 LIMIT 1", ident(column), ident(table), ident(keyColumn))
}

func buildUpdate(table, keyColumn string, row Row) (string, []any) {
	cols := sortedColumns(row, keyColumn)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", ident(c), i+1)
		args = append(args, row[c])
	}
	args = append(args, row[keyColumn])
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		ident(table), strings.Join(sets, ", "), ident(keyColumn), len(cols)+1)
	return q, args
}

func buildInsert(table string, row Row) (string, []any) {
	cols := sortedColumns(row, "")
	names := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = ident(c)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(table), strings.Join(names, ", "), strings.Join(holders, ", "))
	return q, args
}

func (s *SQLStore) QueryString(ctx context.Context, table, column, keyColumn, key string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, buildSelect(table, column, keyColumn), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("查询 %s.%s 失败: %w", table, column, err)
	}
	return v.String, nil
}

func (s *SQLStore) UpsertRow(ctx context.Context, table, keyColumn string, row Row) error {
	if _, ok := row[keyColumn]; !ok {
		return fmt.Errorf("upsert %s: 缺少主键列 %s", table, keyColumn)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	affected := int64(0)
	if len(row) > 1 {
		q, args := buildUpdate(table, keyColumn, row)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("更新 %s 失败: %w", table, err)
		}
		affected, _ = res.RowsAffected()
	} else {
		var one sql.NullString
		err := tx.QueryRowContext(ctx, buildSelect(table, keyColumn, keyColumn), row[keyColumn]).Scan(&one)
		if err == nil {
			affected = 1
		}
	}
	if affected == 0 {
		q, args := buildInsert(table, row)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("插入 %s 失败: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateValue(ctx context.Context, table, column, value, keyColumn, key string) error {
	q := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", ident(table), ident(column), ident(keyColumn))
	res, err := s.db.ExecContext(ctx, q, value, key)
	if err != nil {
		return fmt.Errorf("更新 %s.%s 失败: %w", table, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InsertRow(ctx context.Context, table string, row Row) error {
	q, args := buildInsert(table, row)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("插入 %s 失败: %w", table, err)
	}
	return nil
}

func (s *SQLStore) ReadTable(ctx context.Context, table string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+ident(table))
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", table, err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = textValue(vals[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func textValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(types.TimeLayout)
	default:
		return fmt.Sprint(x)
	}
}
