package persistence

import (
	"context"
	"errors"
)

// ErrNotFound 按键查询时没有匹配的行
var ErrNotFound = errors.New("记录不存在")

// Row 表示一行数据，列名到文本值
type Row map[string]string

// Clone 返回行的副本
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store 是面向行的持久化接口，是包裹状态的最终记录
//
// 多行匹配同一个键时返回哪一行由实现决定，FileStore 返回最近写入的一行。
type Store interface {
	// QueryString 查询 keyColumn = key 的行中 column 列的值
	QueryString(ctx context.Context, table, column, keyColumn, key string) (string, error)
	// UpsertRow 按 keyColumn 更新行中出现的列，不存在时插入
	UpsertRow(ctx context.Context, table, keyColumn string, row Row) error
	// UpdateValue 更新单个值，键不存在时返回 ErrNotFound
	UpdateValue(ctx context.Context, table, column, value, keyColumn, key string) error
	// InsertRow 插入新行
	InsertRow(ctx context.Context, table string, row Row) error
	// ReadTable 读取整张表
	ReadTable(ctx context.Context, table string) ([]Row, error)
	Close() error
}
