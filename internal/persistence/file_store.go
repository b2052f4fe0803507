package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// journalEntry 代表日志文件中的一条写操作
type journalEntry struct {
	Op        string `json:"op"` // upsert / update / insert
	Table     string `json:"table"`
	KeyColumn string `json:"key_column,omitempty"`
	Key       string `json:"key,omitempty"`
	Column    string `json:"column,omitempty"`
	Value     string `json:"value,omitempty"`
	Row       Row    `json:"row,omitempty"`
}

// table 内存中的表，按列懒加载索引
type table struct {
	rows  []Row
	index map[string]map[string][]int // column -> value -> 行号 (升序)
}

func (t *table) lookup(column, value string) []int {
	idx, ok := t.index[column]
	if !ok {
		idx = make(map[string][]int)
		for i, r := range t.rows {
			if v, ok := r[column]; ok {
				idx[v] = append(idx[v], i)
			}
		}
		t.index[column] = idx
	}
	return idx[value]
}

func (t *table) set(i int, column, value string) {
	old, had := t.rows[i][column]
	if had && old == value {
		return
	}
	if idx, ok := t.index[column]; ok {
		if had {
			idx[old] = removeInt(idx[old], i)
		}
		idx[value] = insertSorted(idx[value], i)
	}
	t.rows[i][column] = value
}

func (t *table) insert(r Row) {
	i := len(t.rows)
	t.rows = append(t.rows, r.Clone())
	for column, idx := range t.index {
		if v, ok := r[column]; ok {
			idx[v] = append(idx[v], i)
		}
	}
}

// FileStore 基于追加日志的本地存储
// 每次写操作先落盘再更新内存，启动时重放日志恢复全部数据
type FileStore struct {
	mu     sync.Mutex
	file   *os.File
	tables map[string]*table
}

// NewFileStore 创建或打开日志文件并重放
func NewFileStore(path string) (*FileStore, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开存储文件失败: %w", err)
	}
	s := &FileStore{file: file, tables: make(map[string]*table)}
	if err := s.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// replay 从头读取日志并应用到内存
func (s *FileStore) replay() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}
		s.apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("重放存储日志失败: %w", err)
	}
	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil || end == 0 {
		return err
	}
	// 上次写入中断时补齐换行，避免与后续记录粘连
	last := make([]byte, 1)
	if _, err := s.file.ReadAt(last, end-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err = s.file.Write([]byte{'\n'})
	}
	return err
}

func (s *FileStore) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{index: make(map[string]map[string][]int)}
		s.tables[name] = t
	}
	return t
}

// apply 把一条日志应用到内存，返回是否命中已有行
func (s *FileStore) apply(e journalEntry) bool {
	t := s.table(e.Table)
	switch e.Op {
	case "insert":
		t.insert(e.Row)
		return true
	case "upsert":
		hits := t.lookup(e.KeyColumn, e.Row[e.KeyColumn])
		if len(hits) == 0 {
			t.insert(e.Row)
			return false
		}
		i := hits[len(hits)-1]
		for k, v := range e.Row {
			t.set(i, k, v)
		}
		return true
	case "update":
		hits := t.lookup(e.KeyColumn, e.Key)
		if len(hits) == 0 {
			return false
		}
		t.set(hits[len(hits)-1], e.Column, e.Value)
		return true
	}
	return false
}

// write 将日志追加到文件
func (s *FileStore) write(e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("写入存储日志失败: %w", err)
	}
	return nil
}

func (s *FileStore) QueryString(ctx context.Context, tbl, column, keyColumn, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tbl]
	if !ok {
		return "", ErrNotFound
	}
	hits := t.lookup(keyColumn, key)
	if len(hits) == 0 {
		return "", ErrNotFound
	}
	v, ok := t.rows[hits[len(hits)-1]][column]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) UpsertRow(ctx context.Context, tbl, keyColumn string, row Row) error {
	if _, ok := row[keyColumn]; !ok {
		return fmt.Errorf("upsert %s: 缺少主键列 %s", tbl, keyColumn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := journalEntry{Op: "upsert", Table: tbl, KeyColumn: keyColumn, Row: row.Clone()}
	if err := s.write(e); err != nil {
		return err
	}
	s.apply(e)
	return nil
}

func (s *FileStore) UpdateValue(ctx context.Context, tbl, column, value, keyColumn, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[tbl]; !ok || len(t.lookup(keyColumn, key)) == 0 {
		return ErrNotFound
	}
	e := journalEntry{Op: "update", Table: tbl, KeyColumn: keyColumn, Key: key, Column: column, Value: value}
	if err := s.write(e); err != nil {
		return err
	}
	s.apply(e)
	return nil
}

func (s *FileStore) InsertRow(ctx context.Context, tbl string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := journalEntry{Op: "insert", Table: tbl, Row: row.Clone()}
	if err := s.write(e); err != nil {
		return err
	}
	s.apply(e)
	return nil
}

func (s *FileStore) ReadTable(ctx context.Context, tbl string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tbl]
	if !ok {
		return nil, nil
	}
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// Sync 确保数据被刷新到磁盘
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close 刷盘并关闭文件
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func removeInt(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func insertSorted(s []int, v int) []int {
	i := len(s)
	for i > 0 && s[i-1] > v {
		i--
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
