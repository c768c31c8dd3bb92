// Package dialect 描述 SQL 方言差异：占位符、标识符引用与唯一键冲突识别
package dialect

import (
	"strconv"
	"strings"

	core "taskboard/storage/database"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameMySQL    Name = "mysql"
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Dialect 表示当前数据库的方言能力
type Dialect struct {
	name Name
}

// New 根据字符串构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{name: NameMySQL}
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言，未实现 IDialectNameProvider 时返回 Unknown
func FromDatabase(db core.IDatabase) Dialect {
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// Rebind 将通用占位符 ? 转换为方言特定形式（Postgres 为 $n）
//
// 简单字符扫描，不解析字符串字面量；SQL 中不要在字面量里使用 ?。
func (d Dialect) Rebind(query string) string {
	if d.name != NamePostgres || query == "" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 4)
	argIndex := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(argIndex))
			argIndex++
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
//
// 基于错误消息关键字匹配：
//   - MySQL: "Duplicate entry"
//   - SQLite: "UNIQUE constraint failed"
//   - Postgres: "duplicate key value"
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameMySQL:
		return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "duplicate key")
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	default:
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
	}
}
