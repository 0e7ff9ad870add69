package postgres

import (
	"database/sql"
	"fmt"
)

var (
	createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    collection    VARCHAR       NOT NULL,
    id            VARCHAR       NOT NULL,
    data          JSONB         NOT NULL,
    seq           BIGSERIAL,
    created_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (collection, id)
);`

	createDocumentsIndexSQL = `
CREATE INDEX IF NOT EXISTS %[1]s_collection_seq_idx
ON %[1]s (collection, seq);`

	createNotifyFunctionSQL = `
CREATE OR REPLACE FUNCTION %[1]s_notify() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        PERFORM pg_notify('%[1]s_changes',
            json_build_object('op', TG_OP, 'collection', OLD.collection, 'id', OLD.id)::text);
        RETURN OLD;
    END IF;
    PERFORM pg_notify('%[1]s_changes',
        json_build_object('op', TG_OP, 'collection', NEW.collection, 'id', NEW.id)::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;`

	dropNotifyTriggerSQL = `
DROP TRIGGER IF EXISTS %[1]s_notify_trigger ON %[1]s;`

	createNotifyTriggerSQL = `
CREATE TRIGGER %[1]s_notify_trigger
AFTER INSERT OR UPDATE OR DELETE ON %[1]s
FOR EACH ROW EXECUTE PROCEDURE %[1]s_notify();`
)

// Migrate 创建文档表、索引以及变更通知触发器
// 表名会拼入DDL，必须先通过tableNamePattern校验
func Migrate(db *sql.DB, tableName string) error {
	if !tableNamePattern.MatchString(tableName) {
		return fmt.Errorf("无效的表名: %q", tableName)
	}

	steps := []struct {
		name  string
		query string
	}{
		{"创建文档表", createDocumentsTableSQL},
		{"创建文档索引", createDocumentsIndexSQL},
		{"创建通知函数", createNotifyFunctionSQL},
		{"删除旧通知触发器", dropNotifyTriggerSQL},
		{"创建通知触发器", createNotifyTriggerSQL},
	}

	for _, step := range steps {
		if _, err := db.Exec(fmt.Sprintf(step.query, tableName)); err != nil {
			return fmt.Errorf("%s失败: %w", step.name, err)
		}
	}
	return nil
}

// channelName 返回表对应的LISTEN/NOTIFY通道名
func channelName(tableName string) string {
	return tableName + "_changes"
}
