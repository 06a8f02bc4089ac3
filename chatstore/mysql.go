package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
)

// conv_key holds ConversationKey: two ids, a length prefix and two separators.
var mysqlSchema = fmt.Sprintf("CREATE TABLE IF NOT EXISTS messages (" +
	"seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
	"id CHAR(26) NOT NULL," +
	"conv_key VARCHAR(%d) NOT NULL," +
	"sender_id VARCHAR(%d) NOT NULL," +
	"receiver_id VARCHAR(%d) NOT NULL," +
	"content TEXT NOT NULL," +
	"type VARCHAR(8) NOT NULL," +
	"file_url VARCHAR(1024) NOT NULL DEFAULT ''," +
	"file_name VARCHAR(255) NOT NULL DEFAULT ''," +
	"file_type VARCHAR(128) NOT NULL DEFAULT ''," +
	"create_time DATETIME(3) NOT NULL," +
	"UNIQUE KEY uk_id (id)," +
	"KEY idx_conv_time (conv_key, create_time)," +
	"KEY idx_sender (sender_id)," +
	"KEY idx_receiver (receiver_id)" +
	") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", 2*MaxUserIDLen+5, MaxUserIDLen, MaxUserIDLen)

const (
	msgColumns = "id, sender_id, receiver_id, content, type, file_url, file_name, file_type, create_time"

	insertMsgSQL = "INSERT INTO messages (conv_key, " + msgColumns + ") VALUES (?,?,?,?,?,?,?,?,?,?)"
	getMsgSQL    = "SELECT " + msgColumns + " FROM messages WHERE id=?"
	historySQL   = "SELECT " + msgColumns + " FROM messages WHERE conv_key=? ORDER BY create_time ASC, seq ASC"
	listConvSQL  = "SELECT m.id, m.sender_id, m.receiver_id, m.content, m.type, m.file_url, m.file_name, m.file_type, m.create_time " +
		"FROM messages AS m, " +
		"(SELECT MAX(seq) AS seq FROM messages WHERE sender_id = ? OR receiver_id = ? GROUP BY conv_key) AS t " +
		"WHERE m.seq = t.seq " +
		"ORDER BY m.create_time DESC"
)

// MySQLStore implements Store on MySQL.
type MySQLStore struct {
	*sql.DB
}

// NewMySQLStore returns a store on db. The DSN must set parseTime=true.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db}
}

// EnsureSchema creates the messages table when missing.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.ExecContext(ctx, mysqlSchema)
	return storageErr("ensure schema", err)
}

func (s *MySQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *MySQLStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func (s *MySQLStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	defer observe("mysql", "append", time.Now())

	out := msg
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMsgSQL, ConversationKey(msg.SenderID, msg.ReceiverID),
			msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.Type,
			msg.FileURL, msg.FileName, msg.FileType, msg.Timestamp)
		if err == nil {
			return nil
		}
		if !s.IsDupKeyError(err) {
			return err
		}
		// Already saved, e.g. a journal record delivered twice.
		stored, err := scanMessage(tx.QueryRowContext(ctx, getMsgSQL, msg.ID))
		if err != nil {
			glog.Errorf("get message error, id: %s, err: %v", msg.ID, err)
			return err
		}
		glog.V(5).Infof("mysql: message %s already saved", msg.ID)
		out = stored
		return nil
	})
	if err != nil {
		return nil, storageErr("append message", err)
	}
	return out, nil
}

func (s *MySQLStore) LoadHistory(ctx context.Context, a, b UserID) ([]*Message, error) {
	defer observe("mysql", "history", time.Now())

	msgs, err := s.queryMessages(ctx, historySQL, ConversationKey(a, b))
	if err != nil {
		return nil, storageErr("load history", err)
	}
	return msgs, nil
}

func (s *MySQLStore) ListConversations(ctx context.Context, uid UserID) ([]*Conversation, error) {
	defer observe("mysql", "conversations", time.Now())

	msgs, err := s.queryMessages(ctx, listConvSQL, uid, uid)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	out := make([]*Conversation, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newConversation(m))
	}
	return out, nil
}

func (s *MySQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		glog.Errorf("mysql: query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	out := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("mysql: scan err: %v", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var t time.Time
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Type,
		&m.FileURL, &m.FileName, &m.FileType, &t); err != nil {
		return nil, err
	}
	m.Timestamp = t.UTC()
	return &m, nil
}

func (s *MySQLStore) Close() error {
	return s.DB.Close()
}

func observe(backend, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
