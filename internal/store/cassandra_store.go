package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/plateful/chat/internal/config"
	"github.com/plateful/chat/internal/domain"
)

// CassandraStore implements MessageStore on Cassandra.
//
// Schema:
//
//	CREATE TABLE messages_by_room (
//	    room_id text,
//	    created_at timestamp,
//	    message_id text,
//	    author_id text,
//	    author_name text,
//	    content text,
//	    image_key text,
//	    PRIMARY KEY ((room_id), created_at, message_id)
//	) WITH CLUSTERING ORDER BY (created_at ASC, message_id ASC);
type CassandraStore struct {
	session *gocql.Session
}

// NewCassandraStore connects to the cluster and returns a store.
func NewCassandraStore(cfg config.CassandraConfig) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout

	switch cfg.Consistency {
	case "LOCAL_ONE":
		cluster.Consistency = gocql.LocalOne
	case "LOCAL_QUORUM":
		cluster.Consistency = gocql.LocalQuorum
	case "ONE":
		cluster.Consistency = gocql.One
	case "QUORUM":
		cluster.Consistency = gocql.Quorum
	default:
		cluster.Consistency = gocql.LocalQuorum
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cassandra session: %v", domain.ErrPersistence, err)
	}

	return &CassandraStore{session: session}, nil
}

// ListMessages returns the room's full history, oldest first.
func (s *CassandraStore) ListMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	query := `SELECT message_id, author_id, author_name, content, image_key, created_at
	          FROM messages_by_room
	          WHERE room_id = ?
	          ORDER BY created_at ASC`

	iter := s.session.Query(query, roomID).WithContext(ctx).Iter()

	var messages []domain.Message
	var msg domain.Message
	var createdAt time.Time

	for iter.Scan(
		&msg.DurableID,
		&msg.AuthorID,
		&msg.AuthorName,
		&msg.Content,
		&msg.ImageKey,
		&createdAt,
	) {
		msg.RoomID = roomID
		msg.CreatedAt = createdAt
		messages = append(messages, msg)
		msg = domain.Message{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to list messages: %v", domain.ErrPersistence, err)
	}

	return messages, nil
}

// InsertMessage persists the message and assigns its durable identity.
func (s *CassandraStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.DurableID == "" {
		msg.DurableID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		// The timestamp column holds milliseconds; never store more
		// precision than a re-read can return.
		msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	query := `INSERT INTO messages_by_room (
	              room_id, created_at, message_id, author_id, author_name, content, image_key
	          ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := s.session.Query(query,
		msg.RoomID,
		msg.CreatedAt,
		msg.DurableID,
		msg.AuthorID,
		msg.AuthorName,
		msg.Content,
		msg.ImageKey,
	).WithContext(ctx).Exec()

	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: failed to insert message: %v", domain.ErrPersistence, err)
	}

	return msg, nil
}

// Close shuts down the Cassandra session.
func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}
