package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresSource reads chat state straight from the service database. It is
// read-only and scoped to the local user: private channels and direct
// messages are only visible to participants.
type PostgresSource struct {
	pool        *pgxpool.Pool
	localUserID string
	logger      *zap.Logger
}

func NewPostgresSource(pool *pgxpool.Pool, localUserID string, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{
		pool:        pool,
		localUserID: localUserID,
		logger:      logging.OrNop(logger),
	}
}

func (s *PostgresSource) ListChannels(ctx context.Context) ([]messaging.Channel, error) {
	query := `
		SELECT c.id, c.name, c.type, c.description, c.created_by,
			COALESCE(array_agg(m.user_id ORDER BY m.joined_at, m.user_id) FILTER (WHERE m.can_post), '{}'),
			COALESCE(array_agg(m.user_id ORDER BY m.joined_at, m.user_id) FILTER (WHERE m.can_invite), '{}'),
			COALESCE(array_agg(m.user_id ORDER BY m.joined_at, m.user_id) FILTER (WHERE m.can_manage), '{}')
		FROM channels c
		LEFT JOIN channel_members m ON m.channel_id = c.id
		WHERE c.type = 'public'
			OR EXISTS (SELECT 1 FROM channel_members x WHERE x.channel_id = c.id AND x.user_id = $1)
		GROUP BY c.id
		ORDER BY c.name, c.id
	`

	rows, err := s.pool.Query(ctx, query, s.localUserID)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []messaging.Channel
	for rows.Next() {
		var ch messaging.Channel
		var chType string
		if err := rows.Scan(
			&ch.ID,
			&ch.Name,
			&chType,
			&ch.Description,
			&ch.CreatedBy,
			&ch.Permissions.CanPost,
			&ch.Permissions.CanInvite,
			&ch.Permissions.CanManage,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Type = messaging.ChannelType(chType)
		ch.MemberCount = len(ch.Permissions.CanPost)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PostgresSource) ListChannelMessages(ctx context.Context, channelID string) ([]messaging.Message, error) {
	query := `
		SELECT id, sender_id, content, type, COALESCE(reply_to, ''), is_edited, delivered, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at, id
	`
	return s.listMessages(ctx, query, channelID)
}

func (s *PostgresSource) ListDirectMessages(ctx context.Context, peerUserID string) ([]messaging.Message, error) {
	query := `
		SELECT id, sender_id, content, type, COALESCE(reply_to, ''), is_edited, delivered, created_at
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at, id
	`
	return s.listMessages(ctx, query, s.localUserID, peerUserID)
}

func (s *PostgresSource) ListTenantUsers(ctx context.Context, tenantID string) ([]messaging.ChatUser, error) {
	query := `
		SELECT id, name, role, status
		FROM users
		WHERE tenant_id = $1
		ORDER BY name, id
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []messaging.ChatUser
	for rows.Next() {
		var u messaging.ChatUser
		var status string
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &status); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Status = messaging.UserStatus(status)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresSource) listMessages(ctx context.Context, query string, args ...any) ([]messaging.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	var (
		out   []messaging.Message
		ids   []string
		index = make(map[string]int)
	)
	for rows.Next() {
		var m messaging.Message
		var msgType string
		if err := rows.Scan(
			&m.ServerID,
			&m.SenderID,
			&m.Content,
			&msgType,
			&m.ReplyTo,
			&m.IsEdited,
			&m.Delivery.Delivered,
			&m.Timestamp,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = messaging.MessageType(msgType)
		m.Delivery.Sent = true
		m.Delivery.LastUpdated = m.Timestamp
		index[m.ServerID] = len(out)
		ids = append(ids, m.ServerID)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	if err := s.attachFiles(ctx, ids, index, out); err != nil {
		return nil, err
	}
	if err := s.attachReactions(ctx, ids, index, out); err != nil {
		return nil, err
	}
	if err := s.attachReads(ctx, ids, index, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresSource) attachFiles(ctx context.Context, ids []string, index map[string]int, out []messaging.Message) error {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, name, url, mime_type, size_bytes
		FROM message_files
		WHERE message_id = ANY($1)
		ORDER BY message_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var f messaging.File
		if err := rows.Scan(&id, &f.Name, &f.URL, &f.MimeType, &f.SizeBytes); err != nil {
			return fmt.Errorf("scan file: %w", err)
		}
		if i, ok := index[id]; ok {
			out[i].Files = append(out[i].Files, f)
		}
	}
	return rows.Err()
}

func (s *PostgresSource) attachReactions(ctx context.Context, ids []string, index map[string]int, out []messaging.Message) error {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, emoji, array_agg(user_id ORDER BY created_at, user_id)
		FROM message_reactions
		WHERE message_id = ANY($1)
		GROUP BY message_id, emoji
		ORDER BY message_id, MIN(created_at), emoji
	`, ids)
	if err != nil {
		return fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var r messaging.Reaction
		if err := rows.Scan(&id, &r.Emoji, &r.Users); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		if i, ok := index[id]; ok {
			out[i].Reactions = append(out[i].Reactions, r)
		}
	}
	return rows.Err()
}

func (s *PostgresSource) attachReads(ctx context.Context, ids []string, index map[string]int, out []messaging.Message) error {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY message_id, read_at, user_id
	`, ids)
	if err != nil {
		return fmt.Errorf("query reads: %w", err)
	}

	var (
		id     string
		userID string
		readAt time.Time
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &userID, &readAt}, func() error {
		i, ok := index[id]
		if !ok || userID == out[i].SenderID {
			return nil
		}
		out[i].ReadBy = append(out[i].ReadBy, messaging.ReadReceipt{UserID: userID, ReadAt: readAt})
		out[i].Delivery.Delivered = true
		out[i].Delivery.Read = true
		if readAt.After(out[i].Delivery.LastUpdated) {
			out[i].Delivery.LastUpdated = readAt
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan reads: %w", err)
	}
	return nil
}
