package store

import (
	"database/sql"
	"fmt"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

func (s *Store) GetChannelConnection(id string) (*model.ChannelConnection, error) {
	var c model.ChannelConnection
	var defaultQueue, defaultFlow, fallbackQueue sql.NullString
	row := s.db.QueryRow(`SELECT id, alias, provider_phone_id, display_number, access_token_enc, verify_token_enc,
		is_active, default_queue_id, default_flow_id, bot_timeout_minutes, fallback_queue_id
		FROM channel_connections WHERE id = ?`, id)
	if err := row.Scan(&c.ID, &c.Alias, &c.ProviderPhoneID, &c.DisplayNumber, &c.AccessTokenEnc, &c.VerifyTokenEnc,
		&c.IsActive, &defaultQueue, &defaultFlow, &c.BotTimeoutMinutes, &fallbackQueue); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("channel connection %q not found", id))
		}
		return nil, errs.Wrap(errs.KindInternal, "get channel connection", err)
	}
	c.DefaultQueueID = defaultQueue.String
	c.DefaultFlowID = defaultFlow.String
	c.FallbackQueueID = fallbackQueue.String
	return &c, nil
}

// GetChannelConnectionByProviderPhoneID resolves the internal channel
// connection a webhook delivery belongs to: InboundEvent.
// ChannelConnectionID carries the provider's own phone_number_id, not
// our row id, since the codec has no store access to translate it
// itself.
func (s *Store) GetChannelConnectionByProviderPhoneID(providerPhoneID string) (*model.ChannelConnection, error) {
	row := s.db.QueryRow(`SELECT id FROM channel_connections WHERE provider_phone_id = ?`, providerPhoneID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("no channel connection for provider phone id %q", providerPhoneID))
		}
		return nil, errs.Wrap(errs.KindInternal, "lookup channel connection by provider phone id", err)
	}
	return s.GetChannelConnection(id)
}

func (s *Store) ListChannelConnections() ([]*model.ChannelConnection, error) {
	rows, err := s.db.Query(`SELECT id FROM channel_connections WHERE is_active = 1`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list channel connections", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan channel connection id", err)
		}
		ids = append(ids, id)
	}
	out := make([]*model.ChannelConnection, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChannelConnection(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) SaveChannelConnection(c *model.ChannelConnection) error {
	_, err := s.db.Exec(`INSERT INTO channel_connections
		(id, alias, provider_phone_id, display_number, access_token_enc, verify_token_enc, is_active,
		 default_queue_id, default_flow_id, bot_timeout_minutes, fallback_queue_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET alias = excluded.alias, provider_phone_id = excluded.provider_phone_id,
			display_number = excluded.display_number, access_token_enc = excluded.access_token_enc,
			verify_token_enc = excluded.verify_token_enc, is_active = excluded.is_active,
			default_queue_id = excluded.default_queue_id, default_flow_id = excluded.default_flow_id,
			bot_timeout_minutes = excluded.bot_timeout_minutes, fallback_queue_id = excluded.fallback_queue_id`,
		c.ID, c.Alias, c.ProviderPhoneID, c.DisplayNumber, c.AccessTokenEnc, c.VerifyTokenEnc, c.IsActive,
		c.DefaultQueueID, c.DefaultFlowID, c.BotTimeoutMinutes, c.FallbackQueueID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "save channel connection", err)
	}
	return nil
}
