package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

// LinkAttachment records a media attachment against an already
// persisted message.
func (s *Store) LinkAttachment(att *model.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO attachments
		(id, message_id, type, url, thumbnail, filename, mimetype, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.MessageID, att.Type, att.URL, att.Thumbnail, att.Filename, att.Mimetype, att.Size, att.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "link attachment", err)
	}
	return nil
}

// GetAttachments returns every attachment linked to messageID.
func (s *Store) GetAttachments(messageID string) ([]*model.Attachment, error) {
	rows, err := s.db.Query(`SELECT id, message_id, type, url, thumbnail, filename, mimetype, size, created_at
		FROM attachments WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "query attachments", err)
	}
	defer rows.Close()

	var out []*model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Type, &a.URL, &a.Thumbnail, &a.Filename, &a.Mimetype, &a.Size, &a.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan attachment", err)
		}
		out = append(out, &a)
	}
	return out, nil
}
