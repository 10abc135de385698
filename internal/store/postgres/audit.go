package postgres

import (
	"context"
	"encoding/json"

	"github.com/identra/identra/internal/store"
)

func (s *Store) AppendAudit(ctx context.Context, e *store.AuditEntry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, ts, user_id, client_id, action, resource,
			ip_address, user_agent, success, error_message, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Timestamp, e.UserID, nullStr(e.ClientID), e.Action, e.Resource,
		nullStr(e.IPAddress), nullStr(e.UserAgent), e.Success,
		nullStr(e.ErrorMessage), meta,
	)
	return translateErr(err)
}
