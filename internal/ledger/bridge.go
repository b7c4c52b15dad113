package ledger

import "context"

// Bridge translates between the application-generated internal identifier and
// the ledger-assigned external identifier. Lookups always go to the ledger;
// there is no local cache to drift out of sync.
type Bridge struct {
	client *Client
}

func NewBridge(client *Client) *Bridge {
	return &Bridge{client: client}
}

// ExternalIDFor returns the external identifier bound to internalID.
// ErrNotFound means the ledger-side record does not exist yet; callers must
// not treat that as a failure.
func (b *Bridge) ExternalIDFor(ctx context.Context, internalID string) (uint64, error) {
	entry, err := b.client.GetSessionByInternalID(ctx, internalID)
	if err != nil {
		return 0, err
	}
	return entry.ExternalID, nil
}

// InternalIDFor returns the internal identifier the ledger recorded as a
// cross-reference for externalID.
func (b *Bridge) InternalIDFor(ctx context.Context, externalID uint64) (string, error) {
	entry, err := b.client.GetSessionByExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	return entry.InternalID, nil
}
