package runtime

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/g960059/agtdeck/internal/db"
)

const clientIDKey = "client_id"

// Prefs is the slice of the prefs store identity needs. *db.Store satisfies
// it.
type Prefs interface {
	LoadPref(ctx context.Context, key string) (string, error)
	SavePref(ctx context.Context, key, value string) error
}

// ClientID returns the stable uuid identifying this install, minting and
// persisting one on first run. The id rides the X-Client-ID header on the
// WebSocket dial and every REST call so the orchestrator can tell clients
// apart.
//
// The returned id is always usable: when the prefs store cannot be read or
// written a fresh ephemeral id comes back along with the error, and the
// caller keeps running without persistence.
func ClientID(ctx context.Context, prefs Prefs) (string, error) {
	stored, err := prefs.LoadPref(ctx, clientIDKey)
	switch {
	case err == nil:
		if _, parseErr := uuid.Parse(stored); parseErr == nil {
			return stored, nil
		}
		// Corrupt value: fall through and mint a replacement.
	case !errors.Is(err, db.ErrNotFound):
		return uuid.NewString(), err
	}

	id := uuid.NewString()
	if err := prefs.SavePref(ctx, clientIDKey, id); err != nil {
		return id, err
	}
	return id, nil
}
