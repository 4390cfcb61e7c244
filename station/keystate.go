package station

import (
	"time"

	"github.com/getcaravan/caravan/schemas"
)

// keyState is the runtime ledger of one API key. Exactly one worker
// goroutine owns it, so no locking is needed.
type keyState struct {
	key schemas.APIKey

	// tokensInUse is the summed token estimate of every unprocessed batch
	// on the key. Rebuilt from the store during sync, adjusted in place as
	// batches are created and reconciled.
	tokensInUse int64

	// availableAt gates the whole tick. The zero value means available.
	availableAt time.Time
}

func newKeyState(key schemas.APIKey) *keyState {
	return &keyState{key: key}
}

// cooldown pushes availableAt out by d, never pulling it closer.
func (k *keyState) cooldown(d time.Duration) {
	until := time.Now().Add(d)
	if until.After(k.availableAt) {
		k.availableAt = until
	}
}

// release frees the tokens held by a batch that finished reconciling.
func (k *keyState) release(tokens int64) {
	k.tokensInUse -= tokens
	if k.tokensInUse < 0 {
		k.tokensInUse = 0
	}
}
