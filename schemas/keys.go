package schemas

import "fmt"

// APIKey is one provider credential together with its batch quota. Each key
// is driven by exactly one station worker, so runtime quota state lives with
// the worker rather than here.
type APIKey struct {
	// Label identifies the key in logs, metrics, and batch rows. It must be
	// unique across the configured bundle.
	Label string `json:"label"`

	// Value is the secret. Config files may use "env.NAME" indirection
	// instead of inlining it.
	Value string `json:"value"`

	// BatchQueueLimit is the provider-enforced ceiling on enqueued tokens
	// for this key. The packer sizes batch input files against it.
	BatchQueueLimit int64 `json:"batch_queue_limit"`
}

// Validate checks the key is usable for batch submission.
func (k *APIKey) Validate() error {
	if k.Label == "" {
		return fmt.Errorf("api key label must not be empty")
	}
	if k.Value == "" {
		return fmt.Errorf("api key %q has no value", k.Label)
	}
	if k.BatchQueueLimit <= 0 {
		return fmt.Errorf("api key %q has non-positive batch queue limit %d", k.Label, k.BatchQueueLimit)
	}
	return nil
}
