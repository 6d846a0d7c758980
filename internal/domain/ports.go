package domain

import "context"

// ChangeFeed delivers row changes for a named resource. The returned
// channel is closed when ctx is done or the feed shuts down.
// Implementations can be in-memory, polling, Supabase Realtime, or
// Postgres LISTEN/NOTIFY.
type ChangeFeed interface {
	Subscribe(ctx context.Context, resource string) (<-chan ChangeEvent, error)
}

// ServiceDirectory resolves service ids to display names.
type ServiceDirectory interface {
	ServiceName(ctx context.Context, id string) (string, error)
}

// CallLog keeps the history of finished announcements.
type CallLog interface {
	Record(ctx context.Context, rec CallRecord) error
	ListCalls(ctx context.Context, limit int) ([]CallRecord, error)
}

// SnapshotListener observes phase changes. Implementations must not block.
type SnapshotListener interface {
	OnSnapshot(s Snapshot)
}

// SnapshotFunc adapts a plain function to SnapshotListener.
type SnapshotFunc func(Snapshot)

// OnSnapshot calls f(s).
func (f SnapshotFunc) OnSnapshot(s Snapshot) { f(s) }
