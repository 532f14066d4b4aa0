package session

// Session is one refresh-token lineage: created at login, carried forward
// through rotations, destroyed on logout or eviction.
//
// Session instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Session struct {
	SessionID string
	UserID    string

	RefreshHash     [32]byte
	FingerprintHash [32]byte

	CreatedAt int64
	ExpiresAt int64
}
