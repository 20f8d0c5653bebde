package connector

// AppState is the foreground state of the app hosting a chat session.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	// AppStateInactive is a transient state, e.g. while the terminal is being
	// suspended. Polling pauses as in the background.
	AppStateInactive AppState = "inactive"
)

func (s AppState) IsForeground() bool {
	return s == AppStateActive
}

// LifecycleTarget receives app state changes.
type LifecycleTarget interface {
	SetAppState(state AppState)
}

var (
	_ LifecycleTarget = (*ChatClient)(nil)
	_ LifecycleTarget = (*SyncDriver)(nil)
)

// SetAppState pauses or resumes polling for state.
func (d *SyncDriver) SetAppState(state AppState) {
	d.SetForeground(state.IsForeground())
}
